package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Severity levels for audit events
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// PersistentEvent is an Event as written to disk, chained to its
// predecessor by hash.
type PersistentEvent struct {
	*Event
	Severity     Severity `json:"severity"`
	PreviousHash string   `json:"previous_hash,omitempty"`
	EventHash    string   `json:"event_hash"`
}

// PersistentAuditConfig holds configuration for persistent audit logging
type PersistentAuditConfig struct {
	LogDir       string // Directory to store audit logs
	RotationSize int64  // Start a new file when the current one exceeds this size
}

// DefaultPersistentConfig returns default configuration
func DefaultPersistentConfig() *PersistentAuditConfig {
	return &PersistentAuditConfig{
		LogDir:       "./data/audit",
		RotationSize: 100 * 1024 * 1024,
	}
}

// PersistentAuditLogger appends events to JSONL files. Each file is its own
// hash chain, so VerifyIntegrity can check one file at a time.
type PersistentAuditLogger struct {
	logDir       string
	rotationSize int64

	mu           sync.Mutex
	currentFile  *os.File
	writer       *bufio.Writer
	lastHash     string
	eventCount   int64
	bytesWritten int64
	part         int
}

// NewPersistentAuditLogger creates a new persistent audit logger
func NewPersistentAuditLogger(config *PersistentAuditConfig) (*PersistentAuditLogger, error) {
	if err := os.MkdirAll(config.LogDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	l := &PersistentAuditLogger{
		logDir:       config.LogDir,
		rotationSize: config.RotationSize,
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

// LogPersistent writes an event to disk and syncs it before returning.
func (l *PersistentAuditLogger) LogPersistent(event *Event, severity Severity) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stamp(event)
	pe := &PersistentEvent{Event: event, Severity: severity, PreviousHash: l.lastHash}
	hash, err := hashEvent(pe)
	if err != nil {
		return err
	}
	pe.EventHash = hash

	line, err := json.Marshal(pe)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	n, err := l.writer.Write(append(line, '\n'))
	if err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	if err := l.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log to disk: %w", err)
	}

	l.lastHash = hash
	l.eventCount++
	l.bytesWritten += int64(n)
	if l.rotationSize > 0 && l.bytesWritten >= l.rotationSize {
		return l.rotate()
	}
	return nil
}

// Log writes an event with Info severity, or Warning for failures.
func (l *PersistentAuditLogger) Log(event *Event) error {
	if event.Status == StatusFailure {
		return l.LogPersistent(event, SeverityWarning)
	}
	return l.LogPersistent(event, SeverityInfo)
}

// GetEventCount returns the number of events logged since the logger opened
func (l *PersistentAuditLogger) GetEventCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eventCount
}

// CurrentFile returns the path of the file being appended to.
func (l *PersistentAuditLogger) CurrentFile() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentFile.Name()
}

// Close closes the audit logger
func (l *PersistentAuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	flushErr := l.writer.Flush()
	closeErr := l.currentFile.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// openLogFile opens today's file, skipping parts that are already full,
// and resumes its hash chain.
func (l *PersistentAuditLogger) openLogFile() error {
	day := time.Now().Format("2006-01-02")
	for {
		name := filepath.Join(l.logDir, logFilename(day, l.part))
		stat, err := os.Stat(name)
		if err == nil && l.rotationSize > 0 && stat.Size() >= l.rotationSize {
			l.part++
			continue
		}

		lastHash, err := lastHashIn(name)
		if err != nil {
			return err
		}
		file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		stat, err = file.Stat()
		if err != nil {
			file.Close()
			return fmt.Errorf("failed to stat log file: %w", err)
		}

		l.currentFile = file
		l.writer = bufio.NewWriter(file)
		l.bytesWritten = stat.Size()
		l.lastHash = lastHash
		return nil
	}
}

func (l *PersistentAuditLogger) rotate() error {
	if err := l.currentFile.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	l.part++
	return l.openLogFile()
}

func logFilename(day string, part int) string {
	if part == 0 {
		return fmt.Sprintf("audit-%s.jsonl", day)
	}
	return fmt.Sprintf("audit-%s.%d.jsonl", day, part)
}

// lastHashIn returns the hash of the last event in an existing file.
func lastHashIn(name string) (string, error) {
	file, err := os.Open(name)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer file.Close()

	var last string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		var pe PersistentEvent
		if err := json.Unmarshal(scanner.Bytes(), &pe); err != nil {
			return "", fmt.Errorf("%s: unreadable audit entry: %w", name, err)
		}
		last = pe.EventHash
	}
	return last, scanner.Err()
}

func hashEvent(pe *PersistentEvent) (string, error) {
	unhashed := *pe
	unhashed.EventHash = ""
	data, err := json.Marshal(unhashed)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyIntegrity checks the hash chain of one audit file.
func VerifyIntegrity(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var previousHash string
	for lineNum := 1; scanner.Scan(); lineNum++ {
		var pe PersistentEvent
		if err := json.Unmarshal(scanner.Bytes(), &pe); err != nil {
			return fmt.Errorf("line %d: failed to parse event: %w", lineNum, err)
		}
		if pe.PreviousHash != previousHash {
			return fmt.Errorf("line %d: hash chain broken", lineNum)
		}
		hash, err := hashEvent(&pe)
		if err != nil {
			return err
		}
		if hash != pe.EventHash {
			return fmt.Errorf("line %d: event hash mismatch", lineNum)
		}
		previousHash = pe.EventHash
	}
	return scanner.Err()
}
