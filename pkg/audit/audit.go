// Package audit records who connected to a peer and what they were allowed
// to do, in memory and optionally in a tamper-evident file.
package audit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action types for audit events
type Action string

const (
	ActionAuth       Action = "auth"
	ActionConnect    Action = "connect"
	ActionDisconnect Action = "disconnect"
	ActionCheckpoint Action = "checkpoint"
	ActionPush       Action = "push"
)

// ResourceType represents the type of resource being accessed
type ResourceType string

const (
	ResourceDatabase   ResourceType = "database"
	ResourceCheckpoint ResourceType = "checkpoint"
	ResourceDocument   ResourceType = "document"
)

// Status represents the outcome of an action
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Event represents a single audit log entry
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Subject      string         `json:"subject,omitempty"`
	Database     string         `json:"database,omitempty"`
	Action       Action         `json:"action"`
	ResourceType ResourceType   `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Status       Status         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RemoteAddr   string         `json:"remote_addr,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Filter represents filtering criteria for audit events
type Filter struct {
	Subject      string
	Database     string
	Action       Action
	ResourceType ResourceType
	Status       Status
	StartTime    *time.Time
	EndTime      *time.Time
}

func (f *Filter) matches(e *Event) bool {
	switch {
	case f == nil:
		return true
	case f.Subject != "" && e.Subject != f.Subject,
		f.Database != "" && e.Database != f.Database,
		f.Action != "" && e.Action != f.Action,
		f.ResourceType != "" && e.ResourceType != f.ResourceType,
		f.Status != "" && e.Status != f.Status,
		f.StartTime != nil && e.Timestamp.Before(*f.StartTime),
		f.EndTime != nil && e.Timestamp.After(*f.EndTime):
		return false
	}
	return true
}

// Logger is the interface for audit logging implementations.
type Logger interface {
	// Log records an audit event
	Log(event *Event) error

	// GetEventCount returns the number of events logged
	GetEventCount() int64
}

// AuditLogger keeps the most recent events in a circular buffer
type AuditLogger struct {
	events     []*Event
	bufferSize int
	index      int
	count      int
	mu         sync.RWMutex
}

// NewAuditLogger creates a new audit logger with specified buffer size
func NewAuditLogger(bufferSize int) *AuditLogger {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &AuditLogger{
		events:     make([]*Event, bufferSize),
		bufferSize: bufferSize,
	}
}

// Log records an audit event
func (l *AuditLogger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stamp(event)
	l.events[l.index] = event
	l.index = (l.index + 1) % l.bufferSize
	if l.count < l.bufferSize {
		l.count++
	}
	return nil
}

// GetEvents returns stored events, oldest first, that match filter.
func (l *AuditLogger) GetEvents(filter *Filter) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Event, 0, l.count)
	for i := 0; i < l.count; i++ {
		idx := (l.index - l.count + i + l.bufferSize) % l.bufferSize
		if event := l.events[idx]; event != nil && filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

// GetRecentEvents returns the N most recent events, newest first
func (l *AuditLogger) GetRecentEvents(n int) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n = min(n, l.count)
	result := make([]*Event, 0, n)
	for i := 0; i < n; i++ {
		idx := (l.index - 1 - i + l.bufferSize) % l.bufferSize
		result = append(result, l.events[idx])
	}
	return result
}

// GetEventCount returns the total number of events currently stored
func (l *AuditLogger) GetEventCount() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(l.count)
}

// Tee returns a Logger that logs to every non-nil logger. Errors are joined.
func Tee(loggers ...Logger) Logger {
	var t tee
	for _, l := range loggers {
		if l != nil {
			t = append(t, l)
		}
	}
	return t
}

type tee []Logger

func (t tee) Log(event *Event) error {
	stamp(event)
	var errs []error
	for _, l := range t {
		if err := l.Log(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t tee) GetEventCount() int64 {
	if len(t) == 0 {
		return 0
	}
	return t[0].GetEventCount()
}

func stamp(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
}

// NewEvent creates a successful event
func NewEvent(subject string, action Action, resourceType ResourceType, resourceID string) *Event {
	return &Event{
		ID:           uuid.New().String(),
		Timestamp:    time.Now(),
		Subject:      subject,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Status:       StatusSuccess,
	}
}

// NewFailedEvent creates a failed event with error message
func NewFailedEvent(subject string, action Action, resourceType ResourceType, resourceID string, err error) *Event {
	e := NewEvent(subject, action, resourceType, resourceID)
	e.Status = StatusFailure
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	return e
}

// String returns a human-readable representation of an event
func (e *Event) String() string {
	subject := e.Subject
	if subject == "" {
		subject = "anonymous"
	}
	return fmt.Sprintf("[%s] %s %s %s %s (db: %s, status: %s)",
		e.Timestamp.Format(time.RFC3339),
		subject,
		e.Action,
		e.ResourceType,
		e.ResourceID,
		e.Database,
		e.Status,
	)
}
