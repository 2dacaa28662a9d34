package logging

import "sync"

// CapturedEntry is one call recorded by a CaptureLogger
type CapturedEntry struct {
	Level   Level
	Message string
	Fields  map[string]any
}

// CaptureLogger keeps entries in memory so tests can assert on them.
type CaptureLogger struct {
	mu      *sync.Mutex
	entries *[]CapturedEntry
	fields  []Field
}

// NewCaptureLogger creates an empty CaptureLogger
func NewCaptureLogger() *CaptureLogger {
	return &CaptureLogger{mu: &sync.Mutex{}, entries: &[]CapturedEntry{}}
}

func (c *CaptureLogger) record(level Level, msg string, fields []Field) {
	m := make(map[string]any, len(c.fields)+len(fields))
	for _, f := range c.fields {
		m[f.Key] = f.Value
	}
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	c.mu.Lock()
	*c.entries = append(*c.entries, CapturedEntry{Level: level, Message: msg, Fields: m})
	c.mu.Unlock()
}

func (c *CaptureLogger) Debug(msg string, fields ...Field) { c.record(DebugLevel, msg, fields) }
func (c *CaptureLogger) Info(msg string, fields ...Field)  { c.record(InfoLevel, msg, fields) }
func (c *CaptureLogger) Warn(msg string, fields ...Field)  { c.record(WarnLevel, msg, fields) }
func (c *CaptureLogger) Error(msg string, fields ...Field) { c.record(ErrorLevel, msg, fields) }
func (c *CaptureLogger) SetLevel(level Level)              {}
func (c *CaptureLogger) GetLevel() Level                   { return DebugLevel }

func (c *CaptureLogger) With(fields ...Field) Logger {
	child := &CaptureLogger{mu: c.mu, entries: c.entries}
	child.fields = append(append(child.fields, c.fields...), fields...)
	return child
}

// Entries returns a copy of everything logged so far, including by children.
func (c *CaptureLogger) Entries() []CapturedEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CapturedEntry(nil), (*c.entries)...)
}

// Count returns how many entries were logged at level with the given message.
func (c *CaptureLogger) Count(level Level, msg string) int {
	n := 0
	for _, e := range c.Entries() {
		if e.Level == level && e.Message == msg {
			n++
		}
	}
	return n
}
