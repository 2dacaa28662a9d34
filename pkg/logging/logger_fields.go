package logging

import (
	"time"
)

// Common field constructors
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

func Component(name string) Field {
	return String("component", name)
}

func Operation(op string) Field {
	return String("operation", op)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

func Count(n int) Field {
	return Int("count", n)
}

// Replication-specific fields

func Sequence(seq uint64) Field {
	return Uint64("sequence", seq)
}

func DocID(id string) Field {
	return String("doc_id", id)
}

func RevID(rev string) Field {
	return String("rev_id", rev)
}

func URL(u string) Field {
	return String("url", u)
}

func Attempt(n int) Field {
	return Int("attempt", n)
}

func Status(code int) Field {
	return Int("http_status", code)
}

// Stringer records the String() form of v.
func Stringer(key string, v interface{ String() string }) Field {
	return String(key, v.String())
}
