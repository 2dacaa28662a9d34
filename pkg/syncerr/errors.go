// Package syncerr defines the error taxonomy shared by the replication
// packages: which layer produced a failure, a numeric code within that layer,
// and whether retrying the session could help.
package syncerr

import (
	"errors"
	"fmt"
)

// Domain identifies the layer that produced an error.
type Domain uint8

const (
	NetworkDomain   Domain = iota + 1 // socket, DNS, TLS
	HTTPDomain                        // code is an HTTP status
	WebSocketDomain                   // code is a WebSocket close code
	SyncDomain                        // replication protocol and local logic
	StorageDomain                     // local database I/O
)

func (d Domain) String() string {
	switch d {
	case NetworkDomain:
		return "Network"
	case HTTPDomain:
		return "HTTP"
	case WebSocketDomain:
		return "WebSocket"
	case SyncDomain:
		return "Sync"
	case StorageDomain:
		return "Storage"
	default:
		return "Unknown"
	}
}

// Network domain codes
const (
	DNSFailure = iota + 1
	UnknownHost
	Timeout
	InvalidURL
	TooManyRedirects
	TLSHandshakeFailed
	TLSCertExpired
	TLSCertUntrusted
	TLSCertUnknownRoot
	TLSCertNameMismatch
	InvalidRedirect
	NetworkReset
	ConnectionAborted
	ConnectionReset
	ConnectionRefused
	NetworkDown
	NetworkUnreachable
	NotConnected
	HostDown
	HostUnreachable
	AddressNotAvailable
	BrokenPipe
)

// WebSocket close codes (RFC 6455 §7.4.1)
const (
	CloseNormal         = 1000
	CloseGoingAway      = 1001
	CloseProtocolError  = 1002
	CloseDataError      = 1003
	CloseNoCode         = 1005
	CloseAbnormal       = 1006
	CloseBadMessage     = 1007
	ClosePolicyError    = 1008
	CloseMessageTooBig  = 1009
	CloseMissingExt     = 1010
	CloseCantFulfill    = 1011
	CloseTLSFailure     = 1015
	CloseFirstAvailable = 4000
)

// Sync domain codes
const (
	Unexpected = iota + 1
	RemoteError
	CorruptRevisionData
	Conflict
	NotFound
	Unsupported
	Stopped
)

// Error is a classified replication failure.
type Error struct {
	Domain  Domain
	Code    int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = defaultMessage(e.Domain, e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s error %d: %s: %v", e.Domain, e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s error %d: %s", e.Domain, e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same domain and code, so callers can
// write errors.Is(err, syncerr.New(syncerr.HTTPDomain, 401)).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Domain == e.Domain && t.Code == e.Code
}

// New returns a bare error with no message or cause.
func New(domain Domain, code int) *Error {
	return &Error{Domain: domain, Code: code}
}

// Builder provides a fluent interface for building Errors.
type Builder struct {
	err Error
}

// Network starts a NetworkDomain error.
func Network(code int) *Builder {
	return &Builder{err: Error{Domain: NetworkDomain, Code: code}}
}

// HTTP starts an HTTPDomain error for the given status.
func HTTP(status int) *Builder {
	return &Builder{err: Error{Domain: HTTPDomain, Code: status}}
}

// WebSocket starts a WebSocketDomain error for the given close code.
func WebSocket(code int) *Builder {
	return &Builder{err: Error{Domain: WebSocketDomain, Code: code}}
}

// Sync starts a SyncDomain error.
func Sync(code int) *Builder {
	return &Builder{err: Error{Domain: SyncDomain, Code: code}}
}

// Storage wraps a local I/O failure.
func Storage(cause error) *Builder {
	return &Builder{err: Error{Domain: StorageDomain, Code: 1, Cause: cause}}
}

func (b *Builder) Message(format string, args ...any) *Builder {
	if len(args) == 0 {
		b.err.Message = format
	} else {
		b.err.Message = fmt.Sprintf(format, args...)
	}
	return b
}

func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

func (b *Builder) Build() *Error {
	e := b.err
	return &e
}

func (b *Builder) Err() error {
	return b.Build()
}

// As extracts the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err's chain holds an *Error with the given domain and code.
func Is(err error, domain Domain, code int) bool {
	return errors.Is(err, New(domain, code))
}

// HTTPStatus returns the HTTP status carried by err, or 0.
func HTTPStatus(err error) int {
	if e, ok := As(err); ok && e.Domain == HTTPDomain {
		return e.Code
	}
	return 0
}

func defaultMessage(domain Domain, code int) string {
	switch domain {
	case NetworkDomain:
		if m, ok := networkMessages[code]; ok {
			return m
		}
	case HTTPDomain:
		return fmt.Sprintf("HTTP status %d", code)
	case WebSocketDomain:
		return fmt.Sprintf("WebSocket close code %d", code)
	case SyncDomain:
		if m, ok := syncMessages[code]; ok {
			return m
		}
	case StorageDomain:
		return "storage failure"
	}
	return "unknown error"
}

var networkMessages = map[int]string{
	DNSFailure:          "DNS lookup failed",
	UnknownHost:         "unknown host",
	Timeout:             "timed out",
	InvalidURL:          "invalid URL",
	TooManyRedirects:    "too many HTTP redirects",
	TLSHandshakeFailed:  "TLS handshake failed",
	TLSCertExpired:      "server TLS certificate expired",
	TLSCertUntrusted:    "server TLS certificate is untrusted",
	TLSCertUnknownRoot:  "server TLS certificate has an unknown root",
	TLSCertNameMismatch: "server TLS certificate name mismatch",
	InvalidRedirect:     "invalid HTTP redirect",
	NetworkReset:        "network reset",
	ConnectionAborted:   "connection aborted",
	ConnectionReset:     "connection reset by peer",
	ConnectionRefused:   "connection refused",
	NetworkDown:         "network is down",
	NetworkUnreachable:  "network is unreachable",
	NotConnected:        "socket not connected",
	HostDown:            "host is down",
	HostUnreachable:     "host is unreachable",
	AddressNotAvailable: "address not available",
	BrokenPipe:          "broken pipe",
}

var syncMessages = map[int]string{
	Unexpected:          "unexpected error",
	RemoteError:         "peer reported an error",
	CorruptRevisionData: "corrupt revision data",
	Conflict:            "conflict",
	NotFound:            "not found",
	Unsupported:         "unsupported operation",
	Stopped:             "replicator stopped",
}
