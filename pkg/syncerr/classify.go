package syncerr

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// MayBeTransient reports whether err might go away if the same operation is
// tried again later without any configuration change.
func MayBeTransient(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	switch e.Domain {
	case NetworkDomain:
		switch e.Code {
		case DNSFailure, Timeout, NetworkReset, ConnectionAborted, ConnectionReset, ConnectionRefused:
			return true
		}
	case HTTPDomain:
		switch e.Code {
		case 408, 429, 502, 503, 504:
			return true
		}
	case WebSocketDomain:
		switch e.Code {
		case CloseGoingAway, CloseAbnormal, 408, 429, 502, 503, 504:
			return true
		}
	}
	return false
}

// MayBeNetworkDependent reports whether err is tied to the current state of
// the network, so a change in reachability could fix it.
func MayBeNetworkDependent(err error) bool {
	e, ok := As(err)
	if !ok || e.Domain != NetworkDomain {
		return false
	}
	switch e.Code {
	case DNSFailure, UnknownHost, NetworkDown, NetworkUnreachable, NotConnected,
		Timeout, HostDown, HostUnreachable, AddressNotAvailable, BrokenPipe:
		return true
	}
	return false
}

// FromNetError converts an error returned by the net, tls or io packages into
// a classified *Error. Errors that are already classified pass through. A
// nil error stays nil.
func FromNetError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	return &Error{Domain: NetworkDomain, Code: networkCode(err), Cause: err}
}

func networkCode(err error) int {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return UnknownHost
		}
		return DNSFailure
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if code, ok := errnoCodes[errno]; ok {
			return code
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout
	}

	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) {
		if invalid.Reason == x509.Expired {
			return TLSCertExpired
		}
		return TLSCertUntrusted
	}
	var unknownRoot x509.UnknownAuthorityError
	if errors.As(err, &unknownRoot) {
		return TLSCertUnknownRoot
	}
	var hostname x509.HostnameError
	if errors.As(err, &hostname) {
		return TLSCertNameMismatch
	}
	var verify *tls.CertificateVerificationError
	if errors.As(err, &verify) {
		return TLSCertUntrusted
	}
	var record tls.RecordHeaderError
	if errors.As(err, &record) {
		return TLSHandshakeFailed
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ConnectionReset
	}
	return ConnectionAborted
}

var errnoCodes = map[syscall.Errno]int{
	syscall.ECONNREFUSED:  ConnectionRefused,
	syscall.ECONNRESET:    ConnectionReset,
	syscall.ECONNABORTED:  ConnectionAborted,
	syscall.ENETRESET:     NetworkReset,
	syscall.ENETDOWN:      NetworkDown,
	syscall.ENETUNREACH:   NetworkUnreachable,
	syscall.ENOTCONN:      NotConnected,
	syscall.ETIMEDOUT:     Timeout,
	syscall.EHOSTDOWN:     HostDown,
	syscall.EHOSTUNREACH:  HostUnreachable,
	syscall.EADDRNOTAVAIL: AddressNotAvailable,
	syscall.EPIPE:         BrokenPipe,
}
