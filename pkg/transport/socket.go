// Package transport provides the blocking client byte stream used while a
// replication connection is negotiated, and hands the open connection to the
// message layer once negotiation succeeds.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dd0wney/cluso-sync/pkg/negotiate"
	"github.com/dd0wney/cluso-sync/pkg/syncerr"
)

// Options configures a Socket.
type Options struct {
	// ConnectTimeout bounds dialing and each TLS handshake.
	ConnectTimeout time.Duration
	// IOTimeout bounds each read or write during negotiation. Zero means
	// only the context deadline applies.
	IOTimeout time.Duration
	// PinnedCert, if set, must equal the peer's leaf certificate exactly;
	// normal chain verification is then skipped.
	PinnedCert *x509.Certificate
	// RootCAs overrides the system roots.
	RootCAs *x509.CertPool
	// Dialer overrides the default net.Dialer.
	Dialer *net.Dialer
}

const defaultConnectTimeout = 15 * time.Second

// Socket is a client TCP connection that can be upgraded to TLS in place.
type Socket struct {
	opts   Options
	conn   net.Conn
	reader *bufio.Reader
	peer   []*x509.Certificate
}

var _ negotiate.ClientSocket = (*Socket)(nil)

// New creates an unconnected Socket.
func New(opts Options) *Socket {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	return &Socket{opts: opts}
}

func (s *Socket) Connect(ctx context.Context, addr negotiate.Address) error {
	if s.conn != nil {
		return errors.New("socket already connected")
	}
	dialer := s.opts.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: s.opts.ConnectTimeout, KeepAlive: 30 * time.Second}
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr.HostPort())
	if err != nil {
		return syncerr.FromNetError(err)
	}
	s.setConn(conn)
	if addr.IsSecure() {
		if err := s.WrapTLS(ctx, addr.Hostname); err != nil {
			s.Close()
			return err
		}
	}
	return nil
}

func (s *Socket) setConn(conn net.Conn) {
	s.conn = conn
	s.reader = bufio.NewReader(conn)
}

func (s *Socket) Connected() bool {
	return s.conn != nil
}

func (s *Socket) WrapTLS(ctx context.Context, hostname string) error {
	if s.conn == nil {
		return syncerr.Network(syncerr.NotConnected).Err()
	}
	if s.reader.Buffered() > 0 {
		return syncerr.Sync(syncerr.Unexpected).Message("unread data before TLS handshake").Err()
	}

	cfg := &tls.Config{
		ServerName: hostname,
		RootCAs:    s.opts.RootCAs,
		MinVersion: tls.VersionTLS12,
	}
	if pinned := s.opts.PinnedCert; pinned != nil {
		// The pin replaces chain verification; VerifyConnection still runs.
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 || !cs.PeerCertificates[0].Equal(pinned) {
				return syncerr.Network(syncerr.TLSCertUntrusted).Message("server certificate does not match pinned certificate").Err()
			}
			return nil
		}
	}

	hctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()
	tlsConn := tls.Client(s.conn, cfg)
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		var se *syncerr.Error
		if errors.As(err, &se) {
			return se
		}
		if e, ok := syncerr.As(syncerr.FromNetError(err)); ok && e.Code == syncerr.ConnectionAborted {
			return syncerr.Network(syncerr.TLSHandshakeFailed).Cause(err).Err()
		}
		return syncerr.FromNetError(err)
	}
	s.peer = tlsConn.ConnectionState().PeerCertificates
	s.setConn(tlsConn)
	return nil
}

// PeerCertificates returns the chain the server presented, if TLS is active.
func (s *Socket) PeerCertificates() []*x509.Certificate {
	return s.peer
}

func (s *Socket) deadline(ctx context.Context) time.Time {
	var d time.Time
	if s.opts.IOTimeout > 0 {
		d = time.Now().Add(s.opts.IOTimeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}

func (s *Socket) Write(ctx context.Context, p []byte) error {
	if s.conn == nil {
		return syncerr.Network(syncerr.NotConnected).Err()
	}
	s.conn.SetWriteDeadline(s.deadline(ctx))
	if _, err := s.conn.Write(p); err != nil {
		return syncerr.FromNetError(err)
	}
	return nil
}

func (s *Socket) ReadToDelimiter(ctx context.Context, delim []byte, max int) ([]byte, error) {
	if s.conn == nil {
		return nil, syncerr.Network(syncerr.NotConnected).Err()
	}
	if len(delim) == 0 {
		return nil, errors.New("empty delimiter")
	}
	s.conn.SetReadDeadline(s.deadline(ctx))
	defer s.conn.SetReadDeadline(time.Time{})

	last := delim[len(delim)-1]
	var buf []byte
	for {
		chunk, err := s.reader.ReadSlice(last)
		buf = append(buf, chunk...)
		if err == nil && bytes.HasSuffix(buf, delim) {
			return buf, nil
		}
		if len(buf) > max {
			return nil, syncerr.HTTP(431).Message("response headers exceed %d bytes", max).Err()
		}
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return nil, syncerr.FromNetError(err)
		}
	}
}

// Detach hands the open connection and its read buffer to the caller. The
// Socket is unusable afterwards.
func (s *Socket) Detach() (net.Conn, *bufio.Reader) {
	conn, r := s.conn, s.reader
	s.conn, s.reader = nil, nil
	return conn, r
}

func (s *Socket) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn, s.reader = nil, nil
	return err
}

// LoadPinnedCert parses a PEM or DER certificate for Options.PinnedCert.
func LoadPinnedCert(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil && block.Type == "CERTIFICATE" {
		data = block.Bytes
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("parse pinned certificate: %w", err)
	}
	return cert, nil
}
