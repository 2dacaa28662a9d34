// Package wsframe reads and writes RFC 6455 messages over a connection whose
// opening handshake has already been done by package negotiate.
package wsframe

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dd0wney/cluso-sync/pkg/syncerr"
)

// Opcode is a frame opcode.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (o Opcode) isControl() bool { return o&0x8 != 0 }

// DefaultMaxMessageSize bounds a reassembled message.
const DefaultMaxMessageSize = 16 << 20

// Conn is one side of a WebSocket connection. Reads must come from a single
// goroutine; writes may come from several.
type Conn struct {
	conn       net.Conn
	r          *bufio.Reader
	client     bool
	maxMessage int
	maskSource io.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeSent bool
}

// NewClient wraps the client side of an upgraded connection. r may hold
// bytes already read past the handshake; nil means read from conn directly.
func NewClient(conn net.Conn, r *bufio.Reader) *Conn {
	return newConn(conn, r, true)
}

// NewServer wraps the server side, which does not mask its frames.
func NewServer(conn net.Conn, r *bufio.Reader) *Conn {
	return newConn(conn, r, false)
}

func newConn(conn net.Conn, r *bufio.Reader, client bool) *Conn {
	if r == nil {
		r = bufio.NewReader(conn)
	}
	return &Conn{conn: conn, r: r, client: client, maxMessage: DefaultMaxMessageSize, maskSource: rand.Reader}
}

// SetMaxMessageSize changes the largest message ReadMessage accepts. A
// non-positive n restores DefaultMaxMessageSize.
func (c *Conn) SetMaxMessageSize(n int) {
	if n <= 0 {
		n = DefaultMaxMessageSize
	}
	c.maxMessage = n
}

func (c *Conn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

// WriteMessage sends payload as a single unfragmented frame.
func (c *Conn) WriteMessage(op Opcode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closeSent {
		return syncerr.WebSocket(syncerr.CloseNormal).Message("connection is closing").Err()
	}
	return c.writeFrame(op, payload)
}

func (c *Conn) writeFrame(op Opcode, payload []byte) error {
	header := make([]byte, 2, 14)
	header[0] = 0x80 | byte(op)
	n := len(payload)
	switch {
	case n <= 125:
		header[1] = byte(n)
	case n <= 0xFFFF:
		header[1] = 126
		header = binary.BigEndian.AppendUint16(header, uint16(n))
	default:
		header[1] = 127
		header = binary.BigEndian.AppendUint64(header, uint64(n))
	}

	if !c.client {
		if _, err := c.conn.Write(append(header, payload...)); err != nil {
			return syncerr.FromNetError(err)
		}
		return nil
	}

	header[1] |= 0x80
	var key [4]byte
	if _, err := io.ReadFull(c.maskSource, key[:]); err != nil {
		return fmt.Errorf("generate mask: %w", err)
	}
	frame := append(header, key[:]...)
	start := len(frame)
	frame = append(frame, payload...)
	for i := range payload {
		frame[start+i] ^= key[i&3]
	}
	if _, err := c.conn.Write(frame); err != nil {
		return syncerr.FromNetError(err)
	}
	return nil
}

// WriteClose sends a close frame. Later writes fail.
func (c *Conn) WriteClose(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closeSent {
		return nil
	}
	c.closeSent = true
	var payload []byte
	if code != 0 && code != syncerr.CloseNoCode {
		payload = binary.BigEndian.AppendUint16(nil, uint16(code))
		payload = append(payload, reason...)
	}
	return c.writeFrame(OpClose, payload)
}

type frameHeader struct {
	fin    bool
	op     Opcode
	masked bool
	key    [4]byte
	length uint64
}

func (c *Conn) readHeader() (frameHeader, error) {
	var h frameHeader
	var b [8]byte
	if _, err := io.ReadFull(c.r, b[:2]); err != nil {
		return h, err
	}
	if b[0]&0x70 != 0 {
		return h, protocolError("reserved bits set")
	}
	h.fin = b[0]&0x80 != 0
	h.op = Opcode(b[0] & 0x0F)
	h.masked = b[1]&0x80 != 0
	h.length = uint64(b[1] & 0x7F)

	switch h.length {
	case 126:
		if _, err := io.ReadFull(c.r, b[:2]); err != nil {
			return h, err
		}
		h.length = uint64(binary.BigEndian.Uint16(b[:2]))
	case 127:
		if _, err := io.ReadFull(c.r, b[:8]); err != nil {
			return h, err
		}
		h.length = binary.BigEndian.Uint64(b[:8])
		if h.length>>63 != 0 {
			return h, protocolError("invalid payload length")
		}
	}
	if h.op.isControl() && (h.length > 125 || !h.fin) {
		return h, protocolError("invalid control frame")
	}
	if h.masked == c.client {
		return h, protocolError("unexpected frame masking")
	}
	if h.masked {
		if _, err := io.ReadFull(c.r, h.key[:]); err != nil {
			return h, err
		}
	}
	return h, nil
}

func protocolError(msg string) error {
	return syncerr.WebSocket(syncerr.CloseProtocolError).Message("%s", msg).Err()
}

// ReadMessage returns the next text or binary message, answering pings and
// reassembling fragments along the way. When the peer closes, the returned
// error is a WebSocket-domain *syncerr.Error carrying its close code; a
// connection that drops without a close frame reports CloseAbnormal.
func (c *Conn) ReadMessage() (Opcode, []byte, error) {
	var (
		msgOp Opcode
		msg   []byte
		inMsg bool
	)
	for {
		h, err := c.readHeader()
		if err != nil {
			return 0, nil, c.readFailure(err)
		}
		if !h.op.isControl() && h.length > uint64(c.maxMessage-len(msg)) {
			c.WriteClose(syncerr.CloseMessageTooBig, "")
			return 0, nil, syncerr.WebSocket(syncerr.CloseMessageTooBig).Err()
		}
		payload := make([]byte, h.length)
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return 0, nil, c.readFailure(err)
		}
		if h.masked {
			for i := range payload {
				payload[i] ^= h.key[i&3]
			}
		}

		switch h.op {
		case OpPing:
			c.writeMu.Lock()
			if !c.closeSent {
				err = c.writeFrame(OpPong, payload)
			}
			c.writeMu.Unlock()
			if err != nil {
				return 0, nil, err
			}
		case OpPong:
		case OpClose:
			return 0, nil, c.handleClose(payload)
		case OpText, OpBinary:
			if inMsg {
				return 0, nil, c.fail(protocolError("new message inside fragmented message"))
			}
			msgOp, msg, inMsg = h.op, payload, true
		case OpContinuation:
			if !inMsg {
				return 0, nil, c.fail(protocolError("unexpected continuation frame"))
			}
			msg = append(msg, payload...)
		default:
			return 0, nil, c.fail(protocolError(fmt.Sprintf("unknown opcode %d", h.op)))
		}

		if inMsg && h.fin && !h.op.isControl() {
			if msgOp == OpText && !utf8.Valid(msg) {
				return 0, nil, c.fail(syncerr.WebSocket(syncerr.CloseBadMessage).Message("invalid UTF-8 in text message").Err())
			}
			return msgOp, msg, nil
		}
	}
}

func (c *Conn) handleClose(payload []byte) error {
	code := syncerr.CloseNoCode
	reason := ""
	if len(payload) >= 2 {
		code = int(binary.BigEndian.Uint16(payload))
		reason = string(payload[2:])
	}
	// echo the close, as the closing handshake requires
	c.WriteClose(code, "")
	if code == syncerr.CloseNoCode {
		code = syncerr.CloseNormal
	}
	return syncerr.WebSocket(code).Message("%s", reason).Err()
}

func (c *Conn) fail(err error) error {
	if e, ok := syncerr.As(err); ok && e.Domain == syncerr.WebSocketDomain {
		c.WriteClose(e.Code, e.Message)
	}
	return err
}

func (c *Conn) readFailure(err error) error {
	if _, ok := syncerr.As(err); ok {
		return c.fail(err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return syncerr.WebSocket(syncerr.CloseAbnormal).Message("connection closed without a close frame").Cause(err).Err()
	}
	return syncerr.FromNetError(err)
}

// Close closes the underlying connection without a closing handshake.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// IsNormalClose reports whether err is a clean close with code 1000.
func IsNormalClose(err error) bool {
	return syncerr.Is(err, syncerr.WebSocketDomain, syncerr.CloseNormal)
}
