package wsframe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-sync/pkg/negotiate"
	"github.com/dd0wney/cluso-sync/pkg/syncerr"
	"github.com/dd0wney/cluso-sync/pkg/transport"
)

// dialGorilla negotiates a client connection to a gorilla server running handler.
func dialGorilla(t *testing.T, handler func(*websocket.Conn)) *Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handler(ws)
	}))
	t.Cleanup(srv.Close)

	addr, err := negotiate.ParseAddress("ws" + strings.TrimPrefix(srv.URL, "http") + "/")
	require.NoError(t, err)
	sock, err := negotiate.Run(context.Background(), negotiate.New(addr, negotiate.WithWebSocket("")),
		func() *transport.Socket { return transport.New(transport.Options{}) }, nil)
	require.NoError(t, err)
	nc, r := sock.Detach()
	c := NewClient(nc, r)
	t.Cleanup(func() { c.Close() })
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	return c
}

func TestEchoThroughGorilla(t *testing.T) {
	c := dialGorilla(t, func(ws *websocket.Conn) {
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	})

	big := bytes.Repeat([]byte("x"), 70000)
	for _, tc := range []struct {
		op      Opcode
		payload []byte
	}{
		{OpText, []byte("hello")},
		{OpBinary, []byte{0, 1, 2, 3}},
		{OpBinary, bytes.Repeat([]byte("m"), 300)},
		{OpBinary, big},
		{OpText, nil},
	} {
		require.NoError(t, c.WriteMessage(tc.op, tc.payload))
		op, data, err := c.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, tc.op, op)
		assert.Equal(t, len(tc.payload), len(data))
		assert.True(t, bytes.Equal(tc.payload, data) || len(tc.payload) == 0)
	}
}

func TestPingIsAnswered(t *testing.T) {
	pong := make(chan string, 1)
	c := dialGorilla(t, func(ws *websocket.Conn) {
		ws.SetPongHandler(func(data string) error {
			pong <- data
			return nil
		})
		ws.WriteControl(websocket.PingMessage, []byte("are-you-there"), time.Now().Add(time.Second))
		ws.WriteMessage(websocket.TextMessage, []byte("after-ping"))
		ws.ReadMessage()
	})

	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "after-ping", string(data))
	select {
	case got := <-pong:
		assert.Equal(t, "are-you-there", got)
	case <-time.After(5 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestPeerCloseCarriesCode(t *testing.T) {
	c := dialGorilla(t, func(ws *websocket.Conn) {
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "restarting"))
		ws.ReadMessage()
	})

	_, _, err := c.ReadMessage()
	require.Error(t, err)
	e, ok := syncerr.As(err)
	require.True(t, ok)
	assert.Equal(t, syncerr.WebSocketDomain, e.Domain)
	assert.Equal(t, syncerr.CloseGoingAway, e.Code)
	assert.Equal(t, "restarting", e.Message)
	assert.True(t, syncerr.MayBeTransient(err))
}

func TestAbruptDropIsAbnormal(t *testing.T) {
	c := dialGorilla(t, func(ws *websocket.Conn) {
		ws.UnderlyingConn().Close()
	})
	_, _, err := c.ReadMessage()
	assert.True(t, syncerr.Is(err, syncerr.WebSocketDomain, syncerr.CloseAbnormal), "err = %v", err)
	assert.True(t, syncerr.MayBeTransient(err))
}

func TestWriteAfterCloseFails(t *testing.T) {
	c := dialGorilla(t, func(ws *websocket.Conn) { ws.ReadMessage() })
	require.NoError(t, c.WriteClose(syncerr.CloseNormal, "bye"))
	assert.Error(t, c.WriteMessage(OpText, []byte("late")))
	assert.NoError(t, c.WriteClose(syncerr.CloseNormal, "again"))
}

func TestFragmentedServerMessage(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		// two unmasked fragments: "hel" + "lo", then a close with no code
		server.Write([]byte{0x01, 0x03, 'h', 'e', 'l'})
		server.Write([]byte{0x80, 0x02, 'l', 'o'})
		server.Write([]byte{0x88, 0x00})
		buf := make([]byte, 64)
		server.Read(buf)
	}()

	c := NewClient(client, bufio.NewReader(client))
	op, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, OpText, op)
	assert.Equal(t, "hello", string(data))

	_, _, err = c.ReadMessage()
	assert.True(t, IsNormalClose(err))
}

func TestMaskedFrameFromServerRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go func() {
		server.Write([]byte{0x81, 0x81, 1, 2, 3, 4, 'x' ^ 1})
		buf := make([]byte, 64)
		server.Read(buf)
	}()

	_, _, err := NewClient(client, nil).ReadMessage()
	assert.True(t, syncerr.Is(err, syncerr.WebSocketDomain, syncerr.CloseProtocolError))
}

func TestMessageTooBig(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go func() {
		server.Write([]byte{0x82, 0x7E, 0x01, 0x00})
		buf := make([]byte, 64)
		server.Read(buf)
	}()

	c := NewClient(client, nil)
	c.SetMaxMessageSize(100)
	_, _, err := c.ReadMessage()
	assert.True(t, syncerr.Is(err, syncerr.WebSocketDomain, syncerr.CloseMessageTooBig))
}

// serveRaw writes frames to the client end of a pipe, then drains whatever
// the client answers.
func serveRaw(t *testing.T, frames ...[]byte) *Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	go func() {
		for _, f := range frames {
			if _, err := server.Write(f); err != nil {
				return
			}
		}
		io.Copy(io.Discard, server)
	}()
	return NewClient(client, nil)
}

func extendedFrame(b0 byte, length uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{b0, 0x7F}, length)
}

func TestContinuationLengthCannotWrap(t *testing.T) {
	first := append([]byte{0x01, 0x0A}, "0123456789"...)
	tests := []struct {
		name   string
		length uint64
		code   int
	}{
		{"high bit set", ^uint64(0) - 4, syncerr.CloseProtocolError},
		{"larger than the remaining budget", 1 << 62, syncerr.CloseMessageTooBig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := serveRaw(t, first, extendedFrame(0x80, tt.length))
			assert.NotPanics(t, func() {
				_, _, err := c.ReadMessage()
				assert.True(t, syncerr.Is(err, syncerr.WebSocketDomain, tt.code), "got %v", err)
			})
		})
	}
}

func TestSingleFrameHighBitLengthRejected(t *testing.T) {
	c := serveRaw(t, extendedFrame(0x82, 1<<63))
	_, _, err := c.ReadMessage()
	assert.True(t, syncerr.Is(err, syncerr.WebSocketDomain, syncerr.CloseProtocolError))
}

func TestMaxMessageSizeNonPositiveRestoresDefault(t *testing.T) {
	c := serveRaw(t, append([]byte{0x82, 0x03}, "rev"...))
	c.SetMaxMessageSize(0)
	op, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, OpBinary, op)
	assert.Equal(t, "rev", string(data))
}

func TestCloseReasonKeptVerbatim(t *testing.T) {
	reason := "quota 100%d used"
	frame := append([]byte{0x88, byte(2 + len(reason)), 0x03, 0xF0}, reason...)
	c := serveRaw(t, frame)
	_, _, err := c.ReadMessage()
	e, ok := syncerr.As(err)
	require.True(t, ok)
	assert.Equal(t, syncerr.ClosePolicyError, e.Code)
	assert.Equal(t, reason, e.Message)
}

func TestClientServerOverPipe(t *testing.T) {
	a, b := net.Pipe()
	client, server := NewClient(a, nil), NewServer(b, nil)
	defer client.Close()
	defer server.Close()

	go func() {
		op, data, err := server.ReadMessage()
		if err == nil {
			server.WriteMessage(op, append(data, '!'))
		}
	}()

	require.NoError(t, client.WriteMessage(OpBinary, []byte("rev")))
	op, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, OpBinary, op)
	assert.Equal(t, "rev!", string(data))
}
