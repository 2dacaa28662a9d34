package negotiate

import (
	"context"
	"errors"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-sync/pkg/syncerr"
)

// scriptedServer answers each request with the next canned response and
// records what it was sent, across however many sockets get dialed.
type scriptedServer struct {
	responses []string
	requests  []string
	dials     int
	connected []Address
	wrapped   []string
	connErr   error
}

type scriptedSocket struct {
	srv       *scriptedServer
	connected bool
	closed    bool
}

func (s *scriptedServer) dial() *scriptedSocket {
	s.dials++
	return &scriptedSocket{srv: s}
}

func (c *scriptedSocket) Connect(ctx context.Context, addr Address) error {
	if c.srv.connErr != nil {
		return c.srv.connErr
	}
	c.srv.connected = append(c.srv.connected, addr)
	c.connected = true
	return nil
}

func (c *scriptedSocket) Connected() bool { return c.connected && !c.closed }

func (c *scriptedSocket) WrapTLS(ctx context.Context, hostname string) error {
	c.srv.wrapped = append(c.srv.wrapped, hostname)
	return nil
}

func (c *scriptedSocket) Write(ctx context.Context, p []byte) error {
	c.srv.requests = append(c.srv.requests, string(p))
	return nil
}

func (c *scriptedSocket) ReadToDelimiter(ctx context.Context, delim []byte, max int) ([]byte, error) {
	if len(c.srv.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	r := c.srv.responses[0]
	c.srv.responses = c.srv.responses[1:]
	return []byte(r), nil
}

func (c *scriptedSocket) Close() error {
	c.closed = true
	return nil
}

const (
	redirect     = "HTTP/1.1 302 Found\r\nLocation: /next\r\n\r\n"
	ok           = "HTTP/1.1 200 OK\r\n\r\n"
	unauthorized = "HTTP/1.1 401 Unauthorized\r\nWWW-Authenticate: Basic realm=\"db\"\r\n\r\n"
)

func TestRun_RedirectChainWithinLimit(t *testing.T) {
	srv := &scriptedServer{}
	for i := 0; i < MaxRedirects; i++ {
		srv.responses = append(srv.responses, redirect)
	}
	srv.responses = append(srv.responses, ok)

	n := New(mustAddress(t, "http://example.com/start"))
	sock, err := Run(context.Background(), n, srv.dial, nil)
	require.NoError(t, err)
	assert.True(t, sock.Connected())
	assert.Equal(t, MaxRedirects+1, srv.dials)
	assert.Equal(t, "/next", n.Address().Path)
}

func TestRun_TooManyRedirectsNeverSendsEleventh(t *testing.T) {
	srv := &scriptedServer{}
	for i := 0; i < MaxRedirects+5; i++ {
		srv.responses = append(srv.responses, redirect)
	}

	_, err := Run(context.Background(), New(mustAddress(t, "http://example.com/")), srv.dial, nil)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.NetworkDomain, syncerr.TooManyRedirects))
	assert.Len(t, srv.requests, MaxRedirects+1, "the 11th redirect target is never requested")
}

func TestRun_AuthenticatesAfterChallenge(t *testing.T) {
	srv := &scriptedServer{responses: []string{unauthorized, ok}}
	asked := 0
	auth := func(ch AuthChallenge) (string, bool) {
		asked++
		assert.Equal(t, "db", ch.Value)
		return BasicAuth("alice", "secret"), true
	}

	_, err := Run(context.Background(), New(mustAddress(t, "http://example.com/db")), srv.dial, auth)
	require.NoError(t, err)
	assert.Equal(t, 1, asked)
	require.Len(t, srv.requests, 2)
	assert.NotContains(t, srv.requests[0], "Authorization")
	assert.Contains(t, srv.requests[1], "Authorization: "+BasicAuth("alice", "secret"))
	assert.Equal(t, 2, srv.dials, "each attempt gets its own socket")
}

func TestRun_RejectedCredentialsFailInsteadOfLooping(t *testing.T) {
	srv := &scriptedServer{responses: []string{unauthorized, unauthorized, unauthorized, unauthorized}}
	auth := func(AuthChallenge) (string, bool) { return BasicAuth("alice", "wrong"), true }

	_, err := Run(context.Background(), New(mustAddress(t, "http://example.com/db")), srv.dial, auth)
	require.Error(t, err)
	assert.Equal(t, 401, syncerr.HTTPStatus(err))
	assert.False(t, syncerr.MayBeTransient(err))
	assert.Len(t, srv.requests, 2)
}

func TestRun_PresetCredentialsSentOnlyAfterChallenge(t *testing.T) {
	srv := &scriptedServer{responses: []string{unauthorized, ok}}
	n := New(mustAddress(t, "http://example.com/db"), WithAuthHeader(BasicAuth("bob", "pw")))

	_, err := Run(context.Background(), n, srv.dial, nil)
	require.NoError(t, err)
	assert.NotContains(t, srv.requests[0], "Authorization")
	assert.Contains(t, srv.requests[1], "Authorization: "+BasicAuth("bob", "pw"))
}

func TestRun_NoAuthenticator(t *testing.T) {
	srv := &scriptedServer{responses: []string{unauthorized}}
	_, err := Run(context.Background(), New(mustAddress(t, "http://example.com/db")), srv.dial, nil)
	assert.Equal(t, 401, syncerr.HTTPStatus(err))
}

func TestRun_ConnectTunnelReusesSocket(t *testing.T) {
	srv := &scriptedServer{responses: []string{
		"HTTP/1.1 200 Connection established\r\n\r\n",
		"HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: " + sampleAccept + "\r\n\r\n",
	}}
	proxy := mustAddress(t, "http://proxy.local:8080")
	n := New(mustAddress(t, "wss://example.com/db"), WithWebSocket(""), WithNonceSource(sampleNonce{}),
		WithProxy(ProxySpec{Type: ProxyCONNECT, Address: proxy}))

	_, err := Run(context.Background(), n, srv.dial, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.dials)
	assert.Equal(t, []Address{proxy}, srv.connected)
	assert.Equal(t, []string{"example.com"}, srv.wrapped)
	assert.True(t, strings.HasPrefix(srv.requests[0], "CONNECT example.com:443 "))
	assert.True(t, strings.HasPrefix(srv.requests[1], "GET /db "))
}

func TestRun_SocketErrorIsClassified(t *testing.T) {
	srv := &scriptedServer{connErr: syscall.ECONNREFUSED}
	_, err := Run(context.Background(), New(mustAddress(t, "http://example.com/db")), srv.dial, nil)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.NetworkDomain, syncerr.ConnectionRefused))
	assert.True(t, syncerr.MayBeTransient(err))
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	srv := &scriptedServer{responses: []string{ok}}
	_, err := Run(ctx, New(mustAddress(t, "http://example.com/")), srv.dial, nil)
	require.Error(t, err)
	assert.Empty(t, srv.requests)
}
