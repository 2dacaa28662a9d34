// Package negotiate drives the HTTP exchange that opens a replication
// connection: redirects, proxy tunnels, auth challenges and the WebSocket
// upgrade. Each response is mapped to a Disposition telling the caller what
// to do next.
package negotiate

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/dd0wney/cluso-sync/pkg/logging"
	"github.com/dd0wney/cluso-sync/pkg/syncerr"
)

// MaxRedirects is the longest redirect chain that is followed.
const MaxRedirects = 10

// Negotiator holds the state of one connection attempt. It is owned by a
// single goroutine and is not safe for concurrent use.
type Negotiator struct {
	address       Address
	proxy         *ProxySpec
	method        string
	userAgent     string
	headers       http.Header
	contentLength int64
	isWebSocket   bool
	protocol      string
	authHeader    string
	nonceSource   io.Reader
	logger        logging.Logger
	onResponse    func(Disposition, int)

	lastDisposition   Disposition
	err               error
	httpStatus        int
	statusMessage     string
	responseHeaders   http.Header
	redirectCount     int
	authChallenged    bool
	proxyChallenged   bool
	authChallenge     *AuthChallenge
	webSocketNonce    string
	connectingToProxy bool
	tunneled          bool
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithWebSocket makes the request a WebSocket upgrade, optionally asking for
// a subprotocol.
func WithWebSocket(protocol string) Option {
	return func(n *Negotiator) {
		n.isWebSocket = true
		n.protocol = protocol
	}
}

func WithMethod(method string) Option {
	return func(n *Negotiator) { n.method = method }
}

func WithUserAgent(ua string) Option {
	return func(n *Negotiator) { n.userAgent = ua }
}

// WithHeaders adds caller headers to every request.
func WithHeaders(h http.Header) Option {
	return func(n *Negotiator) {
		for k, vs := range h {
			for _, v := range vs {
				n.headers.Add(k, v)
			}
		}
	}
}

func WithContentLength(length int64) Option {
	return func(n *Negotiator) { n.contentLength = length }
}

func WithProxy(p ProxySpec) Option {
	return func(n *Negotiator) { n.proxy = &p }
}

// WithAuthHeader supplies an Authorization value up front. It is still only
// sent after the server has challenged.
func WithAuthHeader(h string) Option {
	return func(n *Negotiator) { n.authHeader = h }
}

// WithNonceSource replaces crypto/rand as the source of WebSocket keys.
func WithNonceSource(r io.Reader) Option {
	return func(n *Negotiator) { n.nonceSource = r }
}

func WithLogger(l logging.Logger) Option {
	return func(n *Negotiator) { n.logger = l }
}

// WithResponseObserver registers fn to be told the disposition and HTTP
// status of every handled response.
func WithResponseObserver(fn func(d Disposition, status int)) Option {
	return func(n *Negotiator) { n.onResponse = fn }
}

// New creates a Negotiator for a GET of addr.
func New(addr Address, opts ...Option) *Negotiator {
	n := &Negotiator{
		address:       addr,
		method:        http.MethodGet,
		headers:       make(http.Header),
		contentLength: -1,
		nonceSource:   rand.Reader,
		logger:        logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Negotiator) Address() Address             { return n.address }
func (n *Negotiator) Proxy() *ProxySpec            { return n.proxy }
func (n *Negotiator) Error() error                 { return n.err }
func (n *Negotiator) Status() int                  { return n.httpStatus }
func (n *Negotiator) StatusMessage() string        { return n.statusMessage }
func (n *Negotiator) ResponseHeaders() http.Header { return n.responseHeaders }
func (n *Negotiator) AuthChallenge() *AuthChallenge {
	return n.authChallenge
}
func (n *Negotiator) LastDisposition() Disposition { return n.lastDisposition }
func (n *Negotiator) RedirectCount() int           { return n.redirectCount }

// AuthHeader returns the stored Authorization value, if any.
func (n *Negotiator) AuthHeader() string { return n.authHeader }

// SetAuthHeader stores an Authorization value after an Authenticate disposition.
func (n *Negotiator) SetAuthHeader(h string) { n.authHeader = h }

// ProxyAuthHeader returns the stored Proxy-Authorization value, if any.
func (n *Negotiator) ProxyAuthHeader() string {
	if n.proxy == nil {
		return ""
	}
	return n.proxy.AuthHeader
}

// SetProxyAuthHeader stores a Proxy-Authorization value.
func (n *Negotiator) SetProxyAuthHeader(h string) {
	if n.proxy != nil {
		n.proxy.AuthHeader = h
	}
}

// DirectAddress is where the socket should connect: the proxy if there is
// one, else the target.
func (n *Negotiator) DirectAddress() Address {
	if n.proxy != nil {
		return n.proxy.Address
	}
	return n.address
}

// NeedsTunnelTLS reports whether the socket must be wrapped in TLS to the
// target before the next request. That is only the case right after a
// CONNECT tunnel to a secure target opened.
func (n *Negotiator) NeedsTunnelTLS() bool {
	return n.lastDisposition == Continue && n.tunneled && n.address.IsSecure()
}

func (n *Negotiator) connectingThroughTunnel() bool {
	return n.proxy != nil && n.proxy.Type == ProxyCONNECT && !n.tunneled
}

// RequestToSend renders the next request head, CRLFCRLF included.
func (n *Negotiator) RequestToSend() ([]byte, error) {
	var rq strings.Builder
	n.connectingToProxy = n.connectingThroughTunnel()

	if n.connectingToProxy {
		target := n.address.HostPort()
		rq.WriteString("CONNECT " + target + " HTTP/1.1\r\n")
		writeHeader(&rq, "Host", target)
	} else {
		target := n.address.Path
		if n.proxy != nil && n.proxy.Type == ProxyHTTP {
			target = n.address.HTTPURL()
		}
		rq.WriteString(n.method + " " + target + " HTTP/1.1\r\n")
		writeHeader(&rq, "Host", n.address.hostHeader())
	}
	writeHeader(&rq, "User-Agent", n.userAgent)

	if n.proxy != nil && n.proxyChallenged && (n.connectingToProxy || n.proxy.Type == ProxyHTTP) {
		writeHeader(&rq, "Proxy-Authorization", n.proxy.AuthHeader)
	}

	if !n.connectingToProxy {
		if n.authChallenged {
			writeHeader(&rq, "Authorization", n.authHeader)
		}
		if n.contentLength >= 0 {
			fmt.Fprintf(&rq, "Content-Length: %d\r\n", n.contentLength)
		}
		keys := make([]string, 0, len(n.headers))
		for k := range n.headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, v := range n.headers[k] {
				writeHeader(&rq, k, v)
			}
		}

		if n.isWebSocket {
			var raw [16]byte
			if _, err := io.ReadFull(n.nonceSource, raw[:]); err != nil {
				return nil, fmt.Errorf("generate WebSocket key: %w", err)
			}
			n.webSocketNonce = base64.StdEncoding.EncodeToString(raw[:])
			rq.WriteString("Connection: Upgrade\r\n")
			rq.WriteString("Upgrade: websocket\r\n")
			rq.WriteString("Sec-WebSocket-Version: 13\r\n")
			writeHeader(&rq, "Sec-WebSocket-Key", n.webSocketNonce)
			writeHeader(&rq, "Sec-WebSocket-Protocol", n.protocol)
		}
	}

	rq.WriteString("\r\n")
	return []byte(rq.String()), nil
}

func writeHeader(rq *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	rq.WriteString(name)
	rq.WriteString(": ")
	rq.WriteString(value)
	rq.WriteString("\r\n")
}

// ReceivedResponse parses a response head (ending in CRLFCRLF) and decides
// what happens next.
func (n *Negotiator) ReceivedResponse(data []byte) Disposition {
	n.httpStatus = 0
	n.statusMessage = ""
	n.responseHeaders = nil
	n.err = nil
	n.authChallenge = nil

	status, message, rest, ok := parseStatusLine(data)
	var headers http.Header
	if ok {
		headers, ok = parseHeaders(rest)
	}
	if ok {
		n.httpStatus = status
		n.statusMessage = message
		n.responseHeaders = headers
		n.logger.Debug("received HTTP response",
			logging.String("head", FormatHTTP(fmt.Sprintf("%d %s", status, message), headers)))
		n.lastDisposition = n.handleResponse()
	} else {
		n.lastDisposition = n.fail(syncerr.HTTP(http.StatusBadRequest).Message("Received invalid HTTP").Err())
	}

	if n.lastDisposition == Retry || n.lastDisposition == Authenticate {
		// the next request goes out on a fresh socket
		n.tunneled = false
	}
	if n.onResponse != nil {
		n.onResponse(n.lastDisposition, n.httpStatus)
	}
	return n.lastDisposition
}

func (n *Negotiator) fail(err error) Disposition {
	n.err = err
	return Failure
}

func (n *Negotiator) failStatus() Disposition {
	return n.fail(syncerr.HTTP(n.httpStatus).Message("%s", n.statusMessage).Err())
}

func (n *Negotiator) handleResponse() Disposition {
	if n.connectingToProxy {
		n.connectingToProxy = false
		switch {
		case n.httpStatus == http.StatusProxyAuthRequired:
			return n.handleProxyChallenge()
		case n.httpStatus >= 200 && n.httpStatus < 300:
			n.tunneled = true
			return Continue
		default:
			return n.failStatus()
		}
	}

	switch n.httpStatus {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect, http.StatusUseProxy:
		return n.handleRedirect()
	case http.StatusUnauthorized:
		if n.authChallenged {
			n.authHeader = ""
		} else {
			n.authChallenged = true
		}
		return n.handleAuthChallenge("Www-Authenticate", false)
	case http.StatusProxyAuthRequired:
		return n.handleProxyChallenge()
	case http.StatusSwitchingProtocols:
		return n.handleUpgrade()
	}

	switch {
	case n.httpStatus < 200 || n.httpStatus >= 300:
		return n.failStatus()
	case n.isWebSocket:
		return n.fail(syncerr.WebSocket(syncerr.CloseProtocolError).Message("Server failed to upgrade connection").Err())
	default:
		return Success
	}
}

func (n *Negotiator) handleRedirect() Disposition {
	n.redirectCount++
	if n.redirectCount > MaxRedirects {
		return n.fail(syncerr.Network(syncerr.TooManyRedirects).Err())
	}

	location := n.responseHeaders.Get("Location")
	var newAddr Address
	if strings.HasPrefix(location, "/") {
		newAddr = n.address.WithPath(location)
	} else {
		var err error
		newAddr, err = ParseAddress(location)
		if err != nil || (newAddr.Scheme != "http" && newAddr.Scheme != "https") {
			return n.fail(syncerr.Network(syncerr.InvalidRedirect).Message("invalid redirect to %q", location).Err())
		}
	}

	if n.httpStatus == http.StatusUseProxy {
		if n.proxy != nil {
			return n.failStatus()
		}
		n.proxy = &ProxySpec{Type: ProxyHTTP, Address: newAddr}
		n.logger.Info("server requested proxy", logging.URL(newAddr.URL()))
		return Retry
	}

	if n.isWebSocket {
		switch newAddr.Scheme {
		case "http":
			newAddr.Scheme = "ws"
		case "https":
			newAddr.Scheme = "wss"
		}
	}
	if !newAddr.sameHost(n.address) {
		n.authHeader = ""
		n.authChallenged = false
	}
	n.logger.Info("following redirect",
		logging.Status(n.httpStatus), logging.URL(newAddr.URL()), logging.Count(n.redirectCount))
	n.address = newAddr
	return Retry
}

func (n *Negotiator) handleProxyChallenge() Disposition {
	if n.proxy == nil {
		return n.failStatus()
	}
	if n.proxyChallenged {
		n.proxy.AuthHeader = ""
	} else {
		n.proxyChallenged = true
	}
	return n.handleAuthChallenge("Proxy-Authenticate", true)
}

func (n *Negotiator) handleAuthChallenge(headerName string, forProxy bool) Disposition {
	typ, key, value, ok := parseAuthChallenge(n.responseHeaders.Get(headerName))
	if !ok {
		return n.fail(syncerr.HTTP(http.StatusBadRequest).Message("Unparseable %s header", headerName).Err())
	}
	addr := n.address
	if forProxy {
		addr = n.proxy.Address
	}
	n.authChallenge = &AuthChallenge{Address: addr, ForProxy: forProxy, Type: typ, Key: key, Value: value}
	return Authenticate
}

func (n *Negotiator) handleUpgrade() Disposition {
	if !n.isWebSocket {
		return n.fail(syncerr.WebSocket(syncerr.CloseProtocolError).Message("Unexpected protocol upgrade").Err())
	}
	if !headerHasToken(n.responseHeaders, "Connection", "upgrade") ||
		!strings.EqualFold(n.responseHeaders.Get("Upgrade"), "websocket") {
		return n.fail(syncerr.WebSocket(syncerr.CloseProtocolError).Message("Server failed to upgrade connection").Err())
	}
	if n.protocol != "" && n.responseHeaders.Get("Sec-WebSocket-Protocol") != n.protocol {
		return n.fail(syncerr.WebSocket(http.StatusForbidden).Message("Server did not accept protocol").Err())
	}
	if n.responseHeaders.Get("Sec-WebSocket-Accept") != WebSocketAccept(n.webSocketNonce) {
		return n.fail(syncerr.WebSocket(syncerr.CloseProtocolError).Message("Server returned invalid nonce").Err())
	}
	return Success
}
