package negotiate

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/dd0wney/cluso-sync/pkg/syncerr"
)

// Address is a parsed replication endpoint. It is immutable for the length
// of one request; redirects produce a new Address.
type Address struct {
	Scheme   string // ws, wss, http or https
	Hostname string
	Port     uint16
	Path     string // escaped path plus query, always starting with "/"
}

// ParseAddress parses an absolute ws, wss, http or https URL.
func ParseAddress(raw string) (Address, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, syncerr.Network(syncerr.InvalidURL).Message("invalid URL %q", raw).Cause(err).Err()
	}
	return addressFromURL(u)
}

func addressFromURL(u *url.URL) (Address, error) {
	a := Address{Scheme: strings.ToLower(u.Scheme), Hostname: u.Hostname()}
	switch a.Scheme {
	case "ws", "http":
		a.Port = 80
	case "wss", "https":
		a.Port = 443
	default:
		return Address{}, syncerr.Network(syncerr.InvalidURL).Message("unsupported URL scheme %q", u.Scheme).Err()
	}
	if a.Hostname == "" {
		return Address{}, syncerr.Network(syncerr.InvalidURL).Message("URL %q has no host", u.String()).Err()
	}
	if p := u.Port(); p != "" {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil || port == 0 {
			return Address{}, syncerr.Network(syncerr.InvalidURL).Message("invalid port %q", p).Err()
		}
		a.Port = uint16(port)
	}
	a.Path = u.EscapedPath()
	if a.Path == "" {
		a.Path = "/"
	}
	if u.RawQuery != "" {
		a.Path += "?" + u.RawQuery
	}
	return a, nil
}

// IsSecure reports whether the address requires TLS.
func (a Address) IsSecure() bool {
	return a.Scheme == "wss" || a.Scheme == "https"
}

func (a Address) defaultPort() uint16 {
	if a.IsSecure() {
		return 443
	}
	return 80
}

// HostPort returns host:port suitable for net.Dial and CONNECT.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Hostname, strconv.Itoa(int(a.Port)))
}

func (a Address) hostHeader() string {
	if a.Port == a.defaultPort() {
		if strings.Contains(a.Hostname, ":") {
			return "[" + a.Hostname + "]"
		}
		return a.Hostname
	}
	return a.HostPort()
}

// URL renders the address with its own scheme.
func (a Address) URL() string {
	return a.Scheme + "://" + a.hostHeader() + a.Path
}

// HTTPURL renders the address with ws mapped to http and wss to https, the
// absolute-URI form an HTTP proxy expects.
func (a Address) HTTPURL() string {
	scheme := "http"
	if a.IsSecure() {
		scheme = "https"
	}
	return scheme + "://" + a.hostHeader() + a.Path
}

func (a Address) String() string {
	return a.URL()
}

func (a Address) sameHost(b Address) bool {
	return strings.EqualFold(a.Hostname, b.Hostname) && a.Port == b.Port
}

// WithPath returns a copy of a pointing at another path on the same host.
func (a Address) WithPath(path string) Address {
	a.Path = path
	return a
}

// ProxyType selects how requests reach the target through a proxy.
type ProxyType uint8

const (
	// ProxyHTTP forwards each request with an absolute URI.
	ProxyHTTP ProxyType = iota + 1
	// ProxyCONNECT opens a tunnel with CONNECT first.
	ProxyCONNECT
)

func (t ProxyType) String() string {
	switch t {
	case ProxyHTTP:
		return "HTTP"
	case ProxyCONNECT:
		return "CONNECT"
	default:
		return fmt.Sprintf("ProxyType(%d)", uint8(t))
	}
}

// ParseProxyType accepts "http" or "connect" in any case.
func ParseProxyType(s string) (ProxyType, error) {
	switch strings.ToLower(s) {
	case "http":
		return ProxyHTTP, nil
	case "connect", "https":
		return ProxyCONNECT, nil
	}
	return 0, fmt.Errorf("unknown proxy type %q", s)
}

// ProxySpec describes the proxy between us and the target.
type ProxySpec struct {
	Type    ProxyType
	Address Address
	// AuthHeader is the full Proxy-Authorization value, e.g. from BasicAuth.
	AuthHeader string
}
