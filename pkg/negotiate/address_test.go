package negotiate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-sync/pkg/syncerr"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		raw      string
		want     Address
		secure   bool
		hostPort string
		url      string
	}{
		{"ws://example.com/db", Address{"ws", "example.com", 80, "/db"}, false, "example.com:80", "ws://example.com/db"},
		{"wss://example.com:4984/db/_blipsync", Address{"wss", "example.com", 4984, "/db/_blipsync"}, true, "example.com:4984", "wss://example.com:4984/db/_blipsync"},
		{"HTTPS://Example.com", Address{"https", "Example.com", 443, "/"}, true, "Example.com:443", "https://Example.com/"},
		{"http://[::1]:8080/a?b=c", Address{"http", "::1", 8080, "/a?b=c"}, false, "[::1]:8080", "http://[::1]:8080/a?b=c"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			a, err := ParseAddress(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, a)
			assert.Equal(t, tt.secure, a.IsSecure())
			assert.Equal(t, tt.hostPort, a.HostPort())
			assert.Equal(t, tt.url, a.URL())
		})
	}
}

func TestParseAddress_Invalid(t *testing.T) {
	for _, raw := range []string{"ftp://example.com/", "ws:///db", "ws://example.com:0/", "ws://example.com:99999/", "::bad"} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseAddress(raw)
			assert.True(t, syncerr.Is(err, syncerr.NetworkDomain, syncerr.InvalidURL), "err = %v", err)
		})
	}
}

func TestHTTPURL(t *testing.T) {
	a, err := ParseAddress("wss://example.com/db")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/db", a.HTTPURL())
}

func TestParseProxyType(t *testing.T) {
	pt, err := ParseProxyType("CONNECT")
	require.NoError(t, err)
	assert.Equal(t, ProxyCONNECT, pt)
	pt, err = ParseProxyType("http")
	require.NoError(t, err)
	assert.Equal(t, ProxyHTTP, pt)
	_, err = ParseProxyType("socks")
	assert.Error(t, err)
}

func TestFormatHTTPMasksCredentials(t *testing.T) {
	out := FormatHTTP("GET / HTTP/1.1", map[string][]string{
		"Authorization": {"Basic abc"},
		"Host":          {"example.com"},
	})
	assert.Equal(t, "GET / HTTP/1.1\n\tAuthorization: ***\n\tHost: example.com", out)
}
