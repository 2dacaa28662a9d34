package negotiate

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"math"
	"net/http"
	"net/textproto"
	"regexp"
	"sort"
	"strings"
)

const webSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var crlf = []byte("\r\n")

// parseStatusLine reads "HTTP/x.y <status> <message>\r\n" from the front of
// data and returns the rest.
func parseStatusLine(data []byte) (status int, message string, rest []byte, ok bool) {
	sp := bytes.IndexByte(data, ' ')
	if sp < 0 || !bytes.HasPrefix(data[:sp], []byte("HTTP/")) {
		return 0, "", nil, false
	}
	data = data[sp+1:]

	var n uint64
	i := 0
	for ; i < len(data) && data[i] >= '0' && data[i] <= '9'; i++ {
		n = n*10 + uint64(data[i]-'0')
		if n > math.MaxInt32 {
			return 0, "", nil, false
		}
	}
	if n == 0 {
		return 0, "", nil, false
	}
	data = data[i:]
	if len(data) == 0 || (data[0] != ' ' && data[0] != '\r') {
		return 0, "", nil, false
	}
	for len(data) > 0 && data[0] == ' ' {
		data = data[1:]
	}
	end := bytes.Index(data, crlf)
	if end < 0 {
		return 0, "", nil, false
	}
	return int(n), string(data[:end]), data[end+2:], true
}

// parseHeaders reads header lines up to and including the blank line that
// ends them.
func parseHeaders(data []byte) (http.Header, bool) {
	headers := make(http.Header)
	for {
		end := bytes.Index(data, crlf)
		if end < 0 {
			return nil, false
		}
		line := data[:end]
		data = data[end+2:]
		if len(line) == 0 {
			return headers, true
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return nil, false
		}
		value := bytes.TrimLeft(line[colon+1:], " ")
		if len(value) == 0 {
			return nil, false
		}
		headers.Add(string(line[:colon]), string(value))
	}
}

// authChallengePattern matches e.g. `Basic realm="Sync Gateway"`.
var authChallengePattern = regexp.MustCompile(`(\w+)\s+(\w+)=((\w+)|"([^"]+))`)

func parseAuthChallenge(header string) (typ, key, value string, ok bool) {
	m := authChallengePattern.FindStringSubmatch(header)
	if m == nil {
		return "", "", "", false
	}
	value = m[4]
	if value == "" {
		value = m[5]
	}
	return m[1], m[2], value, true
}

// WebSocketAccept computes the Sec-WebSocket-Accept value for a client nonce.
func WebSocketAccept(nonce string) string {
	sum := sha1.Sum([]byte(nonce + webSocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// BasicAuth returns an Authorization header value for HTTP Basic auth.
func BasicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// headerHasToken reports whether a comma-separated header contains token,
// ignoring case.
func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// FormatHTTP renders a status line or request line plus headers for logs,
// with credentials masked.
func FormatHTTP(firstLine string, headers http.Header) string {
	var b strings.Builder
	b.WriteString(firstLine)
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range headers[k] {
			switch textproto.CanonicalMIMEHeaderKey(k) {
			case "Authorization", "Proxy-Authorization":
				v = "***"
			}
			b.WriteString("\n\t")
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
		}
	}
	return b.String()
}
