package negotiate

import (
	"context"
	"net/http"

	"github.com/dd0wney/cluso-sync/pkg/logging"
	"github.com/dd0wney/cluso-sync/pkg/syncerr"
)

// MaxResponseHead bounds the size of a response status line plus headers.
const MaxResponseHead = 64 * 1024

var endOfHead = []byte("\r\n\r\n")

// ClientSocket is the byte stream a Negotiator talks through.
type ClientSocket interface {
	// Connect opens a connection to addr, with TLS if addr is secure.
	Connect(ctx context.Context, addr Address) error
	Connected() bool
	// WrapTLS starts TLS to hostname over the already open connection.
	WrapTLS(ctx context.Context, hostname string) error
	Write(ctx context.Context, p []byte) error
	// ReadToDelimiter reads through the first occurrence of delim, failing
	// if more than max bytes arrive first.
	ReadToDelimiter(ctx context.Context, delim []byte, max int) ([]byte, error)
	Close() error
}

// SendNextRequest connects (or reuses the tunnel after Continue), writes the
// request plus body, reads the response head and returns its disposition.
func (n *Negotiator) SendNextRequest(ctx context.Context, sock ClientSocket, body []byte) Disposition {
	if n.lastDisposition == Continue && sock.Connected() {
		if n.NeedsTunnelTLS() {
			if err := sock.WrapTLS(ctx, n.address.Hostname); err != nil {
				return n.socketFailure(err)
			}
		}
	} else {
		if err := sock.Connect(ctx, n.DirectAddress()); err != nil {
			return n.socketFailure(err)
		}
	}

	rq, err := n.RequestToSend()
	if err != nil {
		n.lastDisposition = n.fail(syncerr.Sync(syncerr.Unexpected).Cause(err).Err())
		return n.lastDisposition
	}
	n.logger.Debug("sending HTTP request", logging.URL(n.address.URL()), logging.Bool("via_proxy", n.proxy != nil))
	if len(body) > 0 {
		rq = append(rq, body...)
	}
	if err := sock.Write(ctx, rq); err != nil {
		return n.socketFailure(err)
	}

	head, err := sock.ReadToDelimiter(ctx, endOfHead, MaxResponseHead)
	if err != nil {
		return n.socketFailure(err)
	}
	return n.ReceivedResponse(head)
}

func (n *Negotiator) socketFailure(err error) Disposition {
	n.lastDisposition = n.fail(syncerr.FromNetError(err))
	if n.onResponse != nil {
		n.onResponse(Failure, 0)
	}
	return n.lastDisposition
}

// Authenticator supplies an Authorization (or Proxy-Authorization) value in
// answer to a challenge. ok is false when no credential is available.
type Authenticator func(ch AuthChallenge) (header string, ok bool)

// Run drives n until it succeeds or fails. A fresh socket comes from dial
// for every Retry or Authenticate; Continue reuses the current one. The
// authenticator is consulted at most once per kind of challenge, so a server
// that keeps rejecting credentials ends in an auth failure instead of a loop.
// On success the open socket is returned and the caller owns it.
func Run[S ClientSocket](ctx context.Context, n *Negotiator, dial func() S, auth Authenticator) (S, error) {
	var zero S
	sock := dial()
	askedAuth, askedProxyAuth := false, false

	for {
		if err := ctx.Err(); err != nil {
			sock.Close()
			return zero, syncerr.FromNetError(err)
		}

		switch n.SendNextRequest(ctx, sock, nil) {
		case Success:
			return sock, nil

		case Failure:
			sock.Close()
			return zero, n.Error()

		case Continue:
			// tunnel is open; same socket

		case Retry:
			sock.Close()
			sock = dial()

		case Authenticate:
			sock.Close()
			ch := n.AuthChallenge()
			if ch.ForProxy {
				if n.ProxyAuthHeader() == "" {
					h, ok := askOnce(auth, *ch, &askedProxyAuth)
					if !ok {
						return zero, syncerr.HTTP(http.StatusProxyAuthRequired).Message("Proxy authentication required").Err()
					}
					n.SetProxyAuthHeader(h)
				}
			} else if n.AuthHeader() == "" {
				h, ok := askOnce(auth, *ch, &askedAuth)
				if !ok {
					return zero, syncerr.HTTP(http.StatusUnauthorized).Message("Authentication required").Err()
				}
				n.SetAuthHeader(h)
			}
			n.logger.Info("retrying with credentials",
				logging.Bool("proxy", ch.ForProxy), logging.String("scheme", ch.Type))
			sock = dial()
		}
	}
}

func askOnce(auth Authenticator, ch AuthChallenge, asked *bool) (string, bool) {
	if auth == nil || *asked {
		return "", false
	}
	*asked = true
	h, ok := auth(ch)
	return h, ok && h != ""
}
