package negotiate

import "fmt"

// Disposition is what the caller must do after a response has been handled.
type Disposition uint8

const (
	// Failure ends negotiation; Error explains why.
	Failure Disposition = iota
	// Retry means the target or proxy changed. Close the socket and send again on a new one.
	Retry
	// Continue means the proxy tunnel is open. Send again on the same socket.
	Continue
	// Authenticate means credentials are needed. Set them, then send again on a new socket.
	Authenticate
	// Success means the response is final and the socket is ready.
	Success
)

func (d Disposition) String() string {
	switch d {
	case Failure:
		return "failure"
	case Retry:
		return "retry"
	case Continue:
		return "continue"
	case Authenticate:
		return "authenticate"
	case Success:
		return "success"
	default:
		return fmt.Sprintf("Disposition(%d)", uint8(d))
	}
}

// AuthChallenge is a parsed WWW-Authenticate or Proxy-Authenticate header.
type AuthChallenge struct {
	Address  Address // who asked
	ForProxy bool
	Type     string // e.g. "Basic"
	Key      string // e.g. "realm"
	Value    string
}
