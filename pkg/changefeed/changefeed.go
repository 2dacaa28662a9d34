// Package changefeed broadcasts committed document changes over an NNG
// pub/sub socket so local tools can follow a database without polling.
//
// Each message is the database name, a newline, and the JSON Event.
// Subscribers filter by database through the socket's prefix matching.
// Delivery is best effort: a subscriber that falls behind loses messages.
package changefeed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/dd0wney/cluso-sync/pkg/logging"
	"github.com/dd0wney/cluso-sync/pkg/store"
)

// ErrTimeout is returned by Subscriber.Next when nothing arrives in time.
var ErrTimeout = errors.New("changefeed: receive timed out")

// Event is one committed change.
type Event struct {
	Database string `json:"db"`
	DocID    string `json:"doc_id"`
	RevID    string `json:"rev_id"`
	Sequence uint64 `json:"seq"`
	Deleted  bool   `json:"deleted,omitempty"`
	// Foreign is set for revisions that arrived from a replication peer.
	Foreign bool `json:"foreign,omitempty"`
}

func topic(database string) []byte {
	return []byte(database + "\n")
}

// Publisher owns the PUB socket.
type Publisher struct {
	sock   mangos.Socket
	logger logging.Logger
}

// NewPublisher listens on addr, e.g. "tcp://127.0.0.1:4990".
func NewPublisher(addr string, logger logging.Logger) (*Publisher, error) {
	sock, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create PUB socket: %w", err)
	}
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to bind PUB socket: %w", err)
	}
	return &Publisher{
		sock:   sock,
		logger: logging.OrDefault(logger).With(logging.Component("changefeed"), logging.URL(addr)),
	}, nil
}

// Publish sends e to every subscriber of its database.
func (p *Publisher) Publish(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.sock.Send(append(topic(e.Database), data...))
}

// Attach publishes every change committed to db under the given name until
// the returned func is called.
func (p *Publisher) Attach(name string, db store.Database) (detach func()) {
	return db.Observe(func(changes []store.Change) {
		for _, ch := range changes {
			err := p.Publish(Event{
				Database: name,
				DocID:    ch.DocID,
				RevID:    ch.RevID,
				Sequence: ch.Sequence,
				Deleted:  ch.Deleted,
				Foreign:  ch.Foreign,
			})
			if err != nil {
				p.logger.Warn("failed to publish change", logging.DocID(ch.DocID), logging.Error(err))
			}
		}
	})
}

// Close closes the socket
func (p *Publisher) Close() error {
	return p.sock.Close()
}

// Subscriber owns a SUB socket.
type Subscriber struct {
	sock mangos.Socket
}

// NewSubscriber dials addr and subscribes to database, or to every
// database when it is empty.
func NewSubscriber(addr, database string) (*Subscriber, error) {
	sock, err := sub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create SUB socket: %w", err)
	}
	prefix := []byte{}
	if database != "" {
		prefix = topic(database)
	}
	if err := sock.SetOption(mangos.OptionSubscribe, prefix); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := sock.Dial(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Subscriber{sock: sock}, nil
}

// Next waits up to timeout for the next event. Zero waits forever.
func (s *Subscriber) Next(timeout time.Duration) (Event, error) {
	var e Event
	if err := s.sock.SetOption(mangos.OptionRecvDeadline, timeout); err != nil {
		return e, err
	}
	msg, err := s.sock.Recv()
	if errors.Is(err, mangos.ErrRecvTimeout) {
		return e, ErrTimeout
	}
	if err != nil {
		return e, err
	}
	_, body, ok := bytes.Cut(msg, []byte("\n"))
	if !ok {
		return e, fmt.Errorf("changefeed: malformed message")
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return e, fmt.Errorf("changefeed: malformed event: %w", err)
	}
	return e, nil
}

// Close closes the socket
func (s *Subscriber) Close() error {
	return s.sock.Close()
}
