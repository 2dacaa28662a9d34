package pusher

import (
	"fmt"

	"github.com/dd0wney/cluso-sync/pkg/store"
)

// RevToSend is one local revision queued for the peer.
type RevToSend struct {
	DocID    string
	RevID    string
	Sequence uint64
	Deleted  bool
	Foreign  bool
	// BodySize is the size recorded by the change scan; the bytes actually
	// sent are counted when the body is loaded.
	BodySize int
	// Retries counts transient failures so far.
	Retries int
}

func revFromChange(ch store.Change) *RevToSend {
	return &RevToSend{
		DocID:    ch.DocID,
		RevID:    ch.RevID,
		Sequence: ch.Sequence,
		Deleted:  ch.Deleted,
		Foreign:  ch.Foreign,
		BodySize: ch.BodySize,
	}
}

func (r *RevToSend) String() string {
	return fmt.Sprintf("%s/%s #%d", r.DocID, r.RevID, r.Sequence)
}

// Sender transmits revisions to the peer.
type Sender interface {
	// SendRev sends rev with its body and arranges for done to be called
	// exactly once with the peer's verdict: nil when stored, or an error.
	// done may be called from any goroutine.
	SendRev(rev *RevToSend, body []byte, done func(error))
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(rev *RevToSend, body []byte, done func(error))

func (f SenderFunc) SendRev(rev *RevToSend, body []byte, done func(error)) {
	f(rev, body, done)
}

// Progress counts revisions the pusher has finished with.
type Progress struct {
	// Completed and Total count sequences; Total grows as changes are found.
	Completed uint64
	Total     uint64
	// DocsPushed and DocsFailed count revisions by outcome.
	DocsPushed  uint64
	DocsFailed  uint64
	BytesPushed uint64
}

// Status is what the pusher reports after each step.
type Status struct {
	Busy     bool
	Progress Progress
}

// DocError describes a revision that could not be pushed.
type DocError struct {
	Rev *RevToSend
	Err error
}

func (e *DocError) Error() string {
	return fmt.Sprintf("push %s: %v", e.Rev, e.Err)
}

func (e *DocError) Unwrap() error {
	return e.Err
}
