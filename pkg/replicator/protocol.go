package replicator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dd0wney/cluso-sync/pkg/syncerr"
)

// Protocol is the WebSocket subprotocol both sides must agree on.
const Protocol = "cluso-sync-1"

// SyncPath is appended to the database URL to reach the sync endpoint.
const SyncPath = "_sync"

// MessageType represents the type of replication message
type MessageType uint8

const (
	// Replies carry ReplyTo and either Data or Error
	MsgReply MessageType = iota

	// Checkpoint messages
	MsgGetCheckpoint
	MsgSetCheckpoint

	// Data messages
	MsgRev
	MsgGetAttachment
)

func (t MessageType) String() string {
	switch t {
	case MsgReply:
		return "reply"
	case MsgGetCheckpoint:
		return "getCheckpoint"
	case MsgSetCheckpoint:
		return "setCheckpoint"
	case MsgRev:
		return "rev"
	case MsgGetAttachment:
		return "getAttachment"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Message is the envelope of every frame. Requests carry a positive ID that
// their reply echoes in ReplyTo; NoReply requests get no reply at all.
type Message struct {
	Type      MessageType     `json:"type"`
	ID        uint64          `json:"id,omitempty"`
	ReplyTo   uint64          `json:"reply_to,omitempty"`
	NoReply   bool            `json:"no_reply,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorMessage   `json:"error,omitempty"`
}

// NewMessage creates a new message with the given type and data
func NewMessage(msgType MessageType, data any) (*Message, error) {
	msg := &Message{Type: msgType, Timestamp: time.Now().Unix()}
	if data != nil {
		dataBytes, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = dataBytes
	}
	return msg, nil
}

// NewReply creates a reply to req carrying data.
func NewReply(req *Message, data any) (*Message, error) {
	msg, err := NewMessage(MsgReply, data)
	if err != nil {
		return nil, err
	}
	msg.ReplyTo = req.ID
	return msg, nil
}

// NewErrorReply creates a reply to req reporting err.
func NewErrorReply(req *Message, err error) *Message {
	return &Message{
		Type:      MsgReply,
		ReplyTo:   req.ID,
		Timestamp: time.Now().Unix(),
		Error:     ErrorMessageFrom(err),
	}
}

// Decode decodes message data into the provided interface
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no data", m.Type)
	}
	return json.Unmarshal(m.Data, v)
}

// Err returns the error carried by a reply, if any.
func (m *Message) Err() error {
	if m.Error == nil {
		return nil
	}
	return m.Error.Err()
}

// GetCheckpointRequest asks the peer for the checkpoint it holds for Client.
type GetCheckpointRequest struct {
	Client string `json:"client"`
}

// CheckpointResponse is the peer's copy of a checkpoint and its revision.
type CheckpointResponse struct {
	Rev        string          `json:"rev"`
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`
}

// SetCheckpointRequest stores a checkpoint on the peer. Rev must match the
// revision the peer holds ("" when it holds none).
type SetCheckpointRequest struct {
	Client     string          `json:"client"`
	Rev        string          `json:"rev,omitempty"`
	Checkpoint json.RawMessage `json:"checkpoint"`
}

// SetCheckpointResponse carries the new revision of the stored checkpoint.
type SetCheckpointResponse struct {
	Rev string `json:"rev"`
}

// RevMessage transfers one revision of a document.
type RevMessage struct {
	DocID   string `json:"doc_id"`
	RevID   string `json:"rev_id"`
	Deleted bool   `json:"deleted,omitempty"`
	Body    []byte `json:"body,omitempty"`
	// Sequence is the sender's sequence for the revision; the receiver
	// records it as its remote cursor.
	Sequence uint64 `json:"sequence,omitempty"`
}

// GetAttachmentRequest asks for the bytes of an attachment by digest.
type GetAttachmentRequest struct {
	Digest string `json:"digest"`
}

// AttachmentResponse carries attachment bytes.
type AttachmentResponse struct {
	Data []byte `json:"data"`
}

// ErrorMessage reports errors
type ErrorMessage struct {
	Domain  string `json:"domain"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// ErrorMessageFrom converts err for the wire. Unclassified errors are sent
// as Sync/Unexpected.
func ErrorMessageFrom(err error) *ErrorMessage {
	if e, ok := syncerr.As(err); ok {
		msg := e.Message
		if msg == "" {
			msg = e.Error()
		}
		return &ErrorMessage{Domain: e.Domain.String(), Code: e.Code, Message: msg}
	}
	return &ErrorMessage{Domain: syncerr.SyncDomain.String(), Code: syncerr.Unexpected, Message: err.Error()}
}

// Err converts a wire error back into a *syncerr.Error.
func (e *ErrorMessage) Err() error {
	domain := syncerr.SyncDomain
	for _, d := range []syncerr.Domain{syncerr.NetworkDomain, syncerr.HTTPDomain, syncerr.WebSocketDomain, syncerr.SyncDomain, syncerr.StorageDomain} {
		if strings.EqualFold(d.String(), e.Domain) {
			domain = d
			break
		}
	}
	return &syncerr.Error{Domain: domain, Code: e.Code, Message: e.Message}
}
