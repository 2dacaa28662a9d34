package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Checkpoint records how far replication has got on each axis. Local
// progress is a sequence in this database; remote progress is an opaque JSON
// value the peer understands.
type Checkpoint struct {
	minSequence uint64
	maxSequence uint64
	pending     SequenceSet
	remote      string // raw JSON, "" if none
}

// New returns a checkpoint with the given local sequence and raw JSON remote cursor.
func New(local uint64, remote string) *Checkpoint {
	return &Checkpoint{minSequence: local, maxSequence: local, remote: remote}
}

// LocalMinSequence is the sequence through which every local change has been pushed.
func (c *Checkpoint) LocalMinSequence() uint64 { return c.minSequence }

// MaxSequence is the highest sequence the change scan has looked at.
func (c *Checkpoint) MaxSequence() uint64 { return c.maxSequence }

// RemoteMinSequence is the peer's cursor as raw JSON.
func (c *Checkpoint) RemoteMinSequence() string { return c.remote }

// SetRemoteMinSequence updates the remote cursor, reporting whether it changed.
func (c *Checkpoint) SetRemoteMinSequence(remote string) bool {
	if remote == c.remote {
		return false
	}
	c.remote = remote
	return true
}

// IsSequencePending reports whether seq still has to be pushed.
func (c *Checkpoint) IsSequencePending(seq uint64) bool {
	return seq > c.minSequence && (seq > c.maxSequence || c.pending.Contains(seq))
}

// AddPendingSequence marks a single sequence as needing a push. It cannot
// move the checkpoint.
func (c *Checkpoint) AddPendingSequence(seq uint64) {
	c.pending.Add(seq)
}

// AddPendingSequences records the result of scanning (first, last]: seqs are
// the ones that need pushing, every other sequence in the range is done.
func (c *Checkpoint) AddPendingSequences(seqs []uint64, first, last uint64) {
	for _, seq := range seqs {
		c.pending.Add(seq)
	}
	c.maxSequence = max(c.maxSequence, last)
	c.updateLocalFromPending()
}

// CompletedSequence marks seq as pushed (or permanently failed).
func (c *Checkpoint) CompletedSequence(seq uint64) {
	c.pending.Remove(seq)
	c.updateLocalFromPending()
}

func (c *Checkpoint) updateLocalFromPending() {
	lastComplete := c.maxSequence
	if !c.pending.Empty() {
		lastComplete = c.pending.First() - 1
	}
	c.minSequence = max(c.minSequence, lastComplete)
}

// PendingCount returns how many sequences are awaiting a push.
func (c *Checkpoint) PendingCount() int {
	return c.pending.Len()
}

// ValidateWith compares this checkpoint with the copy the peer holds. An
// axis that disagrees is reset: the local sequence to 0 or the remote cursor
// to empty. It returns false if anything was reset.
func (c *Checkpoint) ValidateWith(peer *Checkpoint) bool {
	match := true
	if c.minSequence > 0 && c.minSequence != peer.minSequence {
		c.minSequence = 0
		c.maxSequence = 0
		c.pending.Clear()
		match = false
	}
	if c.remote != "" && c.remote != peer.remote {
		c.remote = ""
		match = false
	}
	return match
}

func (c *Checkpoint) clone() *Checkpoint {
	cp := *c
	cp.pending = c.pending.clone()
	return &cp
}

type checkpointJSON struct {
	Local        uint64          `json:"local,omitempty"`
	Remote       json.RawMessage `json:"remote,omitempty"`
	Time         int64           `json:"time,omitempty"`
	LocalPending []uint64        `json:"localPending,omitempty"`
	LocalMax     uint64          `json:"localMax,omitempty"`
}

// Encode serializes the checkpoint with a timestamp. Pending sequences are
// written as [start, count] pairs so a restart can resume past them.
func (c *Checkpoint) Encode(now time.Time) []byte {
	out := checkpointJSON{Local: c.minSequence}
	if c.remote != "" {
		out.Remote = json.RawMessage(c.remote)
		if !json.Valid(out.Remote) {
			out.Remote, _ = json.Marshal(c.remote)
		}
	}
	if !now.IsZero() {
		out.Time = now.Unix()
	}
	if !c.pending.Empty() {
		c.pending.Ranges(func(lo, hi uint64) {
			out.LocalPending = append(out.LocalPending, lo, hi-lo)
		})
		if c.maxSequence > c.pending.Last() {
			out.LocalMax = c.maxSequence
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		panic(fmt.Sprintf("checkpoint: encode: %v", err))
	}
	return data
}

// Decode parses a serialized checkpoint. Empty input yields the zero checkpoint.
func Decode(data []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	if len(bytes.TrimSpace(data)) == 0 {
		return c, nil
	}
	var in checkpointJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if len(in.LocalPending)%2 != 0 {
		return nil, fmt.Errorf("decode checkpoint: localPending has odd length %d", len(in.LocalPending))
	}
	c.minSequence = in.Local
	c.maxSequence = in.Local
	if len(in.Remote) > 0 && !bytes.Equal(in.Remote, []byte("null")) {
		c.remote = string(in.Remote)
	}
	for i := 0; i < len(in.LocalPending); i += 2 {
		first, count := in.LocalPending[i], in.LocalPending[i+1]
		c.pending.AddRange(first, first+count)
	}
	c.maxSequence = max(c.maxSequence, c.pending.Last())
	if in.LocalMax != 0 {
		c.maxSequence = in.LocalMax
	}
	return c, nil
}

// ValidRemote reports whether s can be stored as a remote cursor.
func ValidRemote(s string) bool {
	return s == "" || json.Valid([]byte(s))
}
