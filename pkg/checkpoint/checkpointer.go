// Package checkpoint tracks replication progress durably: which local
// sequences have been pushed, how far the peer's changes have been pulled,
// and when that state needs saving.
package checkpoint

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dd0wney/cluso-sync/pkg/logging"
	"github.com/dd0wney/cluso-sync/pkg/store"
)

// DefaultSaveDelay is how long after the first unsaved change an autosave fires.
const DefaultSaveDelay = 5 * time.Second

// Options identify the replication a checkpoint belongs to and which
// documents it covers.
type Options struct {
	// RemoteURL identifies the peer unless RemoteUniqueID is set.
	RemoteURL string
	// RemoteUniqueID is a stable peer ID that survives URL changes.
	RemoteUniqueID string
	Channels       []string
	Filter         string
	FilterParams   map[string]string
	// DocIDs, if non-empty, limits the replication to these documents.
	DocIDs []string
	// PushFilter, if set, must return true for a change to be pushed.
	PushFilter func(store.Change) bool
	// Reset ignores any stored checkpoint and starts from scratch.
	Reset  bool
	Clock  clockwork.Clock
	Logger logging.Logger
}

// Checkpointer owns a replication's Checkpoint: it loads and stores it in
// the local database and decides when it should be saved. All methods are
// safe for concurrent use; the lock is never held across I/O or callbacks.
type Checkpointer struct {
	opts   Options
	docIDs map[string]struct{}
	clock  clockwork.Clock
	logger logging.Logger

	mu         sync.Mutex
	checkpoint *Checkpoint
	initialID  string
	id         string
	changed    bool
	saving     bool
	overdue    bool
	autosave   bool
	timer      clockwork.Timer
	timerGen   uint64
	saveDelay  time.Duration
	onSave     func([]byte)
}

// NewCheckpointer creates a Checkpointer holding the zero checkpoint.
func NewCheckpointer(opts Options) *Checkpointer {
	c := &Checkpointer{
		opts:       opts,
		clock:      opts.Clock,
		logger:     logging.OrDefault(opts.Logger).With(logging.Component("checkpointer")),
		checkpoint: &Checkpoint{},
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if len(opts.DocIDs) > 0 {
		c.docIDs = make(map[string]struct{}, len(opts.DocIDs))
		for _, id := range opts.DocIDs {
			c.docIDs[id] = struct{}{}
		}
	}
	return c
}

// IDForUUID computes the storage key of the checkpoint for a database with
// the given private UUID replicating with this Checkpointer's peer and options.
func (c *Checkpointer) IDForUUID(private uuid.UUID) string {
	remote := c.opts.RemoteUniqueID
	if remote == "" {
		remote = c.opts.RemoteURL
	}
	parts := []any{private.String(), remote}
	if len(c.opts.Channels) > 0 || c.opts.Filter != "" || len(c.opts.DocIDs) > 0 {
		channels := append([]string(nil), c.opts.Channels...)
		sort.Strings(channels)
		docIDs := append([]string(nil), c.opts.DocIDs...)
		sort.Strings(docIDs)
		parts = append(parts, channels, c.opts.Filter, c.opts.FilterParams, docIDs)
	}
	data, err := json.Marshal(parts)
	if err != nil {
		panic(fmt.Sprintf("checkpoint: marshal identity: %v", err))
	}
	sum := sha1.Sum(data)
	return "cp-" + base64.StdEncoding.EncodeToString(sum[:])
}

// initializeIDs settles where the checkpoint is read from and written to.
// A copied database has a new private UUID, so the first time it replicates
// its checkpoint is looked up under the UUID it was copied from.
func (c *Checkpointer) initializeIDs(db store.Database) (string, error) {
	c.mu.Lock()
	if c.id != "" {
		initial := c.initialID
		c.mu.Unlock()
		return initial, nil
	}
	c.mu.Unlock()

	id := c.IDForUUID(db.PrivateUUID())
	initial := id
	if prev, ok := db.PreviousPrivateUUID(); ok {
		if _, err := db.GetRaw(store.CheckpointsNamespace, id); errors.Is(err, store.ErrNotFound) {
			prevID := c.IDForUUID(prev)
			_, err := db.GetRaw(store.CheckpointsNamespace, prevID)
			switch {
			case err == nil:
				initial = prevID
				c.logger.Info("using checkpoint of the database this one was copied from", logging.String("checkpoint_id", prevID))
			case !errors.Is(err, store.ErrNotFound):
				return "", err
			}
		} else if err != nil {
			return "", err
		}
	}

	c.mu.Lock()
	c.id, c.initialID = id, initial
	c.mu.Unlock()
	return initial, nil
}

// CheckpointID is the key the checkpoint is written under. Valid after Read.
func (c *Checkpointer) CheckpointID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// InitialCheckpointID is the key the checkpoint was read from. It differs
// from CheckpointID only for a copied database's first replication.
func (c *Checkpointer) InitialCheckpointID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialID
}

// Read loads the stored checkpoint. A missing or unreadable record, or the
// Reset option, leaves the zero checkpoint in place; only storage failures
// are returned. found reports whether a stored checkpoint was used.
func (c *Checkpointer) Read(db store.Database) (found bool, err error) {
	initial, err := c.initializeIDs(db)
	if err != nil {
		return false, fmt.Errorf("read checkpoint: %w", err)
	}
	if c.opts.Reset {
		c.reset("reset requested")
		return false, nil
	}
	return c.load(db, initial)
}

// Reread reloads the checkpoint from its current key, replacing in-memory state.
func (c *Checkpointer) Reread(db store.Database) (bool, error) {
	if _, err := c.initializeIDs(db); err != nil {
		return false, fmt.Errorf("reread checkpoint: %w", err)
	}
	return c.load(db, c.CheckpointID())
}

func (c *Checkpointer) load(db store.Database, id string) (bool, error) {
	data, err := db.GetRaw(store.CheckpointsNamespace, id)
	if errors.Is(err, store.ErrNotFound) {
		c.reset("no stored checkpoint")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read checkpoint %s: %w", id, err)
	}
	cp, err := Decode(data)
	if err != nil {
		c.logger.Warn("ignoring unreadable checkpoint", logging.String("checkpoint_id", id), logging.Error(err))
		c.reset("unreadable checkpoint")
		return false, nil
	}

	c.mu.Lock()
	c.checkpoint = cp
	c.changed = false
	c.mu.Unlock()
	c.logger.Info("read checkpoint",
		logging.String("checkpoint_id", id),
		logging.Sequence(cp.LocalMinSequence()),
		logging.String("remote", cp.RemoteMinSequence()))
	return true, nil
}

func (c *Checkpointer) reset(reason string) {
	c.mu.Lock()
	c.checkpoint = &Checkpoint{}
	c.changed = false
	c.mu.Unlock()
	c.logger.Info("starting from empty checkpoint", logging.String("reason", reason))
}

// Write stores data, the exact bytes that were saved on the peer, as the
// local checkpoint. From then on the checkpoint is read from CheckpointID.
func (c *Checkpointer) Write(db store.Database, data []byte) error {
	id := c.CheckpointID()
	if id == "" {
		return errors.New("write checkpoint: Read has not been called")
	}
	if err := db.PutRaw(store.CheckpointsNamespace, id, data); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", id, err)
	}
	c.mu.Lock()
	c.initialID = id
	c.mu.Unlock()
	return nil
}

// ValidateWith compares the local checkpoint with the peer's copy, resetting
// any axis that disagrees. It returns false if anything was reset.
func (c *Checkpointer) ValidateWith(peer *Checkpoint) bool {
	c.mu.Lock()
	before := c.checkpoint.clone()
	ok := c.checkpoint.ValidateWith(peer)
	if !ok {
		c.markChangedLocked()
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("checkpoint does not match peer; resetting",
			logging.Uint64("local", before.LocalMinSequence()),
			logging.Uint64("peer_local", peer.LocalMinSequence()),
			logging.String("remote", before.RemoteMinSequence()),
			logging.String("peer_remote", peer.RemoteMinSequence()))
	}
	return ok
}

// Snapshot returns a copy of the current checkpoint.
func (c *Checkpointer) Snapshot() *Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint.clone()
}

func (c *Checkpointer) LocalMinSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint.LocalMinSequence()
}

func (c *Checkpointer) RemoteMinSequence() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint.RemoteMinSequence()
}

func (c *Checkpointer) SetRemoteMinSequence(remote string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkpoint.SetRemoteMinSequence(remote) {
		c.markChangedLocked()
	}
}

func (c *Checkpointer) AddPendingSequence(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoint.AddPendingSequence(seq)
}

// AddPendingSequences records a change scan of (first, last]; see Checkpoint.AddPendingSequences.
func (c *Checkpointer) AddPendingSequences(seqs []uint64, first, last uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.checkpoint.LocalMinSequence()
	c.checkpoint.AddPendingSequences(seqs, first, last)
	if c.checkpoint.LocalMinSequence() != old {
		c.markChangedLocked()
	}
}

func (c *Checkpointer) CompletedSequence(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.checkpoint.LocalMinSequence()
	c.checkpoint.CompletedSequence(seq)
	if c.checkpoint.LocalMinSequence() != old {
		c.markChangedLocked()
	}
}

// NumPendingSequences returns how many sequences still await a push.
func (c *Checkpointer) NumPendingSequences() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint.PendingCount()
}

// IsSequencePending reports whether seq still has to be pushed.
func (c *Checkpointer) IsSequencePending(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint.IsSequencePending(seq)
}

// IsDocumentIDAllowed applies the DocIDs option.
func (c *Checkpointer) IsDocumentIDAllowed(docID string) bool {
	if c.docIDs == nil {
		return true
	}
	_, ok := c.docIDs[docID]
	return ok
}

// IsDocumentAllowed applies the DocIDs option and the push filter.
func (c *Checkpointer) IsDocumentAllowed(ch store.Change) bool {
	if !c.IsDocumentIDAllowed(ch.DocID) {
		return false
	}
	return c.opts.PushFilter == nil || c.opts.PushFilter(ch)
}

// PendingDocumentIDs calls fn for every allowed document whose current
// revision has not been pushed yet.
func (c *Checkpointer) PendingDocumentIDs(db store.Database, fn func(store.Change)) error {
	changes, err := db.ChangesSince(c.LocalMinSequence(), 0)
	if err != nil {
		return fmt.Errorf("pending documents: %w", err)
	}
	for _, ch := range changes {
		if c.IsSequencePending(ch.Sequence) && c.IsDocumentAllowed(ch) {
			fn(ch)
		}
	}
	return nil
}

// IsDocumentPending reports whether docID's current revision has not been pushed yet.
func (c *Checkpointer) IsDocumentPending(db store.Database, docID string) (bool, error) {
	doc, err := db.Get(docID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("document %q pending: %w", docID, err)
	}
	ch := store.Change{DocID: doc.ID, RevID: doc.RevID, Sequence: doc.Sequence, Deleted: doc.Deleted, Foreign: doc.Foreign, BodySize: len(doc.Body)}
	return c.IsSequencePending(doc.Sequence) && c.IsDocumentAllowed(ch), nil
}
