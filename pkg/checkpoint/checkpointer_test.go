package checkpoint

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-sync/pkg/logging"
	"github.com/dd0wney/cluso-sync/pkg/store"
)

func newTestCheckpointer(opts Options) *Checkpointer {
	if opts.RemoteURL == "" {
		opts.RemoteURL = "wss://peer.example.com/db"
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	return NewCheckpointer(opts)
}

func TestCheckpointer_IDIsStable(t *testing.T) {
	db := store.NewMemoryDB()
	a := newTestCheckpointer(Options{})
	b := newTestCheckpointer(Options{})
	assert.Equal(t, a.IDForUUID(db.PrivateUUID()), b.IDForUUID(db.PrivateUUID()))
	assert.True(t, strings.HasPrefix(a.IDForUUID(db.PrivateUUID()), "cp-"))

	other := newTestCheckpointer(Options{RemoteURL: "wss://elsewhere/db"})
	assert.NotEqual(t, a.IDForUUID(db.PrivateUUID()), other.IDForUUID(db.PrivateUUID()))

	byUnique := newTestCheckpointer(Options{RemoteURL: "wss://a/db", RemoteUniqueID: "peer-1"})
	movedPeer := newTestCheckpointer(Options{RemoteURL: "wss://b/db", RemoteUniqueID: "peer-1"})
	assert.Equal(t, byUnique.IDForUUID(db.PrivateUUID()), movedPeer.IDForUUID(db.PrivateUUID()))

	filtered := newTestCheckpointer(Options{Channels: []string{"b", "a"}})
	reordered := newTestCheckpointer(Options{Channels: []string{"a", "b"}})
	assert.Equal(t, filtered.IDForUUID(db.PrivateUUID()), reordered.IDForUUID(db.PrivateUUID()))
	assert.NotEqual(t, a.IDForUUID(db.PrivateUUID()), filtered.IDForUUID(db.PrivateUUID()))
}

func TestCheckpointer_ReadMissing(t *testing.T) {
	db := store.NewMemoryDB()
	c := newTestCheckpointer(Options{})

	found, err := c.Read(db)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, uint64(0), c.LocalMinSequence())
	assert.Equal(t, c.CheckpointID(), c.InitialCheckpointID())
}

func TestCheckpointer_WriteThenRead(t *testing.T) {
	db := store.NewMemoryDB()
	c := newTestCheckpointer(Options{})
	_, err := c.Read(db)
	require.NoError(t, err)

	require.NoError(t, c.Write(db, New(42, `"abc"`).Encode(time.Time{})))

	again := newTestCheckpointer(Options{})
	found, err := again.Read(db)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(42), again.LocalMinSequence())
	assert.Equal(t, `"abc"`, again.RemoteMinSequence())

	reset := newTestCheckpointer(Options{Reset: true})
	found, err = reset.Read(db)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, uint64(0), reset.LocalMinSequence())
}

func TestCheckpointer_WriteBeforeRead(t *testing.T) {
	c := newTestCheckpointer(Options{})
	assert.Error(t, c.Write(store.NewMemoryDB(), []byte(`{}`)))
}

func TestCheckpointer_UnreadableCheckpointIsIgnored(t *testing.T) {
	db := store.NewMemoryDB()
	logger := logging.NewCaptureLogger()
	c := newTestCheckpointer(Options{Logger: logger})
	require.NoError(t, db.PutRaw(store.CheckpointsNamespace, c.IDForUUID(db.PrivateUUID()), []byte("{nope")))

	found, err := c.Read(db)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, logger.Count(logging.WarnLevel, "ignoring unreadable checkpoint"))
}

func TestCheckpointer_CopiedDatabaseUsesPreviousCheckpoint(t *testing.T) {
	original := store.NewMemoryDB()
	c := newTestCheckpointer(Options{})
	_, err := c.Read(original)
	require.NoError(t, err)
	require.NoError(t, c.Write(original, New(17, "").Encode(time.Time{})))

	copied := original.Copy()
	cc := newTestCheckpointer(Options{})
	found, err := cc.Read(copied)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(17), cc.LocalMinSequence())
	assert.NotEqual(t, cc.CheckpointID(), cc.InitialCheckpointID())
	assert.Equal(t, c.CheckpointID(), cc.InitialCheckpointID())

	require.NoError(t, cc.Write(copied, New(20, "").Encode(time.Time{})))
	assert.Equal(t, cc.CheckpointID(), cc.InitialCheckpointID())
}

func TestCheckpointer_ValidateWithPeer(t *testing.T) {
	db := store.NewMemoryDB()
	logger := logging.NewCaptureLogger()
	c := newTestCheckpointer(Options{Logger: logger})
	_, err := c.Read(db)
	require.NoError(t, err)
	require.NoError(t, c.Write(db, New(42, `"abc"`).Encode(time.Time{})))
	_, err = c.Reread(db)
	require.NoError(t, err)

	assert.False(t, c.ValidateWith(New(10, `"abc"`)))
	assert.Equal(t, uint64(0), c.LocalMinSequence())
	assert.Equal(t, `"abc"`, c.RemoteMinSequence())
	assert.True(t, c.IsUnsaved())
	assert.Equal(t, 1, logger.Count(logging.WarnLevel, "checkpoint does not match peer; resetting"))
}

func TestCheckpointer_DocumentFilters(t *testing.T) {
	c := newTestCheckpointer(Options{
		DocIDs:     []string{"a", "b"},
		PushFilter: func(ch store.Change) bool { return !ch.Deleted },
	})
	assert.True(t, c.IsDocumentIDAllowed("a"))
	assert.False(t, c.IsDocumentIDAllowed("z"))
	assert.True(t, c.IsDocumentAllowed(store.Change{DocID: "b"}))
	assert.False(t, c.IsDocumentAllowed(store.Change{DocID: "b", Deleted: true}))
	assert.False(t, c.IsDocumentAllowed(store.Change{DocID: "z"}))

	open := newTestCheckpointer(Options{})
	assert.True(t, open.IsDocumentIDAllowed("anything"))
}

func TestCheckpointer_PendingDocuments(t *testing.T) {
	db := store.NewMemoryDB()
	for _, id := range []string{"a", "b", "c"} {
		_, err := db.Put(id, []byte(`{}`), false)
		require.NoError(t, err)
	}
	c := newTestCheckpointer(Options{DocIDs: []string{"a", "b"}})
	_, err := c.Read(db)
	require.NoError(t, err)

	c.AddPendingSequences([]uint64{1, 2}, 0, 3)
	c.CompletedSequence(1)

	var ids []string
	require.NoError(t, c.PendingDocumentIDs(db, func(ch store.Change) { ids = append(ids, ch.DocID) }))
	assert.Equal(t, []string{"b"}, ids)

	pending, err := c.IsDocumentPending(db, "b")
	require.NoError(t, err)
	assert.True(t, pending)
	pending, err = c.IsDocumentPending(db, "a")
	require.NoError(t, err)
	assert.False(t, pending)
	pending, err = c.IsDocumentPending(db, "missing")
	require.NoError(t, err)
	assert.False(t, pending)
	assert.Equal(t, 1, c.NumPendingSequences())
}

type saveRecorder struct {
	mu    sync.Mutex
	saves [][]byte
}

func (r *saveRecorder) save(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, data)
}

func (r *saveRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saves)
}

func (r *saveRecorder) last() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves[len(r.saves)-1]
}

func TestCheckpointer_AutosaveCoalesces(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCheckpointer(Options{Clock: clock})
	_, err := c.Read(store.NewMemoryDB())
	require.NoError(t, err)

	rec := &saveRecorder{}
	c.EnableAutosave(5*time.Second, rec.save)

	c.AddPendingSequences(nil, 0, 3)
	c.SetRemoteMinSequence(`"r1"`)
	c.AddPendingSequences(nil, 3, 7)
	assert.True(t, c.IsUnsaved())

	clock.Advance(4 * time.Second)
	assert.Equal(t, 0, rec.count())

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	saved, err := Decode(rec.last())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), saved.LocalMinSequence())
	assert.Equal(t, `"r1"`, saved.RemoteMinSequence())
	assert.True(t, c.IsUnsaved(), "unsaved until acknowledged")

	c.SaveCompleted()
	assert.False(t, c.IsUnsaved())
}

func TestCheckpointer_ChangeDuringSaveSavesAgain(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCheckpointer(Options{Clock: clock})
	_, err := c.Read(store.NewMemoryDB())
	require.NoError(t, err)

	rec := &saveRecorder{}
	c.EnableAutosave(time.Second, rec.save)

	c.AddPendingSequences(nil, 0, 1)
	require.True(t, c.Save())
	assert.Equal(t, 1, rec.count())

	c.AddPendingSequences(nil, 1, 2)
	assert.False(t, c.Save(), "a save is already in flight")
	assert.Equal(t, 1, rec.count())

	c.SaveCompleted()
	assert.Equal(t, 2, rec.count())
	saved, err := Decode(rec.last())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), saved.LocalMinSequence())

	c.SaveCompleted()
	assert.False(t, c.IsUnsaved())
	assert.False(t, c.Save(), "nothing changed")
}

func TestCheckpointer_SaveFailedRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCheckpointer(Options{Clock: clock})
	_, err := c.Read(store.NewMemoryDB())
	require.NoError(t, err)

	rec := &saveRecorder{}
	c.EnableAutosave(time.Second, rec.save)
	c.AddPendingSequences(nil, 0, 1)
	require.True(t, c.Save())

	c.SaveFailed()
	assert.True(t, c.IsUnsaved())
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestCheckpointer_StopAutosave(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCheckpointer(Options{Clock: clock})
	_, err := c.Read(store.NewMemoryDB())
	require.NoError(t, err)

	rec := &saveRecorder{}
	c.EnableAutosave(time.Second, rec.save)
	c.AddPendingSequences(nil, 0, 1)
	c.StopAutosave()

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	assert.True(t, c.IsUnsaved())

	assert.True(t, c.Save(), "explicit save still works")
	assert.Equal(t, 1, rec.count())
}
