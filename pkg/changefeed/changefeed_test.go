package changefeed

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-sync/pkg/logging"
	"github.com/dd0wney/cluso-sync/pkg/store"
)

// connect returns a publisher and a subscriber to database that is known
// to be receiving.
func connect(t *testing.T, database string) (*Publisher, *Subscriber) {
	t.Helper()
	addr := "inproc://changefeed-" + uuid.NewString()
	p, err := NewPublisher(addr, logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	s, err := NewSubscriber(addr, database)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// the pipe comes up asynchronously; pings stand in until one arrives
	require.Eventually(t, func() bool {
		if err := p.Publish(Event{Database: database, DocID: "ping"}); err != nil {
			return false
		}
		_, err := s.Next(20 * time.Millisecond)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	return p, s
}

// next skips leftover pings.
func next(t *testing.T, s *Subscriber) Event {
	t.Helper()
	for {
		e, err := s.Next(2 * time.Second)
		require.NoError(t, err)
		if e.DocID != "ping" {
			return e
		}
	}
}

func TestAttachPublishesCommits(t *testing.T) {
	p, s := connect(t, "alpha")
	db := store.NewMemoryDB()
	detach := p.Attach("alpha", db)

	require.NoError(t, p.Publish(Event{Database: "beta", DocID: "elsewhere"}))
	doc, err := db.Put("doc1", []byte(`{"n":1}`), false)
	require.NoError(t, err)

	e := next(t, s)
	assert.Equal(t, Event{Database: "alpha", DocID: "doc1", RevID: doc.RevID, Sequence: doc.Sequence}, e)

	_, err = db.PutForeign(store.Document{ID: "doc2", RevID: "1-abc", Body: []byte(`{}`)})
	require.NoError(t, err)
	e = next(t, s)
	assert.Equal(t, "doc2", e.DocID)
	assert.True(t, e.Foreign)

	detach()
	_, err = db.Put("doc3", []byte(`{}`), false)
	require.NoError(t, err)
	require.NoError(t, p.Publish(Event{Database: "alpha", DocID: "marker"}))
	assert.Equal(t, "marker", next(t, s).DocID, "detached database is not published")
}

func TestSubscribeAll(t *testing.T) {
	p, s := connect(t, "")
	require.NoError(t, p.Publish(Event{Database: "beta", DocID: "b1", Deleted: true}))
	e := next(t, s)
	assert.Equal(t, "beta", e.Database)
	assert.True(t, e.Deleted)
}

func TestNextTimeout(t *testing.T) {
	_, s := connect(t, "alpha")
	for {
		_, err := s.Next(50 * time.Millisecond)
		if err != nil {
			assert.ErrorIs(t, err, ErrTimeout)
			return
		}
	}
}

func TestPublisherBadAddress(t *testing.T) {
	_, err := NewPublisher("bogus://nowhere", nil)
	assert.Error(t, err)
}
