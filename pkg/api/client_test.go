package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-sync/pkg/checkpoint"
	"github.com/dd0wney/cluso-sync/pkg/replicator"
)

func newTestClient(t *testing.T) (*Client, *Server, *fakeReplicator) {
	t.Helper()
	s, rep := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL+"/", ts.Client()), s, rep
}

func TestClient_Controls(t *testing.T) {
	c, _, rep := newTestClient(t)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "idle", st.Level)

	require.NoError(t, c.Retry(ctx, true))
	require.NoError(t, c.SetSuspended(ctx, true))
	require.NoError(t, c.SetSuspended(ctx, false))
	require.NoError(t, c.SetHostReachable(ctx, false))
	assert.Equal(t, []bool{true}, rep.retries)
	assert.Equal(t, []bool{true, false}, rep.suspended)
	assert.Equal(t, []bool{false}, rep.reachable)

	rep.cp = checkpoint.NewCheckpointer(checkpoint.Options{RemoteURL: "ws://peer:4984/db"})
	cp, err := c.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Zero(t, cp.PendingSequences)
}

func TestClient_Errors(t *testing.T) {
	c, _, rep := newTestClient(t)
	rep.retryErr = replicator.ErrStopped

	err := c.Retry(context.Background(), false)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Code)
	assert.Equal(t, replicator.ErrStopped.Error(), se.Message)

	_, err = c.Checkpoint(context.Background())
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestClient_StreamStatus(t *testing.T) {
	c, s, rep := newTestClient(t)

	got := make(chan StatusResponse, 8)
	done := make(chan error, 1)
	go func() {
		done <- c.StreamStatus(context.Background(), func(st StatusResponse) { got <- st })
	}()

	first := <-got
	assert.Equal(t, "idle", first.Level)

	rep.emit(replicator.Status{Level: replicator.LevelBusy})
	assert.Equal(t, "busy", (<-got).Level)

	s.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after server close")
	}
}

func TestClient_StreamStatusCancel(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.StreamStatus(ctx, func(StatusResponse) { close(started) })
	}()
	<-started
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream ignored cancellation")
	}
}
