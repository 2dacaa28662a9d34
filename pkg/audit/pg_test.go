package audit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildQuery(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	query, args := buildQuery(nil, 0)
	assert.NotContains(t, query, "WHERE")
	assert.NotContains(t, query, "LIMIT")
	assert.Empty(t, args)

	query, args = buildQuery(&Filter{
		Subject:   "alice",
		Action:    ActionAuth,
		Status:    StatusFailure,
		StartTime: &start,
	}, 50)
	assert.Contains(t, query, "WHERE subject = $1 AND action = $2 AND status = $3 AND ts >= $4")
	assert.Contains(t, query, "ORDER BY ts DESC LIMIT $5")
	assert.Equal(t, []any{"alice", "auth", "failure", start, 50}, args)
}

// TestPGAuditLogger needs a scratch database in CLUSO_SYNC_TEST_PG_URL.
func TestPGAuditLogger(t *testing.T) {
	dsn := os.Getenv("CLUSO_SYNC_TEST_PG_URL")
	if dsn == "" {
		t.Skip("CLUSO_SYNC_TEST_PG_URL not set")
	}
	ctx := context.Background()
	l, err := NewPGAuditLogger(ctx, dsn)
	require.NoError(t, err)
	defer l.Close()

	subject := "pg-test-" + uuid.NewString()
	require.NoError(t, l.Log(NewEvent(subject, ActionConnect, ResourceDatabase, "db")))
	failed := NewFailedEvent(subject, ActionAuth, ResourceDatabase, "db", assert.AnError)
	failed.Metadata = map[string]any{"scheme": "bearer"}
	require.NoError(t, l.Log(failed))
	assert.Equal(t, int64(2), l.GetEventCount())

	events, err := l.Query(ctx, &Filter{Subject: subject}, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	events, err = l.Query(ctx, &Filter{Subject: subject, Status: StatusFailure}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ActionAuth, events[0].Action)
	assert.Equal(t, "bearer", events[0].Metadata["scheme"])
	assert.Equal(t, assert.AnError.Error(), events[0].ErrorMessage)
}
