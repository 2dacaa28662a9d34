package replicator

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-sync/pkg/logging"
	"github.com/dd0wney/cluso-sync/pkg/pusher"
	"github.com/dd0wney/cluso-sync/pkg/store"
	"github.com/dd0wney/cluso-sync/pkg/syncerr"
)

// scriptedRun is one session handed to the test, which decides how it ends.
type scriptedRun struct {
	ctx    context.Context
	ev     Events
	result chan error
}

func (r *scriptedRun) finish(err error) {
	select {
	case r.result <- err:
	default:
	}
}

type scriptedRunner struct {
	runs chan *scriptedRun

	mu  sync.Mutex
	all []*scriptedRun
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{runs: make(chan *scriptedRun, 16)}
}

func (s *scriptedRunner) Run(ctx context.Context, ev Events) error {
	r := &scriptedRun{ctx: ctx, ev: ev, result: make(chan error, 1)}
	s.mu.Lock()
	s.all = append(s.all, r)
	s.mu.Unlock()
	s.runs <- r
	return <-r.result
}

func (s *scriptedRunner) finishAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.all {
		r.finish(nil)
	}
}

func (s *scriptedRunner) next(t *testing.T) *scriptedRun {
	t.Helper()
	select {
	case r := <-s.runs:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("expected a session to start")
		return nil
	}
}

func (s *scriptedRunner) assertNoRun(t *testing.T) {
	t.Helper()
	select {
	case <-s.runs:
		t.Fatal("unexpected session")
	case <-time.After(50 * time.Millisecond):
	}
}

var (
	errReset        = syncerr.Network(syncerr.ConnectionReset).Err()
	errUnknownHost  = syncerr.Network(syncerr.UnknownHost).Err()
	errUnauthorized = syncerr.HTTP(http.StatusUnauthorized).Err()
)

func newTestController(t *testing.T, mutate func(*Config)) (*Controller, *scriptedRunner, clockwork.FakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = "ws://peer.invalid/db"
	if mutate != nil {
		mutate(&cfg)
	}
	runner := newScriptedRunner()
	clock := clockwork.NewFakeClock()
	c, err := New(cfg, store.NewMemoryDB(),
		WithRunner(runner),
		WithClock(clock),
		WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)

	t.Cleanup(func() {
		runner.finishAll()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Close(ctx)
	})
	return c, runner, clock
}

func waitFor(t *testing.T, c *Controller, cond func(Status) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(c.Status()) }, 2*time.Second, 5*time.Millisecond, msg)
}

func waitLevel(t *testing.T, c *Controller, level Level) {
	t.Helper()
	waitFor(t, c, func(s Status) bool { return s.Level == level }, "waiting for level "+level.String())
}

func waitRetryScheduled(t *testing.T, c *Controller) {
	t.Helper()
	waitFor(t, c, func(s Status) bool { return s.Level == LevelOffline && s.Flags.WillRetry }, "waiting for a scheduled retry")
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{5, 32 * time.Second},
		{9, 512 * time.Second},
		{10, 600 * time.Second},
		{30, 600 * time.Second},
		{1000, 600 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RetryDelay(tt.n), "RetryDelay(%d)", tt.n)
	}
}

func TestRetryDelayProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("delay is min(2^n, 600) seconds", prop.ForAll(
		func(n int) bool {
			want := MaxRetryDelay
			if n < 10 {
				want = min(time.Duration(1<<n)*time.Second, MaxRetryDelay)
			}
			return RetryDelay(n) == want
		},
		gen.IntRange(0, 200),
	))

	properties.Property("delay never decreases", prop.ForAll(
		func(n int) bool {
			return RetryDelay(n) <= RetryDelay(n+1)
		},
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "stopped", LevelStopped.String())
	assert.Equal(t, "busy", LevelBusy.String())
	assert.Equal(t, "Level(9)", Level(9).String())
	assert.True(t, LevelStopped < LevelOffline && LevelOffline < LevelConnecting &&
		LevelConnecting < LevelIdle && LevelIdle < LevelBusy)
}

func TestController_InitialStatus(t *testing.T) {
	c, _, _ := newTestController(t, nil)
	s := c.Status()
	assert.Equal(t, LevelStopped, s.Level)
	assert.True(t, s.Flags.HostReachable)
	assert.False(t, s.Flags.WillRetry)
	assert.NoError(t, s.Error)
}

func TestController_OneShotLifecycle(t *testing.T) {
	c, runner, _ := newTestController(t, nil)

	var mu sync.Mutex
	var seen []Level
	c.OnStatusChanged(func(s Status) {
		mu.Lock()
		seen = append(seen, s.Level)
		mu.Unlock()
	})

	c.Start()
	run := runner.next(t)
	waitLevel(t, c, LevelConnecting)

	run.ev.Connected()
	waitLevel(t, c, LevelIdle)

	run.ev.Activity(true, pusher.Progress{Completed: 1, Total: 3})
	waitLevel(t, c, LevelBusy)
	assert.Equal(t, uint64(3), c.Status().Progress.Total)

	run.ev.Activity(false, pusher.Progress{Completed: 3, Total: 3})
	waitLevel(t, c, LevelIdle)

	run.finish(nil)
	waitLevel(t, c, LevelStopped)
	assert.NoError(t, c.Status().Error)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Level{LevelConnecting, LevelIdle, LevelBusy, LevelIdle, LevelStopped}, seen)
}

func TestController_ListenerRegisteredDuringPublish(t *testing.T) {
	c, runner, _ := newTestController(t, nil)

	var (
		mu    sync.Mutex
		first []Level
		late  []Level
		once  sync.Once
	)
	c.OnStatusChanged(func(s Status) {
		mu.Lock()
		first = append(first, s.Level)
		mu.Unlock()
		once.Do(func() {
			c.OnStatusChanged(func(s Status) {
				mu.Lock()
				late = append(late, s.Level)
				mu.Unlock()
			})
		})
	})

	c.Start()
	run := runner.next(t)
	waitLevel(t, c, LevelConnecting)
	run.ev.Connected()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(late) > 0
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Level{LevelConnecting, LevelIdle}, first)
	assert.Equal(t, []Level{LevelIdle}, late, "a listener added mid-publish sees only later statuses")
}

func TestController_NormalCloseIsNotAnError(t *testing.T) {
	c, runner, _ := newTestController(t, func(cfg *Config) { cfg.Continuous = true })
	c.Start()
	runner.next(t).finish(syncerr.WebSocket(syncerr.CloseNormal).Err())
	waitLevel(t, c, LevelStopped)
	assert.NoError(t, c.Status().Error)
}

func TestController_FatalErrorStops(t *testing.T) {
	c, runner, clock := newTestController(t, func(cfg *Config) { cfg.Continuous = true })
	c.Start()
	runner.next(t).finish(errUnauthorized)

	waitLevel(t, c, LevelStopped)
	s := c.Status()
	assert.Equal(t, http.StatusUnauthorized, syncerr.HTTPStatus(s.Error))
	assert.False(t, s.Flags.WillRetry)

	clock.Advance(time.Hour)
	runner.assertNoRun(t)
}

func TestController_OneShotRetryCeiling(t *testing.T) {
	c, runner, clock := newTestController(t, nil)
	c.Start()

	runner.next(t).finish(errReset)
	for attempt := 1; attempt <= MaxOneShotRetryCount; attempt++ {
		waitRetryScheduled(t, c)
		clock.Advance(RetryDelay(attempt))
		runner.next(t).finish(errReset)
	}

	waitLevel(t, c, LevelStopped)
	s := c.Status()
	assert.ErrorIs(t, s.Error, errReset)
	assert.False(t, s.Flags.WillRetry)
	clock.Advance(time.Hour)
	runner.assertNoRun(t)
}

func TestController_MaxRetriesOverride(t *testing.T) {
	zero := 0
	c, runner, _ := newTestController(t, func(cfg *Config) {
		cfg.Continuous = true
		cfg.MaxRetries = &zero
	})
	c.Start()
	runner.next(t).finish(errReset)
	waitLevel(t, c, LevelStopped)
	assert.Error(t, c.Status().Error)
}

func TestController_ContinuousRetriesIndefinitely(t *testing.T) {
	c, runner, clock := newTestController(t, func(cfg *Config) { cfg.Continuous = true })
	c.Start()

	runner.next(t).finish(errReset)
	for attempt := 1; attempt <= 12; attempt++ {
		waitRetryScheduled(t, c)
		clock.Advance(RetryDelay(attempt) - time.Millisecond)
		runner.assertNoRun(t)
		clock.Advance(time.Millisecond)
		runner.next(t).finish(errReset)
	}
	waitRetryScheduled(t, c)
}

func TestController_NetworkDependentErrors(t *testing.T) {
	t.Run("continuous retries", func(t *testing.T) {
		c, runner, _ := newTestController(t, func(cfg *Config) { cfg.Continuous = true })
		c.Start()
		runner.next(t).finish(errUnknownHost)
		waitRetryScheduled(t, c)
	})
	t.Run("one-shot stops", func(t *testing.T) {
		c, runner, _ := newTestController(t, nil)
		c.Start()
		runner.next(t).finish(errUnknownHost)
		waitLevel(t, c, LevelStopped)
		assert.Error(t, c.Status().Error)
	})
}

func TestController_ConnectionForgivesFailures(t *testing.T) {
	c, runner, clock := newTestController(t, func(cfg *Config) { cfg.Continuous = true })
	c.Start()

	runner.next(t).finish(errReset)
	waitRetryScheduled(t, c)
	clock.Advance(RetryDelay(1))

	run := runner.next(t)
	run.ev.Connected()
	waitLevel(t, c, LevelIdle)
	run.finish(errReset)

	// the count restarted, so the next delay is the first one again
	waitRetryScheduled(t, c)
	clock.Advance(RetryDelay(1))
	runner.next(t)
}

func TestController_StopIgnoresLateFailure(t *testing.T) {
	c, runner, clock := newTestController(t, func(cfg *Config) { cfg.Continuous = true })
	c.Start()
	run := runner.next(t)
	run.ev.Connected()
	waitLevel(t, c, LevelIdle)

	c.Stop()
	waitLevel(t, c, LevelStopped)
	select {
	case <-run.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("session context was not cancelled")
	}

	run.ev.Activity(true, pusher.Progress{})
	run.finish(errReset)
	clock.Advance(time.Hour)
	runner.assertNoRun(t)

	s := c.Status()
	assert.Equal(t, LevelStopped, s.Level)
	assert.NoError(t, s.Error)
	assert.False(t, s.Flags.WillRetry)
}

func TestController_StopCancelsScheduledRetry(t *testing.T) {
	c, runner, clock := newTestController(t, func(cfg *Config) { cfg.Continuous = true })
	c.Start()
	runner.next(t).finish(errReset)
	waitRetryScheduled(t, c)

	c.Stop()
	waitLevel(t, c, LevelStopped)
	clock.Advance(time.Hour)
	runner.assertNoRun(t)
}

func TestController_StopAndWait(t *testing.T) {
	c, runner, _ := newTestController(t, nil)
	c.Start()
	run := runner.next(t)

	stopped := make(chan error, 1)
	go func() { stopped <- c.StopAndWait(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("StopAndWait returned before the session ended")
	case <-time.After(50 * time.Millisecond):
	}
	run.finish(nil)
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StopAndWait did not return")
	}
}

func TestController_Retry(t *testing.T) {
	t.Run("refused when stopped", func(t *testing.T) {
		c, runner, _ := newTestController(t, nil)
		assert.ErrorIs(t, c.Retry(false), ErrStopped)

		c.Start()
		runner.next(t).finish(errUnauthorized)
		waitLevel(t, c, LevelStopped)
		assert.ErrorIs(t, c.Retry(true), ErrStopped)
	})

	t.Run("no-op while connecting", func(t *testing.T) {
		c, runner, _ := newTestController(t, nil)
		c.Start()
		runner.next(t)
		waitLevel(t, c, LevelConnecting)
		assert.NoError(t, c.Retry(true))
		runner.assertNoRun(t)
	})

	t.Run("cancels the scheduled retry", func(t *testing.T) {
		c, runner, clock := newTestController(t, func(cfg *Config) { cfg.Continuous = true })
		c.Start()
		runner.next(t).finish(errReset)
		waitRetryScheduled(t, c)

		require.NoError(t, c.Retry(false))
		run := runner.next(t)
		waitLevel(t, c, LevelConnecting)
		assert.False(t, c.Status().Flags.WillRetry)

		clock.Advance(time.Hour)
		runner.assertNoRun(t)
		run.finish(nil)
	})

	t.Run("resetCount restarts backoff", func(t *testing.T) {
		c, runner, clock := newTestController(t, func(cfg *Config) { cfg.Continuous = true })
		c.Start()
		runner.next(t).finish(errReset)
		waitRetryScheduled(t, c)
		clock.Advance(RetryDelay(1))
		runner.next(t).finish(errReset)
		waitRetryScheduled(t, c) // second retry would wait RetryDelay(2)

		require.NoError(t, c.Retry(true))
		runner.next(t).finish(errReset)
		waitRetryScheduled(t, c)
		clock.Advance(RetryDelay(1))
		runner.next(t)
	})
}

func TestController_Suspend(t *testing.T) {
	c, runner, _ := newTestController(t, func(cfg *Config) { cfg.Continuous = true })
	c.Start()
	run := runner.next(t)
	run.ev.Connected()
	waitLevel(t, c, LevelIdle)

	c.SetSuspended(true)
	waitFor(t, c, func(s Status) bool { return s.Level == LevelOffline && s.Flags.Suspended }, "suspended")
	<-run.ctx.Done()

	// the closed session's own report changes nothing
	run.finish(nil)
	runner.assertNoRun(t)
	assert.Equal(t, LevelOffline, c.Status().Level)

	c.SetSuspended(false)
	runner.next(t)
	waitLevel(t, c, LevelConnecting)
	assert.False(t, c.Status().Flags.Suspended)
}

func TestController_SuspendCancelsRetry(t *testing.T) {
	c, runner, clock := newTestController(t, func(cfg *Config) { cfg.Continuous = true })
	c.Start()
	runner.next(t).finish(errReset)
	waitRetryScheduled(t, c)

	c.SetSuspended(true)
	waitFor(t, c, func(s Status) bool { return s.Flags.Suspended && !s.Flags.WillRetry }, "retry cancelled")
	clock.Advance(time.Hour)
	runner.assertNoRun(t)
}

func TestController_SuspendWhileStopped(t *testing.T) {
	c, runner, _ := newTestController(t, nil)
	c.SetSuspended(true)
	waitFor(t, c, func(s Status) bool { return s.Flags.Suspended }, "flag set")
	c.SetSuspended(false)
	runner.assertNoRun(t)
	assert.Equal(t, LevelStopped, c.Status().Level)
}

func TestController_HostReachability(t *testing.T) {
	c, runner, clock := newTestController(t, func(cfg *Config) { cfg.Continuous = true })
	c.Start()
	runner.next(t).finish(errReset)
	waitRetryScheduled(t, c)

	c.SetHostReachable(false)
	waitFor(t, c, func(s Status) bool { return !s.Flags.HostReachable && !s.Flags.WillRetry }, "retry cancelled")
	clock.Advance(time.Hour)
	runner.assertNoRun(t)

	c.SetHostReachable(true)
	runner.next(t).finish(errReset)

	// failing while unreachable waits for reachability instead of a timer
	waitRetryScheduled(t, c)
	c.SetHostReachable(false)
	waitFor(t, c, func(s Status) bool { return !s.Flags.WillRetry }, "retry cancelled")
	c.SetHostReachable(true)
	run := runner.next(t)
	c.SetHostReachable(false)
	run.finish(errReset)
	waitFor(t, c, func(s Status) bool { return s.Level == LevelOffline && !s.Flags.WillRetry }, "offline without retry")
	clock.Advance(time.Hour)
	runner.assertNoRun(t)
}
