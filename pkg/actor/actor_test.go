package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-sync/pkg/logging"
)

func TestActorRunsTasksInOrder(t *testing.T) {
	a := New("test", WithLogger(logging.NewNopLogger()))
	defer a.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, a.Enqueue(func() { got = append(got, i) }))
	}
	require.NoError(t, a.Call(context.Background(), func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestActorEnqueueFromTask(t *testing.T) {
	a := New("test", WithLogger(logging.NewNopLogger()))
	defer a.Close()

	done := make(chan struct{})
	a.Enqueue(func() {
		a.Enqueue(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested task did not run")
	}
}

func TestActorConcurrentSubmitters(t *testing.T) {
	a := New("test", WithLogger(logging.NewNopLogger()))
	defer a.Close()

	count := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				a.Enqueue(func() { count++ })
			}
		}()
	}
	wg.Wait()

	var final int
	require.NoError(t, a.Call(context.Background(), func() { final = count }))
	assert.Equal(t, 1000, final)
}

func TestActorCloseDrainsQueue(t *testing.T) {
	a := New("test", WithLogger(logging.NewNopLogger()))

	ran := 0
	for i := 0; i < 5; i++ {
		a.Enqueue(func() { ran++ })
	}
	a.Close()
	<-a.Done()

	assert.Equal(t, 5, ran)
	assert.False(t, a.Enqueue(func() {}))
	assert.ErrorIs(t, a.Call(context.Background(), func() {}), ErrClosed)
}

func TestActorPanicClosesActor(t *testing.T) {
	logger := logging.NewCaptureLogger()
	a := New("test", WithLogger(logger))

	a.Enqueue(func() { panic("invariant violated") })

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("actor kept running after panic")
	}
	assert.Equal(t, 1, logger.Count(logging.ErrorLevel, "task panicked; shutting down"))
	assert.False(t, a.Enqueue(func() {}))
}

func TestActorCallHonoursContext(t *testing.T) {
	a := New("test", WithLogger(logging.NewNopLogger()))
	defer a.Close()

	block := make(chan struct{})
	a.Enqueue(func() { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Call(ctx, func() {}), context.DeadlineExceeded)
	close(block)
}

func TestActorTimer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := New("test", WithClock(clock), WithLogger(logging.NewNopLogger()))
	defer a.Close()

	fired := make(chan struct{}, 1)
	var timer *Timer
	require.NoError(t, a.Call(context.Background(), func() {
		timer = a.After(time.Second, func() { fired <- struct{}{} })
	}))

	clock.Advance(999 * time.Millisecond)
	select {
	case <-fired:
		t.Fatal("timer fired early")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(time.Millisecond)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.False(t, timer.Stop(), "already fired")
}

func TestActorTimerStop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := New("test", WithClock(clock), WithLogger(logging.NewNopLogger()))
	defer a.Close()

	fired := false
	var timer *Timer
	require.NoError(t, a.Call(context.Background(), func() {
		timer = a.After(time.Second, func() { fired = true })
	}))
	require.NoError(t, a.Call(context.Background(), func() {
		assert.True(t, timer.Stop())
	}))

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Call(context.Background(), func() {
		assert.False(t, fired)
	}))

	var nilTimer *Timer
	assert.False(t, nilTimer.Stop())
}
