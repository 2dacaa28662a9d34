package replicator

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dd0wney/cluso-sync/pkg/actor"
	"github.com/dd0wney/cluso-sync/pkg/checkpoint"
	"github.com/dd0wney/cluso-sync/pkg/logging"
	"github.com/dd0wney/cluso-sync/pkg/metrics"
	"github.com/dd0wney/cluso-sync/pkg/pusher"
	"github.com/dd0wney/cluso-sync/pkg/store"
	"github.com/dd0wney/cluso-sync/pkg/syncerr"
	"github.com/dd0wney/cluso-sync/pkg/transport"
	"github.com/dd0wney/cluso-sync/pkg/wsframe"
)

// MaxRetryDelay caps the backoff between retries.
const MaxRetryDelay = 600 * time.Second

// ErrStopped is returned by Retry once the replicator has stopped for good.
var ErrStopped = errors.New("replicator is stopped")

// Level is the coarse activity of a replicator. Levels are ordered.
type Level uint8

const (
	LevelStopped Level = iota
	LevelOffline
	LevelConnecting
	LevelIdle
	LevelBusy
)

func (l Level) String() string {
	switch l {
	case LevelStopped:
		return "stopped"
	case LevelOffline:
		return "offline"
	case LevelConnecting:
		return "connecting"
	case LevelIdle:
		return "idle"
	case LevelBusy:
		return "busy"
	default:
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
}

// Flags qualify a Level.
type Flags struct {
	// WillRetry is set while an automatic retry is scheduled.
	WillRetry bool
	// HostReachable is the last reachability hint; true until told otherwise.
	HostReachable bool
	Suspended     bool
}

// Status is a snapshot of a replicator.
type Status struct {
	Level    Level
	Flags    Flags
	Error    error
	Progress pusher.Progress
}

// RetryDelay is the wait before retry number n: 2^n seconds, capped at
// MaxRetryDelay.
func RetryDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= 10 {
		return MaxRetryDelay
	}
	return min(time.Duration(1<<n)*time.Second, MaxRetryDelay)
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l logging.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock sets the clock used for retry timers and checkpoint autosave.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithRootCAs replaces the system roots when verifying the peer.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(c *Controller) { c.rootCAs = pool }
}

// WithRunner replaces the network session, mainly for tests.
func WithRunner(r Runner) Option {
	return func(c *Controller) { c.runner = r }
}

// Controller owns a replication's lifecycle: it starts sessions, classifies
// how they end, and schedules retries with exponential backoff. It is an
// actor; the fields below the mutex-guarded snapshot belong to it.
type Controller struct {
	cfg     Config
	db      store.Database
	cp      *checkpoint.Checkpointer
	runner  Runner
	actor   *actor.Actor
	clock   clockwork.Clock
	logger  logging.Logger
	metrics *metrics.Registry
	rootCAs *x509.CertPool

	mu        sync.Mutex
	snapshot  Status
	listeners []func(Status)

	status      Status
	retryCount  int
	retryTimer  *actor.Timer
	generation  uint64
	cancel      context.CancelFunc
	sessionDone chan struct{}
}

// New creates a stopped Controller replicating db to the peer in cfg.
// Defaults are applied to cfg before it is validated.
func New(cfg Config, db store.Database, opts ...Option) (*Controller, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{cfg: cfg, db: db}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	c.logger = logging.OrDefault(c.logger).With(logging.Component("replicator"), logging.URL(cfg.URL))
	c.actor = actor.New("replicator", actor.WithClock(c.clock), actor.WithLogger(c.logger))

	cpOpts := c.cfg.checkpointOptions()
	cpOpts.Clock = c.clock
	cpOpts.Logger = c.logger
	c.cp = checkpoint.NewCheckpointer(cpOpts)

	if c.runner == nil {
		tOpts := transport.Options{
			ConnectTimeout: cfg.ConnectTimeout,
			IOTimeout:      cfg.IOTimeout,
			RootCAs:        c.rootCAs,
		}
		if cfg.PinnedCertFile != "" {
			data, err := os.ReadFile(cfg.PinnedCertFile)
			if err != nil {
				return nil, fmt.Errorf("read pinned certificate: %w", err)
			}
			if tOpts.PinnedCert, err = transport.LoadPinnedCert(data); err != nil {
				return nil, err
			}
		}
		c.runner = &connector{
			cfg:       &c.cfg,
			db:        db,
			cp:        c.cp,
			transport: tOpts,
			logger:    c.logger,
			metrics:   c.metrics,
		}
	}

	c.status.Flags.HostReachable = true
	c.snapshot = c.status
	return c, nil
}

// Checkpointer exposes the replication's checkpoint, e.g. for pending-document queries.
func (c *Controller) Checkpointer() *checkpoint.Checkpointer { return c.cp }

// Status returns the latest status snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// OnStatusChanged registers fn to be called, on the controller's goroutine,
// after every status change.
func (c *Controller) OnStatusChanged(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Start connects now, forgetting earlier failures. It does nothing if a
// session is already connecting or running.
func (c *Controller) Start() {
	c.actor.Enqueue(func() {
		if c.status.Level >= LevelConnecting {
			return
		}
		c.logger.Info("starting replication", logging.Bool("continuous", c.cfg.Continuous))
		c.retryCount = 0
		c.status.Error = nil
		c.connect()
	})
}

// Stop cancels any scheduled retry and closes the active session. The status
// becomes Stopped at once; the session winds down in the background and
// anything it reports afterwards is ignored.
func (c *Controller) Stop() {
	c.actor.Enqueue(func() {
		if c.status.Level == LevelStopped && c.cancel == nil {
			return
		}
		c.logger.Info("stopping replication")
		c.cancelRetry()
		c.endSession()
		c.metrics.RecordStop("requested")
		c.setLevel(LevelStopped, nil)
	})
}

// StopAndWait stops and waits for the last session to finish winding down.
func (c *Controller) StopAndWait(ctx context.Context) error {
	c.Stop()
	var done chan struct{}
	if err := c.actor.Call(ctx, func() { done = c.sessionDone }); err != nil {
		return err
	}
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the controller for good and releases its goroutine.
func (c *Controller) Close(ctx context.Context) error {
	err := c.StopAndWait(ctx)
	c.actor.Close()
	return err
}

// Retry connects now if the replicator is offline. Any scheduled automatic
// retry is cancelled. resetCount restarts the backoff sequence. Retry fails
// with ErrStopped once the replicator has stopped, and does nothing while a
// session is connecting or running.
func (c *Controller) Retry(resetCount bool) error {
	var err error
	callErr := c.actor.Call(context.Background(), func() {
		switch {
		case c.status.Level == LevelStopped:
			err = ErrStopped
		case c.status.Level >= LevelConnecting:
		default:
			c.logger.Info("retrying on request", logging.Bool("reset_count", resetCount))
			if resetCount {
				c.retryCount = 0
			}
			c.cancelRetry()
			c.connect()
		}
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// SetSuspended pauses or resumes the replicator. Suspending cancels any
// retry and closes the active session without losing checkpointed progress.
func (c *Controller) SetSuspended(suspended bool) {
	c.actor.Enqueue(func() {
		if c.status.Flags.Suspended == suspended {
			return
		}
		c.status.Flags.Suspended = suspended
		c.logger.Info("suspension changed", logging.Bool("suspended", suspended))
		if c.status.Level == LevelStopped {
			c.publish()
			return
		}
		if suspended {
			c.cancelRetry()
			c.endSession()
			c.setLevel(LevelOffline, c.status.Error)
			return
		}
		if c.status.Level == LevelOffline && c.status.Flags.HostReachable {
			c.connect()
			return
		}
		c.publish()
	})
}

// SetHostReachable passes on a reachability hint. Becoming reachable while
// offline retries at once; becoming unreachable cancels the scheduled retry.
func (c *Controller) SetHostReachable(reachable bool) {
	c.actor.Enqueue(func() {
		if c.status.Flags.HostReachable == reachable {
			return
		}
		c.status.Flags.HostReachable = reachable
		c.logger.Info("reachability changed", logging.Bool("reachable", reachable))
		if c.status.Level == LevelOffline && !c.status.Flags.Suspended {
			c.cancelRetry()
			if reachable {
				c.connect()
				return
			}
		}
		c.publish()
	})
}

// connect starts a new session. A session that is still winding down is
// waited for first so two sessions never share the checkpointer.
func (c *Controller) connect() {
	c.cancelRetry()
	c.generation++
	gen := c.generation
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	prev := c.sessionDone
	done := make(chan struct{})
	c.sessionDone = done
	c.setLevel(LevelConnecting, nil)

	events := Events{
		Connected: func() {
			c.actor.Enqueue(func() { c.sessionConnected(gen) })
		},
		Activity: func(busy bool, progress pusher.Progress) {
			c.actor.Enqueue(func() { c.sessionActivity(gen, busy, progress) })
		},
	}
	attempt := c.retryCount
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		c.logger.Debug("session starting", logging.Attempt(attempt))
		err := c.runner.Run(ctx, events)
		c.actor.Enqueue(func() { c.sessionEnded(gen, err) })
	}()
}

// endSession detaches the current session; its late reports are ignored.
func (c *Controller) endSession() {
	c.generation++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) sessionConnected(gen uint64) {
	if gen != c.generation {
		return
	}
	c.logger.Info("connected")
	c.retryCount = 0
	c.setLevel(LevelIdle, nil)
}

func (c *Controller) sessionActivity(gen uint64, busy bool, progress pusher.Progress) {
	if gen != c.generation || c.status.Level < LevelIdle {
		return
	}
	c.status.Progress = progress
	level := LevelIdle
	if busy {
		level = LevelBusy
	}
	c.setLevel(level, nil)
}

func (c *Controller) sessionEnded(gen uint64, err error) {
	if gen != c.generation {
		c.logger.Debug("ignoring report from a detached session", logging.Error(err))
		return
	}
	c.cancel = nil

	if err == nil || wsframe.IsNormalClose(err) {
		c.logger.Info("replication finished")
		c.metrics.RecordStop("finished")
		c.setLevel(LevelStopped, nil)
		return
	}

	transient := syncerr.MayBeTransient(err)
	networkDependent := syncerr.MayBeNetworkDependent(err)
	if !transient && !(c.cfg.Continuous && networkDependent) {
		c.logger.Error("replication failed", logging.Error(err))
		c.metrics.RecordStop("error")
		c.setLevel(LevelStopped, err)
		return
	}

	if max := c.cfg.maxRetryCount(); max >= 0 && c.retryCount >= max {
		c.logger.Error("replication failed; out of retries",
			logging.Attempt(c.retryCount), logging.Error(err))
		c.metrics.RecordStop("retries_exhausted")
		c.setLevel(LevelStopped, err)
		return
	}

	if c.status.Flags.Suspended || !c.status.Flags.HostReachable {
		c.logger.Warn("replication offline; waiting", logging.Error(err),
			logging.Bool("suspended", c.status.Flags.Suspended),
			logging.Bool("reachable", c.status.Flags.HostReachable))
		c.setLevel(LevelOffline, err)
		return
	}

	c.retryCount++
	delay := RetryDelay(c.retryCount)
	c.logger.Warn("replication offline; retry scheduled",
		logging.Attempt(c.retryCount), logging.Duration("delay", delay), logging.Error(err))
	c.retryTimer = c.actor.After(delay, func() {
		c.retryTimer = nil
		if c.status.Level != LevelOffline || c.status.Flags.Suspended {
			return
		}
		c.connect()
	})
	c.status.Flags.WillRetry = true
	c.metrics.RecordRetryScheduled()
	c.setLevel(LevelOffline, err)
}

func (c *Controller) cancelRetry() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.status.Flags.WillRetry = false
}

func (c *Controller) setLevel(level Level, err error) {
	if level != LevelOffline {
		c.status.Flags.WillRetry = c.retryTimer != nil
	}
	c.status.Level = level
	c.status.Error = err
	c.metrics.SetReplicatorLevel(level.String())
	c.publish()
}

func (c *Controller) publish() {
	c.mu.Lock()
	c.snapshot = c.status
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(c.status)
	}
}
