// Package health runs liveness, readiness and general checks for the sync
// processes and serves them over HTTP.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// Status is the outcome of a check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse reports whether s outranks o.
func (s Status) worse(o Status) bool {
	return s.rank() > o.rank()
}

func (s Status) rank() int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return 0
	}
}

// Check is the result of one named check.
type Check struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ms"`
}

type CheckFunc func() Check

// Response aggregates a set of checks. The worst check decides Status.
type Response struct {
	Status    Status           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Uptime    time.Duration    `json:"uptime_seconds"`
}

type kind int

const (
	kindGeneral kind = iota
	kindReady
	kindLive
)

// DefaultCheckTimeout bounds a single check. A bbolt read queued behind a
// long write transaction must not hang a probe.
const DefaultCheckTimeout = 2 * time.Second

// HealthChecker runs the registered checks of a replicator or peer process.
type HealthChecker struct {
	clock   clockwork.Clock
	timeout time.Duration
	started time.Time

	mu     sync.RWMutex
	checks map[kind]map[string]CheckFunc
}

type Option func(*HealthChecker)

func WithClock(c clockwork.Clock) Option {
	return func(hc *HealthChecker) { hc.clock = c }
}

// WithCheckTimeout overrides DefaultCheckTimeout. Zero disables the bound.
func WithCheckTimeout(d time.Duration) Option {
	return func(hc *HealthChecker) { hc.timeout = d }
}

func NewHealthChecker(opts ...Option) *HealthChecker {
	hc := &HealthChecker{
		clock:   clockwork.NewRealClock(),
		timeout: DefaultCheckTimeout,
		checks: map[kind]map[string]CheckFunc{
			kindGeneral: {},
			kindReady:   {},
			kindLive:    {},
		},
	}
	for _, opt := range opts {
		opt(hc)
	}
	hc.started = hc.clock.Now()
	return hc
}

func (hc *HealthChecker) register(k kind, name string, fn CheckFunc) {
	hc.mu.Lock()
	hc.checks[k][name] = fn
	hc.mu.Unlock()
}

// RegisterCheck adds a check served by /health. Registering a name twice
// replaces the earlier check.
func (hc *HealthChecker) RegisterCheck(name string, fn CheckFunc) {
	hc.register(kindGeneral, name, fn)
}

func (hc *HealthChecker) RegisterReadinessCheck(name string, fn CheckFunc) {
	hc.register(kindReady, name, fn)
}

func (hc *HealthChecker) RegisterLivenessCheck(name string, fn CheckFunc) {
	hc.register(kindLive, name, fn)
}

func (hc *HealthChecker) Check() Response          { return hc.run(kindGeneral) }
func (hc *HealthChecker) CheckReadiness() Response { return hc.run(kindReady) }
func (hc *HealthChecker) CheckLiveness() Response  { return hc.run(kindLive) }

// run executes every check of kind k concurrently.
func (hc *HealthChecker) run(k kind) Response {
	hc.mu.RLock()
	fns := make(map[string]CheckFunc, len(hc.checks[k]))
	for name, fn := range hc.checks[k] {
		fns[name] = fn
	}
	hc.mu.RUnlock()

	now := hc.clock.Now()
	resp := Response{
		Status:    StatusHealthy,
		Timestamp: now,
		Checks:    make(map[string]Check, len(fns)),
		Uptime:    now.Sub(hc.started),
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	for name, fn := range fns {
		g.Go(func() error {
			c := hc.runOne(name, fn)
			mu.Lock()
			resp.Checks[name] = c
			if c.Status.worse(resp.Status) {
				resp.Status = c.Status
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return resp
}

func (hc *HealthChecker) runOne(name string, fn CheckFunc) Check {
	start := hc.clock.Now()
	var c Check
	if hc.timeout <= 0 {
		c = fn()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
		defer cancel()
		done := make(chan Check, 1)
		go func() { done <- fn() }()
		select {
		case c = <-done:
		case <-ctx.Done():
			c = Check{Status: StatusUnhealthy, Message: "check timed out"}
		}
	}
	c.LastChecked = start
	c.Duration = hc.clock.Since(start)
	if c.Name == "" {
		c.Name = name
	}
	return c
}
