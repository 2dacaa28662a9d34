// Package server runs the HTTP side of a syncdb process and shuts it down
// cleanly on SIGINT or SIGTERM.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-sync/pkg/logging"
)

// DefaultShutdownTimeout bounds shutdown hooks and connection draining.
const DefaultShutdownTimeout = 30 * time.Second

// ReloadFunc is called on SIGHUP.
type ReloadFunc func() error

// ShutdownHook runs before the HTTP server stops accepting requests.
type ShutdownHook func(ctx context.Context) error

// GracefulServer wraps an HTTP server with graceful shutdown capabilities
type GracefulServer struct {
	server          *http.Server
	logger          logging.Logger
	shutdownTimeout time.Duration

	shutdownCh   chan struct{}
	doneCh       chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error

	hooksMu  sync.RWMutex
	reloadFn ReloadFunc
	hooks    []ShutdownHook
}

// NewGracefulServer creates a new graceful HTTP server
func NewGracefulServer(addr string, handler http.Handler, logger logging.Logger) *GracefulServer {
	return &GracefulServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		logger:          logging.OrDefault(logger).With(logging.Component("http")),
		shutdownTimeout: DefaultShutdownTimeout,
		shutdownCh:      make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Server exposes the underlying http.Server, e.g. to set TLSConfig.
func (gs *GracefulServer) Server() *http.Server { return gs.server }

// Start serves until shutdown completes. Signals are handled from now on.
func (gs *GracefulServer) Start() error {
	ln, err := net.Listen("tcp", gs.server.Addr)
	if err != nil {
		return err
	}
	return gs.Serve(ln)
}

// Serve is Start on an existing listener.
func (gs *GracefulServer) Serve(ln net.Listener) error {
	stop := gs.handleSignals()
	defer stop()

	gs.logger.Info("starting HTTP server",
		logging.String("addr", ln.Addr().String()),
		logging.Bool("tls", gs.server.TLSConfig != nil))
	if gs.server.TLSConfig != nil {
		err := gs.server.ServeTLS(ln, "", "")
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	} else if err := gs.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	<-gs.doneCh
	return gs.shutdownErr
}

// OnShutdown registers a hook. Hooks run in reverse registration order.
func (gs *GracefulServer) OnShutdown(hook ShutdownHook) {
	gs.hooksMu.Lock()
	defer gs.hooksMu.Unlock()
	gs.hooks = append(gs.hooks, hook)
}

// Shutdown initiates a graceful shutdown
func (gs *GracefulServer) Shutdown(timeout time.Duration) error {
	gs.shutdownOnce.Do(func() {
		close(gs.shutdownCh)
		defer close(gs.doneCh)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		gs.logger.Info("initiating graceful shutdown", logging.Duration("timeout", timeout))

		gs.hooksMu.RLock()
		hooks := append([]ShutdownHook(nil), gs.hooks...)
		gs.hooksMu.RUnlock()

		var errs []error
		for i := len(hooks) - 1; i >= 0; i-- {
			if err := hooks[i](ctx); err != nil {
				gs.logger.Warn("shutdown hook failed", logging.Error(err))
				errs = append(errs, err)
			}
		}
		if err := gs.server.Shutdown(ctx); err != nil {
			gs.logger.Error("error during shutdown", logging.Error(err))
			errs = append(errs, err)
		}
		gs.shutdownErr = errors.Join(errs...)
		if gs.shutdownErr == nil {
			gs.logger.Info("server shutdown complete")
		}
	})
	<-gs.doneCh
	return gs.shutdownErr
}

// handleSignals listens for OS signals until the returned func is called.
func (gs *GracefulServer) handleSignals() (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGINT,  // Ctrl+C
		syscall.SIGTERM, // systemd, docker, k8s
		syscall.SIGHUP,  // reload
	)
	quit := make(chan struct{})

	go func() {
		for {
			select {
			case <-quit:
				return
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGHUP:
					gs.logger.Info("received SIGHUP")
					gs.Reload()
				default:
					gs.logger.Info("received signal; shutting down", logging.String("signal", sig.String()))
					go gs.Shutdown(gs.shutdownTimeout)
				}
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(quit)
	}
}

// IsShuttingDown returns true if shutdown has been initiated
func (gs *GracefulServer) IsShuttingDown() bool {
	select {
	case <-gs.shutdownCh:
		return true
	default:
		return false
	}
}

// ShutdownChannel returns a channel that closes when shutdown is initiated
func (gs *GracefulServer) ShutdownChannel() <-chan struct{} {
	return gs.shutdownCh
}

// SetReloadFunc sets the function called on SIGHUP.
func (gs *GracefulServer) SetReloadFunc(fn ReloadFunc) {
	gs.hooksMu.Lock()
	defer gs.hooksMu.Unlock()
	gs.reloadFn = fn
}

// Reload runs the reload function, if any.
func (gs *GracefulServer) Reload() error {
	gs.hooksMu.RLock()
	reloadFn := gs.reloadFn
	gs.hooksMu.RUnlock()

	if reloadFn == nil {
		gs.logger.Info("reload requested, but no reload function configured")
		return nil
	}
	if err := reloadFn(); err != nil {
		gs.logger.Warn("reload failed", logging.Error(err))
		return err
	}
	gs.logger.Info("reload complete")
	return nil
}
