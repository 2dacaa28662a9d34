// Package api serves the replicator's admin HTTP endpoints: status,
// a live status stream, and the retry, suspend and reachability controls.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/graphql-go/graphql"
	"github.com/jonboulle/clockwork"

	"github.com/dd0wney/cluso-sync/pkg/api/middleware"
	"github.com/dd0wney/cluso-sync/pkg/checkpoint"
	"github.com/dd0wney/cluso-sync/pkg/logging"
	"github.com/dd0wney/cluso-sync/pkg/pubsub"
	"github.com/dd0wney/cluso-sync/pkg/replicator"
)

// Replicator is the part of *replicator.Controller the API drives.
type Replicator interface {
	Status() replicator.Status
	OnStatusChanged(fn func(replicator.Status))
	Retry(resetCount bool) error
	SetSuspended(suspended bool)
	SetHostReachable(reachable bool)
	Checkpointer() *checkpoint.Checkpointer
}

// Server represents the admin HTTP API server
type Server struct {
	rep    Replicator
	logger logging.Logger
	clock  clockwork.Clock
	stream *pubsub.PubSub[StatusResponse]
	schema graphql.Schema
	mux    *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the clock used to timestamp status responses.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// NewServer creates a Server for rep and subscribes to its status changes.
func NewServer(rep Replicator, logger logging.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		rep:    rep,
		logger: logging.OrDefault(logger).With(logging.Component("api")),
		clock:  clockwork.NewRealClock(),
		stream: pubsub.New[StatusResponse](pubsub.DefaultBuffer),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	schema, err := s.buildSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to build GraphQL schema: %w", err)
	}
	s.schema = schema
	rep.OnStatusChanged(func(st replicator.Status) {
		s.stream.Publish(NewStatusResponse(st, s.clock.Now()))
	})
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /status/stream", s.handleStatusStream)
	s.mux.HandleFunc("GET /checkpoint", s.handleCheckpoint)
	s.mux.HandleFunc("POST /retry", s.handleRetry)
	s.mux.HandleFunc("POST /suspend", s.handleSuspend(true))
	s.mux.HandleFunc("POST /resume", s.handleSuspend(false))
	s.mux.HandleFunc("POST /reachability", s.handleReachability)
	s.mux.HandleFunc("POST /graphql", s.handleGraphQL)
}

// Handle registers an extra handler, such as health or metrics, on the
// same mux so it shares the middleware.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the routes wrapped in recovery, request ID and logging
// middleware.
func (s *Server) Handler() http.Handler {
	return middleware.Chain(s.mux,
		middleware.PanicRecovery(s.logger),
		middleware.RequestID(),
		middleware.Logging(s.logger),
	)
}

// Close ends every open status stream.
func (s *Server) Close() {
	s.stream.Shutdown()
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", logging.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	response := ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	}
	s.respondJSON(w, status, response)
}
