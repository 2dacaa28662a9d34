package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/dd0wney/cluso-sync/pkg/logging"
	"github.com/dd0wney/cluso-sync/pkg/replicator"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, NewStatusResponse(s.rep.Status(), s.clock.Now()))
}

// handleStatusStream sends the current status and then every change as
// server-sent events until the client goes away. A client too slow to keep
// up misses intermediate statuses, never the connection.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sub := s.stream.Subscribe(r.Context())
	if sub == nil {
		s.respondError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, NewStatusResponse(s.rep.Status(), s.clock.Now())); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case st, ok := <-sub.Channel():
			if !ok {
				return
			}
			if err := writeEvent(w, st); err != nil {
				s.logger.Debug("status stream closed", logging.Error(err))
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, st StatusResponse) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
	return err
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.checkpoint()
	if !ok {
		s.respondError(w, http.StatusNotFound, "no checkpoint")
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) checkpoint() (CheckpointResponse, bool) {
	cp := s.rep.Checkpointer()
	if cp == nil {
		return CheckpointResponse{}, false
	}
	return CheckpointResponse{
		ID:                cp.CheckpointID(),
		LocalMinSequence:  cp.LocalMinSequence(),
		RemoteMinSequence: cp.RemoteMinSequence(),
		PendingSequences:  cp.NumPendingSequences(),
		Unsaved:           cp.IsUnsaved(),
	}, true
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	reset, err := boolParam(r, "reset", false)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.rep.Retry(reset); err != nil {
		if errors.Is(err, replicator.ErrStopped) {
			s.respondError(w, http.StatusConflict, err.Error())
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("retry requested", logging.Bool("reset_count", reset))
	s.respondJSON(w, http.StatusAccepted, NewStatusResponse(s.rep.Status(), s.clock.Now()))
}

func (s *Server) handleSuspend(suspended bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.rep.SetSuspended(suspended)
		s.respondJSON(w, http.StatusAccepted, map[string]bool{"suspended": suspended})
	}
}

func (s *Server) handleReachability(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("reachable") == "" {
		s.respondError(w, http.StatusBadRequest, "reachable parameter is required")
		return
	}
	reachable, err := boolParam(r, "reachable", true)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.rep.SetHostReachable(reachable)
	s.respondJSON(w, http.StatusAccepted, map[string]bool{"host_reachable": reachable})
}

func boolParam(r *http.Request, name string, def bool) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s parameter %q", name, v)
	}
	return b, nil
}
