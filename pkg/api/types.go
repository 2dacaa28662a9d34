package api

import (
	"time"

	"github.com/dd0wney/cluso-sync/pkg/replicator"
)

// ProgressResponse mirrors pusher.Progress
type ProgressResponse struct {
	Completed   uint64 `json:"completed"`
	Total       uint64 `json:"total"`
	DocsPushed  uint64 `json:"docs_pushed"`
	DocsFailed  uint64 `json:"docs_failed"`
	BytesPushed uint64 `json:"bytes_pushed"`
}

// StatusResponse is the JSON form of a replicator.Status
type StatusResponse struct {
	Level         string           `json:"level"`
	WillRetry     bool             `json:"will_retry"`
	HostReachable bool             `json:"host_reachable"`
	Suspended     bool             `json:"suspended"`
	Error         string           `json:"error,omitempty"`
	Progress      ProgressResponse `json:"progress"`
	Timestamp     time.Time        `json:"timestamp"`
}

// NewStatusResponse converts st, stamping it with now.
func NewStatusResponse(st replicator.Status, now time.Time) StatusResponse {
	resp := StatusResponse{
		Level:         st.Level.String(),
		WillRetry:     st.Flags.WillRetry,
		HostReachable: st.Flags.HostReachable,
		Suspended:     st.Flags.Suspended,
		Progress: ProgressResponse{
			Completed:   st.Progress.Completed,
			Total:       st.Progress.Total,
			DocsPushed:  st.Progress.DocsPushed,
			DocsFailed:  st.Progress.DocsFailed,
			BytesPushed: st.Progress.BytesPushed,
		},
		Timestamp: now,
	}
	if st.Error != nil {
		resp.Error = st.Error.Error()
	}
	return resp
}

// CheckpointResponse describes the local checkpoint
type CheckpointResponse struct {
	ID                string `json:"id"`
	LocalMinSequence  uint64 `json:"local_min_sequence"`
	RemoteMinSequence string `json:"remote_min_sequence,omitempty"`
	PendingSequences  int    `json:"pending_sequences"`
	Unsaved           bool   `json:"unsaved"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
