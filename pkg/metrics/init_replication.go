package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initReplicatorMetrics() {
	r.ReplicatorLevel = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusosync_replicator_level",
			Help: "Replicator activity level (1 for current level, 0 otherwise)",
		},
		[]string{"level"}, // stopped, offline, connecting, idle, busy
	)

	r.ReplicatorRetriesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "clusosync_replicator_retries_total",
			Help: "Total number of automatic retries scheduled",
		},
	)

	r.ReplicatorStopsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusosync_replicator_stops_total",
			Help: "Total number of sessions that ended",
		},
		[]string{"reason"}, // requested, fatal, retry
	)

	r.ConnectionAttemptsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusosync_connection_responses_total",
			Help: "HTTP responses handled during connection negotiation",
		},
		[]string{"disposition"},
	)

	r.ConnectionHandshakeTime = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clusosync_connection_handshake_seconds",
			Help:    "Time from first connect to an established WebSocket",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
	)
}

func (r *Registry) initPushMetrics() {
	r.PushRevisionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusosync_push_revisions_total",
			Help: "Total number of revisions the pusher finished with",
		},
		[]string{"result"}, // pushed, failed, superseded, retried
	)

	r.PushBytesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "clusosync_push_bytes_total",
			Help: "Revision body bytes acknowledged by the peer",
		},
	)

	r.PushRevisionsInFlight = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusosync_push_revisions_in_flight",
			Help: "Revisions sent and not yet acknowledged",
		},
	)

	r.PushPendingSequences = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusosync_push_pending_sequences",
			Help: "Local sequences discovered but not yet pushed",
		},
	)
}

func (r *Registry) initCheckpointMetrics() {
	r.CheckpointSavesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusosync_checkpoint_saves_total",
			Help: "Total number of checkpoint saves",
		},
		[]string{"status"}, // success, error
	)

	r.CheckpointResetsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "clusosync_checkpoint_resets_total",
			Help: "Checkpoints reset because they disagreed with the peer",
		},
	)
}

func (r *Registry) initPeerMetrics() {
	r.PeerConnectionsActive = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusosync_peer_connections_active",
			Help: "Replicator connections currently served by this peer",
		},
	)

	r.PeerMessagesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusosync_peer_messages_total",
			Help: "Requests handled by the passive peer",
		},
		[]string{"type", "status"},
	)

	r.PeerRevisionsReceived = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "clusosync_peer_revisions_received_total",
			Help: "Revisions stored by the passive peer",
		},
	)
}
