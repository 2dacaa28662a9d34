package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the application
type Registry struct {
	// Replicator Metrics
	ReplicatorLevel         *prometheus.GaugeVec
	ReplicatorRetriesTotal  prometheus.Counter
	ReplicatorStopsTotal    *prometheus.CounterVec
	ConnectionAttemptsTotal *prometheus.CounterVec
	ConnectionHandshakeTime prometheus.Histogram

	// Push Metrics
	PushRevisionsTotal    *prometheus.CounterVec
	PushBytesTotal        prometheus.Counter
	PushRevisionsInFlight prometheus.Gauge
	PushPendingSequences  prometheus.Gauge

	// Checkpoint Metrics
	CheckpointSavesTotal  *prometheus.CounterVec
	CheckpointResetsTotal prometheus.Counter

	// Peer Metrics
	PeerConnectionsActive prometheus.Gauge
	PeerMessagesTotal     *prometheus.CounterVec
	PeerRevisionsReceived prometheus.Counter

	// System Metrics
	UptimeSeconds prometheus.Gauge
	GoRoutines    prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.RWMutex
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initReplicatorMetrics()
	r.initPushMetrics()
	r.initCheckpointMetrics()
	r.initPeerMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
