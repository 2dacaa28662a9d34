package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var metric dto.Metric
	if err := g.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Gauge.GetValue()
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry() returned nil")
	}

	if r.ReplicatorLevel == nil {
		t.Error("ReplicatorLevel not initialized")
	}
	if r.PushRevisionsTotal == nil {
		t.Error("PushRevisionsTotal not initialized")
	}
	if r.CheckpointSavesTotal == nil {
		t.Error("CheckpointSavesTotal not initialized")
	}
	if r.PeerConnectionsActive == nil {
		t.Error("PeerConnectionsActive not initialized")
	}
	if r.registry == nil {
		t.Error("Prometheus registry not initialized")
	}
}

func TestDefaultRegistry(t *testing.T) {
	r1 := DefaultRegistry()
	r2 := DefaultRegistry()

	if r1 != r2 {
		t.Error("DefaultRegistry() should return the same instance")
	}
}

func TestSetReplicatorLevel(t *testing.T) {
	r := NewRegistry()

	r.SetReplicatorLevel("connecting")
	r.SetReplicatorLevel("busy")

	busy, err := r.ReplicatorLevel.GetMetricWithLabelValues("busy")
	if err != nil {
		t.Fatalf("Failed to get metric: %v", err)
	}
	if got := gaugeValue(t, busy); got != 1 {
		t.Errorf("busy gauge = %v, want 1", got)
	}

	connecting, _ := r.ReplicatorLevel.GetMetricWithLabelValues("connecting")
	if got := gaugeValue(t, connecting); got != 0 {
		t.Errorf("connecting gauge = %v, want 0", got)
	}
}

func TestRecordRevision(t *testing.T) {
	r := NewRegistry()

	r.RecordRevision("pushed", 100)
	r.RecordRevision("pushed", 50)
	r.RecordRevision("failed", 70)

	pushed, _ := r.PushRevisionsTotal.GetMetricWithLabelValues("pushed")
	if got := counterValue(t, pushed); got != 2 {
		t.Errorf("pushed = %v, want 2", got)
	}
	failed, _ := r.PushRevisionsTotal.GetMetricWithLabelValues("failed")
	if got := counterValue(t, failed); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
	if got := counterValue(t, r.PushBytesTotal); got != 150 {
		t.Errorf("bytes = %v, want 150", got)
	}
}

func TestRecordCheckpointSave(t *testing.T) {
	r := NewRegistry()

	r.RecordCheckpointSave(nil)
	r.RecordCheckpointSave(nil)
	r.RecordCheckpointSave(errors.New("conflict"))
	r.RecordCheckpointReset()

	tests := []struct {
		status   string
		expected float64
	}{
		{"success", 2},
		{"error", 1},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			c, err := r.CheckpointSavesTotal.GetMetricWithLabelValues(tt.status)
			if err != nil {
				t.Fatalf("Failed to get metric: %v", err)
			}
			if got := counterValue(t, c); got != tt.expected {
				t.Errorf("%s = %v, want %v", tt.status, got, tt.expected)
			}
		})
	}
	if got := counterValue(t, r.CheckpointResetsTotal); got != 1 {
		t.Errorf("resets = %v, want 1", got)
	}
}

func TestGaugeMetrics(t *testing.T) {
	r := NewRegistry()

	r.UpdatePushMetrics(4, 17)
	r.PeerConnected(1)
	r.PeerConnected(1)
	r.PeerConnected(-1)

	tests := []struct {
		name     string
		gauge    prometheus.Gauge
		expected float64
	}{
		{"PushRevisionsInFlight", r.PushRevisionsInFlight, 4},
		{"PushPendingSequences", r.PushPendingSequences, 17},
		{"PeerConnectionsActive", r.PeerConnectionsActive, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gaugeValue(t, tt.gauge); got != tt.expected {
				t.Errorf("%s = %v, want %v", tt.name, got, tt.expected)
			}
		})
	}
}

func TestPeerMessages(t *testing.T) {
	r := NewRegistry()

	r.RecordPeerMessage("rev", "ok")
	r.RecordPeerMessage("rev", "error")
	r.RecordPeerMessage("setCheckpoint", "conflict")

	if got := counterValue(t, r.PeerRevisionsReceived); got != 1 {
		t.Errorf("revisions received = %v, want 1", got)
	}
	c, _ := r.PeerMessagesTotal.GetMetricWithLabelValues("setCheckpoint", "conflict")
	if got := counterValue(t, c); got != 1 {
		t.Errorf("setCheckpoint conflict = %v, want 1", got)
	}
}

func TestHistogramMetrics(t *testing.T) {
	r := NewRegistry()

	r.RecordHandshake(100 * time.Millisecond)
	r.RecordHandshake(200 * time.Millisecond)
	r.RecordHandshake(150 * time.Millisecond)

	var metric dto.Metric
	if err := r.ConnectionHandshakeTime.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Histogram.GetSampleCount() != 3 {
		t.Errorf("Sample count = %v, want 3", metric.Histogram.GetSampleCount())
	}

	sum := metric.Histogram.GetSampleSum()
	if sum < 0.44 || sum > 0.46 {
		t.Errorf("Sample sum = %v, want ~0.45", sum)
	}
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	r.SetReplicatorLevel("idle")
	r.RecordDisposition("retry")
	r.RecordRetryScheduled()
	r.RecordStop("fatal")
	r.RecordRevision("pushed", 1)
	r.UpdatePushMetrics(1, 1)
	r.RecordCheckpointSave(nil)
	r.RecordCheckpointReset()
	r.PeerConnected(1)
	r.RecordPeerMessage("rev", "ok")
	r.RecordHandshake(time.Second)
	r.UpdateSystemMetrics(time.Now())
}

func TestConcurrentMetricUpdates(t *testing.T) {
	r := NewRegistry()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				r.RecordDisposition("success")
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	counter, err := r.ConnectionAttemptsTotal.GetMetricWithLabelValues("success")
	if err != nil {
		t.Fatalf("Failed to get metric: %v", err)
	}

	// 10 goroutines * 100 responses
	if got := counterValue(t, counter); got != 1000 {
		t.Errorf("Counter = %v, want 1000", got)
	}
}

func TestMetricNaming(t *testing.T) {
	r := NewRegistry()
	r.UpdateSystemMetrics(time.Now().Add(-time.Minute))
	r.RecordStop("requested")

	metrics, err := r.GetPrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	if len(metrics) == 0 {
		t.Fatal("No metrics registered")
	}

	names := make(map[string]bool)
	for _, m := range metrics {
		name := m.GetName()
		names[name] = true
		if !strings.HasPrefix(name, "clusosync_") {
			t.Errorf("Metric %s does not have clusosync_ prefix", name)
		}
	}
	for _, expected := range []string{"clusosync_uptime_seconds", "clusosync_replicator_stops_total", "clusosync_push_bytes_total"} {
		if !names[expected] {
			t.Errorf("Expected metric %s not found", expected)
		}
	}
}

func BenchmarkRecordRevision(b *testing.B) {
	r := NewRegistry()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.RecordRevision("pushed", 512)
	}
}
