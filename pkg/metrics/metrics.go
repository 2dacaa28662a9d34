package metrics

import (
	"runtime"
	"time"
)

// Replicator activity levels, lowest first.
var levels = []string{"stopped", "offline", "connecting", "idle", "busy"}

// SetReplicatorLevel marks level as the replicator's current activity level.
func (r *Registry) SetReplicatorLevel(level string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range levels {
		r.ReplicatorLevel.WithLabelValues(l).Set(0)
	}
	r.ReplicatorLevel.WithLabelValues(level).Set(1)
}

// RecordDisposition counts one negotiation response by its outcome.
func (r *Registry) RecordDisposition(disposition string) {
	if r == nil {
		return
	}
	r.ConnectionAttemptsTotal.WithLabelValues(disposition).Inc()
}

// RecordHandshake records the time taken to establish a connection
func (r *Registry) RecordHandshake(duration time.Duration) {
	if r == nil {
		return
	}
	r.ConnectionHandshakeTime.Observe(duration.Seconds())
}

// RecordRetryScheduled counts an automatic retry.
func (r *Registry) RecordRetryScheduled() {
	if r == nil {
		return
	}
	r.ReplicatorRetriesTotal.Inc()
}

// RecordStop counts a session ending for the given reason.
func (r *Registry) RecordStop(reason string) {
	if r == nil {
		return
	}
	r.ReplicatorStopsTotal.WithLabelValues(reason).Inc()
}

// RecordRevision counts a revision the pusher is done with.
func (r *Registry) RecordRevision(result string, bytes int) {
	if r == nil {
		return
	}
	r.PushRevisionsTotal.WithLabelValues(result).Inc()
	if result == "pushed" && bytes > 0 {
		r.PushBytesTotal.Add(float64(bytes))
	}
}

// UpdatePushMetrics updates the push backlog gauges
func (r *Registry) UpdatePushMetrics(inFlight, pending int) {
	if r == nil {
		return
	}
	r.PushRevisionsInFlight.Set(float64(inFlight))
	r.PushPendingSequences.Set(float64(pending))
}

// RecordCheckpointSave records a checkpoint save outcome
func (r *Registry) RecordCheckpointSave(err error) {
	if r == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	r.CheckpointSavesTotal.WithLabelValues(status).Inc()
}

// RecordCheckpointReset counts a checkpoint reset after validation.
func (r *Registry) RecordCheckpointReset() {
	if r == nil {
		return
	}
	r.CheckpointResetsTotal.Inc()
}

// PeerConnected adjusts the active peer connection gauge by delta.
func (r *Registry) PeerConnected(delta int) {
	if r == nil {
		return
	}
	r.PeerConnectionsActive.Add(float64(delta))
}

// RecordPeerMessage counts a request handled by the passive peer.
func (r *Registry) RecordPeerMessage(msgType, status string) {
	if r == nil {
		return
	}
	r.PeerMessagesTotal.WithLabelValues(msgType, status).Inc()
	if msgType == "rev" && status == "ok" {
		r.PeerRevisionsReceived.Inc()
	}
}

// UpdateSystemMetrics refreshes uptime and goroutine gauges
func (r *Registry) UpdateSystemMetrics(started time.Time) {
	if r == nil {
		return
	}
	r.UptimeSeconds.Set(time.Since(started).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))
}
