package health

import (
	"runtime"

	"github.com/dd0wney/cluso-sync/pkg/replicator"
	"github.com/dd0wney/cluso-sync/pkg/store"
)

// DatabaseCheck reports whether the local database still answers.
func DatabaseCheck(db store.Database) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "database",
			Details: make(map[string]any),
		}

		seq, err := db.LastSequence()
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
			return check
		}
		check.Status = StatusHealthy
		check.Message = "Open"
		check.Details["last_sequence"] = seq
		return check
	}
}

// ReplicatorCheck maps a replicator's status onto health. A replicator that
// stopped with an error is unhealthy; one that is offline waiting to retry
// is degraded.
func ReplicatorCheck(status func() replicator.Status) CheckFunc {
	return func() Check {
		s := status()
		check := Check{
			Name: "replicator",
			Details: map[string]any{
				"level":          s.Level.String(),
				"will_retry":     s.Flags.WillRetry,
				"host_reachable": s.Flags.HostReachable,
				"suspended":      s.Flags.Suspended,
				"docs_pushed":    s.Progress.DocsPushed,
				"docs_failed":    s.Progress.DocsFailed,
			},
		}

		switch {
		case s.Level == replicator.LevelStopped && s.Error != nil:
			check.Status = StatusUnhealthy
			check.Message = s.Error.Error()
		case s.Level == replicator.LevelOffline:
			check.Status = StatusDegraded
			check.Message = "Offline"
			if s.Error != nil {
				check.Message = "Offline: " + s.Error.Error()
			}
		case s.Progress.DocsFailed > 0:
			check.Status = StatusDegraded
			check.Message = "Some documents failed to push"
		default:
			check.Status = StatusHealthy
			check.Message = "Replicator " + s.Level.String()
		}
		return check
	}
}

// PeerCheck reports the number of replicators connected to a passive peer.
func PeerCheck(connections func() int) CheckFunc {
	return func() Check {
		return Check{
			Name:    "peer",
			Status:  StatusHealthy,
			Message: "Accepting connections",
			Details: map[string]any{"connections": connections()},
		}
	}
}

// MemoryCheck creates a health check for memory usage
func MemoryCheck(getUsage func() (alloc, sys uint64)) CheckFunc {
	if getUsage == nil {
		getUsage = runtimeMemory
	}
	return func() Check {
		check := Check{
			Name:    "memory",
			Details: make(map[string]any),
		}

		alloc, sys := getUsage()
		check.Details["alloc_bytes"] = alloc
		check.Details["sys_bytes"] = sys

		usagePercent := 0.0
		if sys > 0 {
			usagePercent = float64(alloc) / float64(sys) * 100
		}
		if usagePercent > 90 {
			check.Status = StatusDegraded
			check.Message = "High memory usage"
		} else {
			check.Status = StatusHealthy
			check.Message = "Memory usage normal"
		}
		return check
	}
}

func runtimeMemory() (alloc, sys uint64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc, m.Sys
}
