package scheduler

import (
	"time"

	"fleetsched/internal/runtime/supervisor"
)

// Snapshot is a point-in-time view of this node's scheduler for /healthz.
type Snapshot struct {
	NodeID    string                 `json:"node_id"`
	Running   bool                   `json:"running"`
	StartedAt time.Time              `json:"started_at,omitzero"`
	Timezone  string                 `json:"timezone"`
	Config    SnapshotConfig         `json:"config"`
	InFlight  int64                  `json:"in_flight"`
	Cycles    uint64                 `json:"cycles"`
	LastCycle *CycleSummary          `json:"last_cycle,omitempty"`
	Loops     []supervisor.LoopStats `json:"loops,omitempty"`
}

type SnapshotConfig struct {
	PollInterval      string `json:"poll_interval"`
	ErrorBackoff      string `json:"error_backoff"`
	HeartbeatInterval string `json:"heartbeat_interval"`
	ReapInterval      string `json:"reap_interval"`
	LeaseTTL          string `json:"lease_ttl"`
	MaxParallel       int    `json:"max_parallel"`
}

type CycleSummary struct {
	At     time.Time   `json:"at"`
	Report CycleReport `json:"report"`
	Err    string      `json:"error,omitempty"`
}

func (s *Service) Snapshot() Snapshot {
	cfg := s.config()
	snap := Snapshot{
		NodeID:   s.coord.NodeID(),
		Timezone: s.location().String(),
		Config: SnapshotConfig{
			PollInterval:      cfg.PollInterval.String(),
			ErrorBackoff:      cfg.ErrorBackoff.String(),
			HeartbeatInterval: cfg.HeartbeatInterval.String(),
			ReapInterval:      cfg.ReapInterval.String(),
			LeaseTTL:          s.coord.LeaseTTL().String(),
			MaxParallel:       cfg.MaxParallel,
		},
		InFlight: s.inFlight.Load(),
		Cycles:   s.cycles.Load(),
	}
	s.mu.Lock()
	sup := s.sup
	snap.Running = sup != nil
	snap.StartedAt = s.startedAt
	if !s.last.At.IsZero() {
		snap.LastCycle = &CycleSummary{At: s.last.At, Report: s.last.Report, Err: s.last.Err}
	}
	s.mu.Unlock()
	if sup != nil {
		snap.Loops = sup.Snapshot()
	}
	return snap
}
