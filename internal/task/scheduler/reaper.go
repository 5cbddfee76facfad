package scheduler

import (
	"context"
	"fmt"

	"fleetsched/internal/eventbus"
	"fleetsched/internal/task"
	"fleetsched/pkg/logx"
)

// Reap reverts running tasks whose executing node stopped renewing the lease.
// A task qualifies when nobody holds its lease and it started more than one
// lease TTL ago. Each revert happens under a freshly acquired lease.
func (s *Service) Reap(ctx context.Context) (int, error) {
	running, err := s.store.ByStatus(ctx, task.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list running: %w", err)
	}
	cutoff := s.now().Add(-s.coord.LeaseTTL())
	n := 0
	for _, t := range running {
		if t.StartedAt.After(cutoff) {
			continue
		}
		holder, err := s.coord.LockHolder(ctx, t.ID)
		if err != nil {
			return n, err
		}
		if holder != "" {
			continue
		}
		lease, err := s.coord.AcquireTaskLock(ctx, t.ID)
		if err != nil {
			return n, err
		}
		if lease == nil {
			continue
		}
		reaped, err := s.revertOrphan(ctx, t)
		s.release(ctx, lease)
		if err != nil {
			return n, err
		}
		if reaped {
			n++
		}
	}
	return n, nil
}

func (s *Service) revertOrphan(ctx context.Context, seen *task.Task) (bool, error) {
	t, err := s.store.Get(ctx, seen.ID)
	if err != nil {
		return false, err
	}
	if t.Status != task.StatusRunning || !t.StartedAt.Equal(seen.StartedAt) {
		return false, nil
	}
	prev := t.NodeID
	t.Status = task.StatusScheduled
	t.NextRun = s.now()
	t.Error = fmt.Sprintf("reaped: node %s stopped renewing its lease", prev)
	if err := s.write(ctx, t); err != nil {
		return false, err
	}
	s.log.Warn("orphaned task reverted", logx.String("id", t.ID), logx.String("name", t.Name), logx.String("prev_node", prev))
	s.publish(eventbus.TaskReaped, t)
	return true, nil
}
