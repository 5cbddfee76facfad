package scheduler

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"fleetsched/internal/coord"
	"fleetsched/internal/task"
	"fleetsched/pkg/logx"
)

// held is a claimed task together with the lease acquisition guarding it.
type held struct {
	t     *task.Task
	lease *coord.Lease
}

// RunCycle performs one poll: fetch due tasks, drop those with unmet
// dependencies, claim the rest through leases, then execute the claimed tasks
// concurrently and wait for all of them.
//
// A lease that cannot be acquired is a silent skip. Store or coordination
// failures abort the cycle after releasing whatever was already claimed.
func (s *Service) RunCycle(ctx context.Context) (CycleReport, error) {
	var rep CycleReport
	start := s.now()
	defer func() { rep.Took = s.now().Sub(start) }()

	if err := s.touchNode(ctx, false); err != nil {
		return rep, fmt.Errorf("refresh node: %w", err)
	}

	due, err := s.store.Due(ctx, start)
	if err != nil {
		return rep, fmt.Errorf("fetch due tasks: %w", err)
	}
	rep.Due = len(due)
	if len(due) == 0 {
		return rep, nil
	}

	claimed, err := s.claim(ctx, due, &rep)
	if err != nil {
		s.releaseAll(ctx, claimed)
		return rep, err
	}

	results := make([]outcome, len(claimed))
	var g errgroup.Group
	if n := s.config().MaxParallel; n > 0 {
		g.SetLimit(n)
	}
	for i, h := range claimed {
		g.Go(func() error {
			results[i] = s.executeTask(ctx, h.t, h.lease)
			return nil
		})
	}
	_ = g.Wait()

	rep.Executed = len(claimed)
	for _, o := range results {
		switch o {
		case outcomeCompleted:
			rep.Completed++
		case outcomeFailed:
			rep.Failed++
		case outcomeLeaseLost:
			rep.LeaseLost++
		}
	}
	if rep.Executed > 0 {
		s.log.Debug("cycle done",
			logx.Int("due", rep.Due), logx.Int("executed", rep.Executed),
			logx.Int("completed", rep.Completed), logx.Int("failed", rep.Failed),
			logx.Int("blocked", rep.Blocked), logx.Int("contended", rep.Contended))
	}
	return rep, nil
}

func (s *Service) claim(ctx context.Context, due []*task.Task, rep *CycleReport) ([]held, error) {
	claimed := make([]held, 0, len(due))
	for _, t := range due {
		if err := ctx.Err(); err != nil {
			return claimed, err
		}
		s.graph.Sync(t.ID, t.Dependencies)
		met, err := s.graph.AreDependenciesMet(ctx, t.ID, s.store)
		if err != nil {
			return claimed, fmt.Errorf("check dependencies of %s: %w", t.ID, err)
		}
		if !met {
			rep.Blocked++
			continue
		}

		lease, err := s.coord.AcquireTaskLock(ctx, t.ID)
		if err != nil {
			s.reportClaimError(t.Name, err)
			return claimed, err
		}
		if lease == nil {
			rep.Contended++
			continue
		}

		// Re-read under the lease: another node may have run it since Due.
		fresh, err := s.store.Get(ctx, t.ID)
		if err != nil || !fresh.Due(s.now()) {
			s.release(ctx, lease)
			if err != nil && !errors.Is(err, task.ErrNotFound) {
				return claimed, fmt.Errorf("re-read %s: %w", t.ID, err)
			}
			rep.Stale++
			continue
		}
		// Dependencies are added under the lease, so only the fresh record is authoritative.
		if len(fresh.Dependencies) > 0 {
			s.graph.Sync(fresh.ID, fresh.Dependencies)
			met, err := s.graph.AreDependenciesMet(ctx, fresh.ID, s.store)
			if err != nil {
				s.release(ctx, lease)
				return claimed, fmt.Errorf("check dependencies of %s: %w", t.ID, err)
			}
			if !met {
				s.release(ctx, lease)
				rep.Blocked++
				continue
			}
		}
		claimed = append(claimed, held{t: fresh, lease: lease})
	}
	return claimed, nil
}

func (s *Service) release(ctx context.Context, l *coord.Lease) {
	ok, err := s.coord.ReleaseTaskLock(context.WithoutCancel(ctx), l)
	if err != nil {
		s.log.Warn("lease release failed", logx.String("id", l.TaskID), logx.Err(err))
		return
	}
	if !ok {
		s.log.Debug("lease already gone at release", logx.String("id", l.TaskID))
	}
}

func (s *Service) releaseAll(ctx context.Context, hs []held) {
	for _, h := range hs {
		s.release(ctx, h.lease)
	}
}
