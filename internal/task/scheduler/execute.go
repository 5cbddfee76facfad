package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"fleetsched/internal/coord"
	"fleetsched/internal/eventbus"
	"fleetsched/internal/task"
	"fleetsched/internal/task/executor"
	"fleetsched/internal/task/schedule"
	"fleetsched/internal/task/stats"
	"fleetsched/pkg/logx"
)

const writeTimeout = 5 * time.Second

// executeTask runs one claimed task under lease. executeTask always gives the
// lease back unless it was lost during execution.
func (s *Service) executeTask(ctx context.Context, t *task.Task, lease *coord.Lease) outcome {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	log := s.log.With(logx.String("id", t.ID), logx.String("name", t.Name))
	tags := map[string]string{"task_id": t.ID, "task": t.Name, "node": s.coord.NodeID()}

	start := s.now()
	t.Status = task.StatusRunning
	t.StartedAt = start
	t.NodeID = s.coord.NodeID()
	t.Attempts++
	if err := s.write(ctx, t); err != nil {
		s.errors.Track(fmt.Errorf("mark running %s: %w", t.ID, err), tags)
		s.release(ctx, lease)
		return outcomeWriteFailed
	}
	s.publish(eventbus.TaskStarted, t)
	log.Debug("task started", logx.Int("attempt", t.Attempts))

	var (
		execCtx context.Context
		cancel  context.CancelFunc
	)
	if d := s.config().ExecTimeout; d > 0 {
		execCtx, cancel = context.WithTimeout(ctx, d)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	execCtx = logx.WithContext(execCtx, log)
	var lost atomic.Bool
	renewDone := make(chan struct{})
	go s.renewLease(execCtx, lease, &lost, cancel, renewDone)

	result, err := s.exec.Execute(execCtx, t)
	cancel()
	<-renewDone
	took := s.now().Sub(start)

	if lost.Load() {
		// Another node may own the task now; its record is not ours to write.
		s.errors.Track(fmt.Errorf("%w: %s after %s", task.ErrLeaseLost, t.ID, took), tags)
		s.publish(eventbus.TaskLeaseLost, t)
		return outcomeLeaseLost
	}
	defer s.release(ctx, lease)

	spec, perr := schedule.ParseIn(t.Schedule, s.location())
	if perr != nil {
		log.Warn("stored schedule unparsable; treating as once", logx.String("schedule", t.Schedule), logx.Err(perr))
	}
	recurring := perr == nil && spec.Recurring()
	now := s.now()

	var (
		res   outcome
		event string
	)
	switch {
	case err == nil:
		t.Result = result
		t.Error = ""
		t.CompletedAt = now
		res, event = outcomeCompleted, eventbus.TaskCompleted
		if recurring {
			t.Status = task.StatusScheduled
			t.NextRun = spec.Next(now)
			event = eventbus.TaskRescheduled
		} else {
			t.Status = task.StatusCompleted
			t.NextRun = task.Never
		}
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// The node is shutting down; hand the task back untouched by this attempt.
		t.Status = task.StatusScheduled
		t.NextRun = now
		t.Error = "interrupted: node stopping"
		res, event = outcomeInterrupted, eventbus.TaskRescheduled
	default:
		t.Result = nil
		t.Error = err.Error()
		t.FailedAt = now
		res, event = outcomeFailed, eventbus.TaskFailed
		if recurring && !executor.IsPermanent(err) {
			t.Status = task.StatusScheduled
			t.NextRun = spec.Next(now)
			event = eventbus.TaskRescheduled
		} else {
			t.Status = task.StatusFailed
			t.NextRun = task.Never
		}
		s.errors.Track(task.ExecutionError(t.Name, err), tags)
	}

	if werr := s.write(ctx, t); werr != nil {
		s.errors.Track(fmt.Errorf("record outcome %s: %w", t.ID, werr), tags)
		return outcomeWriteFailed
	}
	if t.Status.Terminal() {
		s.graph.Remove(t.ID)
	}

	switch res {
	case outcomeCompleted:
		s.stats.Record(stats.Event{Op: stats.OpComplete, Name: t.Name, Duration: took})
		log.Info("task completed", logx.Duration("took", took), logx.String("status", string(t.Status)), logx.Time("next_run", t.NextRun))
	case outcomeFailed:
		s.stats.Record(stats.Event{Op: stats.OpFail, Name: t.Name, Duration: took})
		log.Warn("task failed", logx.Duration("took", took), logx.String("status", string(t.Status)), logx.Err(err))
	default:
		log.Info("task interrupted", logx.Duration("took", took))
	}
	s.publish(event, t)
	return res
}

// renewLease extends the lease every TTL/2 until ctx ends. If the lease turns
// out to be held by someone else it marks lost and cancels the execution.
func (s *Service) renewLease(ctx context.Context, lease *coord.Lease, lost *atomic.Bool, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	every := s.coord.LeaseTTL() / 2
	if every <= 0 {
		every = time.Second
	}
	tk := time.NewTicker(every)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
		}
		ok, err := s.coord.RenewTaskLock(ctx, lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Transient; the next tick retries before the TTL runs out.
			s.log.Warn("lease renew failed", logx.String("id", lease.TaskID), logx.Err(err))
			continue
		}
		if !ok {
			lost.Store(true)
			s.log.Error("lease lost during execution", logx.String("id", lease.TaskID))
			cancel()
			return
		}
	}
}

// write persists t even when ctx is already cancelled, bounded by writeTimeout.
func (s *Service) write(ctx context.Context, t *task.Task) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return s.store.Put(wctx, t)
}
