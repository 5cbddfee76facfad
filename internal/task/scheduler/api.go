package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"fleetsched/internal/coord"
	"fleetsched/internal/eventbus"
	"fleetsched/internal/task"
	"fleetsched/internal/task/schedule"
	"fleetsched/internal/task/stats"
	"fleetsched/pkg/logx"
)

// Schedule admits and persists a new task and returns its id. On any failure
// it returns "" and the error; nothing is persisted in that case.
func (s *Service) Schedule(ctx context.Context, name string, data json.RawMessage, opts task.Options) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: task name required", ErrInvalidRequest)
	}
	if s.admit != nil {
		if err := s.admit.Check(ctx, name, data, opts); err != nil {
			s.log.Debug("schedule rejected", logx.String("name", name), logx.Err(err))
			return "", err
		}
	}
	spec, err := schedule.ParseIn(opts.Schedule, s.location())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	prio, ok := task.ParsePriority(opts.Priority)
	if !ok {
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, opts.Priority)
	}

	id := uuid.NewString()
	deps := normalizeDeps(opts.Dependencies)
	if len(deps) > 0 {
		for _, d := range deps {
			s.graph.AddDependency(id, d)
		}
		valid, err := s.graph.Validate(ctx, id, s.store)
		if err != nil || !valid {
			s.graph.Remove(id)
			if err != nil {
				return "", fmt.Errorf("validate dependencies: %w", err)
			}
			return "", task.ErrCircularDependency
		}
		s.warnUnknownDeps(ctx, name, deps)
	}

	now := s.now()
	sched := strings.TrimSpace(opts.Schedule)
	if sched == "" {
		sched = task.ScheduleOnce
	}
	t := &task.Task{
		ID:           id,
		Name:         name,
		Data:         data,
		Status:       task.StatusScheduled,
		Schedule:     sched,
		Priority:     prio,
		CreatedAt:    now,
		Dependencies: deps,
	}
	switch {
	case !opts.RunAt.IsZero():
		t.NextRun = opts.RunAt
	case spec.Recurring():
		t.NextRun = spec.Next(now)
	default:
		t.NextRun = now
	}

	if err := s.store.Put(ctx, t); err != nil {
		s.graph.Remove(id)
		return "", fmt.Errorf("persist task: %w", err)
	}
	s.stats.Record(stats.Event{Op: stats.OpSchedule, Name: name})
	s.publish(eventbus.TaskScheduled, t)
	s.log.Info("task scheduled",
		logx.String("id", id), logx.String("name", name),
		logx.String("schedule", sched), logx.Time("next_run", t.NextRun))
	return id, nil
}

// warnUnknownDeps logs dependencies that do not resolve yet. They stay unmet
// until a task with that id exists and completes.
func (s *Service) warnUnknownDeps(ctx context.Context, name string, deps []string) {
	for _, d := range deps {
		if _, err := s.store.Get(ctx, d); errors.Is(err, task.ErrNotFound) {
			s.log.Warn("dependency does not exist yet", logx.String("name", name), logx.String("dependency", d))
		}
	}
}

func normalizeDeps(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, d := range in {
		d = strings.TrimSpace(d)
		if d != "" && !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// AddDependency makes an existing task depend on another one. A cycle is
// rejected with task.ErrCircularDependency and nothing changes. The task's
// lease is held for the write, so a task executing elsewhere yields ErrTaskBusy.
func (s *Service) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	dependsOn = strings.TrimSpace(dependsOn)
	if dependsOn == "" {
		return fmt.Errorf("%w: dependency id required", ErrInvalidRequest)
	}
	lease, err := s.coord.AcquireTaskLock(ctx, taskID)
	if err != nil {
		return err
	}
	if lease == nil {
		return ErrTaskBusy
	}
	defer func() {
		if _, err := s.coord.ReleaseTaskLock(context.WithoutCancel(ctx), lease); err != nil {
			s.log.Warn("release after dependency update failed", logx.String("id", taskID), logx.Err(err))
		}
	}()

	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if dependsOn == taskID {
		return task.ErrCircularDependency
	}
	if slices.Contains(t.Dependencies, dependsOn) {
		return nil
	}
	s.graph.Sync(taskID, t.Dependencies)
	s.graph.AddDependency(taskID, dependsOn)
	valid, err := s.graph.Validate(ctx, taskID, s.store)
	if err != nil || !valid {
		s.graph.RemoveDependency(taskID, dependsOn)
		if err != nil {
			return fmt.Errorf("validate dependencies: %w", err)
		}
		s.log.Info("dependency rejected: cycle",
			logx.String("id", taskID), logx.String("depends_on", dependsOn))
		return task.ErrCircularDependency
	}

	t.Dependencies = append(t.Dependencies, dependsOn)
	if err := s.store.Put(ctx, t); err != nil {
		s.graph.RemoveDependency(taskID, dependsOn)
		return fmt.Errorf("persist task: %w", err)
	}
	s.log.Info("dependency added", logx.String("id", taskID), logx.String("depends_on", dependsOn))
	return nil
}

func (s *Service) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return s.store.Get(ctx, id)
}

// ListTasks returns tasks with the given status, or all tasks when empty.
func (s *Service) ListTasks(ctx context.Context, status task.Status) ([]*task.Task, error) {
	return s.store.ByStatus(ctx, status)
}

func (s *Service) GetStats() stats.Stats { return s.stats.Snapshot() }

func (s *Service) ActiveNodes(ctx context.Context) ([]coord.Node, error) {
	return s.coord.ActiveNodes(ctx)
}

func (s *Service) NodeID() string { return s.coord.NodeID() }
