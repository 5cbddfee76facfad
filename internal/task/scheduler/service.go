package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetsched/internal/errtrack"
	"fleetsched/internal/eventbus"
	"fleetsched/internal/runtime/supervisor"
	"fleetsched/internal/task"
	"fleetsched/internal/task/depgraph"
	"fleetsched/internal/task/schedule"
	"fleetsched/internal/task/stats"
	"fleetsched/pkg/logx"
)

func New(cfg Config, d Deps) (*Service, error) {
	if d.Store == nil || d.Coord == nil || d.Executors == nil {
		return nil, errors.New("scheduler: store, coord and executors are required")
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Graph == nil {
		d.Graph = depgraph.New()
	}
	if d.Stats == nil {
		d.Stats = stats.New()
	}
	if d.Errors == nil {
		d.Errors = errtrack.New(errtrack.Config{}, d.Log)
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	s := &Service{
		store:    d.Store,
		graph:    d.Graph,
		coord:    d.Coord,
		exec:     d.Executors,
		admit:    d.Admission,
		stats:    d.Stats,
		errors:   d.Errors,
		bus:      d.Bus,
		log:      d.Log.With(logx.String("comp", "scheduler"), logx.String("node", d.Coord.NodeID())),
		now:      time.Now,
		lastWarn: map[string]time.Time{},
	}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply swaps loop timings and the cron time zone. Loops pick the new values
// up on their next iteration.
func (s *Service) Apply(cfg Config) error {
	loc, err := schedule.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("scheduler timezone %q: %w", cfg.Timezone, err)
	}
	cfg = cfg.withDefaults()
	s.cfg.Store(&cfg)
	s.loc.Store(loc)
	return nil
}

func (s *Service) config() Config { return *s.cfg.Load() }

func (s *Service) location() *time.Location { return s.loc.Load() }

// Start registers the node and launches the poll, heartbeat and reaper loops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	if err := s.touchNode(ctx, true); err != nil {
		return err
	}
	cfg := s.config()
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log))
	restart := supervisor.RestartPolicy{MinBackoff: cfg.ErrorBackoff, MaxBackoff: 6 * cfg.ErrorBackoff}
	sup.GoRestart("scheduler.poll", s.pollLoop, restart)
	sup.GoRestart("scheduler.heartbeat", s.heartbeatLoop, restart)
	if cfg.ReapInterval > 0 {
		sup.GoRestart("scheduler.reaper", s.reapLoop, restart)
	}
	s.sup = sup
	s.startedAt = s.now()
	s.log.Info("scheduler started",
		logx.Duration("poll", cfg.PollInterval),
		logx.Duration("lease_ttl", s.coord.LeaseTTL()),
		logx.Int("max_parallel", cfg.MaxParallel),
		logx.String("tz", s.location().String()))
	return nil
}

// Stop cancels the loops and waits for them. In-flight executions are
// interrupted and handed back as scheduled; the node is then deregistered.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return ErrNotStarted
	}
	start := s.now()
	err := sup.Stop(ctx)
	if derr := s.coord.DeregisterNode(context.WithoutCancel(ctx)); derr != nil {
		s.log.Warn("deregister failed", logx.Err(derr))
	}
	s.log.Info("scheduler stopped", logx.Duration("took", s.now().Sub(start)))
	return err
}

// Running reports whether Start has been called without a matching Stop.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

func (s *Service) pollLoop(ctx context.Context) error {
	cfg := s.config()
	if d := startupDelay(s.coord.NodeID(), cfg.StartupSpread); d > 0 {
		s.log.Debug("startup spread", logx.Duration("delay", d))
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
	for {
		rep, err := s.RunCycle(ctx)
		cfg = s.config()
		wait := cfg.PollInterval
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.errors.Track(task.LoopError(err), map[string]string{"node": s.coord.NodeID()})
			wait = cfg.ErrorBackoff
		}
		s.noteCycle(rep, err)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (s *Service) heartbeatLoop(ctx context.Context) error {
	for {
		if err := sleep(ctx, s.config().HeartbeatInterval); err != nil {
			return err
		}
		if err := s.touchNode(ctx, true); err != nil && ctx.Err() == nil {
			s.log.Warn("heartbeat failed", logx.Err(err))
		}
	}
}

func (s *Service) reapLoop(ctx context.Context) error {
	for {
		iv := s.config().ReapInterval
		if iv <= 0 {
			iv = DefaultReapInterval
		}
		if err := sleep(ctx, iv); err != nil {
			return err
		}
		if n, err := s.Reap(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("reap failed", logx.Err(err))
		} else if n > 0 {
			s.log.Info("reaped orphaned tasks", logx.Int("count", n))
		}
	}
}

// touchNode refreshes the node registration. Unless force is set it skips
// the write when the last heartbeat is younger than half the interval.
func (s *Service) touchNode(ctx context.Context, force bool) error {
	now := s.now()
	if !force {
		last := time.Unix(0, s.lastBeat.Load())
		if now.Sub(last) < s.config().HeartbeatInterval/2 {
			return nil
		}
	}
	if err := s.coord.UpdateNodeHeartbeat(ctx); err != nil {
		return err
	}
	s.lastBeat.Store(now.UnixNano())
	return nil
}

func (s *Service) noteCycle(rep CycleReport, err error) {
	s.cycles.Add(1)
	lc := lastCycle{At: s.now(), Report: rep}
	if err != nil {
		lc.Err = err.Error()
	}
	s.mu.Lock()
	s.last = lc
	s.mu.Unlock()
}

func (s *Service) publish(typ string, t *task.Task) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: eventData(t)})
}

// TaskEvent is the payload of task.* bus events.
type TaskEvent struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Status   task.Status `json:"status"`
	NodeID   string      `json:"node_id,omitempty"`
	NextRun  time.Time   `json:"next_run,omitzero"`
	Attempts int         `json:"attempts"`
	Error    string      `json:"error,omitempty"`
}

func eventData(t *task.Task) TaskEvent {
	return TaskEvent{
		ID: t.ID, Name: t.Name, Status: t.Status, NodeID: t.NodeID,
		NextRun: t.NextRun, Attempts: t.Attempts, Error: t.Error,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
