package app

import (
	"context"
	"strings"
	"time"

	"fleetsched/internal/config"
	"fleetsched/internal/eventbus"
	"fleetsched/pkg/logx"
)

// reloadLoop applies configs published by the watcher. Bursts coalesce to
// the newest config.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			cfg = drainLatest(sub, cfg)
			a.applyConfig(last, cfg)
			last = cfg
		}
	}
}

func drainLatest(ch <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case next, ok := <-ch:
			if !ok {
				return cur
			}
			if next != nil {
				cur = next
			}
		default:
			return cur
		}
	}
}

// applyConfig pushes the hot-reloadable sections into the running
// components and warns about the ones that need a restart.
func (a *App) applyConfig(prev, cfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(cfg))
	a.admit.Apply(mapAdmissionConfig(cfg))
	a.errs.Apply(mapErrorsConfig(cfg))
	if sc, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(sc); err != nil {
		a.log.Warn("scheduler rejected config; keeping previous", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
