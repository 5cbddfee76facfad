package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"fleetsched/pkg/logx"
)

// sdNotify is swapped in tests.
var sdNotify = daemon.SdNotify

// notify sends state to systemd. Outside a unit (no NOTIFY_SOCKET) it is a no-op.
func (a *App) notify(state string) {
	sent, err := sdNotify(false, state)
	if err != nil {
		a.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify", logx.String("state", state))
	}
}

// watchdogLoop pings the systemd watchdog at half its interval while healthy
// returns true. It returns immediately when the unit has no watchdog.
func (a *App) watchdogLoop(ctx context.Context, healthy func() bool) error {
	iv, err := daemon.SdWatchdogEnabled(false)
	if err != nil || iv <= 0 {
		return nil
	}
	every := iv / 2
	if every < time.Second {
		every = time.Second
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", iv))
	tk := time.NewTicker(every)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
			if healthy() {
				a.notify(daemon.SdNotifyWatchdog)
			} else {
				a.log.Warn("scheduler not running; withholding watchdog ping")
			}
		}
	}
}
