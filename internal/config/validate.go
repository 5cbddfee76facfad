package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetsched/internal/coord"
	"fleetsched/internal/task/scheduler"
	"fleetsched/pkg/logx"
)

// Validate checks field syntax and bounds. It does not touch the filesystem
// or the network.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown %q", cfg.Logging.Level))
	}

	dur("node.lease_ttl", cfg.Node.LeaseTTL)
	dur("node.node_ttl", cfg.Node.NodeTTL)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "mem", "file":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required when storage.driver=sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	sc := cfg.Scheduler
	dur("scheduler.poll_interval", sc.PollInterval)
	dur("scheduler.error_backoff", sc.ErrorBackoff)
	dur("scheduler.heartbeat_interval", sc.HeartbeatInterval)
	dur("scheduler.reap_interval", sc.ReapInterval)
	dur("scheduler.exec_timeout", sc.ExecTimeout)
	dur("scheduler.startup_spread", sc.StartupSpread)
	// A node that heartbeats slower than its registration expires drops out
	// of the membership list between beats.
	nodeTTL, errTTL := ParseDurationOrDefault("node.node_ttl", cfg.Node.NodeTTL, coord.DefaultNodeTTL)
	beat, errBeat := ParseDurationOrDefault("scheduler.heartbeat_interval", sc.HeartbeatInterval, scheduler.DefaultHeartbeatInterval)
	if errTTL == nil && errBeat == nil && nodeTTL > 0 && beat > 0 && nodeTTL <= beat {
		errs = append(errs, fmt.Errorf("node.node_ttl (%s) must be greater than scheduler.heartbeat_interval (%s)", nodeTTL, beat))
	}
	if sc.MaxParallel < 0 {
		errs = append(errs, errors.New("scheduler.max_parallel must be >= 0"))
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	if cfg.Admission.DefaultMaxActive < 0 {
		errs = append(errs, errors.New("admission.default_max_active must be >= 0"))
	}
	for name, n := range cfg.Admission.MaxActive {
		if n < 0 {
			errs = append(errs, fmt.Errorf("admission.max_active.%s must be >= 0", name))
		}
	}

	if cfg.Errors.Keep < 0 || cfg.Errors.LogBurst < 0 || cfg.Errors.LogRate < 0 {
		errs = append(errs, errors.New("errors.keep, errors.log_rate and errors.log_burst must be >= 0"))
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)

	return errors.Join(errs...)
}
