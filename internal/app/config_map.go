package app

import (
	"fmt"
	"strings"
	"time"

	"fleetsched/internal/config"
	"fleetsched/internal/coord"
	"fleetsched/internal/errtrack"
	"fleetsched/internal/server"
	"fleetsched/internal/storage"
	"fleetsched/internal/task/admission"
	"fleetsched/internal/task/executor"
	"fleetsched/internal/task/scheduler"
	"fleetsched/pkg/logx"
)

// The map* helpers turn file config into component configs. They assume
// config.Validate already accepted cfg and only re-parse durations.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapCoordConfig(cfg *config.Config) (coord.Config, error) {
	lease, err := config.ParseDurationOrDefault("node.lease_ttl", cfg.Node.LeaseTTL, coord.DefaultLeaseTTL)
	if err != nil {
		return coord.Config{}, err
	}
	nodeTTL, err := config.ParseDurationOrDefault("node.node_ttl", cfg.Node.NodeTTL, coord.DefaultNodeTTL)
	if err != nil {
		return coord.Config{}, err
	}
	return coord.Config{NodeID: strings.TrimSpace(cfg.Node.ID), LeaseTTL: lease, NodeTTL: nodeTTL}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{MaxParallel: sc.MaxParallel, Timezone: strings.TrimSpace(sc.Timezone)}
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler.poll_interval", sc.PollInterval, &out.PollInterval},
		{"scheduler.error_backoff", sc.ErrorBackoff, &out.ErrorBackoff},
		{"scheduler.heartbeat_interval", sc.HeartbeatInterval, &out.HeartbeatInterval},
		{"scheduler.reap_interval", sc.ReapInterval, &out.ReapInterval},
		{"scheduler.exec_timeout", sc.ExecTimeout, &out.ExecTimeout},
		{"scheduler.startup_spread", sc.StartupSpread, &out.StartupSpread},
	}
	for _, f := range fields {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return scheduler.Config{}, err
		}
		*f.dst = d
	}
	if sc.DisableReaper {
		out.ReapInterval = -1
	}
	return out, nil
}

func mapAdmissionConfig(cfg *config.Config) admission.Config {
	ac := cfg.Admission
	limits := make(map[string]int, len(ac.MaxActive))
	for k, v := range ac.MaxActive {
		limits[strings.TrimSpace(k)] = v
	}
	return admission.Config{
		Disabled:         append([]string(nil), ac.Disabled...),
		MaxActive:        limits,
		DefaultMaxActive: ac.DefaultMaxActive,
		RequireExecutor:  ac.RequireExecutor,
	}
}

func mapErrorsConfig(cfg *config.Config) errtrack.Config {
	return errtrack.Config{Keep: cfg.Errors.Keep, LogRate: cfg.Errors.LogRate, LogBurst: cfg.Errors.LogBurst}
}

func mapHTTPConfig(cfg *config.Config) (server.Config, error) {
	hc := cfg.HTTP
	out := server.Config{Addr: strings.TrimSpace(hc.Addr), Pprof: hc.Pprof}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("http.read_timeout", hc.ReadTimeout); err != nil {
		return server.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", hc.WriteTimeout); err != nil {
		return server.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("http.idle_timeout", hc.IdleTimeout); err != nil {
		return server.Config{}, err
	}
	return out, nil
}

// builtinNames resolves executors.builtins; omitted means every builtin.
func builtinNames(cfg *config.Config) ([]string, error) {
	if cfg.Executors.Builtins == nil {
		return executor.BuiltinNames(), nil
	}
	out := make([]string, 0, len(cfg.Executors.Builtins))
	for _, n := range cfg.Executors.Builtins {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := executor.Builtins[n]; !ok {
			return nil, fmt.Errorf("executors.builtins: unknown %q (have %s)", n, strings.Join(executor.BuiltinNames(), ", "))
		}
		out = append(out, n)
	}
	return out, nil
}
