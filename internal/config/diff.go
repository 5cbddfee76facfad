package config

import (
	"reflect"
	"sort"
	"strings"

	"fleetsched/pkg/logx"
)

// restartSections only take effect after a process restart.
var restartSections = map[string]bool{
	"node":      true,
	"storage":   true,
	"http":      true,
	"executors": true,
}

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) structured attrs for logging and (3) the changed sections that need a
// restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Node, newCfg.Node) {
		changed = append(changed, "node")
		attrs = append(attrs,
			logx.Bool("node.id_set", strings.TrimSpace(newCfg.Node.ID) != ""),
			logx.String("node.lease_ttl", newCfg.Node.LeaseTTL),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.poll_interval", newCfg.Scheduler.PollInterval),
			logx.Int("scheduler.max_parallel", newCfg.Scheduler.MaxParallel),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Admission, newCfg.Admission) {
		changed = append(changed, "admission")
		attrs = append(attrs,
			logx.Int("admission.disabled_count", len(newCfg.Admission.Disabled)),
			logx.Int("admission.limits_count", len(newCfg.Admission.MaxActive)),
			logx.Int("admission.default_max_active", newCfg.Admission.DefaultMaxActive),
			logx.Bool("admission.require_executor", newCfg.Admission.RequireExecutor),
		)
	}

	if oldCfg.Errors != newCfg.Errors {
		changed = append(changed, "errors")
		attrs = append(attrs,
			logx.Int("errors.keep", newCfg.Errors.Keep),
			logx.Float64("errors.log_rate", newCfg.Errors.LogRate),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if !reflect.DeepEqual(normalizeNames(oldCfg.Executors.Builtins), normalizeNames(newCfg.Executors.Builtins)) {
		changed = append(changed, "executors")
		attrs = append(attrs, logx.Strings("executors.builtins", newCfg.Executors.Builtins))
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

func normalizeNames(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
