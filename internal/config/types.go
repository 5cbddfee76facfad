package config

// Config is the node configuration file. Both JSON and YAML are accepted;
// unknown fields are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Node      NodeConfig      `json:"node"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Admission AdmissionConfig `json:"admission,omitempty"`
	Errors    ErrorsConfig    `json:"errors,omitempty"`
	HTTP      HTTPConfig      `json:"http,omitempty"`
	Executors ExecutorsConfig `json:"executors,omitempty"`
}

// NodeConfig identifies this node in the fleet. Changes need a restart.
//
// Defaults:
//   - node_id: random uuid
//   - lease_ttl: "30s"
//   - node_ttl: "60s"
type NodeConfig struct {
	ID       string `json:"node_id,omitempty"`
	LeaseTTL string `json:"lease_ttl,omitempty"`
	NodeTTL  string `json:"node_ttl,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the shared task store. Changes need a restart.
//
// driver: "memory" (default, single node), "file" (single node, durable),
// "sqlite" (durable, shared by every node pointing at the same file).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the orchestrator loops.
//
// Defaults:
//   - poll_interval: "1s"
//   - error_backoff: "5s"
//   - heartbeat_interval: "30s"
//   - reap_interval: "30s"
//   - max_parallel: 0 (unlimited)
//   - exec_timeout: "0s" (none)
//   - startup_spread: "0s"
type SchedulerConfig struct {
	PollInterval      string `json:"poll_interval,omitempty"`
	ErrorBackoff      string `json:"error_backoff,omitempty"`
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	ReapInterval      string `json:"reap_interval,omitempty"`
	DisableReaper     bool   `json:"disable_reaper,omitempty"`
	MaxParallel       int    `json:"max_parallel,omitempty"`
	ExecTimeout       string `json:"exec_timeout,omitempty"`
	StartupSpread     string `json:"startup_spread,omitempty"`
	Timezone          string `json:"timezone,omitempty"`
}

// AdmissionConfig gates schedule requests.
type AdmissionConfig struct {
	Disabled         []string       `json:"disabled,omitempty"`
	MaxActive        map[string]int `json:"max_active,omitempty"`
	DefaultMaxActive int            `json:"default_max_active,omitempty"`
	RequireExecutor  bool           `json:"require_executor,omitempty"`
}

// ErrorsConfig tunes the error tracker.
type ErrorsConfig struct {
	Keep     int     `json:"keep,omitempty"`
	LogRate  float64 `json:"log_rate,omitempty"`
	LogBurst int     `json:"log_burst,omitempty"`
}

// HTTPConfig configures the node API. An empty addr disables it.
type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// ExecutorsConfig selects the built-in executors registered at startup.
// Omitted means all of them.
type ExecutorsConfig struct {
	Builtins []string `json:"builtins,omitempty"`
}
