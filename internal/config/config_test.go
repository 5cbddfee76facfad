package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const sampleYAML = `
node:
  node_id: node-a
  lease_ttl: 20s
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: /tmp/fleet.db
scheduler:
  poll_interval: 500ms
  max_parallel: 4
  timezone: UTC
admission:
  disabled: [legacy]
  max_active:
    report: 2
executors:
  builtins: [noop, echo]
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("fleet.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := Config{
		Node:      NodeConfig{ID: "node-a", LeaseTTL: "20s"},
		Logging:   LoggingConfig{Level: "debug", Console: true},
		Storage:   StorageConfig{Driver: "sqlite", Path: "/tmp/fleet.db"},
		Scheduler: SchedulerConfig{PollInterval: "500ms", MaxParallel: 4, Timezone: "UTC"},
		Admission: AdmissionConfig{Disabled: []string{"legacy"}, MaxActive: map[string]int{"report": 2}},
		Executors: ExecutorsConfig{Builtins: []string{"noop", "echo"}},
	}
	if diff := cmp.Diff(want, *cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		path string
		body string
		want string
	}{
		{"unknown field", "c.json", `{"node":{"nodeid":"x"}}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad duration", "c.yaml", "scheduler:\n  poll_interval: soon\n", "scheduler.poll_interval"},
		{"negative parallel", "c.json", `{"scheduler":{"max_parallel":-1}}`, "max_parallel"},
		{"bad timezone", "c.json", `{"scheduler":{"timezone":"Mars/Olympus"}}`, "scheduler.timezone"},
		{"sqlite without path", "c.json", `{"storage":{"driver":"sqlite"}}`, "storage.path"},
		{"unknown driver", "c.json", `{"storage":{"driver":"redis"}}`, "storage.driver"},
		{"negative limit", "c.json", `{"admission":{"max_active":{"x":-2}}}`, "admission.max_active.x"},
		{"bad yaml", "c.yml", "node: [", "yaml"},
		{"unknown level", "c.json", `{"logging":{"level":"loud"}}`, "logging.level"},
		{"node ttl below default heartbeat", "c.yaml", "node:\n  node_ttl: 10s\n", "node.node_ttl"},
		{"heartbeat above default node ttl", "c.json", `{"scheduler":{"heartbeat_interval":"2m"}}`, "scheduler.heartbeat_interval"},
		{"node ttl equal to heartbeat", "c.json", `{"node":{"node_ttl":"20s"},"scheduler":{"heartbeat_interval":"20s"}}`, "must be greater"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tc.path, []byte(tc.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want it to mention %q", err, tc.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", " 2m ", time.Second); err != nil || d != 2*time.Minute {
		t.Fatalf("2m: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fleet.json")
	writeFile(t, path, `{"logging":{"level":"info"}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx := context.Background()
	if ok, err := m.Reload(ctx); err != nil || ok {
		t.Fatalf("unchanged reload = %v, %v; want false, nil", ok, err)
	}

	writeFile(t, path, `{"logging":{"level":"debug"}}`)
	if ok, err := m.Reload(ctx); err != nil || !ok {
		t.Fatalf("changed reload = %v, %v; want true, nil", ok, err)
	}
	select {
	case got := <-sub:
		if got.Logging.Level != "debug" {
			t.Fatalf("published level = %q", got.Logging.Level)
		}
	default:
		t.Fatal("no config published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("committed level = %q", m.Get().Logging.Level)
	}
}

func TestReloadValidatorRejects(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fleet.json")
	writeFile(t, path, `{"scheduler":{"max_parallel":1}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Scheduler.MaxParallel > 8 {
			return os.ErrInvalid
		}
		return nil
	})

	writeFile(t, path, `{"scheduler":{"max_parallel":64}}`)
	if ok, err := m.Reload(context.Background()); err == nil || ok {
		t.Fatalf("reload = %v, %v; want rejection", ok, err)
	}
	if got := m.Get().Scheduler.MaxParallel; got != 1 {
		t.Fatalf("rejected config was committed: max_parallel=%d", got)
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	m.publish(&Config{Logging: LoggingConfig{Level: "info"}})
	m.publish(&Config{Logging: LoggingConfig{Level: "warn"}})
	got := <-sub
	if got.Logging.Level != "warn" {
		t.Fatalf("got %q, want newest config", got.Logging.Level)
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel not closed by Unsubscribe")
	}
}

func TestWatchPicksUpWrites(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fleet.yaml")
	writeFile(t, path, "logging:\n  level: info\n")
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(4)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// The watcher needs a moment to register; keep rewriting until it fires.
	// Writes closer together than the debounce keep pushing the reload back.
	tick := time.NewTicker(3 * reloadDebounce)
	defer tick.Stop()
	for {
		select {
		case got := <-sub:
			if got.Logging.Level != "error" {
				t.Fatalf("published level = %q", got.Logging.Level)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("watch returned %v", err)
			}
			return
		case <-tick.C:
			writeFile(t, path, "logging:\n  level: error\n")
		case <-ctx.Done():
			t.Fatal("watch never published the change")
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Logging:   LoggingConfig{Level: "info"},
		Storage:   StorageConfig{Driver: "memory"},
		Executors: ExecutorsConfig{Builtins: []string{"echo", "noop"}},
	}
	newCfg := &Config{
		Logging:   LoggingConfig{Level: "debug"},
		Storage:   StorageConfig{Driver: "sqlite", Path: "x.db"},
		Admission: AdmissionConfig{Disabled: []string{"a"}},
		Executors: ExecutorsConfig{Builtins: []string{" noop", "echo"}},
	}
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if diff := cmp.Diff([]string{"admission", "logging", "storage"}, changed); diff != "" {
		t.Fatalf("changed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"storage"}, restart); diff != "" {
		t.Fatalf("restart (-want +got):\n%s", diff)
	}
	if len(attrs) == 0 {
		t.Fatal("expected log attrs")
	}

	if changed, _, _ := SummarizeConfigChange(nil, &Config{}); len(changed) != 0 {
		t.Fatalf("nil vs empty reported changes: %v", changed)
	}
}
