package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetsched/internal/config"
	"fleetsched/internal/task"
	"fleetsched/internal/task/admission"
	"fleetsched/internal/task/executor"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleetsched.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const baseConfig = `
node:
  node_id: test-node
logging:
  level: error
storage:
  driver: memory
scheduler:
  poll_interval: 20ms
`

func TestLifecycleRunsTasks(t *testing.T) {
	var (
		mu     sync.Mutex
		states []string
	)
	prev := sdNotify
	sdNotify = func(_ bool, state string) (bool, error) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
		return true, nil
	}
	t.Cleanup(func() { sdNotify = prev })

	path := writeConfig(t, baseConfig+"http:\n  addr: 127.0.0.1:0\n")
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	id, err := a.Scheduler().Schedule(ctx, "echo", []byte(`{"message":"hi"}`), task.Options{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	var got *task.Task
	for {
		got, err = a.Scheduler().GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Status == task.StatusCompleted {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("task never completed: %+v", got)
		case <-time.After(20 * time.Millisecond):
		}
	}
	if string(got.Result) != `{"message":"hi"}` {
		t.Fatalf("result = %s", got.Result)
	}

	for a.http.Addr() == "" {
		select {
		case <-ctx.Done():
			t.Fatal("http never bound")
		case <-time.After(10 * time.Millisecond):
		}
	}
	resp, err := http.Get("http://" + a.http.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 2 || states[0] != "READY=1" || states[len(states)-1] != "STOPPING=1" {
		t.Fatalf("sd_notify states = %v", states)
	}
}

func TestApplyConfigHotReload(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, baseConfig)
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.backend.Close() })

	prev := a.cfgm.Get()
	next := *prev
	next.Admission = config.AdmissionConfig{Disabled: []string{"echo"}}
	next.Scheduler.Timezone = "Asia/Tokyo"
	next.Errors = config.ErrorsConfig{Keep: 5}
	a.applyConfig(prev, &next)

	_, err = a.Scheduler().Schedule(context.Background(), "echo", nil, task.Options{})
	if !errors.Is(err, admission.ErrRejected) {
		t.Fatalf("Schedule after disabling = %v, want rejection", err)
	}
	if tz := a.Scheduler().Snapshot().Timezone; tz != "Asia/Tokyo" {
		t.Fatalf("timezone = %q", tz)
	}
}

func TestWithExecutorRunsInjectedTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	greet := executor.Func(func(_ context.Context, tk *task.Task) (any, error) {
		return map[string]string{"hello": tk.Name}, nil
	})
	a, err := New(writeConfig(t, baseConfig), WithExecutor("greet", greet))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.backend.Close() })

	if !a.Executors().Has("greet") || !a.Executors().Has("echo") {
		t.Fatalf("executors = %v", a.Executors().Names())
	}
	id, err := a.Scheduler().Schedule(ctx, "greet", nil, task.Options{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	rep, err := a.Scheduler().RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.Completed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got, err := a.Scheduler().GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusCompleted || string(got.Result) != `{"hello":"greet"}` {
		t.Fatalf("task = %+v", got)
	}

	_, err = New(writeConfig(t, baseConfig), WithExecutor(" ", greet))
	if err == nil || !strings.Contains(err.Error(), "executor option") {
		t.Fatalf("blank executor name: err = %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown builtin", baseConfig + "executors:\n  builtins: [teleport]\n", "executors.builtins"},
		{"sqlite without path", "storage:\n  driver: sqlite\n", "storage.path"},
		{"bad lease", "node:\n  lease_ttl: forever\n", "node.lease_ttl"},
		{"unknown section", "plugins: {}\n", "unknown field"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("New error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Scheduler: config.SchedulerConfig{
		PollInterval:  "2s",
		ExecTimeout:   "1m",
		MaxParallel:   3,
		DisableReaper: true,
		Timezone:      " UTC ",
	}}
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if sc.PollInterval != 2*time.Second || sc.ExecTimeout != time.Minute || sc.MaxParallel != 3 || sc.ReapInterval != -1 || sc.Timezone != "UTC" {
		t.Fatalf("mapped = %+v", sc)
	}
}

func TestBuiltinNames(t *testing.T) {
	t.Parallel()

	all, err := builtinNames(&config.Config{})
	if err != nil || len(all) != 4 {
		t.Fatalf("default builtins = %v, %v", all, err)
	}
	none, err := builtinNames(&config.Config{Executors: config.ExecutorsConfig{Builtins: []string{}}})
	if err != nil || len(none) != 0 {
		t.Fatalf("explicit empty = %v, %v", none, err)
	}
}
