package cli

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetsched/internal/coord"
	"fleetsched/internal/errtrack"
	"fleetsched/internal/server"
	"fleetsched/internal/storage"
	"fleetsched/internal/task/admission"
	"fleetsched/internal/task/executor"
	"fleetsched/internal/task/scheduler"
	"fleetsched/pkg/logx"
)

// startTestServer serves a node API backed by an in-memory store. The
// scheduler is not started so tests drive cycles explicitly.
func startTestServer(t *testing.T) (string, *scheduler.Service) {
	t.Helper()
	store := storage.NewMemoryStore()
	reg := executor.NewRegistry(logx.Nop())
	if err := reg.RegisterBuiltins(executor.BuiltinNames()...); err != nil {
		t.Fatalf("builtins: %v", err)
	}
	errs := errtrack.New(errtrack.Config{}, logx.Nop())
	sched, err := scheduler.New(scheduler.Config{PollInterval: 20 * time.Millisecond}, scheduler.Deps{
		Store:     store,
		Coord:     coord.New(coord.NewMemoryKV(), coord.Config{NodeID: "node-a"}, logx.Nop()),
		Executors: reg,
		Admission: admission.New(admission.Config{}, store, reg),
		Errors:    errs,
		Log:       logx.Nop(),
	})
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	srv := server.New(server.Config{}, sched, logx.Nop(), server.WithErrors(errs))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts.URL, sched
}

func runCLI(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--server", serverURL}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func submitted(t *testing.T, out string) string {
	t.Helper()
	id, ok := strings.CutPrefix(strings.TrimSpace(out), "Task scheduled: ")
	if !ok || id == "" {
		t.Fatalf("unexpected submit output %q", out)
	}
	return id
}

func TestSubmitGetList(t *testing.T) {
	t.Parallel()
	url, _ := startTestServer(t)

	out, err := runCLI(t, url, "submit", "echo", "--data", `{"x":1}`, "--priority", "high")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := submitted(t, out)

	out, err = runCLI(t, url, "get", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for _, want := range []string{"Task: " + id, "Name:      echo", "Status:    scheduled", "Priority:  high", `Data:      {"x":1}`} {
		if !strings.Contains(out, want) {
			t.Fatalf("get output missing %q:\n%s", want, out)
		}
	}

	out, err = runCLI(t, url, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, id) {
		t.Fatalf("list output missing %s:\n%s", id, out)
	}

	out, err = runCLI(t, url, "list", "--status", "failed")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "No failed tasks.") {
		t.Fatalf("list failed output = %q", out)
	}
}

func TestSubmitDataSources(t *testing.T) {
	t.Parallel()
	url, _ := startTestServer(t)

	path := filepath.Join(t.TempDir(), "payload.json")
	if err := os.WriteFile(path, []byte(`{"message":"from file"}`), 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	out, err := runCLI(t, url, "submit", "echo", "--data", "@"+path, "--schedule", "5m")
	if err != nil {
		t.Fatalf("submit @file: %v", err)
	}
	id := submitted(t, out)
	out, err = runCLI(t, url, "get", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(out, "from file") || !strings.Contains(out, "Schedule:  5m") {
		t.Fatalf("get output:\n%s", out)
	}

	if _, err := runCLI(t, url, "submit", "echo", "--data", "not json"); err == nil || !strings.Contains(err.Error(), "not valid JSON") {
		t.Fatalf("invalid data error = %v", err)
	}
	if _, err := runCLI(t, url, "submit", "echo", "--run-at", "tomorrow"); err == nil || !strings.Contains(err.Error(), "--run-at") {
		t.Fatalf("invalid run-at error = %v", err)
	}
}

func TestReadDataFromStdin(t *testing.T) {
	t.Parallel()
	raw, err := readData(strings.NewReader(`[1,2]`), "@-")
	if err != nil || string(raw) != `[1,2]` {
		t.Fatalf("readData = %s, %v", raw, err)
	}
}

func TestDepsAdd(t *testing.T) {
	t.Parallel()
	url, _ := startTestServer(t)

	out, err := runCLI(t, url, "submit", "noop")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	first := submitted(t, out)
	out, err = runCLI(t, url, "submit", "noop", "--run-at", time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second := submitted(t, out)

	out, err = runCLI(t, url, "deps", "add", second, first)
	if err != nil {
		t.Fatalf("deps add: %v", err)
	}
	if !strings.Contains(out, "now depends on: "+first) {
		t.Fatalf("deps add output = %q", out)
	}

	_, err = runCLI(t, url, "deps", "add", first, second)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "circular_dependency" || apiErr.Status != http.StatusConflict {
		t.Fatalf("cycle error = %v", err)
	}
}

func TestGetUnknownTask(t *testing.T) {
	t.Parallel()
	url, _ := startTestServer(t)

	_, err := runCLI(t, url, "get", "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "not_found" || apiErr.Status != http.StatusNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestClusterCommands(t *testing.T) {
	t.Parallel()
	url, sched := startTestServer(t)

	for _, args := range [][]string{{"submit", "noop"}, {"submit", "fail", "--data", `{"message":"boom"}`}} {
		if _, err := runCLI(t, url, args...); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
	}
	if _, err := sched.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	out, err := runCLI(t, url, "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	for _, want := range []string{"Scheduled:  2", "Completed:  1", "Failed:     1", "Success:    25.0%", "noop", "fail"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stats output missing %q:\n%s", want, out)
		}
	}

	out, err = runCLI(t, url, "nodes")
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	if !strings.Contains(out, "* node-a") {
		t.Fatalf("nodes output:\n%s", out)
	}

	out, err = runCLI(t, url, "errors")
	if err != nil {
		t.Fatalf("errors: %v", err)
	}
	if !strings.Contains(out, "task_execution") || !strings.Contains(out, "boom") {
		t.Fatalf("errors output:\n%s", out)
	}
}

func TestConfigCheck(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("node:\n  node_id: n1\nhttp:\n  addr: 127.0.0.1:9000\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := runCLI(t, "http://unused", "config", "check", "-c", good)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	for _, want := range []string{"Config OK", "Node:     n1", "Storage:  memory", "HTTP:     127.0.0.1:9000"} {
		if !strings.Contains(out, want) {
			t.Fatalf("check output missing %q:\n%s", want, out)
		}
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("scheduler:\n  timezone: Mars/Olympus\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := runCLI(t, "http://unused", "config", "check", "-c", bad); err == nil {
		t.Fatal("bad timezone accepted")
	}
}
