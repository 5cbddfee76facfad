package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewWriterFieldsAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))
	log.Debug("hidden")
	log.Info("shown", Int("n", 3), Duration("took", time.Second), Err(errors.New("boom")), Err(nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["message"] != "shown" || rec["comp"] != "test" || rec["n"] != float64(3) || rec["err"] != "boom" {
		t.Fatalf("record = %v", rec)
	}
	if c, _ := rec["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %v", rec["caller"])
	}
}

func TestServiceApplySwapsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	svc, log := New(Config{Level: "warn", Console: true, Output: &buf})
	defer svc.Close()
	child := log.With(String("comp", "child"))

	child.Info("before")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}
	svc.Apply(Config{Level: "debug", Console: true, Output: &buf})
	child.Debug("after")
	if !strings.Contains(buf.String(), "after") || !strings.Contains(buf.String(), "comp=child") {
		t.Fatalf("derived logger did not follow Apply: %q", buf.String())
	}
}

func TestServiceFileSink(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "node.log")
	var console bytes.Buffer
	svc, log := New(Config{Level: "info", Output: &console, File: FileConfig{Enabled: true, Path: path}})
	log.Info("to file", String("task", "echo"))
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if console.Len() != 0 {
		t.Fatalf("console written with console disabled: %q", console.String())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &rec); err != nil {
		t.Fatalf("file line not JSON: %q", b)
	}
	if rec["task"] != "echo" || rec["level"] != "info" {
		t.Fatalf("record = %v", rec)
	}
}

func TestContextLogger(t *testing.T) {
	t.Parallel()

	FromContext(context.Background()).Info("discarded")

	var buf bytes.Buffer
	ctx := WithContext(context.Background(), NewWriter(&buf, "debug").With(String("id", "t1")))
	FromContext(ctx).Debug("hello")
	if !strings.Contains(buf.String(), `"id":"t1"`) {
		t.Fatalf("context logger lost fields: %q", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger reports non-zero")
	}
	l.With(String("k", "v")).Error("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop reports zero")
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "debug", "INFO", " warn ", "warning", "error"} {
		if !ValidLevel(s) {
			t.Errorf("ValidLevel(%q) = false", s)
		}
	}
	for _, s := range []string{"trace", "verbose", "fatal"} {
		if ValidLevel(s) {
			t.Errorf("ValidLevel(%q) = true", s)
		}
	}
}
