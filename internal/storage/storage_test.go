package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"fleetsched/internal/coord"
	"fleetsched/internal/task"
	"fleetsched/pkg/logx"
)

func openBackend(t *testing.T, driver string) *Backend {
	t.Helper()
	cfg := Config{Driver: driver}
	switch driver {
	case "file":
		cfg.Path = filepath.Join(t.TempDir(), "tasks.db")
	case "sqlite":
		cfg.Path = filepath.Join(t.TempDir(), "fleet.sqlite")
	}
	b, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func mkTask(id, name string, st task.Status, prio task.Priority, next, created time.Time) *task.Task {
	return &task.Task{
		ID: id, Name: name, Status: st, Priority: prio, Schedule: task.ScheduleOnce,
		NextRun: next, CreatedAt: created,
	}
}

func ids(ts []*task.Task) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}

func TestTaskStoreContract(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"memory", "file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openBackend(t, driver).Tasks

			base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
			now := base.Add(time.Hour)
			tasks := []*task.Task{
				mkTask("low-early", "report", task.StatusScheduled, task.PriorityLow, base, base),
				mkTask("high-late", "report", task.StatusScheduled, task.PriorityHigh, base.Add(30*time.Minute), base),
				mkTask("normal-early", "cleanup", task.StatusScheduled, task.PriorityNormal, base, base),
				mkTask("normal-later", "cleanup", task.StatusScheduled, task.PriorityNormal, base.Add(time.Minute), base),
				mkTask("future", "cleanup", task.StatusScheduled, task.PriorityCritical, now.Add(time.Minute), base),
				mkTask("never", "cleanup", task.StatusScheduled, task.PriorityCritical, task.Never, base),
				mkTask("running", "report", task.StatusRunning, task.PriorityNormal, base, base.Add(time.Second)),
				mkTask("done", "report", task.StatusCompleted, task.PriorityNormal, task.Never, base.Add(2*time.Second)),
			}
			for _, tk := range tasks {
				if err := st.Put(ctx, tk); err != nil {
					t.Fatalf("Put(%s): %v", tk.ID, err)
				}
			}

			due, err := st.Due(ctx, now)
			if err != nil {
				t.Fatal(err)
			}
			want := []string{"high-late", "normal-early", "normal-later", "low-early"}
			if diff := cmp.Diff(want, ids(due)); diff != "" {
				t.Fatalf("Due order mismatch (-want +got):\n%s", diff)
			}

			got, err := st.Get(ctx, "high-late")
			if err != nil {
				t.Fatal(err)
			}
			if !got.NextRun.Equal(base.Add(30*time.Minute)) || got.Priority != task.PriorityHigh {
				t.Fatalf("Get returned %+v", got)
			}
			if _, err := st.Get(ctx, "missing"); !errors.Is(err, task.ErrNotFound) {
				t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
			}

			n, err := st.CountActive(ctx, "report")
			if err != nil {
				t.Fatal(err)
			}
			if n != 3 {
				t.Fatalf("CountActive(report) = %d, want 3", n)
			}

			running, err := st.ByStatus(ctx, task.StatusRunning)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff([]string{"running"}, ids(running)); diff != "" {
				t.Fatalf("ByStatus mismatch (-want +got):\n%s", diff)
			}

			// Upsert replaces.
			got.Status = task.StatusCompleted
			got.NextRun = task.Never
			if err := st.Put(ctx, got); err != nil {
				t.Fatal(err)
			}
			due, _ = st.Due(ctx, now)
			if diff := cmp.Diff([]string{"normal-early", "normal-later", "low-early"}, ids(due)); diff != "" {
				t.Fatalf("Due after update mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openBackend(t, "memory").Tasks
	orig := mkTask("a", "x", task.StatusScheduled, task.PriorityNormal, time.Now(), time.Now())
	orig.Dependencies = []string{"b"}
	if err := st.Put(ctx, orig); err != nil {
		t.Fatal(err)
	}
	orig.Dependencies[0] = "mutated"

	got, _ := st.Get(ctx, "a")
	got.Status = task.StatusFailed
	again, _ := st.Get(ctx, "a")
	if again.Status != task.StatusScheduled || again.Dependencies[0] != "b" {
		t.Fatalf("store shares state with callers: %+v", again)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	b, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	if err := b.Tasks.Put(ctx, mkTask("a", "backup", task.StatusScheduled, task.PriorityNormal, now, now)); err != nil {
		t.Fatal(err)
	}
	if err := b.Tasks.Put(ctx, mkTask("b", "backup", task.StatusCompleted, task.PriorityNormal, task.Never, now)); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	b2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer b2.Close()
	got, err := b2.Tasks.Get(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusCompleted || !got.NextRun.IsZero() {
		t.Fatalf("reloaded task = %+v", got)
	}
	n, _ := b2.Tasks.CountActive(ctx, "backup")
	if n != 1 {
		t.Fatalf("CountActive = %d, want 1", n)
	}
}

func TestSQLiteLeaseSharedAcrossProcesses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fleet.sqlite")

	b1, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer b1.Close()
	b2, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer b2.Close()

	n1 := coord.New(b1.KV, coord.Config{NodeID: "n1", LeaseTTL: time.Minute}, logx.Nop())
	n2 := coord.New(b2.KV, coord.Config{NodeID: "n2", LeaseTTL: time.Minute}, logx.Nop())

	l1, err := n1.AcquireTaskLock(ctx, "t")
	if err != nil || l1 == nil {
		t.Fatalf("n1 acquire: lease=%v err=%v", l1, err)
	}
	l2, err := n2.AcquireTaskLock(ctx, "t")
	if err != nil || l2 != nil {
		t.Fatalf("n2 acquire while held: lease=%v err=%v", l2, err)
	}
	if ok, _ := n1.RenewTaskLock(ctx, l1); !ok {
		t.Fatal("n1 renew through the shared file failed")
	}
	if holder, _ := n2.LockHolder(ctx, "t"); holder != "n1" {
		t.Fatalf("holder = %q", holder)
	}
	if ok, _ := n1.ReleaseTaskLock(ctx, l1); !ok {
		t.Fatal("n1 release failed")
	}
	if l, _ := n2.AcquireTaskLock(ctx, "t"); l == nil {
		t.Fatal("n2 acquire after release failed")
	}

	if err := n1.RegisterNode(ctx); err != nil {
		t.Fatal(err)
	}
	if err := n2.RegisterNode(ctx); err != nil {
		t.Fatal(err)
	}
	nodes, err := n1.ActiveNodes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 {
		t.Fatalf("nodes = %+v", nodes)
	}
}

func TestSQLiteKVExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openBackend(t, "sqlite")
	kv := b.KV.(*sqliteKV)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	kv.now = func() time.Time { return clock }

	if ok, _ := kv.SetNX(ctx, "lock:task:x", "a", 10*time.Second); !ok {
		t.Fatal("first SetNX failed")
	}
	if ok, _ := kv.SetNX(ctx, "lock:task:x", "b", 10*time.Second); ok {
		t.Fatal("SetNX over live key succeeded")
	}
	clock = clock.Add(11 * time.Second)
	if _, ok, _ := kv.Get(ctx, "lock:task:x"); ok {
		t.Fatal("expired key still visible")
	}
	if ok, _ := kv.SetNX(ctx, "lock:task:x", "b", 10*time.Second); !ok {
		t.Fatal("SetNX over expired key failed")
	}
	if v, _, _ := kv.Get(ctx, "lock:task:x"); v != "b" {
		t.Fatalf("value = %q, want b", v)
	}
}
