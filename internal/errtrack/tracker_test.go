package errtrack

import (
	"errors"
	"fmt"
	"testing"

	"fleetsched/internal/task"
	"fleetsched/pkg/logx"
)

func TestRingKeepsNewest(t *testing.T) {
	t.Parallel()
	tr := New(Config{Keep: 3}, logx.Nop())
	for i := 0; i < 5; i++ {
		tr.Track(fmt.Errorf("e%d", i), nil)
	}
	got := tr.Recent()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"e2", "e3", "e4"} {
		if got[i].Message != want {
			t.Fatalf("Recent[%d] = %q, want %q", i, got[i].Message, want)
		}
	}
	if s := tr.Summary(); s.Total != 5 {
		t.Fatalf("Total = %d", s.Total)
	}
}

func TestKindAndSuppression(t *testing.T) {
	t.Parallel()
	tr := New(Config{Keep: 10, LogRate: 0.001, LogBurst: 1}, logx.Nop())
	tr.Track(task.ExecutionError("backup", errors.New("disk full")), map[string]string{"task_id": "1"})
	tr.Track(task.LoopError(errors.New("store down")), nil)
	tr.Track(nil, nil)

	s := tr.Summary()
	if s.ByKind["task_execution"] != 1 || s.ByKind["scheduler_loop"] != 1 {
		t.Fatalf("ByKind = %v", s.ByKind)
	}
	if s.Suppressed != 1 {
		t.Fatalf("Suppressed = %d, want 1", s.Suppressed)
	}
	if r := tr.Recent(); r[0].Tags["task_id"] != "1" {
		t.Fatalf("tags not kept: %+v", r[0])
	}
}

func TestApplyShrinks(t *testing.T) {
	t.Parallel()
	tr := New(Config{Keep: 5}, logx.Nop())
	for i := 0; i < 4; i++ {
		tr.Track(fmt.Errorf("e%d", i), nil)
	}
	tr.Apply(Config{Keep: 2})
	got := tr.Recent()
	if len(got) != 2 || got[0].Message != "e2" || got[1].Message != "e3" {
		t.Fatalf("after shrink Recent = %+v", got)
	}
	tr.Track(errors.New("e4"), nil)
	got = tr.Recent()
	if len(got) != 2 || got[1].Message != "e4" {
		t.Fatalf("after wrap Recent = %+v", got)
	}
}
