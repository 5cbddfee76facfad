// Package task defines the schedulable unit of work and the contracts shared by
// the scheduler components (store, graph, executors).
package task

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends an attempt.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Priority is an advisory ordering hint for the due-task query.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority normalizes p. Empty maps to normal; unknown values return false.
func ParsePriority(p string) (Priority, bool) {
	switch Priority(strings.ToLower(strings.TrimSpace(p))) {
	case "", PriorityNormal:
		return PriorityNormal, true
	case PriorityLow:
		return PriorityLow, true
	case PriorityHigh:
		return PriorityHigh, true
	case PriorityCritical:
		return PriorityCritical, true
	}
	return "", false
}

// Rank orders priorities; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// ScheduleOnce is the schedule of a task that runs a single time.
const ScheduleOnce = "once"

// Never is the NextRun sentinel meaning "do not run again".
var Never = time.Time{}

// Task is the unit of schedulable work.
//
// Timestamps and Status are owned by the orchestrator; callers only supply
// Name, Data and Options at submission time.
type Task struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data,omitempty"`
	Status   Status          `json:"status"`
	Schedule string          `json:"schedule"`
	Priority Priority        `json:"priority"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	FailedAt    time.Time `json:"failed_at,omitzero"`
	NextRun     time.Time `json:"next_run,omitzero"`

	Dependencies []string `json:"dependencies,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	NodeID   string `json:"node_id,omitempty"`
	Attempts int    `json:"attempts"`
}

// Recurring reports whether the task reschedules itself after each run.
func (t *Task) Recurring() bool {
	s := strings.TrimSpace(t.Schedule)
	return s != "" && !strings.EqualFold(s, ScheduleOnce)
}

// Due reports whether the task is eligible to run at now.
func (t *Task) Due(now time.Time) bool {
	return t.Status == StatusScheduled && !t.NextRun.IsZero() && !t.NextRun.After(now)
}

// Clone returns a deep copy so store backends never share mutable state with callers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Data != nil {
		cp.Data = append(json.RawMessage(nil), t.Data...)
	}
	if t.Result != nil {
		cp.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	return &cp
}

// Options are the caller-supplied knobs of a schedule request.
type Options struct {
	// Schedule is "once" (default) or a recurrence spec, see package schedule.
	Schedule string
	// Priority defaults to normal.
	Priority string
	// Dependencies lists task ids that must complete first.
	Dependencies []string
	// RunAt overrides the first eligible time. Zero means "now" for once tasks
	// and the first occurrence for recurring tasks.
	RunAt time.Time
}

// Lookup resolves task ids to records.
type Lookup interface {
	Get(ctx context.Context, id string) (*Task, error)
}

// Store holds task records. Implementations live in internal/storage.
type Store interface {
	Lookup

	// Put inserts or replaces the task with t.ID.
	Put(ctx context.Context, t *Task) error
	// Due returns scheduled tasks whose NextRun has elapsed, highest priority first.
	Due(ctx context.Context, now time.Time) ([]*Task, error)
	// ByStatus returns tasks with the given status (all when empty), oldest first.
	ByStatus(ctx context.Context, status Status) ([]*Task, error)
	// CountActive counts scheduled and running tasks with the given name.
	CountActive(ctx context.Context, name string) (int, error)
	Close() error
}
