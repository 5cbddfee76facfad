// Package stats accumulates scheduler counters per operation and per task name.
package stats

import (
	"sort"
	"sync"
	"time"
)

type Op string

const (
	OpSchedule Op = "schedule"
	OpComplete Op = "complete"
	OpFail     Op = "fail"
)

// Event is one observation fed to Record. Duration is the execution time for
// complete/fail events and is ignored for schedule.
type Event struct {
	Op       Op
	Name     string
	Duration time.Duration
}

// Counters are the totals for one scope (global or one task name).
type Counters struct {
	Scheduled int `json:"scheduled"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`

	SuccessRate float64 `json:"success_rate"`

	Executions  int           `json:"executions"`
	TotalRun    time.Duration `json:"total_run"`
	AverageRun  time.Duration `json:"average_run"`
	LastEventAt time.Time     `json:"last_event_at,omitzero"`
}

// Stats is a point-in-time snapshot.
type Stats struct {
	Counters
	ByTask map[string]Counters `json:"by_task"`
}

// Names returns the task names present in the snapshot, sorted.
func (s Stats) Names() []string {
	out := make([]string, 0, len(s.ByTask))
	for k := range s.ByTask {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type Aggregator struct {
	mu     sync.Mutex
	global Counters
	byTask map[string]*Counters
	now    func() time.Time
}

func New() *Aggregator {
	return &Aggregator{byTask: make(map[string]*Counters), now: time.Now}
}

// Record applies e to the global and per-name counters. Total counts every
// recorded event regardless of op.
func (a *Aggregator) Record(e Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	at := a.now()
	apply(&a.global, e, at)
	c := a.byTask[e.Name]
	if c == nil {
		c = &Counters{}
		a.byTask[e.Name] = c
	}
	apply(c, e, at)
}

func apply(c *Counters, e Event, at time.Time) {
	switch e.Op {
	case OpSchedule:
		c.Scheduled++
	case OpComplete:
		c.Completed++
		c.Executions++
		c.TotalRun += e.Duration
	case OpFail:
		c.Failed++
		c.Executions++
		c.TotalRun += e.Duration
	}
	c.Total++
	c.LastEventAt = at
}

func finish(c Counters) Counters {
	if c.Total > 0 {
		c.SuccessRate = float64(c.Completed) / float64(c.Total)
	}
	if c.Executions > 0 {
		c.AverageRun = c.TotalRun / time.Duration(c.Executions)
	}
	return c
}

func (a *Aggregator) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := Stats{Counters: finish(a.global), ByTask: make(map[string]Counters, len(a.byTask))}
	for k, v := range a.byTask {
		out.ByTask[k] = finish(*v)
	}
	return out
}

// Reset clears all counters.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.global = Counters{}
	a.byTask = make(map[string]*Counters)
	a.mu.Unlock()
}
