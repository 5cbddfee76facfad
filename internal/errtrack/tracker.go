// Package errtrack is the error sink: it logs tracked errors through a rate
// limiter and keeps the most recent ones for the API.
package errtrack

import (
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fleetsched/internal/task"
	"fleetsched/pkg/logx"
)

// Sink receives errors the scheduler wants surfaced.
type Sink interface {
	Track(err error, tags map[string]string)
}

type Config struct {
	// Keep is the ring size of Recent; 0 means 100.
	Keep int
	// LogRate is the sustained logged errors per second; 0 means 1.
	LogRate float64
	// LogBurst is the limiter burst; 0 means 10.
	LogBurst int
}

type Entry struct {
	At      time.Time         `json:"at"`
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Tags    map[string]string `json:"tags,omitempty"`
}

type Tracker struct {
	log logx.Logger

	mu         sync.Mutex
	ring       []Entry
	next       int
	full       bool
	total      uint64
	suppressed uint64
	byKind     map[string]uint64
	lim        *rate.Limiter
}

func New(cfg Config, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Tracker{log: log.With(logx.String("comp", "errtrack")), byKind: map[string]uint64{}}
	t.Apply(cfg)
	return t
}

// Apply resizes the ring and resets the limiter. Existing entries are kept
// up to the new size.
func (t *Tracker) Apply(cfg Config) {
	if cfg.Keep <= 0 {
		cfg.Keep = 100
	}
	if cfg.LogRate <= 0 {
		cfg.LogRate = 1
	}
	if cfg.LogBurst <= 0 {
		cfg.LogBurst = 10
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.recentLocked()
	if len(old) > cfg.Keep {
		old = old[len(old)-cfg.Keep:]
	}
	t.ring = make([]Entry, cfg.Keep)
	copy(t.ring, old)
	t.next = len(old) % cfg.Keep
	t.full = len(old) == cfg.Keep
	t.lim = rate.NewLimiter(rate.Limit(cfg.LogRate), cfg.LogBurst)
}

// Kind classifies err by the scheduler's sentinel errors.
func Kind(err error) string {
	switch {
	case errors.Is(err, task.ErrLeaseLost):
		return "lease_lost"
	case errors.Is(err, task.ErrNoExecutor):
		return "no_executor"
	case errors.Is(err, task.ErrTaskExecution):
		return "task_execution"
	case errors.Is(err, task.ErrSchedulerLoop):
		return "scheduler_loop"
	default:
		return "error"
	}
}

func (t *Tracker) Track(err error, tags map[string]string) {
	if err == nil {
		return
	}
	e := Entry{At: time.Now(), Kind: Kind(err), Message: err.Error()}
	if len(tags) > 0 {
		e.Tags = make(map[string]string, len(tags))
		for k, v := range tags {
			e.Tags[k] = v
		}
	}

	t.mu.Lock()
	t.ring[t.next] = e
	t.next = (t.next + 1) % len(t.ring)
	if t.next == 0 {
		t.full = true
	}
	t.total++
	t.byKind[e.Kind]++
	allow := t.lim.Allow()
	if !allow {
		t.suppressed++
	}
	t.mu.Unlock()

	if !allow {
		return
	}
	fields := []logx.Field{logx.String("kind", e.Kind), logx.Err(err)}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, logx.String(k, tags[k]))
	}
	t.log.Error("tracked error", fields...)
}

func (t *Tracker) recentLocked() []Entry {
	if t.ring == nil {
		return nil
	}
	if !t.full {
		return append([]Entry(nil), t.ring[:t.next]...)
	}
	out := make([]Entry, 0, len(t.ring))
	out = append(out, t.ring[t.next:]...)
	out = append(out, t.ring[:t.next]...)
	return out
}

// Recent returns tracked errors, oldest first.
func (t *Tracker) Recent() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recentLocked()
}

type Summary struct {
	Total      uint64            `json:"total"`
	Suppressed uint64            `json:"suppressed_logs"`
	ByKind     map[string]uint64 `json:"by_kind"`
}

func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Summary{Total: t.total, Suppressed: t.suppressed, ByKind: make(map[string]uint64, len(t.byKind))}
	for k, v := range t.byKind {
		s.ByKind[k] = v
	}
	return s
}
