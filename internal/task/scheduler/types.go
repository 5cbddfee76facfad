// Package scheduler is the orchestrator: it admits new tasks, polls the shared
// store for due work, claims tasks through leases and runs them.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"fleetsched/internal/coord"
	"fleetsched/internal/errtrack"
	"fleetsched/internal/eventbus"
	"fleetsched/internal/runtime/supervisor"
	"fleetsched/internal/task"
	"fleetsched/internal/task/depgraph"
	"fleetsched/internal/task/stats"
	"fleetsched/pkg/logx"
)

var (
	ErrTaskBusy       = errors.New("task is leased by another node")
	ErrNotStarted     = errors.New("scheduler not started")
	// ErrInvalidRequest wraps malformed schedule requests (name, schedule, priority).
	ErrInvalidRequest = errors.New("invalid request")
)

// Config controls loop timing. Zero values fall back to the defaults below.
type Config struct {
	PollInterval      time.Duration
	ErrorBackoff      time.Duration
	HeartbeatInterval time.Duration
	// ReapInterval < 0 disables the orphan reaper.
	ReapInterval time.Duration
	// MaxParallel caps executions per cycle on this node; 0 means unlimited.
	MaxParallel int
	// ExecTimeout bounds a single execution; 0 means none.
	ExecTimeout time.Duration
	// StartupSpread delays the first poll by a node-specific amount up to this value.
	StartupSpread time.Duration
	Timezone      string // IANA TZ for cron schedules
}

const (
	DefaultPollInterval      = time.Second
	DefaultErrorBackoff      = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReapInterval      = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.MaxParallel < 0 {
		c.MaxParallel = 0
	}
	return c
}

// Runner executes a task and returns its JSON result (executor.Registry).
type Runner interface {
	Execute(ctx context.Context, t *task.Task) (json.RawMessage, error)
}

// Admitter gates schedule requests (admission.Policy).
type Admitter interface {
	Check(ctx context.Context, name string, data json.RawMessage, opts task.Options) error
}

// Deps are the collaborators the orchestrator is composed from.
type Deps struct {
	Store     task.Store
	Graph     *depgraph.Graph
	Coord     *coord.Client
	Executors Runner
	Admission Admitter
	Stats     *stats.Aggregator
	Errors    errtrack.Sink
	Bus       eventbus.Bus
	Log       logx.Logger
}

// CycleReport summarizes one poll cycle.
type CycleReport struct {
	Due       int           `json:"due"`
	Blocked   int           `json:"blocked"`
	Contended int           `json:"contended"`
	Stale     int           `json:"stale"`
	Executed  int           `json:"executed"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	LeaseLost int           `json:"lease_lost"`
	Took      time.Duration `json:"took"`
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeInterrupted
	outcomeLeaseLost
	outcomeWriteFailed
)

type Service struct {
	store  task.Store
	graph  *depgraph.Graph
	coord  *coord.Client
	exec   Runner
	admit  Admitter
	stats  *stats.Aggregator
	errors errtrack.Sink
	bus    eventbus.Bus
	log    logx.Logger

	now func() time.Time

	cfg atomic.Pointer[Config]
	loc atomic.Pointer[time.Location]

	lastBeat atomic.Int64 // unix nano of the last successful node heartbeat
	inFlight atomic.Int64
	cycles   atomic.Uint64

	// Claim error throttling: key is task name.
	warnMu   sync.Mutex
	lastWarn map[string]time.Time

	mu        sync.Mutex
	sup       *supervisor.Supervisor
	startedAt time.Time
	last      lastCycle
}

type lastCycle struct {
	At     time.Time
	Report CycleReport
	Err    string
}
