// Package admission decides whether a schedule request is accepted.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"fleetsched/internal/task"
	"fleetsched/internal/task/schedule"
)

var ErrRejected = errors.New("rejected by admission policy")

// Config is hot-swappable through Apply.
type Config struct {
	// Disabled task names are never admitted.
	Disabled []string
	// MaxActive caps scheduled+running tasks per name across the fleet.
	MaxActive map[string]int
	// DefaultMaxActive applies to names absent from MaxActive; 0 means unlimited.
	DefaultMaxActive int
	// RequireExecutor rejects names with no registered executor on this node.
	RequireExecutor bool
}

// Counter reports fleet-wide active counts (task.Store satisfies it).
type Counter interface {
	CountActive(ctx context.Context, name string) (int, error)
}

// Known reports whether an executor exists for a name.
type Known interface {
	Has(name string) bool
}

type compiled struct {
	disabled        map[string]struct{}
	maxActive       map[string]int
	defaultMax      int
	requireExecutor bool
}

type Policy struct {
	counter Counter
	known   Known
	cfg     atomic.Pointer[compiled]
}

// New builds a policy; known may be nil when RequireExecutor is never set.
func New(cfg Config, counter Counter, known Known) *Policy {
	p := &Policy{counter: counter, known: known}
	p.Apply(cfg)
	return p
}

// Apply replaces the policy configuration.
func (p *Policy) Apply(cfg Config) {
	c := &compiled{
		disabled:        make(map[string]struct{}, len(cfg.Disabled)),
		maxActive:       make(map[string]int, len(cfg.MaxActive)),
		defaultMax:      cfg.DefaultMaxActive,
		requireExecutor: cfg.RequireExecutor,
	}
	for _, n := range cfg.Disabled {
		if n = strings.TrimSpace(n); n != "" {
			c.disabled[n] = struct{}{}
		}
	}
	for k, v := range cfg.MaxActive {
		c.maxActive[strings.TrimSpace(k)] = v
	}
	p.cfg.Store(c)
}

func (c *compiled) limit(name string) int {
	if v, ok := c.maxActive[name]; ok {
		return v
	}
	return c.defaultMax
}

// Check returns nil when the request is admitted, otherwise an error wrapping
// ErrRejected with the reason. Store failures are returned unwrapped.
func (p *Policy) Check(ctx context.Context, name string, _ json.RawMessage, opts task.Options) error {
	c := p.cfg.Load()
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty task name", ErrRejected)
	}
	if _, off := c.disabled[name]; off {
		return fmt.Errorf("%w: task %q is disabled", ErrRejected, name)
	}
	if err := schedule.Validate(opts.Schedule); err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if _, ok := task.ParsePriority(opts.Priority); !ok {
		return fmt.Errorf("%w: unknown priority %q", ErrRejected, opts.Priority)
	}
	if c.requireExecutor && p.known != nil && !p.known.Has(name) {
		return fmt.Errorf("%w: %w for %q", ErrRejected, task.ErrNoExecutor, name)
	}
	if lim := c.limit(name); lim > 0 && p.counter != nil {
		n, err := p.counter.CountActive(ctx, name)
		if err != nil {
			return fmt.Errorf("count active %s: %w", name, err)
		}
		if n >= lim {
			return fmt.Errorf("%w: %q has %d active tasks (limit %d)", ErrRejected, name, n, lim)
		}
	}
	return nil
}

// ShouldSchedule is the boolean form of Check.
func (p *Policy) ShouldSchedule(ctx context.Context, name string, data json.RawMessage, opts task.Options) bool {
	return p.Check(ctx, name, data, opts) == nil
}
