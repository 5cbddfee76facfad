package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"fleetsched/internal/task"
	"fleetsched/pkg/logx"
)

// Builtins are opt-in executors useful for smoke-testing a fleet.
var Builtins = map[string]Executor{
	"noop":  Func(noop),
	"sleep": Func(sleep),
	"echo":  Func(echo),
	"fail":  Func(fail),
}

// BuiltinNames lists the builtin executor names, sorted.
func BuiltinNames() []string {
	names := make([]string, 0, len(Builtins))
	for n := range Builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RegisterBuiltins registers the named builtins; unknown names are an error.
func (r *Registry) RegisterBuiltins(names ...string) error {
	for _, n := range names {
		ex, ok := Builtins[n]
		if !ok {
			return fmt.Errorf("unknown builtin executor %q", n)
		}
		r.Register(n, ex)
	}
	return nil
}

func noop(context.Context, *task.Task) (any, error) {
	return map[string]bool{"ok": true}, nil
}

type sleepArgs struct {
	Duration string `json:"duration"`
}

// sleep waits for data.duration (default 1s) or until ctx ends.
func sleep(ctx context.Context, t *task.Task) (any, error) {
	d := time.Second
	if len(t.Data) > 0 {
		var a sleepArgs
		if err := json.Unmarshal(t.Data, &a); err != nil {
			return nil, Permanent(fmt.Errorf("bad sleep payload: %w", err))
		}
		if a.Duration != "" {
			pd, err := time.ParseDuration(a.Duration)
			if err != nil {
				return nil, Permanent(fmt.Errorf("bad sleep duration: %w", err))
			}
			d = pd
		}
	}
	logx.FromContext(ctx).Debug("sleeping", logx.Duration("for", d))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return map[string]string{"slept": d.String()}, nil
	}
}

func echo(_ context.Context, t *task.Task) (any, error) {
	if len(t.Data) == 0 {
		return nil, nil
	}
	return t.Data, nil
}

type failArgs struct {
	Message string `json:"message"`
}

func fail(_ context.Context, t *task.Task) (any, error) {
	msg := "forced failure"
	if len(t.Data) > 0 {
		var a failArgs
		if err := json.Unmarshal(t.Data, &a); err == nil && a.Message != "" {
			msg = a.Message
		}
	}
	return nil, errors.New(msg)
}
