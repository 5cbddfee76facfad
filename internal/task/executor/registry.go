// Package executor maps task names to the code that runs them.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"fleetsched/internal/task"
	"fleetsched/pkg/logx"
)

// Executor runs one task. The returned value is marshalled to JSON and stored
// as the task result.
type Executor interface {
	Execute(ctx context.Context, t *task.Task) (any, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, t *task.Task) (any, error)

func (f Func) Execute(ctx context.Context, t *task.Task) (any, error) { return f(ctx, t) }

// Permanent marks an executor error as final: a recurring task that fails
// with it is not rescheduled.
//
//	return nil, executor.Permanent(fmt.Errorf("bad payload: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// Registry is safe for concurrent use; executors may be registered while the
// scheduler is running.
type Registry struct {
	mu  sync.RWMutex
	m   map[string]Executor
	log logx.Logger
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{m: make(map[string]Executor), log: log.With(logx.String("comp", "executor"))}
}

// Register binds name to ex, replacing any previous binding.
func (r *Registry) Register(name string, ex Executor) {
	name = strings.TrimSpace(name)
	if name == "" || ex == nil {
		return
	}
	r.mu.Lock()
	_, replaced := r.m[name]
	r.m[name] = ex
	r.mu.Unlock()
	if replaced {
		r.log.Warn("executor replaced", logx.String("name", name))
	}
}

func (r *Registry) RegisterFunc(name string, fn func(ctx context.Context, t *task.Task) (any, error)) {
	r.Register(name, Func(fn))
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.m[name]
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Execute runs the executor registered for t.Name. A panic inside the
// executor is returned as an error.
func (r *Registry) Execute(ctx context.Context, t *task.Task) (result json.RawMessage, err error) {
	r.mu.RLock()
	ex, ok := r.m[t.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for %q", task.ErrNoExecutor, t.Name)
	}

	var out any
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
				r.log.Error("executor panic",
					logx.String("task", t.Name), logx.String("id", t.ID),
					logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			}
		}()
		out, err = ex.Execute(ctx, t)
	}()
	if err != nil {
		return nil, err
	}
	return marshalResult(out)
}

func marshalResult(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(x) == 0 {
			return nil, nil
		}
		if !json.Valid(x) {
			return nil, fmt.Errorf("executor returned invalid JSON")
		}
		return x, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return b, nil
}
