package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleetsched/internal/task"
)

// taskMap is the in-memory index shared by the memory and file drivers.
// Callers hold the owning store's lock.
type taskMap map[string]*task.Task

func (m taskMap) get(id string) (*task.Task, error) {
	t, ok := m[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	return t.Clone(), nil
}

func (m taskMap) due(now time.Time) []*task.Task {
	out := make([]*task.Task, 0, 8)
	for _, t := range m {
		if t.Due(now) {
			out = append(out, t.Clone())
		}
	}
	sortDue(out)
	return out
}

func (m taskMap) byStatus(st task.Status) []*task.Task {
	out := make([]*task.Task, 0, 8)
	for _, t := range m {
		if st == "" || t.Status == st {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m taskMap) countActive(name string) int {
	n := 0
	for _, t := range m {
		if t.Name == name && (t.Status == task.StatusScheduled || t.Status == task.StatusRunning) {
			n++
		}
	}
	return n
}

// sortDue orders by priority rank desc, then NextRun asc, then CreatedAt asc.
func sortDue(ts []*task.Task) {
	sort.SliceStable(ts, func(i, j int) bool {
		a, b := ts[i], ts[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
		if !a.NextRun.Equal(b.NextRun) {
			return a.NextRun.Before(b.NextRun)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

type memoryStore struct {
	mu     sync.RWMutex
	tasks  taskMap
	closed bool
}

// NewMemoryStore returns an empty in-process task store.
func NewMemoryStore() task.Store {
	return &memoryStore{tasks: taskMap{}}
}

func (s *memoryStore) Get(_ context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.tasks.get(id)
}

func (s *memoryStore) Put(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *memoryStore) Due(_ context.Context, now time.Time) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.tasks.due(now), nil
}

func (s *memoryStore) ByStatus(_ context.Context, st task.Status) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.tasks.byStatus(st), nil
}

func (s *memoryStore) CountActive(_ context.Context, name string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.tasks.countActive(name), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
