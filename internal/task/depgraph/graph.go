// Package depgraph tracks "task A depends on task B" edges and answers the two
// questions the scheduler asks before running anything: is the relation still
// acyclic, and has every prerequisite completed.
package depgraph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"fleetsched/internal/task"
)

// Graph is a node-local adjacency map. Edges recorded on other nodes are seen
// through the Dependencies field of persisted task records.
type Graph struct {
	mu    sync.RWMutex
	edges map[string]map[string]struct{}
}

func New() *Graph {
	return &Graph{edges: make(map[string]map[string]struct{})}
}

// AddDependency records taskID -> dependsOn. It does not check for cycles.
func (g *Graph) AddDependency(taskID, dependsOn string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addLocked(taskID, dependsOn)
}

func (g *Graph) addLocked(taskID, dependsOn string) {
	set := g.edges[taskID]
	if set == nil {
		set = make(map[string]struct{})
		g.edges[taskID] = set
	}
	set[dependsOn] = struct{}{}
}

// RemoveDependency drops one edge; empty sets are pruned.
func (g *Graph) RemoveDependency(taskID, dependsOn string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.edges[taskID]
	if set == nil {
		return
	}
	delete(set, dependsOn)
	if len(set) == 0 {
		delete(g.edges, taskID)
	}
}

// Remove drops every outgoing edge of taskID.
func (g *Graph) Remove(taskID string) {
	g.mu.Lock()
	delete(g.edges, taskID)
	g.mu.Unlock()
}

// Sync merges deps (usually from a persisted record) into the graph.
func (g *Graph) Sync(taskID string, deps []string) {
	if len(deps) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, d := range deps {
		if d != "" {
			g.addLocked(taskID, d)
		}
	}
}

// Dependencies returns the sorted set of ids taskID depends on.
func (g *Graph) Dependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.edges[taskID])
}

// Len returns the number of tasks with at least one edge.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// neighbours unions local edges with the persisted record's dependencies.
// Missing records are leaves.
func (g *Graph) neighbours(ctx context.Context, id string, lookup task.Lookup) ([]string, error) {
	out := g.Dependencies(id)
	if lookup == nil {
		return out, nil
	}
	t, err := lookup.Get(ctx, id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return out, nil
		}
		return nil, fmt.Errorf("lookup %s: %w", id, err)
	}
	if len(t.Dependencies) == 0 {
		return out, nil
	}
	seen := make(map[string]struct{}, len(out)+len(t.Dependencies))
	for _, d := range out {
		seen[d] = struct{}{}
	}
	for _, d := range t.Dependencies {
		if _, ok := seen[d]; ok || d == "" {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out, nil
}

// Validate reports whether the relation reachable from taskID is acyclic.
// It returns false as soon as the traversal reaches a task already on the
// current path.
func (g *Graph) Validate(ctx context.Context, taskID string, lookup task.Lookup) (bool, error) {
	visited := make(map[string]bool)
	onPath := make(map[string]bool)

	var visit func(id string) (bool, error)
	visit = func(id string) (bool, error) {
		if onPath[id] {
			return false, nil
		}
		if visited[id] {
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		visited[id] = true
		onPath[id] = true
		next, err := g.neighbours(ctx, id, lookup)
		if err != nil {
			return false, err
		}
		for _, n := range next {
			ok, err := visit(n)
			if err != nil || !ok {
				return ok, err
			}
		}
		onPath[id] = false
		return true, nil
	}
	return visit(taskID)
}

// AreDependenciesMet is true when taskID has no dependencies or every one of
// them resolves to a completed task. Missing dependencies are unmet.
func (g *Graph) AreDependenciesMet(ctx context.Context, taskID string, lookup task.Lookup) (bool, error) {
	deps := g.Dependencies(taskID)
	if len(deps) == 0 {
		return true, nil
	}
	for _, id := range deps {
		t, err := lookup.Get(ctx, id)
		if err != nil {
			if errors.Is(err, task.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("lookup dependency %s: %w", id, err)
		}
		if t.Status != task.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
