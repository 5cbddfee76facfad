package depgraph

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"fleetsched/internal/task"
)

type mapLookup map[string]*task.Task

func (m mapLookup) Get(_ context.Context, id string) (*task.Task, error) {
	t, ok := m[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	return t, nil
}

func TestAddRemove(t *testing.T) {
	t.Parallel()
	g := New()
	g.AddDependency("a", "c")
	g.AddDependency("a", "b")
	g.AddDependency("a", "b")

	if diff := cmp.Diff([]string{"b", "c"}, g.Dependencies("a")); diff != "" {
		t.Fatalf("Dependencies mismatch (-want +got):\n%s", diff)
	}

	g.RemoveDependency("a", "b")
	g.RemoveDependency("a", "c")
	if got := g.Dependencies("a"); len(got) != 0 {
		t.Fatalf("expected no deps, got %v", got)
	}
	if g.Len() != 0 {
		t.Fatalf("empty set not pruned, Len=%d", g.Len())
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name  string
		edges [][2]string
		start string
		want  bool
	}{
		{name: "no edges", start: "a", want: true},
		{name: "chain", edges: [][2]string{{"a", "b"}, {"b", "c"}}, start: "a", want: true},
		{name: "diamond", edges: [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}}, start: "a", want: true},
		{name: "self loop", edges: [][2]string{{"a", "a"}}, start: "a", want: false},
		{name: "two cycle", edges: [][2]string{{"a", "b"}, {"b", "a"}}, start: "a", want: false},
		{name: "deep cycle", edges: [][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}, {"d", "b"}}, start: "a", want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := New()
			for _, e := range tt.edges {
				g.AddDependency(e[0], e[1])
			}
			got, err := g.Validate(ctx, tt.start, nil)
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Validate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateFollowsPersistedEdges(t *testing.T) {
	t.Parallel()
	// b -> a was recorded by another node and only exists in the store.
	lookup := mapLookup{
		"a": {ID: "a"},
		"b": {ID: "b", Dependencies: []string{"a"}},
	}
	g := New()
	g.AddDependency("a", "b")

	ok, err := g.Validate(context.Background(), "a", lookup)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected cycle through persisted edge")
	}
}

func TestAreDependenciesMet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	lookup := mapLookup{
		"done":    {ID: "done", Status: task.StatusCompleted},
		"pending": {ID: "pending", Status: task.StatusScheduled},
		"failed":  {ID: "failed", Status: task.StatusFailed},
	}

	tests := []struct {
		name string
		deps []string
		want bool
	}{
		{name: "none", want: true},
		{name: "completed", deps: []string{"done"}, want: true},
		{name: "scheduled", deps: []string{"done", "pending"}, want: false},
		{name: "failed", deps: []string{"failed"}, want: false},
		{name: "missing", deps: []string{"ghost"}, want: false},
	}
	for _, tt := range tests {
		g := New()
		g.Sync("x", tt.deps)
		got, err := g.AreDependenciesMet(ctx, "x", lookup)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got != tt.want {
			t.Fatalf("%s: AreDependenciesMet = %v, want %v", tt.name, got, tt.want)
		}
	}
}
