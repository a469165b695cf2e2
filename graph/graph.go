// Package graph compiles a workflow template into an immutable dependency
// graph snapshot.
//
// The snapshot is an arena: steps live in a slice indexed by their template
// position and edges are index lists, never pointers. That keeps it
// serialisable (it is persisted with every instance) and safe to share
// read-only between goroutines.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/template"
)

// Node is one step of the compiled graph.
type Node struct {
	Index int                     `json:"index"`
	Def   template.StepDefinition `json:"def"`
}

// DAG is the compiled, acyclic dependency graph of a template version.
type DAG struct {
	Template string `json:"template"`
	Version  int    `json:"version"`
	Nodes    []Node `json:"nodes"`

	// Deps[i] lists the indices node i depends on; Dependents[i] lists the
	// indices that depend on node i. Both are in template order.
	Deps       [][]int `json:"deps"`
	Dependents [][]int `json:"dependents"`

	// Topo is a topological order: every node appears after its deps.
	Topo []int `json:"topo"`

	index map[string]int
}

// ValidationError reports a malformed or cyclic template.
type ValidationError struct {
	Template string
	Problems []string
	// Cycle holds the step ids of a detected cycle, first id repeated last.
	Cycle []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tenantflow: template %q invalid: %s", e.Template, strings.Join(e.Problems, "; "))
}

// Is makes errors.Is(err, tenantflow.ErrValidation) hold.
func (e *ValidationError) Is(target error) bool { return target == tenantflow.ErrValidation }

// DFS colours.
const (
	white = iota
	grey
	black
)

// Compile validates t and builds its DAG. Every problem found before cycle
// detection is reported at once; cycle detection only runs on an otherwise
// well-formed template.
func Compile(t *template.Template) (*DAG, error) {
	verr := &ValidationError{Template: t.Name}
	if len(t.Steps) == 0 {
		verr.Problems = append(verr.Problems, "template has no steps")
		return nil, verr
	}

	index := make(map[string]int, len(t.Steps))
	for i, s := range t.Steps {
		switch {
		case strings.TrimSpace(s.ID) == "":
			verr.Problems = append(verr.Problems, fmt.Sprintf("step %d has an empty id", i))
		case s.TaskType == "":
			verr.Problems = append(verr.Problems, fmt.Sprintf("step %q has no taskType", s.ID))
		}
		if _, dup := index[s.ID]; dup {
			verr.Problems = append(verr.Problems, fmt.Sprintf("duplicate step id %q", s.ID))
			continue
		}
		index[s.ID] = i
	}

	n := len(t.Steps)
	deps := make([][]int, n)
	dependents := make([][]int, n)
	for i, s := range t.Steps {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if dep == s.ID {
				verr.Problems = append(verr.Problems, fmt.Sprintf("step %q depends on itself", s.ID))
				continue
			}
			j, ok := index[dep]
			if !ok {
				verr.Problems = append(verr.Problems, fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep))
				continue
			}
			deps[i] = append(deps[i], j)
			dependents[j] = append(dependents[j], i)
		}
	}
	if len(verr.Problems) > 0 {
		return nil, verr
	}
	for i := range n {
		sort.Ints(deps[i])
		sort.Ints(dependents[i])
	}

	topo, cycle := topoSort(deps)
	if cycle != nil {
		ids := make([]string, len(cycle))
		for k, idx := range cycle {
			ids[k] = t.Steps[idx].ID
		}
		verr.Cycle = ids
		verr.Problems = append(verr.Problems, "dependency cycle: "+strings.Join(ids, " -> "))
		return nil, verr
	}

	nodes := make([]Node, n)
	for i, s := range t.Steps {
		def := s
		def.DependsOn = append([]string(nil), s.DependsOn...)
		def.RequiredSkillTags = append([]string(nil), s.RequiredSkillTags...)
		nodes[i] = Node{Index: i, Def: def}
	}

	return &DAG{
		Template:   t.Name,
		Version:    t.Version,
		Nodes:      nodes,
		Deps:       deps,
		Dependents: dependents,
		Topo:       topo,
		index:      index,
	}, nil
}

// topoSort runs a colouring DFS over dependency edges. Post-order emits every
// node after its deps. A grey node reached again closes a cycle, which is
// returned as a path of indices with the first index repeated at the end.
func topoSort(deps [][]int) (order, cycle []int) {
	color := make([]int, len(deps))
	stack := make([]int, 0, len(deps))
	order = make([]int, 0, len(deps))

	var visit func(int) bool
	visit = func(u int) bool {
		color[u] = grey
		stack = append(stack, u)
		for _, v := range deps[u] {
			switch color[v] {
			case grey:
				for k := len(stack) - 1; k >= 0; k-- {
					if stack[k] == v {
						cycle = append(append([]int(nil), stack[k:]...), v)
						return false
					}
				}
			case white:
				if !visit(v) {
					return false
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		order = append(order, u)
		return true
	}

	for i := range deps {
		if color[i] == white && !visit(i) {
			return nil, cycle
		}
	}
	return order, nil
}

// Len returns the number of steps.
func (g *DAG) Len() int { return len(g.Nodes) }

// Lookup returns the index of stepID.
func (g *DAG) Lookup(stepID string) (int, bool) {
	i, ok := g.index[stepID]
	return i, ok
}

// Roots returns the indices of steps without dependencies.
func (g *DAG) Roots() []int {
	var out []int
	for i, d := range g.Deps {
		if len(d) == 0 {
			out = append(out, i)
		}
	}
	return out
}

// DirectDependents returns the step ids that depend directly on stepID.
func (g *DAG) DirectDependents(stepID string) []string {
	i, ok := g.Lookup(stepID)
	if !ok {
		return nil
	}
	out := make([]string, len(g.Dependents[i]))
	for k, j := range g.Dependents[i] {
		out[k] = g.Nodes[j].Def.ID
	}
	return out
}

// Downstream returns every step id reachable from stepID through dependent
// edges, excluding stepID itself, in template order.
func (g *DAG) Downstream(stepID string) []string {
	start, ok := g.Lookup(stepID)
	if !ok {
		return nil
	}
	seen := make([]bool, len(g.Nodes))
	queue := []int{start}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, v := range g.Dependents[u] {
			if !seen[v] {
				seen[v] = true
				queue = append(queue, v)
			}
		}
	}
	var out []string
	for i, s := range seen {
		if s {
			out = append(out, g.Nodes[i].Def.ID)
		}
	}
	return out
}

// UnmarshalJSON restores the DAG and rebuilds its id index.
func (g *DAG) UnmarshalJSON(data []byte) error {
	type plain DAG
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*g = DAG(p)
	g.index = make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		g.index[n.Def.ID] = i
	}
	return nil
}
