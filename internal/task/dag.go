package task

import (
	"sort"

	"github.com/cuenv/cuenv/pkg/cueerrors"
)

// DAG is a directed graph over Definitions with edges from a task to its
// dependencies.
type DAG struct {
	nodes map[string]*Definition
}

// Build collects the transitive closure over names' dependencies via
// breadth-first traversal, producing a subgraph containing exactly the
// tasks needed, and rejects cycles.
func Build(all map[string]*Definition, names []string) (*DAG, error) {
	nodes := make(map[string]*Definition)
	queue := append([]string(nil), names...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, seen := nodes[name]; seen {
			continue
		}
		def, ok := all[name]
		if !ok {
			return nil, cueerrors.New(cueerrors.CodeInvalidKey, "requested task not found").
				WithComponent("task").WithOperation("build_dag").WithDetail("task", name)
		}
		nodes[name] = def
		queue = append(queue, def.Dependencies...)
	}

	d := &DAG{nodes: nodes}
	if cycle := d.findCycle(); cycle != "" {
		return nil, cueerrors.New(cueerrors.CodeInvalidKey, "task dependency graph contains a cycle").
			WithComponent("task").WithOperation("build_dag").WithDetail("task", cycle)
	}
	return d, nil
}

// findCycle runs depth-first search with a recursion stack over every
// node, returning the name of a task on the first cycle found, or "" if
// the graph is acyclic.
func (d *DAG) findCycle() string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(d.nodes))

	names := d.sortedNames()
	var visit func(name string) string
	visit = func(name string) string {
		state[name] = visiting
		for _, dep := range d.nodes[name].Dependencies {
			switch state[dep] {
			case visiting:
				return dep
			case unvisited:
				if _, ok := d.nodes[dep]; !ok {
					continue
				}
				if cyc := visit(dep); cyc != "" {
					return cyc
				}
			}
		}
		state[name] = done
		return ""
	}

	for _, name := range names {
		if state[name] == unvisited {
			if cyc := visit(name); cyc != "" {
				return cyc
			}
		}
	}
	return ""
}

func (d *DAG) sortedNames() []string {
	names := make([]string, 0, len(d.nodes))
	for n := range d.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Levels returns the DAG's topological layering: repeatedly takes the set
// of nodes whose dependencies are all already emitted, so each level
// depends only on earlier levels. Order within a level is unspecified
// here; the executor runs each level concurrently.
func (d *DAG) Levels() [][]*Definition {
	remaining := make(map[string]*Definition, len(d.nodes))
	for name, def := range d.nodes {
		remaining[name] = def
	}

	var levels [][]*Definition
	for len(remaining) > 0 {
		var ready []string
		for name, def := range remaining {
			allResolved := true
			for _, dep := range def.Dependencies {
				if _, stillRemaining := remaining[dep]; stillRemaining {
					allResolved = false
					break
				}
			}
			if allResolved {
				ready = append(ready, name)
			}
		}
		sort.Strings(ready)

		level := make([]*Definition, 0, len(ready))
		for _, name := range ready {
			level = append(level, remaining[name])
			delete(remaining, name)
		}
		levels = append(levels, level)
	}
	return levels
}

// Nodes returns every Definition in the DAG.
func (d *DAG) Nodes() map[string]*Definition {
	return d.nodes
}

// Dependents returns the names of tasks in the DAG that directly depend on
// name, i.e. the reverse edges of Definition.Dependencies.
func (d *DAG) Dependents(name string) []string {
	var dependents []string
	for _, candidate := range d.sortedNames() {
		for _, dep := range d.nodes[candidate].Dependencies {
			if dep == name {
				dependents = append(dependents, candidate)
				break
			}
		}
	}
	return dependents
}

// Roots returns the names of tasks in the DAG with no dependencies, i.e.
// the nodes execution can start from.
func (d *DAG) Roots() []string {
	var roots []string
	for _, name := range d.sortedNames() {
		if len(d.nodes[name].Dependencies) == 0 {
			roots = append(roots, name)
		}
	}
	return roots
}
