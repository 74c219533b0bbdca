package dag

import (
	"sort"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"
)

// TopologicalSort computes a dependency-respecting execution order for tasks
// using Kahn's algorithm. Ties are broken by lexical task ID so the order is
// reproducible across runs. Returns a CycleDetectedError naming the back-edge
// path if the graph is not acyclic.
func TopologicalSort(tasks map[string]*model.Task) ([]string, error) {
	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for id := range tasks {
		inDegree[id] = 0
	}
	for id, t := range tasks {
		inDegree[id] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(tasks))
	for len(ready) > 0 {
		sort.Strings(ready)
		curr := ready[0]
		ready = ready[1:]
		order = append(order, curr)

		next := dependents[curr]
		sort.Strings(next)
		for _, dep := range next {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(tasks) {
		path, found := findCycle(tasks)
		if found {
			return nil, &CycleDetectedError{Path: path}
		}
		return nil, &CycleDetectedError{Path: nil}
	}
	return order, nil
}

// findCycle performs a depth-first walk over the dependency graph, reporting
// the path from the first revisited node back to itself.
func findCycle(tasks map[string]*model.Task) ([]string, bool) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(tasks))
	var stack []string

	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string) ([]string, bool)
	visit = func(id string) ([]string, bool) {
		state[id] = visiting
		stack = append(stack, id)

		deps := append([]string(nil), tasks[id].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch state[dep] {
			case visiting:
				// found the back edge; slice the stack from dep's position
				for i, s := range stack {
					if s == dep {
						cycle := append([]string(nil), stack[i:]...)
						cycle = append(cycle, dep)
						return cycle, true
					}
				}
			case unvisited:
				if path, found := visit(dep); found {
					return path, true
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		return nil, false
	}

	for _, id := range ids {
		if state[id] == unvisited {
			if path, found := visit(id); found {
				return path, true
			}
		}
	}
	return nil, false
}
