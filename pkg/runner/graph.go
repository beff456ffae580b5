package runner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/maestro/pkg/planner"
)

// node is one package plus its scheduling state. Indegree counts unmet
// dependencies; dependents are decremented as this node reaches a terminal
// state.
type node struct {
	pkg        planner.AtomicWorkPackage
	indegree   int
	dependents []string
	scheduled  bool
}

// buildGraph indexes packages into an adjacency structure. Duplicate ids and
// references to unknown packages are caller errors.
func buildGraph(packages []planner.AtomicWorkPackage) (map[string]*node, error) {
	nodes := make(map[string]*node, len(packages))
	for _, pkg := range packages {
		if pkg.ID == "" {
			return nil, fmt.Errorf("graph: package with empty id")
		}
		if _, exists := nodes[pkg.ID]; exists {
			return nil, fmt.Errorf("graph: duplicate package id %q", pkg.ID)
		}
		nodes[pkg.ID] = &node{pkg: pkg}
	}
	for _, pkg := range packages {
		for _, dep := range pkg.Dependencies {
			parent, ok := nodes[dep]
			if !ok {
				return nil, fmt.Errorf("graph: package %q depends on unknown %q", pkg.ID, dep)
			}
			parent.dependents = append(parent.dependents, pkg.ID)
			nodes[pkg.ID].indegree++
		}
	}
	if cyclic := findCycleMembers(nodes); len(cyclic) > 0 {
		return nil, fmt.Errorf("graph: dependency cycle involving %s", strings.Join(cyclic, ", "))
	}
	return nodes, nil
}

// findCycleMembers runs Kahn's algorithm over a copy of the in-degree map
// and returns the ids left unresolved, sorted. The coordinator waits on
// completed packages, so a cycle that slipped through would never schedule
// and never finish.
func findCycleMembers(nodes map[string]*node) []string {
	indegree := make(map[string]int, len(nodes))
	queue := make([]string, 0, len(nodes))
	for id, n := range nodes {
		indegree[id] = n.indegree
		if n.indegree == 0 {
			queue = append(queue, id)
		}
	}

	resolved := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		resolved++
		for _, dependent := range nodes[id].dependents {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if resolved == len(nodes) {
		return nil
	}

	var cyclic []string
	for id, deg := range indegree {
		if deg > 0 {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	return cyclic
}
