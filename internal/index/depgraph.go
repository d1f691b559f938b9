package index

import (
	"sync"
)

// maxHops bounds dependency traversal so cyclic graphs terminate and
// blast radius stays local.
const maxHops = 3

// DepGraph is the directed service-dependency graph used for fan-in and
// blast-radius computation. An edge A -> B means A depends on B.
type DepGraph struct {
	mu sync.RWMutex
	// dependents[B] lists the services that depend on B.
	dependents map[string][]string
}

// NewDepGraph creates an empty dependency graph.
func NewDepGraph() *DepGraph {
	return &DepGraph{dependents: make(map[string][]string)}
}

// AddDependency records that from depends on to. Duplicate edges are
// ignored. Cycles are permitted; traversal is bounded.
func (g *DepGraph) AddDependency(from, to string) {
	if from == "" || to == "" || from == to {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, existing := range g.dependents[to] {
		if existing == from {
			return
		}
	}
	g.dependents[to] = append(g.dependents[to], from)
}

// FanIn returns the number of direct dependents of a service.
func (g *DepGraph) FanIn(serviceID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.dependents[serviceID])
}

// BlastRadius walks dependents breadth-first up to maxHops and returns
// a weight where each hop contributes half the previous one. A service
// nobody depends on scores 0.
func (g *DepGraph) BlastRadius(serviceID string) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[string]bool{serviceID: true}
	frontier := []string{serviceID}
	weight := 0.0
	hopWeight := 1.0

	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			for _, dep := range g.dependents[id] {
				if visited[dep] {
					continue
				}
				visited[dep] = true
				weight += hopWeight
				next = append(next, dep)
			}
		}
		frontier = next
		hopWeight /= 2
	}
	return weight
}
