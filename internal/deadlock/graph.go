// Package deadlock implements the deadlock detector: a wait-for graph
// with DFS cycle detection, cycle verification, confidence scoring and
// pluggable victim-selection strategies.
package deadlock

import "time"

// LockKind loosely classifies the resource a transaction is waiting on;
// it is informational only and does not affect detection.
type LockKind string

const (
	LockShared    LockKind = "shared"
	LockExclusive LockKind = "exclusive"
	LockUpdate    LockKind = "update"
)

// waitEdge records who a transaction is waiting on and why.
type waitEdge struct {
	holder      string
	resource    string
	kind        LockKind
	requestedAt time.Time
}

// waitForGraph is the directed waiter->holder graph. Not safe for
// concurrent use on its own; Detector serializes access under graphMu.
type waitForGraph struct {
	nodes map[string]struct{}
	edges map[string]map[string]waitEdge // waiter -> holder -> edge
}

func newWaitForGraph() *waitForGraph {
	return &waitForGraph{
		nodes: make(map[string]struct{}),
		edges: make(map[string]map[string]waitEdge),
	}
}

func (g *waitForGraph) addWait(waiter, holder, resource string, kind LockKind) {
	g.nodes[waiter] = struct{}{}
	g.nodes[holder] = struct{}{}
	if g.edges[waiter] == nil {
		g.edges[waiter] = make(map[string]waitEdge)
	}
	g.edges[waiter][holder] = waitEdge{holder: holder, resource: resource, kind: kind, requestedAt: time.Now()}
}

func (g *waitForGraph) removeWait(waiter, holder string) {
	if m, ok := g.edges[waiter]; ok {
		delete(m, holder)
	}
}

func (g *waitForGraph) removeTransaction(txID string) {
	delete(g.nodes, txID)
	delete(g.edges, txID)
	for waiter, holders := range g.edges {
		delete(holders, txID)
		if len(holders) == 0 {
			delete(g.edges, waiter)
		}
	}
}

func (g *waitForGraph) hasEdge(waiter, holder string) bool {
	m, ok := g.edges[waiter]
	if !ok {
		return false
	}
	_, ok = m[holder]
	return ok
}

// detectCycles runs DFS from every unvisited node and returns every cycle
// found, each expressed as [n0, n1, ..., nk, n0] (closed path).
func (g *waitForGraph) detectCycles() [][]string {
	var cycles [][]string
	visited := make(map[string]bool)

	var dfs func(node string, path []string, onStack map[string]bool) bool
	dfs = func(node string, path []string, onStack map[string]bool) bool {
		if onStack[node] {
			start := indexOf(path, node)
			cycle := append(append([]string{}, path[start:]...), node)
			cycles = append(cycles, cycle)
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		onStack[node] = true
		path = append(path, node)

		for holder := range g.edges[node] {
			if dfs(holder, path, onStack) {
				onStack[node] = false
				return true
			}
		}
		onStack[node] = false
		return false
	}

	for node := range g.nodes {
		if !visited[node] {
			dfs(node, nil, make(map[string]bool))
		}
	}
	return cycles
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
