// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package onnx

import (
	"github.com/qstarter/qstarter/graph"
	"github.com/qstarter/qstarter/pkg/support/sets"
	"github.com/qstarter/qstarter/types/qerrors"
)

// partitionGraph groups the nodes of a traced graph by their owning layer instance: each partition
// is a vertex, and there is an edge from a partition to another if a node of the second consumes the
// output of a node of the first. Edges within a partition are ignored.
//
// Partitions are indexed in order of first appearance in the graph, and edges are kept in the order
// they are first found.
type partitionGraph struct {
	owners []string
	index  map[string]int
	edges  [][2]int
	adj    [][]int
}

func newPartitionGraph(g *graph.Graph) *partitionGraph {
	pg := &partitionGraph{index: make(map[string]int)}
	seen := sets.Make[[2]int]()
	for _, node := range g.Nodes() {
		to := pg.partition(node.Owner())
		for _, input := range node.Inputs() {
			from := pg.partition(input.Owner())
			edge := [2]int{from, to}
			if from == to || seen.Has(edge) {
				continue
			}
			seen.Insert(edge)
			pg.edges = append(pg.edges, edge)
			pg.adj[from] = append(pg.adj[from], to)
		}
	}
	return pg
}

func (pg *partitionGraph) partition(owner string) int {
	if idx, found := pg.index[owner]; found {
		return idx
	}
	idx := len(pg.owners)
	pg.index[owner] = idx
	pg.owners = append(pg.owners, owner)
	pg.adj = append(pg.adj, nil)
	return idx
}

// stronglyConnected returns the strongly connected components with Tarjan's algorithm: a vertex
// belongs to a cycle if its component has more than one member (partition graphs have no self-loops).
// Components are returned as a mapping from vertex to component id.
func (pg *partitionGraph) stronglyConnected() (component []int, sizes []int) {
	n := len(pg.owners)
	var (
		counter int
		stack   []int
		indices = make([]int, n)
		lowlink = make([]int, n)
		onStack = make([]bool, n)
	)
	component = make([]int, n)
	for ii := range indices {
		indices[ii] = -1
	}

	var strongConnect func(v int)
	strongConnect = func(v int) {
		indices[v], lowlink[v] = counter, counter
		counter++
		stack = append(stack, v)
		onStack[v] = true
		for _, w := range pg.adj[v] {
			if indices[w] < 0 {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}
		if lowlink[v] != indices[v] {
			return
		}
		id, size := len(sizes), 0
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			component[w] = id
			size++
			if w == v {
				break
			}
		}
		sizes = append(sizes, size)
	}
	for v := range n {
		if indices[v] < 0 {
			strongConnect(v)
		}
	}
	return
}

// checkAcyclic returns a *qerrors.ExportError if the partitions have a dependency cycle. The edge
// reported is the first one found, in graph order, that closes a cycle: it goes back to a partition
// that appeared earlier in the graph.
func checkAcyclic(g *graph.Graph) error {
	pg := newPartitionGraph(g)
	component, sizes := pg.stronglyConnected()
	for _, edge := range pg.edges {
		from, to := edge[0], edge[1]
		if component[from] != component[to] || sizes[component[from]] < 2 || from < to {
			continue
		}
		var members []string
		for v, c := range component {
			if c == component[from] {
				members = append(members, pg.owners[v])
			}
		}
		err := qerrors.Exportf("dependency cycle between %d layer instances %q: a layer instance is "+
			"probably reused across branches", len(members), members)
		err.(*qerrors.ExportError).Edge = &[2]string{pg.owners[from], pg.owners[to]}
		return err
	}
	return nil
}
