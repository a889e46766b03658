// Package depgraph builds the directed acyclic graph of function
// invocations needed to satisfy a configuration's top-level value
// requirements. Leaves are values assumed externally available (market
// data); every other input is the output of another node in the graph.
package depgraph

import (
	"github.com/KrisLee/OG-Platform/internal/function"
	"github.com/KrisLee/OG-Platform/internal/value"
)

// Node is one function invocation in the graph.
type Node struct {
	Function *function.Definition
	Target   value.TargetSpecification

	// Inputs are the fully-resolved specifications this invocation reads:
	// outputs of InputNodes plus market-data leaves.
	Inputs []value.Specification

	// Outputs are the specifications this invocation produces.
	Outputs []value.Specification

	// InputNodes are the graph nodes whose outputs feed this one. Inputs
	// not covered here are market-data leaves.
	InputNodes []*Node
}

// Graph is the compiled dependency graph for one calculation configuration.
type Graph struct {
	nodes    []*Node
	byOutput map[string]*Node // requirement key of each produced output

	// MarketData lists the leaf specifications the dispatcher must make
	// available before the first level runs.
	MarketData []value.Specification
}

func newGraph() *Graph {
	return &Graph{byOutput: make(map[string]*Node)}
}

// Nodes returns every node in insertion (dependency-first) order.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}

// Size returns the number of nodes.
func (g *Graph) Size() int {
	return len(g.nodes)
}

// producerOf returns the node already producing a satisfying output, if any.
func (g *Graph) producerOf(req value.Requirement) (*Node, value.Specification, bool) {
	if node, ok := g.byOutput[req.Key()]; ok {
		for _, out := range node.Outputs {
			if value.Satisfies(req, out.Requirement()) {
				return node, out, true
			}
		}
	}
	for _, node := range g.nodes {
		for _, out := range node.Outputs {
			if value.Satisfies(req, value.Requirement{ValueName: out.ValueName, Target: out.Target}) {
				return node, out, true
			}
		}
	}
	return nil, value.Specification{}, false
}

// SpecificationFor returns the specification under which a satisfying value
// will appear in the cycle cache, if the graph produces one.
func (g *Graph) SpecificationFor(req value.Requirement) (value.Specification, bool) {
	_, spec, ok := g.producerOf(req)
	return spec, ok
}

func (g *Graph) add(node *Node) {
	g.nodes = append(g.nodes, node)
	for _, out := range node.Outputs {
		g.byOutput[out.Requirement().Key()] = node
	}
}

// mark returns a checkpoint for rollback of a speculative resolution branch.
func (g *Graph) mark() int {
	return len(g.nodes)
}

// rollback removes every node added after the checkpoint.
func (g *Graph) rollback(mark int) {
	for _, node := range g.nodes[mark:] {
		for _, out := range node.Outputs {
			if g.byOutput[out.Requirement().Key()] == node {
				delete(g.byOutput, out.Requirement().Key())
			}
		}
	}
	g.nodes = g.nodes[:mark]
}

// ExecutionLevels returns the nodes grouped into topological batches: every
// node's inputs are produced by nodes in strictly earlier levels, so a
// dispatcher may run each level's nodes in parallel but must finish a level
// before dispatching the next.
func (g *Graph) ExecutionLevels() [][]*Node {
	depth := make(map[*Node]int, len(g.nodes))

	var levelOf func(n *Node) int
	levelOf = func(n *Node) int {
		if d, ok := depth[n]; ok {
			return d
		}
		d := 0
		for _, in := range n.InputNodes {
			if id := levelOf(in) + 1; id > d {
				d = id
			}
		}
		depth[n] = d
		return d
	}

	maxDepth := 0
	for _, n := range g.nodes {
		if d := levelOf(n); d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]*Node, maxDepth+1)
	for _, n := range g.nodes {
		d := depth[n]
		levels[d] = append(levels[d], n)
	}
	return levels
}
