// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

// Package graph holds the symbolic computation graph traced by a forward pass of a model.
//
// No numeric computation happens here: ops only infer their output shapes and record their
// inputs and static attributes, which is what the exporter needs to serialize the model.
//
// The main elements in the package are:
//
//   - Graph: created with New, it holds the nodes in creation order, the model inputs
//     (Parameter nodes) and, once the trace is done, its outputs (see Graph.SetOutputs).
//
//   - Node: the result of an operation ("op" for short), e.g.: Quant, Conv, BatchNorm, Relu,
//     Reshape, Concat. Each node has a fixed shape known at graph building time, a Representation
//     (floating point, or quantized with a resolved policy and its params) and an owner: the
//     scope name of the layer instance that created it.
//
// ## Error Handling
//
// Like the rest of the graph building code, ops panic (using github.com/gomlx/exceptions) with an
// error that includes a stack trace, instead of returning an error at every step. Entry points of
// the library (model building, export) catch those panics and return them as errors.
package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/qstarter/qstarter/types/shapes"
	"github.com/qstarter/qstarter/types/tensors"
)

// Graph with the operations and dependencies traced from a model.
type Graph struct {
	name  string
	nodes []*Node

	parameters     []*Node
	parameterNames map[string]*Node
	outputs        []*Node

	// variables created in this graph, by their full name: a variable used more than once
	// is a single node.
	variables map[string]*Node

	// owner is the scope of the layer currently creating nodes.
	owner string
}

// NodeId is a unique id of a Node within a Graph: it's the index in creation order.
type NodeId int

// InvalidNodeId indicates a node that failed to be created.
const InvalidNodeId = NodeId(-1)

// New creates an empty Graph.
func New(name string) *Graph {
	return &Graph{
		name:           name,
		parameterNames: make(map[string]*Node),
		variables:      make(map[string]*Node),
	}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// Nodes returns all the nodes in creation order, which is also a topological order.
// The returned slice must not be modified.
func (g *Graph) Nodes() []*Node { return g.nodes }

// NumNodes returns the number of nodes created so far.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Parameters returns the input nodes of the graph, in creation order.
func (g *Graph) Parameters() []*Node { return g.parameters }

// Outputs returns the nodes set with SetOutputs.
func (g *Graph) Outputs() []*Node { return g.outputs }

// SetOutputs marks the given nodes as the outputs of the graph. It can only be called once.
func (g *Graph) SetOutputs(outputs ...*Node) {
	if len(g.outputs) > 0 {
		exceptions.Panicf("Graph %q outputs already set", g.name)
	}
	if len(outputs) == 0 {
		exceptions.Panicf("Graph %q requires at least one output", g.name)
	}
	for _, node := range outputs {
		g.AssertValidNode(node)
	}
	g.outputs = outputs
}

// Owner returns the scope of the layer currently creating nodes. The empty string is the graph root.
func (g *Graph) Owner() string { return g.owner }

// SetOwner sets the scope of the layer instance creating the next nodes, and returns the previous one,
// so it can be restored with:
//
//	defer g.SetOwner(g.SetOwner(layerScope))
func (g *Graph) SetOwner(owner string) (previous string) {
	previous, g.owner = g.owner, owner
	return
}

// AssertValidNode panics if the node is nil or doesn't belong to this graph.
func (g *Graph) AssertValidNode(node *Node) {
	if node == nil {
		exceptions.Panicf("nil Node given to Graph %q", g.name)
	}
	if node.graph != g {
		exceptions.Panicf("Node %s belongs to a different Graph than %q", node, g.name)
	}
}

// validateBuildingGraphFromInputs checks that all inputs belong to the same graph, and returns it.
func validateBuildingGraphFromInputs(inputs ...*Node) *Graph {
	if len(inputs) == 0 {
		exceptions.Panicf("no input nodes given")
	}
	var g *Graph
	for ii, node := range inputs {
		if node == nil {
			exceptions.Panicf("input #%d is nil", ii)
		}
		if g == nil {
			g = node.graph
		} else if node.graph != g {
			exceptions.Panicf("input #%d belongs to a different Graph (%q) than input #0 (%q)",
				ii, node.graph.name, g.name)
		}
	}
	return g
}

// newNode registers a new node in the graph, owned by the current owner.
func (g *Graph) newNode(inputs NodeInputs, shape shapes.Shape, repr Representation, inputNodes ...*Node) *Node {
	node := &Node{
		graph:      g,
		id:         NodeId(len(g.nodes)),
		shape:      shape,
		inputs:     inputs,
		inputNodes: inputNodes,
		repr:       repr,
		owner:      g.owner,
	}
	g.nodes = append(g.nodes, node)
	return node
}

// Parameter creates an input of the graph with the given name and shape.
// Inputs are real valued (Float): they need to be quantized before feeding a quantized layer.
func Parameter(g *Graph, name string, shape shapes.Shape) *Node {
	if name == "" {
		exceptions.Panicf("Parameter requires a name")
	}
	if _, found := g.parameterNames[name]; found {
		exceptions.Panicf("Parameter %q already exists in Graph %q", name, g.name)
	}
	if !shape.Ok() || shape.DType != dtypes.Float32 {
		exceptions.Panicf("Parameter %q: only Float32 inputs are supported, got shape %s", name, shape)
	}
	node := g.newNode(&nodeInputsParameter{name: name}, shape.Clone(), Float())
	g.parameters = append(g.parameters, node)
	g.parameterNames[name] = node
	return node
}

// Variable returns the node holding the value of the named variable. It's created only the first
// time the variable is used in the graph, and it is owned by the layer using it then.
func Variable(g *Graph, name string, value *tensors.Tensor) *Node {
	if node, found := g.variables[name]; found {
		return node
	}
	if value == nil {
		exceptions.Panicf("Variable %q has no value", name)
	}
	node := g.newNode(&nodeInputsVariable{name: name, value: value}, value.Shape(), Float())
	g.variables[name] = node
	return node
}

// String prints the graph nodes, one per line.
func (g *Graph) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Graph %q: %d nodes, %d inputs, %d outputs\n", g.name, len(g.nodes), len(g.parameters), len(g.outputs))
	for _, node := range g.nodes {
		_, _ = fmt.Fprintf(&sb, "\t%s\n", node)
	}
	return sb.String()
}
