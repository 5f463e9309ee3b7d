// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/qstarter/qstarter/types/shapes"
)

// Node is the result of one operation in the Graph.
type Node struct {
	graph *Graph
	shape shapes.Shape
	id    NodeId // id within graph.

	// inputNodes are the edges of the computation graph.
	// Static attributes of the op are kept in inputs.
	inputNodes []*Node
	inputs     NodeInputs

	repr  Representation
	owner string
}

// NodeType identifies the operation performed by the node.
type NodeType int

const (
	NodeTypeInvalid NodeType = iota
	NodeTypeParameter
	NodeTypeVariable
	NodeTypeQuant
	NodeTypeConv
	NodeTypeBatchNorm
	NodeTypeRelu
	NodeTypeAveragePool
	NodeTypeReshape
	NodeTypeConcat
	NodeTypeCustom
)

var nodeTypeNames = map[NodeType]string{
	NodeTypeInvalid:     "Invalid",
	NodeTypeParameter:   "Parameter",
	NodeTypeVariable:    "Variable",
	NodeTypeQuant:       "Quant",
	NodeTypeConv:        "Conv",
	NodeTypeBatchNorm:   "BatchNorm",
	NodeTypeRelu:        "Relu",
	NodeTypeAveragePool: "AveragePool",
	NodeTypeReshape:     "Reshape",
	NodeTypeConcat:      "Concat",
	NodeTypeCustom:      "Custom",
}

// String implements fmt.Stringer.
func (t NodeType) String() string {
	if name, found := nodeTypeNames[t]; found {
		return name
	}
	return fmt.Sprintf("NodeType(%d)", int(t))
}

// NodeInputs holds the static attributes of a node. The common interface is to return the type of the node.
type NodeInputs interface {
	Type() NodeType

	// String prints a descriptive representation of the node, using its parameters.
	String() string
}

// Type identify the operation performed by the node.
func (n *Node) Type() NodeType {
	if n == nil || n.inputs == nil {
		return NodeTypeInvalid
	}
	return n.inputs.Type()
}

// Graph that holds this Node.
func (n *Node) Graph() *Graph {
	if n == nil {
		return nil
	}
	return n.graph
}

// Shape of the Node's output.
func (n *Node) Shape() shapes.Shape {
	if n == nil {
		return shapes.Shape{}
	}
	return n.shape
}

// DType returns the DType of the node's shape.
func (n *Node) DType() dtypes.DType {
	return n.shape.DType
}

// Rank returns the rank of the node's shape.
func (n *Node) Rank() int {
	return n.shape.Rank()
}

// Id is the unique id of this node within the Graph.
func (n *Node) Id() NodeId {
	if n == nil {
		return InvalidNodeId
	}
	return n.id
}

// Inputs are the other nodes that are direct inputs to the node.
func (n *Node) Inputs() []*Node { return n.inputNodes }

// Representation of the values of the node: floating point or quantized.
func (n *Node) Representation() Representation { return n.repr }

// Owner is the scope of the layer instance that created the node, "" for nodes created at the graph root.
func (n *Node) Owner() string { return n.owner }

// AssertValid panics if n is nil or was not created by a Graph.
func (n *Node) AssertValid() {
	if n == nil {
		exceptions.Panicf("Node is nil")
	}
	if n.graph == nil || n.inputs == nil {
		exceptions.Panicf("Node is invalid or was not created by a Graph")
	}
}

// assertType panics if the node is not of the given type.
func (n *Node) assertType(t NodeType) {
	n.AssertValid()
	if n.Type() != t {
		exceptions.Panicf("node %s is not a %s node", n.Type(), t)
	}
}

// ParameterName returns the name of the graph input.
// It panics if node is not a parameter.
func (n *Node) ParameterName() string {
	n.assertType(NodeTypeParameter)
	return n.inputs.(*nodeInputsParameter).name
}

// String implements fmt.Stringer.
func (n *Node) String() (str string) {
	if n == nil {
		return "Node(nil)"
	}
	if n.Type() == NodeTypeInvalid {
		str = "Invalid(?)"
	} else {
		str = n.inputs.String()
	}
	parts := []string{fmt.Sprintf("#%d %s", n.id, str)}
	if len(n.inputNodes) > 0 {
		ids := make([]string, len(n.inputNodes))
		for ii, input := range n.inputNodes {
			ids[ii] = fmt.Sprintf("#%d", input.id)
		}
		parts = append(parts, fmt.Sprintf("(%s)", strings.Join(ids, ", ")))
	}
	parts = append(parts, "->", n.shape.String(), n.repr.String())
	if n.owner != "" {
		parts = append(parts, fmt.Sprintf("[%s]", n.owner))
	}
	return strings.Join(parts, " ")
}
