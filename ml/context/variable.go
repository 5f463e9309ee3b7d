// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	"github.com/qstarter/qstarter/graph"
	"github.com/qstarter/qstarter/types/shapes"
	"github.com/qstarter/qstarter/types/tensors"
)

// Variable holds the value of a learnable parameter of a model. It's defined in a scope in a Context.
//
// The value can be accessed with Value and SetValue. While tracing a graph, ValueGraph returns the
// node holding the value for that graph.
type Variable struct {
	name, scope string

	// Trainable indicates whether variable is trainable. Running statistics of normalization layers
	// are not.
	Trainable bool

	shape shapes.Shape
	value *tensors.Tensor

	// loaded is set if the value was provided by the Context's Loader.
	loaded bool
}

// Name of the variable within the scope.
func (v *Variable) Name() string {
	v.AssertValid()
	return v.name
}

// Scope where the variable was created.
func (v *Variable) Scope() string {
	v.AssertValid()
	return v.scope
}

// FullName is the scope and the name of the variable, e.g. "/stage1/init_block/conv/weights".
// It's the key of the variable in checkpoints and the name of its initializer in the exported graph.
func (v *Variable) FullName() string {
	v.AssertValid()
	return JoinScope(v.scope, v.name)
}

// String implements stringer.
func (v *Variable) String() string {
	if v == nil || !v.shape.Ok() {
		return "INVALID (NIL) VARIABLE"
	}
	return fmt.Sprintf("%s %s", v.FullName(), v.shape)
}

// AssertValid panics if the variable is in an invalid state: if it's nil or it's shape is not yet set.
func (v *Variable) AssertValid() {
	if v == nil {
		Panicf("context.Variable is nil")
	}
	if !v.shape.Ok() {
		Panicf("context.Variable has no shape")
	}
}

// Shape returns the variable shape.
func (v *Variable) Shape() shapes.Shape {
	if v == nil {
		return shapes.Shape{}
	}
	return v.shape
}

// Value returns the current value of the variable. It must not be modified in place: use SetValue.
func (v *Variable) Value() *tensors.Tensor {
	v.AssertValid()
	return v.value
}

// SetValue replaces the value of the variable. The shape can't change.
func (v *Variable) SetValue(value *tensors.Tensor) {
	v.AssertValid()
	if value == nil {
		Panicf("variable %q: SetValue(nil) not allowed", v.FullName())
	}
	if !value.Shape().Equal(v.shape) {
		Panicf("variable %q is shaped %s, cannot set value shaped %s", v.FullName(), v.shape, value.Shape())
	}
	v.value = value
}

// ValueGraph returns the Node of the Graph that holds the current value of the variable.
// It is created in the graph the first time it's used, owned by the layer using it.
func (v *Variable) ValueGraph(g *graph.Graph) *graph.Node {
	v.AssertValid()
	return graph.Variable(g, v.FullName(), v.value)
}
