// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/qstarter/qstarter/graph"
	"github.com/qstarter/qstarter/ml/context/initializers"
	"github.com/qstarter/qstarter/types/qerrors"
	"github.com/qstarter/qstarter/types/shapes"
	"github.com/qstarter/qstarter/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextScope(t *testing.T) {
	ctx := New()
	assert.Equal(t, RootScope, ctx.Scope())
	ctx2 := ctx.In("a").In("b")
	assert.Equal(t, "/a/b", ctx2.Scope())
	assert.Equal(t, RootScope, ctx.Scope(), "In() must not change the original context")
	assert.Equal(t, "/x/y", ctx.InAbsPath("/x/y").Scope())

	err := exceptions.TryCatch[error](func() { ctx.In("a/b") })
	require.Error(t, err)
	assert.True(t, qerrors.IsConfiguration(err))
	assert.Panics(t, func() { ctx.In("") })
	assert.Panics(t, func() { ctx.InAbsPath("x") })
}

func TestVariables(t *testing.T) {
	ctx := New()
	convCtx := ctx.In("block").In("conv")
	w := convCtx.VariableWithShape("weights", shapes.Make(dtypes.Float32, 4, 2, 3, 3))
	assert.Equal(t, "/block/conv/weights", w.FullName())
	assert.Equal(t, "/block/conv", w.Scope())
	assert.True(t, w.Trainable)
	assert.True(t, w.Value().Equal(initializers.KaimingUniform(initializers.DefaultSeed)(w.FullName(), w.Shape())))

	b := ctx.In("bn").WithInitializer(initializers.One).VariableWithShape("scale", shapes.Make(dtypes.Float32, 4))
	assert.Equal(t, []float32{1, 1, 1, 1}, b.Value().Flat())

	value := tensors.FromFlatDataAndDimensions([]float32{-3}, 1)
	s := ctx.In("act").VariableWithValue("scale", value)
	value.Flat()[0] = 7
	assert.Equal(t, []float32{-3}, s.Value().Flat(), "VariableWithValue copies the value")

	assert.Equal(t, 3, ctx.NumVariables())
	assert.Equal(t, 4*2*3*3+4+1, ctx.NumParameters())
	assert.Equal(t, uintptr(4*(4*2*3*3+4+1)), ctx.Memory())
	assert.Same(t, w, ctx.InspectVariable("/block/conv", "weights"))
	assert.Nil(t, ctx.InspectVariable("/block/conv", "bias"))

	var names []string
	ctx.EnumerateVariables(func(v *Variable) { names = append(names, v.FullName()) })
	assert.Equal(t, []string{"/block/conv/weights", "/bn/scale", "/act/scale"}, names)

	// Two layers can't share a scope.
	err := exceptions.TryCatch[error](func() {
		ctx.In("block").In("conv").VariableWithShape("weights", shapes.Make(dtypes.Float32, 4, 2, 3, 3))
	})
	require.Error(t, err)
	assert.True(t, qerrors.IsConfiguration(err))
	assert.Contains(t, err.Error(), "/block/conv/weights")

	assert.Panics(t, func() { s.SetValue(tensors.FromShape(shapes.Make(dtypes.Float32, 2))) })
	s.SetValue(tensors.FromFlatDataAndDimensions([]float32{2}, 1))
	assert.Equal(t, []float32{2}, s.Value().Flat())
}

type constantLoader map[string]*tensors.Tensor

func (l constantLoader) LoadVariable(_ *Context, v *Variable) (*tensors.Tensor, bool) {
	value, found := l[v.FullName()]
	return value, found
}

func TestLoader(t *testing.T) {
	ctx := New()
	ctx.SetLoader(constantLoader{
		"/a/x":   tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2),
		"/a/bad": tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2),
	})
	require.NotNil(t, ctx.Loader())
	x := ctx.In("a").VariableWithShape("x", shapes.Make(dtypes.Float32, 2))
	assert.Equal(t, []float32{1, 2}, x.Value().Flat())
	y := ctx.In("a").VariableWithValue("y", tensors.FromFlatDataAndDimensions([]float32{5}, 1))
	assert.Equal(t, []float32{5}, y.Value().Flat(), "not in the loader")

	err := exceptions.TryCatch[error](func() { ctx.In("a").VariableWithShape("bad", shapes.Make(dtypes.Float32, 3)) })
	require.Error(t, err)
	assert.True(t, qerrors.IsConfiguration(err))
}

// consumingLoader gives each value only once, and takes back restored ones.
type consumingLoader map[string]*tensors.Tensor

func (l consumingLoader) LoadVariable(_ *Context, v *Variable) (*tensors.Tensor, bool) {
	value, found := l[v.FullName()]
	delete(l, v.FullName())
	return value, found
}

func (l consumingLoader) RestoreVariable(v *Variable, value *tensors.Tensor) {
	l[v.FullName()] = value
}

func TestRemoveVariablesAfter(t *testing.T) {
	ctx := New()
	loaded := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)
	loader := consumingLoader{"/b/x": loaded}
	ctx.SetLoader(loader)
	a := ctx.In("a").VariableWithShape("x", shapes.Make(dtypes.Float32, 2))
	n := ctx.NumVariables()
	_ = ctx.In("b").VariableWithShape("x", shapes.Make(dtypes.Float32, 2))
	_ = ctx.In("b").VariableWithShape("y", shapes.Make(dtypes.Float32, 3))
	assert.Empty(t, loader)

	ctx.RemoveVariablesAfter(n)
	assert.Equal(t, 1, ctx.NumVariables())
	assert.Same(t, a, ctx.InspectVariable("/a", "x"))
	assert.Nil(t, ctx.InspectVariable("/b", "x"))
	assert.Nil(t, ctx.InspectVariable("/b", "y"))
	assert.Same(t, loaded, loader["/b/x"], "loaded value given back")
	assert.Len(t, loader, 1)

	// The names are free again, and the loaded value is used again.
	x := ctx.In("b").VariableWithShape("x", shapes.Make(dtypes.Float32, 2))
	assert.Equal(t, []float32{1, 2}, x.Value().Flat())

	// Out of range is a no-op.
	ctx.RemoveVariablesAfter(10)
	ctx.RemoveVariablesAfter(-1)
	assert.Equal(t, 2, ctx.NumVariables())
	ctx.RemoveVariablesAfter(0)
	assert.Equal(t, 0, ctx.NumVariables())
}

func TestValueGraph(t *testing.T) {
	ctx := New()
	v := ctx.In("conv").VariableWithShape("weights", shapes.Make(dtypes.Float32, 2, 1, 1, 1))
	g := graph.New("test")
	node := v.ValueGraph(g)
	assert.Equal(t, graph.NodeTypeVariable, node.Type())
	assert.Equal(t, "/conv/weights", node.VariableName())
	assert.Same(t, v.Value(), node.VariableValue())
	assert.Same(t, node, v.ValueGraph(g))
}
