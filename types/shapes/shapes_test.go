// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	. "github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Len(t, shape0.Dimensions, 0)
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))
	require.Equal(t, "(Float32)[4 3 2]", shape1.String())

	require.Panics(t, func() { _ = Make(Float32, 2, 0) })
}

func TestDim(t *testing.T) {
	shape := Make(Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 2, shape.Dim(2))
	require.Equal(t, 4, shape.Dim(-3))
	require.Equal(t, 2, shape.Dim(-1))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestEqualAndClone(t *testing.T) {
	s := Make(Float32, 1, 8, 160, 160)
	c := s.Clone()
	require.True(t, s.Equal(c))
	c.Dimensions[1] = 16
	require.False(t, s.Equal(c))
	require.Equal(t, 8, s.Dim(1), "Clone must not share dimensions")
	require.False(t, s.Equal(Make(Float64, 1, 8, 160, 160)))
	require.True(t, s.EqualDimensions(Make(Float64, 1, 8, 160, 160)))
}

func TestCheckDims(t *testing.T) {
	s := Make(Float32, 2, 32, 40, 40)
	require.NoError(t, s.CheckDims(2, 32, -1, -1))
	require.Error(t, s.CheckDims(2, 16, -1, -1))
	require.Error(t, s.CheckDims(2, 32, 40))
	require.Error(t, s.Check(Int8, 2, 32, 40, 40))
	require.Panics(t, func() { s.AssertDims(1, 32, 40, 40) })
	require.NotPanics(t, func() { AssertRank(s, 4) })
	require.Panics(t, func() { AssertRank(s, 3) })
}

func TestConvOutputDim(t *testing.T) {
	require.Equal(t, 160, ConvOutputDim(320, 3, 2, 1))
	require.Equal(t, 160, ConvOutputDim(160, 3, 1, 1))
	require.Equal(t, 160, ConvOutputDim(160, 1, 1, 0))
	require.Equal(t, 5, ConvOutputDim(10, 3, 2, 1))
	require.Equal(t, 0, ConvOutputDim(2, 5, 1, 0))
	require.Equal(t, 0, ConvOutputDim(10, 3, 0, 1))
}
