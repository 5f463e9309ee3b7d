// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/qstarter/qstarter/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromShape(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float32, 2, 3))
	assert.Equal(t, 6, tensor.Size())
	assert.Equal(t, uintptr(24), tensor.Memory())
	assert.Equal(t, make([]float32, 6), tensor.Flat())
	require.Panics(t, func() { _ = FromShape(shapes.Make(dtypes.Int8, 2)) })
}

func TestBytesRoundTrip(t *testing.T) {
	values := []float32{0, -1.5, float32(math.Inf(1)), 1e-30, 3.25, float32(math.NaN())}
	tensor := FromFlatDataAndDimensions(values, 3, 2)
	restored, err := FromRaw(tensor.Shape(), tensor.Bytes())
	require.NoError(t, err)
	// NaN != NaN, but Equal compares bits.
	assert.True(t, tensor.Equal(restored))

	_, err = FromRaw(tensor.Shape(), tensor.Bytes()[:5])
	require.Error(t, err)
}

func TestCloneAndEqual(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	c := tensor.Clone()
	require.True(t, tensor.Equal(c))
	c.Flat()[0] = 7
	require.False(t, tensor.Equal(c))
	require.Equal(t, float32(1), tensor.Flat()[0])
	require.False(t, tensor.Equal(FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 4)))
	require.Panics(t, func() { _ = FromFlatDataAndDimensions([]float32{1, 2, 3}, 2, 2) })
}
