// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package initializers

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/qstarter/qstarter/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstants(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 2, 3)
	assert.Equal(t, make([]float32, 6), Zero("x", shape).Flat())
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, One("x", shape).Flat())
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}, Constant(0.5)("x", shape).Flat())
}

func TestKaimingUniform(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 8, 4, 3, 3)
	init := KaimingUniform(DefaultSeed)
	values := init("/conv/weights", shape)
	require.True(t, values.Shape().Equal(shape))
	bound := float32(1 / math.Sqrt(4*3*3))
	for _, v := range values.Flat() {
		assert.GreaterOrEqual(t, v, -bound)
		assert.Less(t, v, bound)
	}

	// Deterministic per seed and name.
	assert.True(t, values.Equal(init("/conv/weights", shape)))
	assert.False(t, values.Equal(init("/other/weights", shape)))
	assert.False(t, values.Equal(KaimingUniform(DefaultSeed+1)("/conv/weights", shape)))

	// Biases are zero.
	assert.Equal(t, []float32{0, 0, 0}, init("/b", shapes.Make(dtypes.Float32, 3)).Flat())
}
