// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

// Package initializers include several weight initializers, to be used with context.
// They implement the VariableInitializer type.
//
// Random initializers are deterministic: the values of a variable only depend on the seed
// and on the variable's full name, not on the order in which variables are created.
package initializers

import (
	"hash/fnv"
	"math"
	"math/rand/v2"

	"github.com/qstarter/qstarter/types/shapes"
	"github.com/qstarter/qstarter/types/tensors"
)

// VariableInitializer returns the initial value of the variable with the given full name and shape.
type VariableInitializer func(name string, shape shapes.Shape) *tensors.Tensor

// DefaultSeed used by the default context initializer.
const DefaultSeed = 42

// Zero initializes variables with zero.
func Zero(_ string, shape shapes.Shape) *tensors.Tensor {
	return tensors.FromShape(shape)
}

// One initializes variables with one.
func One(name string, shape shapes.Shape) *tensors.Tensor {
	return Constant(1)(name, shape)
}

// Constant returns an initializer that fills variables with value.
func Constant(value float32) VariableInitializer {
	return func(_ string, shape shapes.Shape) *tensors.Tensor {
		t := tensors.FromShape(shape)
		flat := t.Flat()
		for ii := range flat {
			flat[ii] = value
		}
		return t
	}
}

// computeFanIn of a variable: for convolution kernels shaped [outChannels, inChannels/groups, height, width]
// it is the number of inputs contributing to each output.
func computeFanIn(shape shapes.Shape) int {
	if shape.Rank() <= 1 {
		return 1
	}
	fanIn := 1
	for _, dim := range shape.Dimensions[1:] {
		fanIn *= dim
	}
	return fanIn
}

// newRNG returns a random number generator specific to the seed and variable name.
func newRNG(seed uint64, name string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return rand.New(rand.NewPCG(seed, h.Sum64()))
}

// RandomUniform returns an initializer that samples uniformly from [minValue, maxValue).
func RandomUniform(seed uint64, minValue, maxValue float64) VariableInitializer {
	return func(name string, shape shapes.Shape) *tensors.Tensor {
		rng := newRNG(seed, name)
		t := tensors.FromShape(shape)
		flat := t.Flat()
		for ii := range flat {
			flat[ii] = float32(minValue + rng.Float64()*(maxValue-minValue))
		}
		return t
	}
}

// KaimingUniform returns an initializer that samples uniformly from [-bound, bound), with
// bound = 1/sqrt(fanIn), the default used for convolution kernels. Variables of rank <= 1 are
// initialized with zero.
func KaimingUniform(seed uint64) VariableInitializer {
	return func(name string, shape shapes.Shape) *tensors.Tensor {
		if shape.Rank() <= 1 {
			return Zero(name, shape)
		}
		bound := 1.0 / math.Sqrt(float64(computeFanIn(shape)))
		return RandomUniform(seed, -bound, bound)(name, shape)
	}
}
