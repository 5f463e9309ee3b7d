// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// UncheckedAxis can be used in CheckDims or AssertDims functions for an axis
// whose dimension doesn't matter.
const UncheckedAxis = int(-1)

// HasShape is an interface for objects that have an associated Shape.
// `tensors.Tensor`, `graph.Node`, `context.Variable` and Shape itself implement the interface.
type HasShape interface {
	Shape() Shape
}

// CheckDims checks that the shape has the given dimensions and rank. A value of -1 in
// dimensions means it can take any value and is not checked.
//
// It returns an error if the rank is different or if any of the dimensions don't match.
func (s Shape) CheckDims(dimensions ...int) error {
	if s.Rank() != len(dimensions) {
		return errors.Errorf("shape %s has incompatible rank %d (wanted %d)", s, s.Rank(), len(dimensions))
	}
	for ii, wantDim := range dimensions {
		if wantDim != UncheckedAxis && s.Dimensions[ii] != wantDim {
			return errors.Errorf("shape %s axis %d has dimension %d, wanted %d (shape wanted=%v)",
				s, ii, s.Dimensions[ii], wantDim, dimensions)
		}
	}
	return nil
}

// Check that the shape has the given dtype, dimensions and rank. A value of -1 in
// dimensions means it can take any value and is not checked.
func (s Shape) Check(dtype dtypes.DType, dimensions ...int) error {
	if dtype != s.DType {
		return errors.Errorf("shape %s has incompatible dtype %s (wanted %s)", s, s.DType, dtype)
	}
	return s.CheckDims(dimensions...)
}

// AssertDims checks that the shape has the given dimensions and rank. A value of -1 in
// dimensions means it can take any value and is not checked.
//
// It panics if it doesn't match.
func (s Shape) AssertDims(dimensions ...int) {
	if err := s.CheckDims(dimensions...); err != nil {
		exceptions.Panicf("shapes.AssertDims(%v): %v", dimensions, err)
	}
}

// AssertRank checks that the object has the given rank, and panics otherwise.
func AssertRank(shaped HasShape, rank int) {
	s := shaped.Shape()
	if s.Rank() != rank {
		exceptions.Panicf("shapes.AssertRank(%d): shape %s has rank %d", rank, s, s.Rank())
	}
}

// ConvOutputDim returns the spatial output dimension of a convolution (or pooling) window
// sliding over an input of dimension `input`, with symmetric `padding` on both edges.
//
// It returns a value <= 0 if the window doesn't fit the padded input.
func ConvOutputDim(input, kernel, stride, padding int) int {
	if stride <= 0 {
		return 0
	}
	padded := input + 2*padding
	if padded < kernel {
		return 0
	}
	return (padded-kernel)/stride + 1
}
