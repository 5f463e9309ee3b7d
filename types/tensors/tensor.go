// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a host-only `Tensor`, used to hold model parameters (weights, normalization
// statistics and learned quantization scales).
//
// Tensors are stored as a flat slice of the underlying DType, in row-major order. Only dtypes.Float32
// storage is supported, which is what every parameter of the quantized models in this module uses:
// quantized integer values are never materialized, only their scales and bit-widths.
//
// Ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//   - FromFlatDataAndDimensions(data []float32, dimensions ...int): creates a Tensor with the
//     given dimensions, and set the flattened values with the given data.
//   - FromRaw(shape shapes.Shape, raw []byte): decodes little-endian raw bytes, as written by Tensor.Bytes.
package tensors

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/qstarter/qstarter/types/shapes"
)

// Tensor is a multidimensional array, defined by its shape and its content stored as a flat (1D) slice.
type Tensor struct {
	shape shapes.Shape
	flat  []float32
}

// checkSupported panics if the dtype can't be stored by a Tensor.
func checkSupported(shape shapes.Shape) {
	if shape.DType != dtypes.Float32 {
		exceptions.Panicf("tensors: only Float32 tensors are supported, got shape %s", shape)
	}
}

// FromShape returns a zero-initialized Tensor with the given shape.
func FromShape(shape shapes.Shape) *Tensor {
	checkSupported(shape)
	return &Tensor{shape: shape.Clone(), flat: make([]float32, shape.Size())}
}

// FromFlatDataAndDimensions creates a Tensor with the given dimensions, and sets the flattened values with the
// given data. The data is copied.
func FromFlatDataAndDimensions(data []float32, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.Float32, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: %d values given for shape %s (size %d)",
			len(data), shape, shape.Size())
	}
	return &Tensor{shape: shape, flat: slices.Clone(data)}
}

// FromRaw decodes the raw little-endian bytes (as returned by Tensor.Bytes) into a new Tensor.
func FromRaw(shape shapes.Shape, raw []byte) (*Tensor, error) {
	if shape.DType != dtypes.Float32 {
		return nil, errors.Errorf("tensors.FromRaw: unsupported dtype in shape %s", shape)
	}
	want := int(shape.Memory())
	if len(raw) != want {
		return nil, errors.Errorf("tensors.FromRaw: %d bytes given for shape %s, wanted %d", len(raw), shape, want)
	}
	t := FromShape(shape)
	for ii := range t.flat {
		t.flat[ii] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*ii:]))
	}
	return t, nil
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements of the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor. An alias to Tensor.Shape().Memory().
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Flat returns the underlying flat storage. Changes to the returned slice change the tensor.
func (t *Tensor) Flat() []float32 { return t.flat }

// Bytes returns a little-endian copy of the tensor contents.
func (t *Tensor) Bytes() []byte {
	raw := make([]byte, 4*len(t.flat))
	for ii, v := range t.flat {
		binary.LittleEndian.PutUint32(raw[4*ii:], math.Float32bits(v))
	}
	return raw
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), flat: slices.Clone(t.flat)}
}

// Equal returns whether both tensors have the same shape and bit-identical contents.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	for ii, v := range t.flat {
		if math.Float32bits(v) != math.Float32bits(other.flat[ii]) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer. Only the first few values are printed.
func (t *Tensor) String() string {
	const maxToPrint = 5
	if len(t.flat) <= maxToPrint {
		return fmt.Sprintf("%s%v", t.shape, t.flat)
	}
	return fmt.Sprintf("%s%v...", t.shape, t.flat[:maxToPrint])
}
