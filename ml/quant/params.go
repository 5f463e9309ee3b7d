// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package quant

import (
	"math"
	"slices"

	"github.com/pkg/errors"
	"github.com/qstarter/qstarter/types/tensors"
	"golang.org/x/exp/constraints"
)

// Params are the resolved numeric values of a quantized tensor: its scale factor(s),
// zero-point(s) and integer representation.
type Params struct {
	Scale     []float32
	ZeroPoint []float32
	BitWidth  int
	Signed    bool
	Narrow    bool
}

// PerChannel returns whether there is more than one scale factor.
func (p Params) PerChannel() bool { return len(p.Scale) > 1 }

// Validate checks that params are a complete instance of the policy: same integer representation,
// one scale (and zero-point) per tensor or per channel as configured, and scales no smaller than
// the policy's MinScale.
func (p Policy) Validate(params Params) error {
	if !p.Resolved() {
		return errors.Errorf("policy %s is not resolved", p)
	}
	if params.BitWidth != p.bitWidth || params.Signed != p.Signed() || params.Narrow != p.Narrow() {
		return errors.Errorf("params (bit-width=%d, signed=%v, narrow=%v) don't match %s",
			params.BitWidth, params.Signed, params.Narrow, p)
	}
	if len(params.Scale) != p.NumScales() {
		return errors.Errorf("%s requires %d scale factors, got %d", p, p.NumScales(), len(params.Scale))
	}
	if len(params.ZeroPoint) != len(params.Scale) {
		return errors.Errorf("%s: %d zero-points given for %d scale factors", p, len(params.ZeroPoint), len(params.Scale))
	}
	for ii, s := range params.Scale {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) || float64(s) < p.MinScale()*(1-1e-6) {
			return errors.Errorf("%s: invalid scale factor #%d = %g", p, ii, s)
		}
	}
	return nil
}

// emptyParams returns Params with the representation of p and zeroed scales.
func (p Policy) emptyParams() Params {
	n := p.NumScales()
	return Params{
		Scale:     make([]float32, n),
		ZeroPoint: make([]float32, n),
		BitWidth:  p.bitWidth,
		Signed:    p.Signed(),
		Narrow:    p.Narrow(),
	}
}

// clampScale bounds the scale to the policy's MinScale.
func (p Policy) clampScale(scale float64) float32 {
	return float32(max(scale, p.MinScale()))
}

// InitialScale returns the scale factor that maps the configured clipping range onto the
// integer range. Only activation policies have a configured range: for weights it returns MinScale.
func (p Policy) InitialScale() float64 {
	if !p.hasRange {
		return p.MinScale()
	}
	return float64(p.clampScale(p.rng.MaxAbs() / p.MaxLevel()))
}

// ParameterFromScale converts a scale factor to the (possibly restricted) domain in which
// it is stored as a learnable parameter.
func (p Policy) ParameterFromScale(scale float64) float32 {
	if p.Restriction() == LogDomain {
		return float32(math.Log2(scale))
	}
	return float32(scale)
}

// ScaleFromParameter is the inverse of ParameterFromScale, clamped to MinScale.
func (p Policy) ScaleFromParameter(param float32) float32 {
	if p.Restriction() == LogDomain {
		return p.clampScale(math.Exp2(float64(param)))
	}
	return p.clampScale(float64(param))
}

// InitialParameter returns the initial value of the scale parameter (one value per scale factor).
func (p Policy) InitialParameter() []float32 {
	values := make([]float32, p.NumScales())
	v := p.ParameterFromScale(p.InitialScale())
	for ii := range values {
		values[ii] = v
	}
	return values
}

// ActivationParams derives the params from the learned scale parameter of an activation quantizer.
func (p Policy) ActivationParams(scaleParam *tensors.Tensor) (Params, error) {
	if !p.Resolved() {
		return Params{}, errors.Errorf("policy %s is not resolved", p)
	}
	if scaleParam.Size() != p.NumScales() {
		return Params{}, errors.Errorf("%s: scale parameter has %d values (shape %s), wanted %d",
			p, scaleParam.Size(), scaleParam.Shape(), p.NumScales())
	}
	params := p.emptyParams()
	for ii, v := range scaleParam.Flat() {
		params.Scale[ii] = p.ScaleFromParameter(v)
	}
	return params, nil
}

// WeightParams derives the params from the observed values of a weight tensor, shaped with the
// output channels as the first axis. Scales map the largest magnitude (of the whole tensor, or of
// each output channel) to the largest integer level.
func (p Policy) WeightParams(weights *tensors.Tensor) (Params, error) {
	if !p.Resolved() {
		return Params{}, errors.Errorf("policy %s is not resolved", p)
	}
	params := p.emptyParams()
	flat := weights.Flat()
	if p.Granularity() == PerTensor {
		params.Scale[0] = p.clampScale(float64(maxAbs(flat)) / p.MaxLevel())
		return params, nil
	}
	if weights.Rank() == 0 || weights.Shape().Dim(0) != p.channels {
		return Params{}, errors.Errorf("%s: weights shaped %s don't have %d output channels on axis 0",
			p, weights.Shape(), p.channels)
	}
	perChannel := len(flat) / p.channels
	for ch := range p.channels {
		params.Scale[ch] = p.clampScale(float64(maxAbs(flat[ch*perChannel:(ch+1)*perChannel])) / p.MaxLevel())
	}
	return params, nil
}

// maxAbs returns the largest magnitude of the values, or 0 for an empty slice.
func maxAbs[T constraints.Float](values []T) T {
	var m T
	for _, v := range values {
		m = max(m, v, -v)
	}
	return m
}

// Clone returns a deep copy of the params.
func (p Params) Clone() Params {
	p.Scale = slices.Clone(p.Scale)
	p.ZeroPoint = slices.Clone(p.ZeroPoint)
	return p
}
