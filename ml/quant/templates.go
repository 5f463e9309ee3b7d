// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package quant

// DefaultMinScale is the lower bound used by all predefined templates for scale factors.
const DefaultMinScale = 2e-16

// Template describes a family of quantizers: everything but the bit-width, which each layer
// must provide (see Resolve).
type Template struct {
	Name        string
	Kind        Kind
	Signed      bool
	Narrow      bool
	Granularity Granularity
	Restriction Restriction
	MinScale    float64

	// Range is the clipping range of activations. Weights have no configured range, their
	// scale comes from the observed values.
	Range *Range
}

// Predefined templates shared by every layer of the models. Each call returns a new copy, so a
// caller changing its template (e.g. its Range) doesn't affect any other user.

// IntWeightPerTensor returns the template of signed, narrow-range weights with a single scale factor.
func IntWeightPerTensor() Template {
	return Template{
		Name:        "int_weight_per_tensor",
		Kind:        Weight,
		Signed:      true,
		Narrow:      true,
		Granularity: PerTensor,
		Restriction: Unrestricted,
		MinScale:    DefaultMinScale,
	}
}

// IntWeightPerChannel is like IntWeightPerTensor, but with one scale factor per output channel.
func IntWeightPerChannel() Template {
	t := IntWeightPerTensor()
	t.Name = "int_weight_per_channel"
	t.Granularity = PerChannel
	return t
}

// IntAct returns the template of signed activations clipped to [-10, 10], used mid-network (and for
// re-quantization).
func IntAct() Template {
	return Template{
		Name:        "int_act",
		Kind:        Activation,
		Signed:      true,
		Granularity: PerTensor,
		Restriction: LogDomain,
		MinScale:    DefaultMinScale,
		Range:       &Range{Min: -10, Max: 10},
	}
}

// UintAct returns the template of unsigned activations clipped to [0, 6], used after rectifying
// non-linearities.
func UintAct() Template {
	return Template{
		Name:        "uint_act",
		Kind:        Activation,
		Signed:      false,
		Granularity: PerTensor,
		Restriction: LogDomain,
		MinScale:    DefaultMinScale,
		Range:       &Range{Min: 0, Max: 6},
	}
}

// WithGranularity returns a copy of the template with the given scaling granularity.
func (t Template) WithGranularity(g Granularity) Template {
	t.Granularity = g
	return t
}

// WeightTemplate returns the predefined weight template for the granularity.
func WeightTemplate(g Granularity) Template {
	if g == PerChannel {
		return IntWeightPerChannel()
	}
	return IntWeightPerTensor()
}
