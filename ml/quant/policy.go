// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package quant

import (
	"fmt"
	"math"

	"github.com/qstarter/qstarter/types/qerrors"
)

// Policy is the concrete quantization of one tensor: a Template resolved with a bit-width and,
// for per-channel scaling, the number of channels.
//
// Policy is immutable: it can only be created with Resolve, and it is safe to share the same
// value among many layers. The zero value is an unresolved policy.
type Policy struct {
	template Template
	rng      Range
	hasRange bool
	bitWidth int
	channels int
}

// Resolve creates the Policy for a template with the given bit-width.
// channels is only required (> 0) for per-channel templates, and ignored otherwise.
//
// It returns a *qerrors.ConfigurationError if the bit-width is not positive, if a per-channel
// template is given no channel count, or if the template itself is malformed.
func Resolve(t Template, bitWidth, channels int) (Policy, error) {
	if bitWidth <= 0 {
		return Policy{}, qerrors.Configurationf("", "quantizer %q: bit-width must be > 0, got %d", t.Name, bitWidth)
	}
	if bitWidth > 32 {
		return Policy{}, qerrors.Configurationf("", "quantizer %q: bit-width must be <= 32, got %d", t.Name, bitWidth)
	}
	if t.Signed && bitWidth < 2 {
		return Policy{}, qerrors.Configurationf("", "quantizer %q: signed representations require bit-width >= 2, got %d",
			t.Name, bitWidth)
	}
	if t.Granularity == PerChannel && channels <= 0 {
		return Policy{}, qerrors.Configurationf("", "quantizer %q: per-channel scaling requires the number of channels, got %d",
			t.Name, channels)
	}
	if !(t.MinScale > 0) {
		return Policy{}, qerrors.Configurationf("", "quantizer %q: minimum scale must be > 0, got %g", t.Name, t.MinScale)
	}
	if t.Narrow && !t.Signed {
		return Policy{}, qerrors.Configurationf("", "quantizer %q: narrow range requires a signed representation", t.Name)
	}
	if t.Kind == Activation && t.Range == nil {
		return Policy{}, qerrors.Configurationf("", "quantizer %q: activation quantizers require a clipping range", t.Name)
	}
	p := Policy{template: t, bitWidth: bitWidth}
	if t.Range != nil {
		if !(t.Range.Max > t.Range.Min) || t.Range.MaxAbs() <= 0 {
			return Policy{}, qerrors.Configurationf("", "quantizer %q: invalid clipping range [%g, %g]",
				t.Name, t.Range.Min, t.Range.Max)
		}
		if !t.Signed && t.Range.Min < 0 {
			return Policy{}, qerrors.Configurationf("", "quantizer %q: unsigned representation with negative clipping range [%g, %g]",
				t.Name, t.Range.Min, t.Range.Max)
		}
		p.rng, p.hasRange = *t.Range, true
		p.template.Range = nil // Keep a private copy in p.rng.
	}
	if t.Granularity == PerChannel {
		p.channels = channels
	}
	return p, nil
}

// MustResolve is like Resolve, but panics on error. Use only with constant arguments.
func MustResolve(t Template, bitWidth, channels int) Policy {
	p, err := Resolve(t, bitWidth, channels)
	if err != nil {
		panic(err)
	}
	return p
}

// Resolved returns whether the policy was created by Resolve. The zero Policy is unresolved.
func (p Policy) Resolved() bool { return p.bitWidth > 0 }

// Name of the template the policy was resolved from.
func (p Policy) Name() string { return p.template.Name }

// Kind of tensor quantized.
func (p Policy) Kind() Kind { return p.template.Kind }

// Signed returns whether the integer representation is signed.
func (p Policy) Signed() bool { return p.template.Signed }

// Narrow returns whether the most negative integer value is excluded, making the range symmetric.
func (p Policy) Narrow() bool { return p.template.Narrow }

// Granularity of the scale factors.
func (p Policy) Granularity() Granularity { return p.template.Granularity }

// Restriction of the scale parameter domain.
func (p Policy) Restriction() Restriction { return p.template.Restriction }

// MinScale is the lower bound for scale factors.
func (p Policy) MinScale() float64 { return p.template.MinScale }

// Range returns the configured clipping range, and whether there is one.
func (p Policy) Range() (Range, bool) {
	return p.rng, p.hasRange
}

// BitWidth of the integer representation.
func (p Policy) BitWidth() int { return p.bitWidth }

// Channels for per-channel policies, 0 for per-tensor ones.
func (p Policy) Channels() int { return p.channels }

// NumScales is the number of scale factors: 1 for per-tensor, Channels for per-channel.
func (p Policy) NumScales() int {
	if p.template.Granularity == PerChannel {
		return p.channels
	}
	return 1
}

// MaxLevel is the largest positive integer value of the representation.
func (p Policy) MaxLevel() float64 {
	if p.template.Signed {
		return math.Exp2(float64(p.bitWidth-1)) - 1
	}
	return math.Exp2(float64(p.bitWidth)) - 1
}

// FitsIn returns whether values produced with policy p can be consumed by a layer expecting
// input represented with the consumer policy, without losing range.
//
// Same signedness requires consumer bit-width >= p's; unsigned into signed requires a strictly
// larger consumer bit-width; signed into unsigned never fits.
func (p Policy) FitsIn(consumer Policy) bool {
	if !p.Resolved() || !consumer.Resolved() {
		return false
	}
	switch {
	case p.Signed() == consumer.Signed():
		return p.bitWidth <= consumer.bitWidth
	case !p.Signed() && consumer.Signed():
		return p.bitWidth < consumer.bitWidth
	default:
		return false
	}
}

// DataType returns the FINN/QONNX name of the integer representation, e.g. "UINT8" or "INT4".
func (p Policy) DataType() string {
	if p.template.Signed {
		return fmt.Sprintf("INT%d", p.bitWidth)
	}
	return fmt.Sprintf("UINT%d", p.bitWidth)
}

// String implements fmt.Stringer.
func (p Policy) String() string {
	if !p.Resolved() {
		return fmt.Sprintf("Policy(%q, unresolved)", p.template.Name)
	}
	if p.template.Granularity == PerChannel {
		return fmt.Sprintf("Policy(%q, %s, %s[%d], %s)", p.template.Name, p.DataType(), p.template.Granularity,
			p.channels, p.template.Restriction)
	}
	return fmt.Sprintf("Policy(%q, %s, %s, %s)", p.template.Name, p.DataType(), p.template.Granularity,
		p.template.Restriction)
}

// ChannelAxis is the axis of the quantized tensor indexed by per-channel scales: the output
// channels (axis 0) of weights, or the channels (axis 1) of NCHW activations.
func (p Policy) ChannelAxis() int {
	if p.template.Kind == Weight {
		return 0
	}
	return 1
}
