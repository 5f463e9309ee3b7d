// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

// Package quant describes how real-valued tensors are represented in fixed-point:
// signedness, bit-width, scaling granularity, scale restriction and clipping range.
//
// A Template is a process-wide, bit-width-less description (see the predefined IntWeightPerTensor,
// IntWeightPerChannel, IntAct and UintAct). A Policy is the concrete, immutable representation
// used by one layer: it is created only by Resolve, from a Template plus an explicit bit-width
// (and the channel count, for per-channel scaling).
//
// Params holds the numeric values (scales, zero-points) derived from a Policy, either from the
// configured clipping range (activations) or from the observed values (weights).
package quant

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind of tensor a Template quantizes.
type Kind int

const (
	// Weight quantizers scale from the observed parameter values.
	Weight Kind = iota

	// Activation quantizers scale from a learned parameter, initialized from the clipping range.
	Activation
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Weight:
		return "weight"
	case Activation:
		return "activation"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Granularity of the scaling factors: one per tensor, or one per channel.
type Granularity int

const (
	PerTensor Granularity = iota
	PerChannel
)

// String implements fmt.Stringer.
func (g Granularity) String() string {
	switch g {
	case PerTensor:
		return "per-tensor"
	case PerChannel:
		return "per-channel"
	}
	return fmt.Sprintf("Granularity(%d)", int(g))
}

// MarshalText implements encoding.TextMarshaler, used when configuring with YAML.
func (g Granularity) MarshalText() ([]byte, error) {
	switch g {
	case PerTensor, PerChannel:
		return []byte(g.String()), nil
	}
	return nil, errors.Errorf("invalid quantization granularity %d", int(g))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *Granularity) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "per-tensor", "per_tensor", "tensor":
		*g = PerTensor
	case "per-channel", "per_channel", "channel":
		*g = PerChannel
	default:
		return errors.Errorf("unknown quantization granularity %q, valid values are \"per-tensor\" and \"per-channel\"", text)
	}
	return nil
}

// Restriction of the domain where the scale parameter is represented.
type Restriction int

const (
	// Unrestricted scales are represented directly.
	Unrestricted Restriction = iota

	// LogDomain scales are represented by their base-2 logarithm, so they are always positive.
	LogDomain
)

// String implements fmt.Stringer.
func (r Restriction) String() string {
	switch r {
	case Unrestricted:
		return "unrestricted"
	case LogDomain:
		return "log-domain"
	}
	return fmt.Sprintf("Restriction(%d)", int(r))
}

// MarshalText implements encoding.TextMarshaler.
func (r Restriction) MarshalText() ([]byte, error) {
	switch r {
	case Unrestricted, LogDomain:
		return []byte(r.String()), nil
	}
	return nil, errors.Errorf("invalid scaling restriction %d", int(r))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Restriction) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "unrestricted", "fp":
		*r = Unrestricted
	case "log-domain", "log_domain", "log":
		*r = LogDomain
	default:
		return errors.Errorf("unknown scaling restriction %q", text)
	}
	return nil
}

// Range is a clipping range [Min, Max].
type Range struct {
	Min, Max float64
}

// MaxAbs returns the largest magnitude in the range.
func (r Range) MaxAbs() float64 {
	return max(-r.Min, r.Max)
}
