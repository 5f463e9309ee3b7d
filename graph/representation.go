// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	"github.com/qstarter/qstarter/ml/quant"
)

// Representation of the values of a Node. The zero value is unresolved, which is never valid
// in a graph to be exported.
type Representation struct {
	kind   representationKind
	policy quant.Policy
	params quant.Params
}

type representationKind int

const (
	unresolvedRepresentation representationKind = iota
	floatRepresentation
	quantizedRepresentation
)

// Float is the representation of real-valued tensors: inputs, convolution accumulators and
// normalization outputs.
func Float() Representation {
	return Representation{kind: floatRepresentation}
}

// Quantized is the representation of a tensor in fixed-point, with the given policy and params.
// Params are cloned.
func Quantized(policy quant.Policy, params quant.Params) Representation {
	return Representation{kind: quantizedRepresentation, policy: policy, params: params.Clone()}
}

// IsResolved returns false for the zero Representation.
func (r Representation) IsResolved() bool { return r.kind != unresolvedRepresentation }

// IsFloat returns whether the values are real-valued.
func (r Representation) IsFloat() bool { return r.kind == floatRepresentation }

// IsQuantized returns whether the values are in fixed-point.
func (r Representation) IsQuantized() bool { return r.kind == quantizedRepresentation }

// Policy of a quantized representation. It's the zero (unresolved) Policy otherwise.
func (r Representation) Policy() quant.Policy { return r.policy }

// Params of a quantized representation. The returned value must not be modified.
func (r Representation) Params() quant.Params { return r.params }

// String implements fmt.Stringer.
func (r Representation) String() string {
	switch r.kind {
	case floatRepresentation:
		return "float"
	case quantizedRepresentation:
		if r.policy.Granularity() == quant.PerChannel {
			return fmt.Sprintf("%s[%d]", r.policy.DataType(), len(r.params.Scale))
		}
		return r.policy.DataType()
	}
	return "unresolved"
}
