// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"fmt"

	"github.com/qstarter/qstarter/graph"
	"github.com/qstarter/qstarter/ml/context"
	"github.com/qstarter/qstarter/ml/quant"
	"github.com/qstarter/qstarter/types/qerrors"
)

// QuantReLUConfig configures a rectifier whose output is quantized with the unsigned
// quant.UintAct template.
type QuantReLUConfig struct {
	// NumChannels is required for per-channel scaling. With per-tensor scaling it can be left 0,
	// and then the layer accepts any number of channels.
	NumChannels int

	BitWidth int

	// PerChannel selects one learned scale per channel, instead of one for the whole tensor.
	PerChannel bool
}

func (c QuantReLUConfig) template() quant.Template {
	if c.PerChannel {
		return quant.UintAct().WithGranularity(quant.PerChannel)
	}
	return quant.UintAct()
}

// Channels implements Spec.
func (c QuantReLUConfig) Channels() (in, out int) { return c.NumChannels, c.NumChannels }

// Validate implements Spec.
func (c QuantReLUConfig) Validate(scope string) error {
	if c.NumChannels < 0 {
		return qerrors.Configurationf(scope, "channels must be >= 0, got %d", c.NumChannels)
	}
	_, err := resolvePolicy(scope, c.template(), c.BitWidth, c.NumChannels)
	return err
}

// Build implements Spec.
func (c QuantReLUConfig) Build(ctx *context.Context) (Layer, error) {
	return NewQuantReLU(ctx, c)
}

// QuantReLU is a built quantized rectifier. Its learned scale (in log2 domain) is the variable "scale".
type QuantReLU struct {
	scope  string
	config QuantReLUConfig
	policy quant.Policy
	scale  *context.Variable
}

// NewQuantReLU validates the config and creates the layer's variables in the scope of ctx.
func NewQuantReLU(ctx *context.Context, config QuantReLUConfig) (*QuantReLU, error) {
	if err := config.Validate(ctx.Scope()); err != nil {
		return nil, err
	}
	policy, err := resolvePolicy(ctx.Scope(), config.template(), config.BitWidth, config.NumChannels)
	if err != nil {
		return nil, err
	}
	return &QuantReLU{
		scope:  ctx.Scope(),
		config: config,
		policy: policy,
		scale:  newScaleVariable(ctx, policy),
	}, nil
}

// Name implements Layer.
func (l *QuantReLU) Name() string { return l.scope }

// InChannels implements Layer.
func (l *QuantReLU) InChannels() int { return l.config.NumChannels }

// OutChannels implements Layer.
func (l *QuantReLU) OutChannels() int { return l.config.NumChannels }

// Policy of the output.
func (l *QuantReLU) Policy() quant.Policy { return l.policy }

// String implements fmt.Stringer.
func (l *QuantReLU) String() string {
	return fmt.Sprintf("QuantReLU(%s)", l.policy)
}

// Call implements Layer. The input can have any resolved representation.
func (l *QuantReLU) Call(x *graph.Node) *graph.Node {
	g := x.Graph()
	defer g.SetOwner(g.SetOwner(l.scope))
	CheckInput(l, x)
	if !x.Representation().IsResolved() {
		panic(qerrors.QuantizationResolutionf(l.scope, "input node %s has no resolved representation", x))
	}
	return graph.Quant(graph.Relu(x), l.policy, scaleParams(l, l.policy, l.scale))
}

// QuantIdentityConfig configures a requantizer: it (re)quantizes its input to Policy, without
// any other transformation.
//
// Many requantizers may be configured with the same Policy value: each built QuantIdentity
// is still an independent layer, with its own learned scale.
type QuantIdentityConfig struct {
	Policy quant.Policy

	// NumChannels is required (and must match the Policy) for per-channel policies. Otherwise it
	// can be left 0 to accept any number of channels.
	NumChannels int
}

// Channels implements Spec.
func (c QuantIdentityConfig) Channels() (in, out int) { return c.NumChannels, c.NumChannels }

// Validate implements Spec.
func (c QuantIdentityConfig) Validate(scope string) error {
	p := c.Policy
	switch {
	case !p.Resolved():
		return qerrors.Configurationf(scope, "requantizer needs a resolved policy, got %s", p)
	case p.Kind() != quant.Activation:
		return qerrors.Configurationf(scope, "requantizer needs an activation policy, got %s policy %s", p.Kind(), p)
	case c.NumChannels < 0:
		return qerrors.Configurationf(scope, "channels must be >= 0, got %d", c.NumChannels)
	case p.Granularity() == quant.PerChannel && c.NumChannels != p.Channels():
		return qerrors.Configurationf(scope, "per-channel policy %s requires %d channels, configured with %d",
			p, p.Channels(), c.NumChannels)
	}
	return nil
}

// Build implements Spec.
func (c QuantIdentityConfig) Build(ctx *context.Context) (Layer, error) {
	return NewQuantIdentity(ctx, c)
}

// QuantIdentity is a built requantizer. Its learned scale is the variable "scale".
type QuantIdentity struct {
	scope  string
	config QuantIdentityConfig
	scale  *context.Variable
}

// NewQuantIdentity validates the config and creates the layer's variables in the scope of ctx.
func NewQuantIdentity(ctx *context.Context, config QuantIdentityConfig) (*QuantIdentity, error) {
	if err := config.Validate(ctx.Scope()); err != nil {
		return nil, err
	}
	return &QuantIdentity{
		scope:  ctx.Scope(),
		config: config,
		scale:  newScaleVariable(ctx, config.Policy),
	}, nil
}

// Name implements Layer.
func (l *QuantIdentity) Name() string { return l.scope }

// InChannels implements Layer.
func (l *QuantIdentity) InChannels() int { return l.config.NumChannels }

// OutChannels implements Layer.
func (l *QuantIdentity) OutChannels() int { return l.config.NumChannels }

// Policy of the output.
func (l *QuantIdentity) Policy() quant.Policy { return l.config.Policy }

// String implements fmt.Stringer.
func (l *QuantIdentity) String() string {
	return fmt.Sprintf("QuantIdentity(%s)", l.config.Policy)
}

// Call implements Layer.
func (l *QuantIdentity) Call(x *graph.Node) *graph.Node {
	g := x.Graph()
	defer g.SetOwner(g.SetOwner(l.scope))
	CheckInput(l, x)
	if !x.Representation().IsResolved() {
		panic(qerrors.QuantizationResolutionf(l.scope, "input node %s has no resolved representation", x))
	}
	return graph.Quant(x, l.config.Policy, scaleParams(l, l.config.Policy, l.scale))
}
