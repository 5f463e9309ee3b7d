// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/qstarter/qstarter/graph"
	"github.com/qstarter/qstarter/ml/context"
	"github.com/qstarter/qstarter/ml/quant"
	"github.com/qstarter/qstarter/types/qerrors"
	"github.com/qstarter/qstarter/types/shapes"
)

// QuantConv2DConfig configures a 2D convolution with quantized weights and no bias (the bias
// is folded into the normalization that usually follows).
//
// Inputs are NCHW, and must be quantized. The output is the real-valued accumulator.
type QuantConv2DConfig struct {
	InChannels, OutChannels int
	KernelSize              int
	Stride                  int

	// Padding added at both sides of each spatial axis.
	Padding int

	// Groups splits the channels in independent groups: 1 is a standard convolution, InChannels
	// a depthwise one. 0 is the same as 1.
	Groups int

	// WeightBitWidth of the weights' integer representation.
	WeightBitWidth int

	// WeightScaling granularity of the weights: one scale for the whole kernel or one per output channel.
	WeightScaling quant.Granularity

	// InputQuant, if resolved, is the representation the layer expects its input in: inputs whose
	// representation doesn't fit in it are rejected at tracing.
	InputQuant quant.Policy
}

func (c QuantConv2DConfig) groups() int { return max(c.Groups, 1) }

// Channels implements Spec.
func (c QuantConv2DConfig) Channels() (in, out int) { return c.InChannels, c.OutChannels }

// Validate implements Spec.
func (c QuantConv2DConfig) Validate(scope string) error {
	switch {
	case c.InChannels <= 0 || c.OutChannels <= 0:
		return qerrors.Configurationf(scope, "channels must be > 0, got in=%d, out=%d", c.InChannels, c.OutChannels)
	case c.KernelSize <= 0:
		return qerrors.Configurationf(scope, "kernel size must be > 0, got %d", c.KernelSize)
	case c.Stride <= 0:
		return qerrors.Configurationf(scope, "stride must be > 0, got %d", c.Stride)
	case c.Padding < 0:
		return qerrors.Configurationf(scope, "padding must be >= 0, got %d", c.Padding)
	case c.Groups < 0 || c.InChannels%c.groups() != 0 || c.OutChannels%c.groups() != 0:
		return qerrors.Configurationf(scope, "groups=%d must divide in=%d and out=%d channels", c.Groups, c.InChannels, c.OutChannels)
	}
	_, err := c.weightPolicy(scope)
	return err
}

func (c QuantConv2DConfig) weightPolicy(scope string) (quant.Policy, error) {
	return resolvePolicy(scope, quant.WeightTemplate(c.WeightScaling), c.WeightBitWidth, c.OutChannels)
}

// Build implements Spec.
func (c QuantConv2DConfig) Build(ctx *context.Context) (Layer, error) {
	return NewQuantConv2D(ctx, c)
}

// QuantConv2D is a built quantized convolution. Its weights are the variable "weights" shaped
// [OutChannels, InChannels/Groups, KernelSize, KernelSize].
type QuantConv2D struct {
	scope   string
	config  QuantConv2DConfig
	policy  quant.Policy
	weights *context.Variable
}

// NewQuantConv2D validates the config and creates the layer's variables in the scope of ctx.
func NewQuantConv2D(ctx *context.Context, config QuantConv2DConfig) (*QuantConv2D, error) {
	if err := config.Validate(ctx.Scope()); err != nil {
		return nil, err
	}
	policy, err := config.weightPolicy(ctx.Scope())
	if err != nil {
		return nil, err
	}
	shape := shapes.Make(dtypes.Float32, config.OutChannels, config.InChannels/config.groups(), config.KernelSize, config.KernelSize)
	return &QuantConv2D{
		scope:   ctx.Scope(),
		config:  config,
		policy:  policy,
		weights: ctx.VariableWithShape("weights", shape),
	}, nil
}

// Name implements Layer.
func (l *QuantConv2D) Name() string { return l.scope }

// InChannels implements Layer.
func (l *QuantConv2D) InChannels() int { return l.config.InChannels }

// OutChannels implements Layer.
func (l *QuantConv2D) OutChannels() int { return l.config.OutChannels }

// Config returns the configuration the layer was built with.
func (l *QuantConv2D) Config() QuantConv2DConfig { return l.config }

// WeightPolicy is the resolved quantization of the weights.
func (l *QuantConv2D) WeightPolicy() quant.Policy { return l.policy }

// Weights variable.
func (l *QuantConv2D) Weights() *context.Variable { return l.weights }

// String implements fmt.Stringer.
func (l *QuantConv2D) String() string {
	c := l.config
	return fmt.Sprintf("QuantConv2D(%d, %d, kernel_size=%d, stride=%d, padding=%d, groups=%d, weights=%s)",
		c.InChannels, c.OutChannels, c.KernelSize, c.Stride, c.Padding, c.groups(), l.policy)
}

// Call implements Layer. The input must be quantized: it panics with a *qerrors.QuantizationResolutionError otherwise.
func (l *QuantConv2D) Call(x *graph.Node) *graph.Node {
	g := x.Graph()
	defer g.SetOwner(g.SetOwner(l.scope))
	CheckInput(l, x)
	CheckQuantizedInput(l, x)
	if l.config.InputQuant.Resolved() && !x.Representation().Policy().FitsIn(l.config.InputQuant) {
		panic(qerrors.QuantizationResolutionf(l.scope, "input represented as %s doesn't fit the expected %s",
			x.Representation().Policy(), l.config.InputQuant))
	}
	params, err := l.policy.WeightParams(l.weights.Value())
	if err != nil {
		panic(qerrors.QuantizationResolutionf(l.scope, "weights: %v", err))
	}
	kernel := graph.Quant(l.weights.ValueGraph(g), l.policy, params)
	return graph.Conv(x, kernel, graph.ConvConfig{
		Strides: [2]int{l.config.Stride, l.config.Stride},
		Padding: [2]int{l.config.Padding, l.config.Padding},
		Groups:  l.config.groups(),
	})
}
