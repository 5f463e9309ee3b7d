// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"fmt"

	"github.com/qstarter/qstarter/graph"
	"github.com/qstarter/qstarter/ml/context"
	"github.com/qstarter/qstarter/ml/quant"
	"github.com/qstarter/qstarter/types/qerrors"
)

// QuantAvgPool2DConfig configures an average pooling over the spatial axes of a quantized NCHW
// input, whose output is requantized.
type QuantAvgPool2DConfig struct {
	KernelSize int

	// Stride defaults to KernelSize if 0.
	Stride int

	BitWidth int

	// Template of the output quantizer. It defaults to quant.UintAct if left empty.
	// Per-channel templates are not supported, since pooling is channel agnostic.
	Template quant.Template
}

func (c QuantAvgPool2DConfig) stride() int {
	if c.Stride == 0 {
		return c.KernelSize
	}
	return c.Stride
}

func (c QuantAvgPool2DConfig) template() quant.Template {
	if c.Template.Name == "" {
		return quant.UintAct()
	}
	return c.Template
}

// Channels implements Spec: pooling is channel agnostic.
func (c QuantAvgPool2DConfig) Channels() (in, out int) { return 0, 0 }

// Validate implements Spec.
func (c QuantAvgPool2DConfig) Validate(scope string) error {
	switch {
	case c.KernelSize <= 0:
		return qerrors.Configurationf(scope, "kernel size must be > 0, got %d", c.KernelSize)
	case c.stride() <= 0:
		return qerrors.Configurationf(scope, "stride must be > 0, got %d", c.Stride)
	case c.template().Granularity != quant.PerTensor:
		return qerrors.Configurationf(scope, "average pooling output requires a per-tensor quantizer, got %q", c.template().Name)
	}
	_, err := resolvePolicy(scope, c.template(), c.BitWidth, 0)
	return err
}

// Build implements Spec.
func (c QuantAvgPool2DConfig) Build(ctx *context.Context) (Layer, error) {
	return NewQuantAvgPool2D(ctx, c)
}

// QuantAvgPool2D is a built quantized average pooling, with the learned output scale in the variable "scale".
type QuantAvgPool2D struct {
	scope  string
	config QuantAvgPool2DConfig
	policy quant.Policy
	scale  *context.Variable
}

// NewQuantAvgPool2D validates the config and creates the layer's variables in the scope of ctx.
func NewQuantAvgPool2D(ctx *context.Context, config QuantAvgPool2DConfig) (*QuantAvgPool2D, error) {
	if err := config.Validate(ctx.Scope()); err != nil {
		return nil, err
	}
	policy, err := resolvePolicy(ctx.Scope(), config.template(), config.BitWidth, 0)
	if err != nil {
		return nil, err
	}
	return &QuantAvgPool2D{
		scope:  ctx.Scope(),
		config: config,
		policy: policy,
		scale:  newScaleVariable(ctx, policy),
	}, nil
}

// Name implements Layer.
func (l *QuantAvgPool2D) Name() string { return l.scope }

// InChannels implements Layer.
func (l *QuantAvgPool2D) InChannels() int { return 0 }

// OutChannels implements Layer.
func (l *QuantAvgPool2D) OutChannels() int { return 0 }

// String implements fmt.Stringer.
func (l *QuantAvgPool2D) String() string {
	return fmt.Sprintf("QuantAvgPool2D(kernel_size=%d, stride=%d, %s)", l.config.KernelSize, l.config.stride(), l.policy)
}

// Call implements Layer. The input must be quantized, and have the same signedness as the output.
func (l *QuantAvgPool2D) Call(x *graph.Node) *graph.Node {
	g := x.Graph()
	defer g.SetOwner(g.SetOwner(l.scope))
	CheckInput(l, x)
	CheckQuantizedInput(l, x)
	if x.Representation().Policy().Signed() != l.policy.Signed() {
		panic(qerrors.QuantizationResolutionf(l.scope, "input represented as %s can't be pooled into %s",
			x.Representation().Policy(), l.policy))
	}
	k, s := l.config.KernelSize, l.config.stride()
	pooled := graph.AveragePool(x, graph.PoolConfig{Kernel: [2]int{k, k}, Strides: [2]int{s, s}})
	return graph.Quant(pooled, l.policy, scaleParams(l, l.policy, l.scale))
}
