// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"fmt"

	"github.com/qstarter/qstarter/graph"
	"github.com/qstarter/qstarter/ml/context"
	"github.com/qstarter/qstarter/ml/quant"
	"github.com/qstarter/qstarter/types/qerrors"
)

// DefaultBitWidth of weights and activations used by the config constructors.
const DefaultBitWidth = 8

// ConvBlockConfig configures a ConvBlock: a quantized convolution ("conv"), followed by a batch
// normalization ("bn") and a quantized rectifier ("act").
//
// Use NewConvBlockConfig for the defaults: the zero value of WeightScaling is per-tensor.
type ConvBlockConfig struct {
	InChannels, OutChannels int
	KernelSize, Stride      int
	Padding, Groups         int

	WeightBitWidth int
	WeightScaling  quant.Granularity

	ActBitWidth   int
	ActPerChannel bool

	// InputQuant, if resolved, is the representation the block expects its input in. See
	// QuantConv2DConfig.InputQuant.
	InputQuant quant.Policy

	// Epsilon of the normalization, DefaultBatchNormEpsilon if 0.
	Epsilon float64
}

// NewConvBlockConfig returns the configuration of a ConvBlock with stride 1, no padding, no
// groups, DefaultBitWidth weights and activations, and per-channel weight scaling.
func NewConvBlockConfig(inChannels, outChannels, kernelSize int) ConvBlockConfig {
	return ConvBlockConfig{
		InChannels:     inChannels,
		OutChannels:    outChannels,
		KernelSize:     kernelSize,
		Stride:         1,
		Groups:         1,
		WeightBitWidth: DefaultBitWidth,
		WeightScaling:  quant.PerChannel,
		ActBitWidth:    DefaultBitWidth,
		Epsilon:        DefaultBatchNormEpsilon,
	}
}

// RectifiedPolicy is the representation of the output of a QuantReLU of the given bit-width, to be used
// as the expected input of the layer following it. Scaling granularity doesn't matter for that, so it is
// per-tensor. It is unresolved (nothing is checked) if the bit-width is invalid, which the QuantReLU
// itself reports.
func RectifiedPolicy(bitWidth int) quant.Policy {
	policy, err := quant.Resolve(quant.UintAct(), bitWidth, 0)
	if err != nil {
		return quant.Policy{}
	}
	return policy
}

func (c ConvBlockConfig) conv() QuantConv2DConfig {
	return QuantConv2DConfig{
		InChannels:     c.InChannels,
		OutChannels:    c.OutChannels,
		KernelSize:     c.KernelSize,
		Stride:         c.Stride,
		Padding:        c.Padding,
		Groups:         c.Groups,
		WeightBitWidth: c.WeightBitWidth,
		WeightScaling:  c.WeightScaling,
		InputQuant:     c.InputQuant,
	}
}

func (c ConvBlockConfig) bn() BatchNorm2DConfig {
	return BatchNorm2DConfig{NumChannels: c.OutChannels, Epsilon: c.Epsilon}
}

func (c ConvBlockConfig) act() QuantReLUConfig {
	return QuantReLUConfig{NumChannels: c.OutChannels, BitWidth: c.ActBitWidth, PerChannel: c.ActPerChannel}
}

// Channels implements Spec.
func (c ConvBlockConfig) Channels() (in, out int) { return c.InChannels, c.OutChannels }

// Validate implements Spec.
func (c ConvBlockConfig) Validate(scope string) error {
	if err := c.conv().Validate(context.JoinScope(scope, "conv")); err != nil {
		return err
	}
	if err := c.bn().Validate(context.JoinScope(scope, "bn")); err != nil {
		return err
	}
	return c.act().Validate(context.JoinScope(scope, "act"))
}

// Build implements Spec.
func (c ConvBlockConfig) Build(ctx *context.Context) (Layer, error) {
	return NewConvBlock(ctx, c)
}

// ConvBlock is a built convolution block. Its input must be quantized; its output is quantized
// by the rectifier.
type ConvBlock struct {
	scope  string
	config ConvBlockConfig

	Conv *QuantConv2D
	BN   *BatchNorm2D
	Act  *QuantReLU
}

// NewConvBlock validates the config and builds the sub-layers in the scope of ctx.
func NewConvBlock(ctx *context.Context, config ConvBlockConfig) (*ConvBlock, error) {
	if err := config.Validate(ctx.Scope()); err != nil {
		return nil, err
	}
	b := &ConvBlock{scope: ctx.Scope(), config: config}
	var err error
	if b.Conv, err = NewQuantConv2D(ctx.In("conv"), config.conv()); err != nil {
		return nil, err
	}
	if b.BN, err = NewBatchNorm2D(ctx.In("bn"), config.bn()); err != nil {
		return nil, err
	}
	if b.Act, err = NewQuantReLU(ctx.In("act"), config.act()); err != nil {
		return nil, err
	}
	return b, nil
}

// Name implements Layer.
func (b *ConvBlock) Name() string { return b.scope }

// InChannels implements Layer.
func (b *ConvBlock) InChannels() int { return b.config.InChannels }

// OutChannels implements Layer.
func (b *ConvBlock) OutChannels() int { return b.config.OutChannels }

// Children implements Container.
func (b *ConvBlock) Children() []Layer { return []Layer{b.Conv, b.BN, b.Act} }

// String implements fmt.Stringer.
func (b *ConvBlock) String() string {
	c := b.config
	return fmt.Sprintf("ConvBlock(%d, %d, kernel_size=%d, stride=%d, padding=%d, groups=%d)",
		c.InChannels, c.OutChannels, c.KernelSize, c.Stride, c.Padding, max(c.Groups, 1))
}

// Call implements Layer.
func (b *ConvBlock) Call(x *graph.Node) *graph.Node {
	return b.Act.Call(b.BN.Call(b.Conv.Call(x)))
}

// DwsConvBlockConfig configures a depthwise separable convolution block: a depthwise 3x3
// ConvBlock ("dw_conv"), which never changes the number of channels, followed by a pointwise
// 1x1 ConvBlock ("pw_conv").
type DwsConvBlockConfig struct {
	InChannels, OutChannels int

	// Stride of the depthwise convolution.
	Stride int

	// BitWidth of weights and activations of both convolutions.
	BitWidth int

	// PwActPerChannel selects per-channel scaling of the pointwise block's output.
	PwActPerChannel bool

	// InputQuant, if resolved, is the representation the depthwise block expects its input in. The
	// pointwise block always expects the output of the depthwise rectifier (see RectifiedPolicy).
	InputQuant quant.Policy
}

func (c DwsConvBlockConfig) dw() ConvBlockConfig {
	dw := NewConvBlockConfig(c.InChannels, c.InChannels, 3)
	dw.Stride = c.Stride
	dw.Padding = 1
	dw.Groups = c.InChannels
	dw.WeightBitWidth, dw.ActBitWidth = c.BitWidth, c.BitWidth
	dw.InputQuant = c.InputQuant
	return dw
}

func (c DwsConvBlockConfig) pw() ConvBlockConfig {
	pw := NewConvBlockConfig(c.InChannels, c.OutChannels, 1)
	pw.WeightBitWidth, pw.ActBitWidth = c.BitWidth, c.BitWidth
	pw.ActPerChannel = c.PwActPerChannel
	pw.InputQuant = RectifiedPolicy(c.BitWidth)
	return pw
}

// Channels implements Spec.
func (c DwsConvBlockConfig) Channels() (in, out int) { return c.InChannels, c.OutChannels }

// Validate implements Spec.
func (c DwsConvBlockConfig) Validate(scope string) error {
	if c.InChannels <= 0 || c.OutChannels <= 0 {
		return qerrors.Configurationf(scope, "channels must be > 0, got in=%d, out=%d", c.InChannels, c.OutChannels)
	}
	if err := c.dw().Validate(context.JoinScope(scope, "dw_conv")); err != nil {
		return err
	}
	return c.pw().Validate(context.JoinScope(scope, "pw_conv"))
}

// Build implements Spec.
func (c DwsConvBlockConfig) Build(ctx *context.Context) (Layer, error) {
	return NewDwsConvBlock(ctx, c)
}

// DwsConvBlock is a built depthwise separable convolution block.
type DwsConvBlock struct {
	scope  string
	config DwsConvBlockConfig

	DwConv, PwConv *ConvBlock
}

// NewDwsConvBlock validates the config and builds the sub-blocks in the scope of ctx.
func NewDwsConvBlock(ctx *context.Context, config DwsConvBlockConfig) (*DwsConvBlock, error) {
	if err := config.Validate(ctx.Scope()); err != nil {
		return nil, err
	}
	b := &DwsConvBlock{scope: ctx.Scope(), config: config}
	var err error
	if b.DwConv, err = NewConvBlock(ctx.In("dw_conv"), config.dw()); err != nil {
		return nil, err
	}
	if b.PwConv, err = NewConvBlock(ctx.In("pw_conv"), config.pw()); err != nil {
		return nil, err
	}
	return b, nil
}

// Name implements Layer.
func (b *DwsConvBlock) Name() string { return b.scope }

// InChannels implements Layer.
func (b *DwsConvBlock) InChannels() int { return b.config.InChannels }

// OutChannels implements Layer.
func (b *DwsConvBlock) OutChannels() int { return b.config.OutChannels }

// Children implements Container.
func (b *DwsConvBlock) Children() []Layer { return []Layer{b.DwConv, b.PwConv} }

// String implements fmt.Stringer.
func (b *DwsConvBlock) String() string {
	return fmt.Sprintf("DwsConvBlock(%d, %d, stride=%d)", b.config.InChannels, b.config.OutChannels, b.config.Stride)
}

// Call implements Layer.
func (b *DwsConvBlock) Call(x *graph.Node) *graph.Node {
	return b.PwConv.Call(b.DwConv.Call(x))
}
