// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package starter

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/qstarter/qstarter/graph"
	"github.com/qstarter/qstarter/ml/context"
	"github.com/qstarter/qstarter/ml/layers"
	"github.com/qstarter/qstarter/ml/quant"
	"github.com/qstarter/qstarter/types/qerrors"
)

func headName(level int) string { return fmt.Sprintf("head%d", level+1) }

// HeadConfig configures a detection head, mapping the feature map of one pyramid level to
// OutputMultiplier x Anchors channels per location.
type HeadConfig struct {
	InChannels       int
	OutputMultiplier int
	Anchors          int
	BitWidth         int
	Kind             HeadKind

	// DwWeightScaling and ProjWeightScaling of the convolutions of the head. The dw convolution
	// only exists in separable heads.
	DwWeightScaling, ProjWeightScaling quant.Granularity

	// OutputPolicy of the final requantizer ("out_quant").
	OutputPolicy quant.Policy

	// InputQuant, if resolved, is the representation the first convolution of the head expects its
	// input in.
	InputQuant quant.Policy
}

// OutChannels produced by the head.
func (c HeadConfig) OutChannels() int { return c.OutputMultiplier * c.Anchors }

// sequential returns the configuration of the head's layers.
func (c HeadConfig) sequential() layers.SequentialConfig {
	proj := layers.QuantConv2DConfig{
		InChannels:     c.InChannels,
		OutChannels:    c.OutChannels(),
		KernelSize:     1,
		Stride:         1,
		WeightBitWidth: c.BitWidth,
		WeightScaling:  c.ProjWeightScaling,
		InputQuant:     c.InputQuant,
	}
	outQuant := layers.QuantIdentityConfig{Policy: c.OutputPolicy}
	if c.Kind == HeadPlain {
		proj.KernelSize, proj.Padding = 3, 1
		return layers.NewSequentialConfig(c.InChannels,
			layers.Named("proj", proj),
			layers.Named("out_quant", outQuant))
	}
	dw := layers.QuantConv2DConfig{
		InChannels:     c.InChannels,
		OutChannels:    c.InChannels,
		KernelSize:     3,
		Stride:         1,
		Padding:        1,
		Groups:         c.InChannels,
		WeightBitWidth: c.BitWidth,
		WeightScaling:  c.DwWeightScaling,
		InputQuant:     c.InputQuant,
	}
	proj.InputQuant = layers.RectifiedPolicy(c.BitWidth)
	return layers.NewSequentialConfig(c.InChannels,
		layers.Named("dw", dw),
		layers.Named("dw_act", layers.QuantReLUConfig{NumChannels: c.InChannels, BitWidth: c.BitWidth}),
		layers.Named("proj", proj),
		layers.Named("out_quant", outQuant))
}

// Channels implements layers.Spec.
func (c HeadConfig) Channels() (in, out int) { return c.InChannels, c.OutChannels() }

// Validate implements layers.Spec.
func (c HeadConfig) Validate(scope string) error {
	switch {
	case c.InChannels <= 0:
		return qerrors.Configurationf(scope, "head input channels must be > 0, got %d", c.InChannels)
	case c.OutputMultiplier <= 0 || c.Anchors <= 0:
		return qerrors.Configurationf(scope, "output multiplier (%d) and anchors (%d) must be > 0", c.OutputMultiplier, c.Anchors)
	case c.Kind != HeadSeparable && c.Kind != HeadPlain:
		return qerrors.Configurationf(scope, "unknown head kind %q", c.Kind)
	}
	return c.sequential().Validate(scope)
}

// Build implements layers.Spec.
func (c HeadConfig) Build(ctx *context.Context) (layers.Layer, error) {
	if err := c.Validate(ctx.Scope()); err != nil {
		return nil, err
	}
	seq, err := layers.NewSequential(ctx, c.sequential())
	if err != nil {
		return nil, err
	}
	return &Head{config: c, seq: seq}, nil
}

// Head is a built detection head. Its output is shaped [batch, OutputMultiplier*Anchors, height, width].
type Head struct {
	config HeadConfig
	seq    *layers.Sequential
}

// BuildHead validates the configuration and builds the head in the sub-scope name of ctx.
func BuildHead(ctx *context.Context, name string, config HeadConfig) (*Head, error) {
	layer, err := layers.Build(ctx, name, config)
	if err != nil {
		return nil, err
	}
	head, ok := layer.(*Head)
	if !ok {
		return nil, errors.Errorf("head %q built as %T", layer.Name(), layer)
	}
	return head, nil
}

// Config returns the head's configuration.
func (h *Head) Config() HeadConfig { return h.config }

// Name implements layers.Layer.
func (h *Head) Name() string { return h.seq.Name() }

// InChannels implements layers.Layer.
func (h *Head) InChannels() int { return h.config.InChannels }

// OutChannels implements layers.Layer.
func (h *Head) OutChannels() int { return h.config.OutChannels() }

// Children implements layers.Container.
func (h *Head) Children() []layers.Layer { return h.seq.Children() }

// String implements fmt.Stringer.
func (h *Head) String() string {
	c := h.config
	return fmt.Sprintf("Head(%s, %d, %d=%dx%d anchors)", c.Kind, c.InChannels, c.OutChannels(), c.OutputMultiplier, c.Anchors)
}

// Call implements layers.Layer.
func (h *Head) Call(x *graph.Node) *graph.Node {
	return h.seq.Call(x)
}

// HeadConfigs returns the configuration of the heads of the four pyramid levels.
//
// Each head expects its input in the signed representation of its HeadOptions.InputBitWidth, by
// default the EntryBitWidth. An invalid bit-width leaves the expectation unset: Config.Validate reports it.
func HeadConfigs(cfg Config, outputPolicy quant.Policy) (heads [NumLevels]HeadConfig) {
	for ii, level := range cfg.Pyramid {
		name := headName(ii)
		in := cfg.Heads[ii].InChannels
		if in == 0 {
			in = level.Channels
		}
		inputBits := cfg.Heads[ii].InputBitWidth
		if inputBits == 0 {
			inputBits = cfg.EntryBitWidth
		}
		inputQuant, _ := quant.Resolve(quant.IntAct(), inputBits, 0)
		heads[ii] = HeadConfig{
			InChannels:        in,
			OutputMultiplier:  cfg.OutputMultiplier,
			Anchors:           level.Anchors,
			BitWidth:          cfg.BitWidth,
			Kind:              cfg.Heads[ii].Kind,
			DwWeightScaling:   cfg.weightScaling(name+"/dw", quant.PerChannel),
			ProjWeightScaling: cfg.weightScaling(name+"/proj", quant.PerChannel),
			OutputPolicy:      outputPolicy,
			InputQuant:        inputQuant,
		}
	}
	return
}
