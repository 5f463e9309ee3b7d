// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package starter

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/qstarter/qstarter/ml/context"
	"github.com/qstarter/qstarter/ml/layers"
	"github.com/qstarter/qstarter/ml/quant"
	"github.com/qstarter/qstarter/types/qerrors"
	"k8s.io/klog/v2"
)

func stageName(level int) string { return fmt.Sprintf("stage%d", level+1) }

// dws returns the configuration of a depthwise separable block of the backbone, fed by input.
func dws(cfg Config, in, out, stride int, input quant.Policy) layers.DwsConvBlockConfig {
	return layers.DwsConvBlockConfig{
		InChannels:      in,
		OutChannels:     out,
		Stride:          stride,
		BitWidth:        cfg.BitWidth,
		PwActPerChannel: true,
		InputQuant:      input,
	}
}

// StageConfigs returns the configuration of the four backbone stages. Stages 2 to 4 start with their own
// requantizer ("quant_inp"), configured with the entry policy.
//
// Every convolution is configured with the representation it expects its input in: the entry policy
// right after a requantizer, and the rectified output of the previous block otherwise.
func StageConfigs(cfg Config, entry quant.Policy) [NumLevels]layers.SequentialConfig {
	bits := cfg.BitWidth
	rectified := layers.RectifiedPolicy(bits)
	initBlock := layers.NewConvBlockConfig(cfg.InputChannels, 8, 3)
	initBlock.Stride, initBlock.Padding = 2, 1
	initBlock.WeightBitWidth, initBlock.ActBitWidth = bits, bits
	initBlock.ActPerChannel = true
	initBlock.Epsilon = cfg.Epsilon
	initBlock.InputQuant = entry
	requant := layers.QuantIdentityConfig{Policy: entry}

	conv := func(path string, in, out, kernel, stride, padding int, defaultScaling quant.Granularity,
		input quant.Policy) layers.QuantConv2DConfig {
		return layers.QuantConv2DConfig{
			InChannels:     in,
			OutChannels:    out,
			KernelSize:     kernel,
			Stride:         stride,
			Padding:        padding,
			WeightBitWidth: bits,
			WeightScaling:  cfg.weightScaling(path, defaultScaling),
			InputQuant:     input,
		}
	}
	relu := func(channels int, perChannel bool) layers.QuantReLUConfig {
		return layers.QuantReLUConfig{NumChannels: channels, BitWidth: bits, PerChannel: perChannel}
	}

	return [NumLevels]layers.SequentialConfig{
		layers.NewSequentialConfig(cfg.InputChannels,
			layers.Named("init_block", initBlock),
			layers.Named("dwconv2", dws(cfg, 8, 16, 1, rectified)),
			layers.Named("dwconv3", dws(cfg, 16, 16, 2, rectified)),
			layers.Named("dwconv4", dws(cfg, 16, 16, 1, rectified)),
			layers.Named("dwconv5", dws(cfg, 16, 32, 2, rectified)),
			layers.Named("dwconv6", dws(cfg, 32, 32, 1, rectified)),
			layers.Named("dwconv7", dws(cfg, 32, 32, 1, rectified)),
			layers.Named("dwconv8", dws(cfg, 32, 32, 1, rectified)),
		),
		layers.NewSequentialConfig(32,
			layers.Named("quant_inp", requant),
			layers.Named("dwconv9", dws(cfg, 32, 64, 2, entry)),
			layers.Named("dwconv10", dws(cfg, 64, 64, 1, rectified)),
			layers.Named("dwconv11", dws(cfg, 64, 64, 1, rectified)),
		),
		layers.NewSequentialConfig(64,
			layers.Named("quant_inp", requant),
			layers.Named("dwconv12", dws(cfg, 64, 128, 2, entry)),
			layers.Named("dwconv13", dws(cfg, 128, 128, 1, rectified)),
		),
		layers.NewSequentialConfig(128,
			layers.Named("quant_inp", requant),
			layers.Named("reduce", conv("stage4/reduce", 128, 32, 1, 1, 0, quant.PerChannel, entry)),
			layers.Named("reduce_act", relu(32, true)),
			layers.Named("down", conv("stage4/down", 32, 32, 3, 2, 1, quant.PerChannel, rectified)),
			layers.Named("down_act", relu(32, false)),
			layers.Named("expand", conv("stage4/expand", 32, 128, 1, 1, 0, quant.PerChannel, rectified)),
			layers.Named("expand_act", relu(128, false)),
		),
	}
}

// specStride returns the spatial downsampling factor of a layer configuration.
func specStride(spec layers.Spec) int {
	switch s := spec.(type) {
	case layers.SequentialConfig:
		stride := 1
		for _, m := range s.Members {
			stride *= specStride(m.Spec)
		}
		return stride
	case layers.ConvBlockConfig:
		return s.Stride
	case layers.DwsConvBlockConfig:
		return s.Stride
	case layers.QuantConv2DConfig:
		return s.Stride
	case layers.QuantAvgPool2DConfig:
		if s.Stride == 0 {
			return s.KernelSize
		}
		return s.Stride
	}
	return 1
}

// validateStages checks every stage configuration, the adjacency of consecutive stages and that
// each stage output matches its pyramid level: channels and cumulative stride.
func validateStages(ctx *context.Context, cfg Config, stages [NumLevels]layers.SequentialConfig) error {
	prevOut, stride := cfg.InputChannels, 1
	for ii, stage := range stages {
		scope := context.JoinScope(ctx.Scope(), stageName(ii))
		if err := stage.Validate(scope); err != nil {
			return err
		}
		in, out := stage.Channels()
		if in != prevOut {
			return qerrors.ChannelMismatch(scope, prevOut, in)
		}
		level := cfg.Pyramid[ii]
		if out != level.Channels {
			return qerrors.Configurationf(scope, "stage outputs %d channels, but its pyramid level expects %d",
				out, level.Channels)
		}
		stride *= specStride(stage)
		if stride != level.Stride {
			return qerrors.Configurationf(scope, "stage output has a cumulative stride of %d, but its pyramid level expects %d",
				stride, level.Stride)
		}
		prevOut = out
	}
	return nil
}

// BuildStages validates the four backbone stages configured by cfg, and only if they are all valid, builds
// them in the scopes "stage1" to "stage4" of ctx.
func BuildStages(ctx *context.Context, cfg Config) (stages [NumLevels]*layers.Sequential, err error) {
	if err = cfg.Validate(); err != nil {
		return
	}
	entry, err := cfg.EntryPolicy()
	if err != nil {
		return
	}
	configs := StageConfigs(cfg, entry)
	if err = validateStages(ctx, cfg, configs); err != nil {
		return
	}
	numVars := ctx.NumVariables()
	err = exceptions.TryCatch[error](func() { stages = buildStages(ctx, configs) })
	if err != nil {
		ctx.RemoveVariablesAfter(numVars)
		stages = [NumLevels]*layers.Sequential{}
	}
	return
}

// buildStages builds the already validated stages, and panics on errors.
func buildStages(ctx *context.Context, configs [NumLevels]layers.SequentialConfig) (stages [NumLevels]*layers.Sequential) {
	for ii, config := range configs {
		stage, err := layers.NewSequential(ctx.In(stageName(ii)), config)
		if err != nil {
			panic(err)
		}
		klog.V(1).Infof("built %s: %s", stage.Name(), stage)
		stages[ii] = stage
	}
	return
}
