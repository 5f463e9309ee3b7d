// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package starter

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/qstarter/qstarter/ml/context/initializers"
	"github.com/qstarter/qstarter/ml/quant"
	"github.com/qstarter/qstarter/pkg/support/sets"
	"github.com/qstarter/qstarter/types/qerrors"
	"gopkg.in/yaml.v3"
)

// NumLevels of the feature pyramid: one per backbone stage, each with its own head.
const NumLevels = 4

// DefaultOutputMultiplier is the size of the per-anchor regression target (the box coordinates).
const DefaultOutputMultiplier = 4

// PyramidLevel associates a backbone stage with the channels and the cumulative stride of its output,
// and the number of anchors its head predicts per location.
type PyramidLevel struct {
	Stage    int `yaml:"stage"`
	Channels int `yaml:"channels"`
	Stride   int `yaml:"stride"`
	Anchors  int `yaml:"anchors"`
}

// DefaultPyramid is the constant table of the detector.
var DefaultPyramid = [NumLevels]PyramidLevel{
	{Stage: 1, Channels: 32, Stride: 8, Anchors: 3},
	{Stage: 2, Channels: 64, Stride: 16, Anchors: 2},
	{Stage: 3, Channels: 128, Stride: 32, Anchors: 2},
	{Stage: 4, Channels: 128, Stride: 64, Anchors: 3},
}

// HeadKind selects the micro-architecture of a detection head.
type HeadKind string

const (
	// HeadSeparable: depthwise 3x3 convolution, rectifier, pointwise projection and requantizer.
	HeadSeparable HeadKind = "separable"

	// HeadPlain: a single 3x3 projection followed by the requantizer.
	HeadPlain HeadKind = "plain"
)

// HeadOptions configures the head of one pyramid level.
type HeadOptions struct {
	Kind HeadKind `yaml:"kind"`

	// InChannels expected by the head. If 0 it's taken from the pyramid level; otherwise it must match it.
	InChannels int `yaml:"in_channels,omitempty"`

	// InputBitWidth of the signed representation the head expects its input in. If 0 it's the
	// EntryBitWidth, the representation the branch requantizer produces.
	InputBitWidth int `yaml:"input_bit_width,omitempty"`
}

// Config of the starter detector. Use DefaultConfig and change what is needed, or LoadConfig.
type Config struct {
	// InputChannels of the image: the detector works on single-channel images.
	InputChannels int `yaml:"input_channels"`

	// BitWidth of all weights and activations but the entry requantizers.
	BitWidth int `yaml:"bit_width"`

	// EntryBitWidth of the shared requantization policy: applied to the raw input and to each stage
	// output before its head.
	EntryBitWidth int `yaml:"entry_bit_width"`

	OutputMultiplier int                     `yaml:"output_multiplier"`
	Pyramid          [NumLevels]PyramidLevel `yaml:"pyramid"`
	Heads            [NumLevels]HeadOptions  `yaml:"heads"`

	// WeightScaling overrides the weight scaling granularity of individual convolutions, keyed by their
	// path relative to the model, e.g. "stage4/reduce" or "head2/proj". See OverridablePaths.
	WeightScaling map[string]quant.Granularity `yaml:"weight_scaling"`

	// Epsilon of all batch normalizations.
	Epsilon float64 `yaml:"epsilon"`

	// ReuseEntryQuantizer applies the single entry requantizer instance to the input and to all stage outputs,
	// instead of one requantizer per branch. The resulting graph has a dependency cycle: it can be built
	// and traced, but not exported.
	ReuseEntryQuantizer bool `yaml:"reuse_entry_quantizer"`

	// Seed of the variable initializers.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns the configuration of the default detector for 8 bits.
func DefaultConfig() Config {
	cfg := Config{
		InputChannels:    1,
		BitWidth:         8,
		EntryBitWidth:    8,
		OutputMultiplier: DefaultOutputMultiplier,
		Pyramid:          DefaultPyramid,
		WeightScaling:    map[string]quant.Granularity{"stage4/reduce": quant.PerTensor},
		Epsilon:          1e-5,
		Seed:             initializers.DefaultSeed,
	}
	for ii := range cfg.Heads {
		cfg.Heads[ii].Kind = HeadSeparable
	}
	return cfg
}

// LoadConfig reads a YAML configuration file. Values not in the file keep the ones of DefaultConfig,
// and the weight_scaling entries in the file are added to the default ones.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading model configuration")
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration, see LoadConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parsing model configuration")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal returns the YAML representation of the configuration.
func (c Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	return data, errors.Wrap(err, "serializing model configuration")
}

// OverridablePaths returns the paths of the convolutions whose weight scaling can be set with
// Config.WeightScaling, sorted.
func (c Config) OverridablePaths() []string {
	paths := []string{"stage4/reduce", "stage4/down", "stage4/expand"}
	for ii, head := range c.Heads {
		name := headName(ii)
		paths = append(paths, name+"/proj")
		if head.Kind != HeadPlain {
			paths = append(paths, name+"/dw")
		}
	}
	slices.Sort(paths)
	return paths
}

// weightScaling returns the granularity configured for the convolution at path, or the default one.
func (c Config) weightScaling(path string, defaultGranularity quant.Granularity) quant.Granularity {
	if g, found := c.WeightScaling[path]; found {
		return g
	}
	return defaultGranularity
}

// EntryPolicy resolves the shared requantization policy.
func (c Config) EntryPolicy() (quant.Policy, error) {
	return quant.Resolve(quant.IntAct(), c.EntryBitWidth, 0)
}

// Validate returns a *qerrors.ConfigurationError describing the first invalid value found.
func (c Config) Validate() error {
	switch {
	case c.InputChannels <= 0:
		return qerrors.Configurationf("", "input_channels must be > 0, got %d", c.InputChannels)
	case c.BitWidth < 2:
		return qerrors.Configurationf("", "bit_width must be >= 2, got %d", c.BitWidth)
	case c.OutputMultiplier <= 0:
		return qerrors.Configurationf("", "output_multiplier must be > 0, got %d", c.OutputMultiplier)
	case c.Epsilon < 0:
		return qerrors.Configurationf("", "epsilon must be >= 0, got %g", c.Epsilon)
	}
	if _, err := c.EntryPolicy(); err != nil {
		return err
	}
	prevStride := 1
	for ii, level := range c.Pyramid {
		switch {
		case level.Stage != ii+1:
			return qerrors.Configurationf("", "pyramid level #%d must be for stage %d, got stage %d", ii, ii+1, level.Stage)
		case level.Channels <= 0 || level.Anchors <= 0:
			return qerrors.Configurationf("", "pyramid level of stage %d: channels and anchors must be > 0, got %+v",
				level.Stage, level)
		case level.Stride <= prevStride && ii > 0, level.Stride <= 0:
			return qerrors.Configurationf("", "pyramid level of stage %d: stride %d must be > 0 and larger than the previous level's",
				level.Stage, level.Stride)
		}
		prevStride = level.Stride
	}
	for ii, head := range c.Heads {
		if head.Kind != HeadSeparable && head.Kind != HeadPlain {
			return qerrors.Configurationf(headName(ii), "unknown head kind %q, valid values are %q and %q",
				head.Kind, HeadSeparable, HeadPlain)
		}
		if head.InChannels < 0 {
			return qerrors.Configurationf(headName(ii), "in_channels must be >= 0, got %d", head.InChannels)
		}
		if head.InputBitWidth != 0 {
			if _, err := quant.Resolve(quant.IntAct(), head.InputBitWidth, 0); err != nil {
				return qerrors.Configurationf(headName(ii), "input_bit_width must be 0 or in [2, 32], got %d", head.InputBitWidth)
			}
		}
	}
	valid := sets.MakeWith(c.OverridablePaths()...)
	for path := range c.WeightScaling {
		if !valid.Has(path) {
			return qerrors.Configurationf("", "weight_scaling: unknown convolution %q, valid paths are: %s",
				path, strings.Join(c.OverridablePaths(), ", "))
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (c Config) String() string {
	return fmt.Sprintf("starter.Config{bits=%d, entry_bits=%d, multiplier=%d, reuse_entry_quantizer=%v, seed=%d}",
		c.BitWidth, c.EntryBitWidth, c.OutputMultiplier, c.ReuseEntryQuantizer, c.Seed)
}
