// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

// Package starter builds a small quantized face detector for single-channel images: a backbone of four
// stages of depthwise separable convolutions forming a feature pyramid, with one detection head per level
// regressing OutputMultiplier values per anchor and location.
//
// Example:
//
//	ctx := context.New()
//	model, err := starter.Build(ctx, starter.DefaultConfig())
//	if err != nil { ... }
//	g := graph.New("starter")
//	output := model.Call(graph.Parameter(g, "input", shapes.Make(dtypes.Float32, 1, 1, 320, 320)))
//	// output is shaped [1, 5875, 4].
package starter

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/qstarter/qstarter/graph"
	"github.com/qstarter/qstarter/ml/context"
	"github.com/qstarter/qstarter/ml/context/initializers"
	"github.com/qstarter/qstarter/ml/layers"
	"github.com/qstarter/qstarter/ml/quant"
	"github.com/qstarter/qstarter/types/qerrors"
	"github.com/qstarter/qstarter/types/shapes"
	"k8s.io/klog/v2"
)

// Model is the built detector. It implements layers.Container.
type Model struct {
	scope  string
	config Config
	entry  quant.Policy

	// Entry requantizer of the raw input.
	Entry *layers.QuantIdentity

	Stages [NumLevels]*layers.Sequential

	// BranchQuants requantize each stage output before its head. They are nil if
	// Config.ReuseEntryQuantizer is set, in which case Entry is used instead.
	BranchQuants [NumLevels]*layers.QuantIdentity

	Heads [NumLevels]*Head
}

// Build validates the whole configuration and, only if it is valid, builds the model in ctx: variables are
// created with the initializer seeded with Config.Seed, unless a loader (e.g. a checkpoint) provides them.
//
// Configuration problems are returned as *qerrors.ConfigurationError. Build either completes or leaves ctx
// as it was: if it fails after creating variables (e.g. a checkpoint with values of different shapes), they
// are removed, and values consumed from the checkpoint are given back to it.
func Build(ctx *context.Context, cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	entry, err := cfg.EntryPolicy()
	if err != nil {
		return nil, err
	}
	outputPolicy, err := quant.Resolve(quant.IntAct(), cfg.BitWidth, 0)
	if err != nil {
		return nil, err
	}
	stageConfigs := StageConfigs(cfg, entry)
	if err := validateStages(ctx, cfg, stageConfigs); err != nil {
		return nil, err
	}
	headConfigs := HeadConfigs(cfg, outputPolicy)
	for ii, head := range headConfigs {
		scope := context.JoinScope(ctx.Scope(), headName(ii))
		if err := head.Validate(scope); err != nil {
			return nil, err
		}
		if stageOut := cfg.Pyramid[ii].Channels; head.InChannels != stageOut {
			return nil, qerrors.Configurationf(scope, "head expects %d input channels, but %s outputs %d",
				head.InChannels, stageName(ii), stageOut)
		}
	}

	m := &Model{scope: ctx.Scope(), config: cfg, entry: entry}
	ctx = ctx.WithInitializer(initializers.KaimingUniform(cfg.Seed))
	numVars := ctx.NumVariables()
	err = exceptions.TryCatch[error](func() {
		m.Entry = must.M1(layers.NewQuantIdentity(ctx.In("quant_inp"), layers.QuantIdentityConfig{Policy: entry}))
		m.Stages = buildStages(ctx, stageConfigs)
		if !cfg.ReuseEntryQuantizer {
			for ii := range m.BranchQuants {
				m.BranchQuants[ii] = must.M1(layers.NewQuantIdentity(ctx.In(fmt.Sprintf("branch_quant_%d", ii+1)),
					layers.QuantIdentityConfig{Policy: entry}))
			}
		}
		for ii, head := range headConfigs {
			m.Heads[ii] = must.M1(BuildHead(ctx, headName(ii), head))
		}
	})
	if err != nil {
		ctx.RemoveVariablesAfter(numVars)
		return nil, errors.WithMessage(err, "building starter model")
	}
	klog.V(1).Infof("built starter model with %d variables (%d parameters)", ctx.NumVariables(), ctx.NumParameters())
	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.config }

// EntryPolicy is the shared requantization policy.
func (m *Model) EntryPolicy() quant.Policy { return m.entry }

// Name implements layers.Layer.
func (m *Model) Name() string { return m.scope }

// InChannels implements layers.Layer.
func (m *Model) InChannels() int { return m.config.InputChannels }

// OutChannels implements layers.Layer: the output is not channel shaped.
func (m *Model) OutChannels() int { return 0 }

// branch returns the requantizer of the output of the given stage.
func (m *Model) branch(level int) *layers.QuantIdentity {
	if m.config.ReuseEntryQuantizer {
		return m.Entry
	}
	return m.BranchQuants[level]
}

// Children implements layers.Container, in the order they are called.
func (m *Model) Children() []layers.Layer {
	children := []layers.Layer{m.Entry}
	for _, stage := range m.Stages {
		children = append(children, stage)
	}
	if !m.config.ReuseEntryQuantizer {
		for _, q := range m.BranchQuants {
			children = append(children, q)
		}
	}
	for _, head := range m.Heads {
		children = append(children, head)
	}
	return children
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	return fmt.Sprintf("Starter(in=%d, levels=%d, multiplier=%d)", m.config.InputChannels, NumLevels, m.config.OutputMultiplier)
}

// Tree returns the multi-line description of the whole model, followed by its pyramid table.
func (m *Model) Tree() string {
	var sb strings.Builder
	sb.WriteString(layers.Tree(m))
	sb.WriteString("pyramid:\n")
	for ii, level := range m.config.Pyramid {
		_, _ = fmt.Fprintf(&sb, "  stage%d: channels=%d, stride=%d, anchors=%d, head=%s\n",
			level.Stage, level.Channels, level.Stride, level.Anchors, m.Heads[ii].config.Kind)
	}
	return sb.String()
}

// Call implements layers.Layer: x is the raw image shaped [batch, 1, height, width], and the output is shaped
// [batch, locations, OutputMultiplier], with the locations of the four levels concatenated in order.
func (m *Model) Call(x *graph.Node) *graph.Node {
	g := x.Graph()
	defer g.SetOwner(g.SetOwner(m.scope))
	layers.CheckInput(m, x)
	if x.Rank() != 4 {
		panic(qerrors.Configurationf(m.scope, "input must be shaped [batch, channels, height, width], got %s", x.Shape()))
	}
	batch := x.Shape().Dim(0)
	multiplier := m.config.OutputMultiplier

	// The backbone runs first, then the heads over the saved stage outputs.
	var features, locations [NumLevels]*graph.Node
	prev := m.Entry.Call(x)
	for ii, stage := range m.Stages {
		features[ii] = stage.Call(prev)
		prev = features[ii]
	}
	for ii, head := range m.Heads {
		locations[ii] = graph.Reshape(head.Call(m.branch(ii).Call(features[ii])), batch, -1, multiplier)
	}
	return graph.Concat(1, locations[:]...)
}

// OutputLocations returns the number of locations (second axis of the output) for the given input shape.
func (m *Model) OutputLocations(inputShape shapes.Shape) int {
	return OutputLocations(m.config, inputShape.Dim(-2), inputShape.Dim(-1))
}

// OutputLocations returns the number of output locations of the model configured by cfg for a
// height x width input: the sum over levels of height x width x anchors of each head's output.
// The sizes follow the kernel, stride and padding of every layer of the stages and heads.
func OutputLocations(cfg Config, height, width int) (total int) {
	entry, _ := cfg.EntryPolicy()
	heads := HeadConfigs(cfg, entry)
	for ii, stage := range StageConfigs(cfg, entry) {
		height, width = layers.SpatialOutput(stage, height, width)
		h, w := layers.SpatialOutput(heads[ii].sequential(), height, width)
		total += max(h, 0) * max(w, 0) * heads[ii].Anchors
	}
	return
}
