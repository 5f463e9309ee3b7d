// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package starter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/qstarter/qstarter/graph"
	"github.com/qstarter/qstarter/ml/context"
	"github.com/qstarter/qstarter/ml/context/checkpoints"
	"github.com/qstarter/qstarter/ml/layers"
	"github.com/qstarter/qstarter/ml/quant"
	"github.com/qstarter/qstarter/types/qerrors"
	"github.com/qstarter/qstarter/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trace(m *Model, dims ...int) *graph.Node {
	g := graph.New("starter")
	return m.Call(graph.Parameter(g, "input", shapes.Make(dtypes.Float32, dims...)))
}

func TestEndToEndShape(t *testing.T) {
	ctx := context.New()
	m, err := Build(ctx, DefaultConfig())
	require.NoError(t, err)

	const expectedLocations = (40*40*12 + 20*20*8 + 10*10*8 + 5*5*12) / DefaultOutputMultiplier
	require.Equal(t, 5875, expectedLocations)
	assert.Equal(t, expectedLocations, m.OutputLocations(shapes.Make(dtypes.Float32, 1, 1, 320, 320)))
	assert.Equal(t, expectedLocations, OutputLocations(DefaultConfig(), 320, 320))

	for _, batch := range []int{1, 3} {
		output := trace(m, batch, 1, 320, 320)
		assert.NoError(t, output.Shape().CheckDims(batch, expectedLocations, 4))
		assert.Equal(t, graph.NodeTypeConcat, output.Type())

		// Heads are concatenated in level order, each reshaped to [batch, locations, 4].
		headShapes := [][]int{{batch, 12, 40, 40}, {batch, 8, 20, 20}, {batch, 8, 10, 10}, {batch, 12, 5, 5}}
		for ii, reshaped := range output.Inputs() {
			assert.Equal(t, graph.NodeTypeReshape, reshaped.Type())
			head := reshaped.Inputs()[0]
			assert.Equalf(t, "/"+headName(ii)+"/out_quant", head.Owner(), "head #%d", ii)
			assert.NoError(t, head.Shape().CheckDims(headShapes[ii]...))
			assert.True(t, reshaped.Representation().IsQuantized())
		}
	}

	// All stages are traced before the first head.
	lastStage, firstHead := -1, -1
	for ii, node := range trace(m, 1, 1, 320, 320).Graph().Nodes() {
		switch {
		case strings.HasPrefix(node.Owner(), "/stage"):
			lastStage = ii
		case strings.HasPrefix(node.Owner(), "/head") && firstHead < 0:
			firstHead = ii
		}
	}
	require.Positive(t, lastStage)
	assert.Greater(t, firstHead, lastStage)

	// Stage outputs match the pyramid.
	for ii, stage := range m.Stages {
		assert.Equal(t, DefaultPyramid[ii].Channels, stage.OutChannels())
		assert.Equal(t, "/"+stageName(ii), stage.Name())
	}
	assert.Equal(t, 8, m.Stages[0].Len())
	assert.Equal(t, 4, m.Stages[1].Len())
	assert.Equal(t, 3, m.Stages[2].Len())
	assert.Equal(t, 7, m.Stages[3].Len())

	// Each stage has its own requantizer: no key collision.
	for _, scope := range []string{"/quant_inp", "/stage2/quant_inp", "/stage3/quant_inp", "/stage4/quant_inp", "/branch_quant_1"} {
		assert.NotNilf(t, ctx.InspectVariable(scope, "scale"), "requantizer %s", scope)
	}
	assert.Equal(t, m.EntryPolicy(), m.BranchQuants[2].Policy(), "branch requantizers share the entry policy value")
	assert.NotSame(t, m.Entry, m.BranchQuants[0])
}

func TestOutputLocations(t *testing.T) {
	m := must.M1(Build(context.New(), DefaultConfig()))
	// 100: 50 after the stem, then 25, 13 (stage1), 7 (stage2), 4 (stage3) and 2 (stage4).
	assert.Equal(t, 13*13*3+7*7*2+4*4*2+2*2*3, OutputLocations(DefaultConfig(), 100, 100))
	for _, dims := range [][2]int{{100, 100}, {161, 97}, {33, 65}, {8, 8}} {
		output := trace(m, 1, 1, dims[0], dims[1])
		assert.Equalf(t, output.Shape().Dim(1), OutputLocations(DefaultConfig(), dims[0], dims[1]), "input %v", dims)
		assert.Equal(t, output.Shape().Dim(1), m.OutputLocations(shapes.Make(dtypes.Float32, 1, 1, dims[0], dims[1])))
	}

	// Anchors and head kinds are taken from the configuration.
	cfg := DefaultConfig()
	cfg.Pyramid[0].Anchors = 1
	cfg.Heads[0].Kind = HeadPlain
	assert.Equal(t, 40*40*1+20*20*2+10*10*2+5*5*3, OutputLocations(cfg, 320, 320))
	assert.Equal(t, 40*40*1+20*20*2+10*10*2+5*5*3, trace(must.M1(Build(context.New(), cfg)), 1, 1, 320, 320).Shape().Dim(1))
}

func TestWeightScaling(t *testing.T) {
	reduce := func(m *Model) quant.Policy {
		return m.Stages[3].At(1).(*layers.QuantConv2D).WeightPolicy()
	}
	m := must.M1(Build(context.New(), DefaultConfig()))
	assert.Equal(t, quant.PerTensor, reduce(m).Granularity())
	assert.Equal(t, quant.PerChannel, m.Stages[3].At(3).(*layers.QuantConv2D).WeightPolicy().Granularity())

	cfg := DefaultConfig()
	cfg.WeightScaling = map[string]quant.Granularity{"head2/proj": quant.PerTensor}
	m = must.M1(Build(context.New(), cfg))
	assert.Equal(t, quant.PerChannel, reduce(m).Granularity())
	proj := m.Heads[1].Children()[2].(*layers.QuantConv2D)
	assert.Equal(t, quant.PerTensor, proj.WeightPolicy().Granularity())

	cfg.WeightScaling = map[string]quant.Granularity{"stage1/dwconv2": quant.PerTensor}
	_, err := Build(context.New(), cfg)
	require.Error(t, err)
	assert.True(t, qerrors.IsConfiguration(err))
}

func TestStageMismatch(t *testing.T) {
	for name, modify := range map[string]func(cfg *Config){
		"channels": func(cfg *Config) { cfg.Pyramid[1].Channels = 48 },
		"stride":   func(cfg *Config) { cfg.Pyramid[2].Stride = 48 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			modify(&cfg)
			ctx := context.New()
			_, err := Build(ctx, cfg)
			require.Error(t, err)
			assert.True(t, qerrors.IsConfiguration(err), "got %v", err)
			assert.Equal(t, 0, ctx.NumVariables())

			_, err = BuildStages(ctx, cfg)
			require.Error(t, err)
			assert.Equal(t, 0, ctx.NumVariables())
		})
	}

	// Stage 2 is configured for a wider stage 1.
	cfg := DefaultConfig()
	entry := must.M1(cfg.EntryPolicy())
	stages := StageConfigs(cfg, entry)
	stages[1].InChannels = 16
	err := validateStages(context.New(), cfg, stages)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"/stage2/dwconv9"`)
	assert.Contains(t, err.Error(), "expected 16 input channels (previous layer output), got 32")

	// Consistent within itself, but not with the output of stage 1.
	stages[1].Members[1] = layers.Named("dwconv9", dws(cfg, 16, 64, 2, entry))
	err = validateStages(context.New(), cfg, stages)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"/stage2"`)
	assert.Contains(t, err.Error(), "expected 32 input channels (previous layer output), got 16")
}

func TestHeadMismatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Heads[2].InChannels = 64
	ctx := context.New()
	_, err := Build(ctx, cfg)
	require.Error(t, err)
	assert.True(t, qerrors.IsConfiguration(err))
	assert.Contains(t, err.Error(), `"/head3"`)
	assert.Contains(t, err.Error(), "head expects 64 input channels, but stage3 outputs 128")
	assert.Equal(t, 0, ctx.NumVariables())

	// A head applied to the wrong stage output fails at tracing.
	ctx = context.New()
	head := must.M1(BuildHead(ctx, "head", HeadConfig{InChannels: 64, OutputMultiplier: 4, Anchors: 2, BitWidth: 8,
		Kind: HeadSeparable, OutputPolicy: quant.MustResolve(quant.IntAct(), 8, 0)}))
	assert.Equal(t, 8, head.OutChannels())
	g := graph.New("head")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 1, 32, 10, 10))
	assert.Panics(t, func() { head.Call(x) })
}

func TestHeadKinds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Heads[3].Kind = HeadPlain
	ctx := context.New()
	m := must.M1(Build(ctx, cfg))
	assert.Len(t, m.Heads[0].Children(), 4)
	assert.Len(t, m.Heads[3].Children(), 2)
	assert.NoError(t, ctx.InspectVariable("/head4/proj", "weights").Shape().CheckDims(12, 128, 3, 3))
	assert.Nil(t, ctx.InspectVariable("/head4/dw", "weights"))
	assert.NoError(t, trace(m, 1, 1, 320, 320).Shape().CheckDims(1, 5875, 4))

	tree := m.Tree()
	assert.Contains(t, tree, "(/): Starter(in=1, levels=4, multiplier=4)\n")
	assert.Contains(t, tree, "  (stage1): Sequential(1, 32, 8 layers)\n")
	assert.Contains(t, tree, "  (head4): Head(plain, 128, 12=4x3 anchors)\n")
	assert.Contains(t, tree, "  stage4: channels=128, stride=64, anchors=3, head=plain\n")

	cfg.Heads[0].Kind = "fancy"
	_, err := Build(context.New(), cfg)
	require.Error(t, err)
	assert.True(t, qerrors.IsConfiguration(err))
}

func TestIncompatibleHeadInput(t *testing.T) {
	// Every convolution fed through the default configuration accepts its input.
	m := must.M1(Build(context.New(), DefaultConfig()))
	dwconv9 := m.Stages[1].At(1).(*layers.DwsConvBlock)
	assert.Equal(t, m.EntryPolicy(), dwconv9.DwConv.Conv.Config().InputQuant)
	assert.Equal(t, "UINT8", dwconv9.PwConv.Conv.Config().InputQuant.DataType())
	assert.Equal(t, "INT8", m.Heads[1].Config().InputQuant.DataType())

	// Head 2 expects a 4 bits input, but the branch requantizer produces 8 bits.
	cfg := DefaultConfig()
	cfg.Heads[1].InputBitWidth = 4
	m = must.M1(Build(context.New(), cfg))
	assert.Equal(t, "INT4", m.Heads[1].Config().InputQuant.DataType())
	err := exceptions.TryCatch[error](func() { trace(m, 1, 1, 320, 320) })
	require.Error(t, err)
	assert.True(t, qerrors.IsQuantizationResolution(err))
	assert.Contains(t, err.Error(), `"/head2/dw"`)
	assert.Contains(t, err.Error(), "INT8")

	// A wider input is accepted, for plain heads too.
	cfg.Heads[1].InputBitWidth = 16
	cfg.Heads[2].Kind, cfg.Heads[2].InputBitWidth = HeadPlain, 12
	m = must.M1(Build(context.New(), cfg))
	assert.NoError(t, trace(m, 1, 1, 320, 320).Shape().CheckDims(1, 5875, 4))

	cfg.Heads[1].InputBitWidth = 1
	_, err = Build(context.New(), cfg)
	require.Error(t, err)
	assert.True(t, qerrors.IsConfiguration(err))
	assert.Contains(t, err.Error(), "input_bit_width must be 0 or in [2, 32], got 1")
}

func TestReuseEntryQuantizer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReuseEntryQuantizer = true
	ctx := context.New()
	m := must.M1(Build(ctx, cfg))
	assert.Nil(t, m.BranchQuants[0])
	assert.Nil(t, ctx.InspectVariable("/branch_quant_1", "scale"))
	output := trace(m, 1, 1, 320, 320)
	assert.NoError(t, output.Shape().CheckDims(1, 5875, 4))

	// The single entry requantizer owns the nodes of five call sites.
	var count int
	for _, node := range output.Graph().Nodes() {
		if node.Owner() == "/quant_inp" && node.Type() == graph.NodeTypeQuant {
			count++
		}
	}
	assert.Equal(t, 5, count)
}

func TestDeterministicInitialization(t *testing.T) {
	values := func(cfg Config) map[string][]float32 {
		ctx := context.New()
		_ = must.M1(Build(ctx, cfg))
		result := make(map[string][]float32)
		ctx.EnumerateVariables(func(v *context.Variable) { result[v.FullName()] = v.Value().Flat() })
		return result
	}
	cfg := DefaultConfig()
	a, b := values(cfg), values(cfg)
	assert.Equal(t, a, b)
	cfg.Seed++
	c := values(cfg)
	assert.NotEqual(t, a["/stage1/init_block/conv/weights"], c["/stage1/init_block/conv/weights"])
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	ctx := context.New()
	checkpoint := must.M1(checkpoints.Build(ctx).Dir(dir).Done())
	_ = must.M1(Build(ctx, cfg))
	// Perturb values, to make sure the restored ones don't come from the initializer.
	ctx.EnumerateVariables(func(v *context.Variable) {
		for ii := range v.Value().Flat() {
			v.Value().Flat()[ii] += 0.125
		}
	})
	require.NoError(t, checkpoint.Save())

	cfg.Seed = 7
	ctx2 := context.New()
	checkpoint2 := must.M1(checkpoints.Build(ctx2).Dir(dir).Done())
	_ = must.M1(Build(ctx2, cfg))
	assert.Empty(t, checkpoint2.Unused())
	assert.Equal(t, ctx.NumVariables(), ctx2.NumVariables())
	ctx.EnumerateVariables(func(v *context.Variable) {
		v2 := ctx2.InspectVariable(v.Scope(), v.Name())
		require.NotNil(t, v2, v.FullName())
		assert.Truef(t, v.Value().Equal(v2.Value()), "variable %s not restored", v.FullName())
	})

	// A model with a renamed layer leaves unused entries.
	cfg.ReuseEntryQuantizer = true
	ctx3 := context.New()
	checkpoint3 := must.M1(checkpoints.Build(ctx3).Dir(dir).Done())
	_ = must.M1(Build(ctx3, cfg))
	assert.Equal(t, []string{"/branch_quant_1/scale", "/branch_quant_2/scale", "/branch_quant_3/scale", "/branch_quant_4/scale"},
		checkpoint3.Unused())
}

func TestFailedBuildLeavesContextUnchanged(t *testing.T) {
	dir := t.TempDir()
	ctx := context.New()
	checkpoint := must.M1(checkpoints.Build(ctx).Dir(dir).Done())
	_ = must.M1(Build(ctx, DefaultConfig()))
	require.NoError(t, checkpoint.Save())
	saved := ctx.NumVariables()

	// The last head's projection has a different kernel than the saved one: it fails after all
	// the other variables were created from the checkpoint.
	cfg := DefaultConfig()
	cfg.Heads[3].Kind = HeadPlain
	ctx2 := context.New()
	checkpoint2 := must.M1(checkpoints.Build(ctx2).Dir(dir).Done())
	_, err := Build(ctx2, cfg)
	require.Error(t, err)
	assert.True(t, qerrors.IsConfiguration(err), "got %v", err)
	assert.Contains(t, err.Error(), "/head4/proj")
	assert.Equal(t, 0, ctx2.NumVariables())
	assert.Nil(t, ctx2.InspectVariable("/quant_inp", "scale"))
	assert.Len(t, checkpoint2.Unused(), saved, "consumed values are given back to the checkpoint")

	// Retrying in the same context with the saved configuration restores everything.
	_ = must.M1(Build(ctx2, DefaultConfig()))
	assert.Empty(t, checkpoint2.Unused())
	assert.Equal(t, saved, ctx2.NumVariables())
	ctx.EnumerateVariables(func(v *context.Variable) {
		v2 := ctx2.InspectVariable(v.Scope(), v.Name())
		require.NotNil(t, v2, v.FullName())
		assert.Truef(t, v.Value().Equal(v2.Value()), "variable %s not restored", v.FullName())
	})
}

func TestConfigYAML(t *testing.T) {
	cfg := must.M1(ParseConfig([]byte(`
bit_width: 6
heads:
  - kind: separable
  - kind: separable
  - kind: separable
  - kind: plain
weight_scaling:
  head1/proj: per-tensor
reuse_entry_quantizer: true
`)))
	assert.Equal(t, 6, cfg.BitWidth)
	assert.Equal(t, 8, cfg.EntryBitWidth)
	assert.Equal(t, HeadPlain, cfg.Heads[3].Kind)
	assert.Equal(t, quant.PerTensor, cfg.WeightScaling["head1/proj"])
	assert.Equal(t, quant.PerTensor, cfg.WeightScaling["stage4/reduce"], "default overrides are kept")
	assert.True(t, cfg.ReuseEntryQuantizer)
	assert.Equal(t, DefaultPyramid, cfg.Pyramid)

	data := must.M1(cfg.Marshal())
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, data, 0644))
	loaded := must.M1(LoadConfig(path))
	assert.Equal(t, cfg, loaded)

	for _, invalid := range []string{
		"bit_width: 0\n",
		"entry_bit_width: -1\n",
		"heads:\n  - kind: dense\n  - kind: plain\n  - kind: plain\n  - kind: plain\n",
		"weight_scaling:\n  head9/proj: per-tensor\n",
		"weight_scaling:\n  head1/proj: per-pixel\n",
		"pyramid:\n  - {stage: 2, channels: 32, stride: 8, anchors: 3}\n  - {stage: 2, channels: 64, stride: 16, anchors: 2}\n" +
			"  - {stage: 3, channels: 128, stride: 32, anchors: 2}\n  - {stage: 4, channels: 128, stride: 64, anchors: 3}\n",
	} {
		_, err := ParseConfig([]byte(invalid))
		assert.Errorf(t, err, "configuration %q should fail", invalid)
	}
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
