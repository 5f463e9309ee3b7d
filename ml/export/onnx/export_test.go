// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package onnx

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/qstarter/qstarter/graph"
	"github.com/qstarter/qstarter/ml/context"
	"github.com/qstarter/qstarter/ml/layers"
	"github.com/qstarter/qstarter/ml/quant"
	"github.com/qstarter/qstarter/models/starter"
	"github.com/qstarter/qstarter/types/qerrors"
	"github.com/qstarter/qstarter/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var inputShape = shapes.Make(dtypes.Float32, 1, 1, 320, 320)

func buildStarter(t *testing.T, modify func(cfg *starter.Config)) *starter.Model {
	cfg := starter.DefaultConfig()
	if modify != nil {
		modify(&cfg)
	}
	m, err := starter.Build(context.New(), cfg)
	require.NoError(t, err)
	return m
}

func TestExport(t *testing.T) {
	m := buildStarter(t, nil)
	dir := t.TempDir()
	first, second := filepath.Join(dir, "first.onnx"), filepath.Join(dir, "second.onnx")
	require.NoError(t, Export(m, inputShape, first))
	require.NoError(t, Export(m, inputShape, second))
	data := must.M1(os.ReadFile(first))
	assert.Equal(t, data, must.M1(os.ReadFile(second)), "exports of the same model must be byte-identical")

	// A model built again with the same seed exports the same bytes.
	assert.Equal(t, data, must.M1(Marshal(buildStarter(t, nil), inputShape)))

	// Only the artifacts are left in the directory.
	entries := must.M1(os.ReadDir(dir))
	require.Len(t, entries, 2)

	summary := must.M1(InspectFile(first))
	assert.Equal(t, int64(IRVersion), summary.IRVersion)
	assert.Equal(t, map[string]int64{"": OpsetVersion, QONNXDomain: QONNXOpsetVersion}, summary.Opsets)
	assert.Equal(t, DefaultProducerName, summary.ProducerName)
	assert.Equal(t, DefaultGraphName, summary.GraphName)
	_, err := uuid.Parse(summary.Metadata[GraphIDKey])
	assert.NoError(t, err)

	require.Len(t, summary.Inputs, 1)
	assert.Equal(t, InputName, summary.Inputs[0].Name)
	assert.Equal(t, []int64{1, 1, 320, 320}, summary.Inputs[0].Dimensions)
	require.Len(t, summary.Outputs, 1)
	assert.Equal(t, OutputName, summary.Outputs[0].Name)
	assert.Equal(t, []int64{1, 5875, 4}, summary.Outputs[0].Dimensions)

	// 28 convolutions in the backbone and 2 per head, each with its weights quantized.
	counts := summary.OpTypeCounts()
	assert.Equal(t, 36, counts["Conv"])
	assert.Equal(t, 25, counts["BatchNormalization"])
	assert.Equal(t, 32, counts["Relu"])
	assert.Equal(t, 36+32+12, counts["Quant"])
	assert.Equal(t, 4, counts["Reshape"])
	assert.Equal(t, 1, counts["Concat"])
	assert.Zero(t, counts["AveragePool"])

	// The traced graph and the exported one have the same ops.
	g := must.M1(Trace(m, inputShape, "trace"))
	traced := make(map[string]int)
	for _, node := range g.Nodes() {
		if opType, found := onnxOpTypes[node.Type()]; found {
			traced[opType]++
		}
	}
	assert.Equal(t, traced, counts)

	// Every quantized tensor carries its FINN data type: the Quant outputs and the reshaped head outputs.
	assert.Len(t, summary.Annotations, counts["Quant"]+counts["Reshape"])
	datatypes := make(map[string]int)
	for _, annotation := range summary.Annotations {
		datatypes[annotation[FinnDataTypeKey]]++
	}
	assert.Equal(t, map[string]int{"INT8": 36 + 12 + 4, "UINT8": 32}, datatypes)

	// Node details.
	nodes := make(map[string]NodeSummary)
	for _, node := range summary.Nodes {
		nodes[node.Outputs[0]] = node
	}
	entry := summary.Nodes[0]
	assert.Equal(t, "Quant", entry.OpType)
	assert.Equal(t, QONNXDomain, entry.Domain)
	require.Len(t, entry.Inputs, 4)
	assert.Equal(t, InputName, entry.Inputs[0])
	assert.Equal(t, int64(1), entry.Attributes["signed"].Int)
	assert.Equal(t, "ROUND", entry.Attributes["rounding_mode"].String)
	assert.Contains(t, entry.Attributes, "narrow")

	initializers := make(map[string]TensorSummary)
	for _, tensor := range summary.Initializers {
		initializers[tensor.Name] = tensor
	}
	assert.Empty(t, initializers[entry.Inputs[1]].Dimensions, "per-tensor scale is a scalar")
	assert.Equal(t, 4, initializers[entry.Inputs[3]].Size, "bit-width is a float scalar")

	weights := initializers["/stage1/init_block/conv/weights"]
	assert.Equal(t, []int64{8, 1, 3, 3}, weights.Dimensions)
	assert.Equal(t, 8*9*4, weights.Size)

	var convs, perChannelActs int
	for _, node := range summary.Nodes {
		switch node.OpType {
		case "Conv":
			convs++
			if convs > 1 {
				continue
			}
			// The first convolution is the stem: 3x3, stride 2.
			assert.Equal(t, []int64{3, 3}, node.Attributes["kernel_shape"].Ints)
			assert.Equal(t, []int64{2, 2}, node.Attributes["strides"].Ints)
			assert.Equal(t, []int64{1, 1, 1, 1}, node.Attributes["pads"].Ints)
			assert.Equal(t, int64(1), node.Attributes["group"].Int)
			quantWeights := nodes[node.Inputs[1]]
			assert.Equal(t, "Quant", quantWeights.OpType)
			assert.Equal(t, weights.Name, quantWeights.Inputs[0])
			assert.Equal(t, []int64{8, 1, 1, 1}, initializers[quantWeights.Inputs[1]].Dimensions)
		case "Quant":
			if scale := initializers[node.Inputs[1]]; len(scale.Dimensions) == 4 && scale.Dimensions[0] == 1 {
				perChannelActs++
			}
		case "BatchNormalization":
			assert.InDelta(t, 1e-5, node.Attributes["epsilon"].Float, 1e-9)
			assert.Len(t, node.Inputs, 5)
		case "Concat":
			assert.Equal(t, int64(1), node.Attributes["axis"].Int)
			assert.Len(t, node.Inputs, 4)
		}
	}
	// Stem act, the 12 pointwise acts of stages 1 to 3 and the stage 4 reduction act.
	assert.Equal(t, 14, perChannelActs)
	assert.Positive(t, summary.NumParameters())

	// Options change the model header, but not the graph id.
	other, err := Inspect(must.M1(Marshal(m, inputShape, WithProducer("test", "1.2.3"), WithModelVersion(3), WithDocString("doc"))))
	require.NoError(t, err)
	assert.Equal(t, "test", other.ProducerName)
	assert.Equal(t, "1.2.3", other.ProducerVersion)
	assert.Equal(t, summary.Metadata[GraphIDKey], other.Metadata[GraphIDKey])
	other = must.M1(Inspect(must.M1(Marshal(m, inputShape, WithGraphName("renamed")))))
	assert.Equal(t, "renamed", other.GraphName)
	assert.NotEqual(t, summary.Metadata[GraphIDKey], other.Metadata[GraphIDKey])
}

func TestExportPlainHead(t *testing.T) {
	m := buildStarter(t, func(cfg *starter.Config) { cfg.Heads[3].Kind = starter.HeadPlain })
	summary := must.M1(Inspect(must.M1(Marshal(m, shapes.Make(dtypes.Float32, 2, 1, 160, 160)))))
	assert.Equal(t, []int64{2, int64(starter.OutputLocations(starter.DefaultConfig(), 160, 160)), 4}, summary.Outputs[0].Dimensions)
	assert.Equal(t, 35, summary.OpTypeCounts()["Conv"])
}

// chain applies its layers in order. The same layer instance can be listed more than once.
type chain []layers.Layer

func (c chain) Name() string     { return "/chain" }
func (c chain) String() string   { return fmt.Sprintf("Chain(%d layers)", len(c)) }
func (c chain) InChannels() int  { return 0 }
func (c chain) OutChannels() int { return 0 }
func (c chain) Call(x *graph.Node) *graph.Node {
	for _, layer := range c {
		x = layer.Call(x)
	}
	return x
}

func TestExportCycles(t *testing.T) {
	dir := t.TempDir()
	destination := filepath.Join(dir, "model.onnx")
	assertCycle := func(model layers.Layer, from, to string) {
		err := Export(model, inputShape, destination)
		require.Error(t, err)
		var exportErr *qerrors.ExportError
		require.True(t, errors.As(err, &exportErr), "got %v", err)
		require.NotNil(t, exportErr.Edge, "error %v", err)
		assert.Equal(t, [2]string{from, to}, *exportErr.Edge)
		assert.Contains(t, err.Error(), fmt.Sprintf("cyclic edge %q -> %q", from, to))
		assert.NoFileExists(t, destination)
		assert.Empty(t, must.M1(os.ReadDir(dir)))
	}

	ctx := context.New()
	policy := quant.MustResolve(quant.IntAct(), 8, 0)
	a := must.M1(layers.NewQuantIdentity(ctx.In("a"), layers.QuantIdentityConfig{Policy: policy}))
	b := must.M1(layers.NewQuantIdentity(ctx.In("b"), layers.QuantIdentityConfig{Policy: policy}))
	assertCycle(chain{a, b, a}, "/b", "/a")

	// Without reuse there is no cycle.
	c := must.M1(layers.NewQuantIdentity(ctx.In("c"), layers.QuantIdentityConfig{Policy: policy}))
	require.NoError(t, Export(chain{a, b, c}, inputShape, destination))
	require.NoError(t, os.Remove(destination))

	// The legacy wiring of the detector, with the entry requantizer reused for every branch.
	m := buildStarter(t, func(cfg *starter.Config) { cfg.ReuseEntryQuantizer = true })
	assertCycle(m, "/stage1/dwconv8/pw_conv/act", "/quant_inp")
}

// opaque is a layer that traces to an op with no ONNX equivalent.
type opaque struct {
	repr graph.Representation
}

func (o *opaque) Name() string     { return "/opaque" }
func (o *opaque) String() string   { return "Opaque" }
func (o *opaque) InChannels() int  { return 0 }
func (o *opaque) OutChannels() int { return 0 }
func (o *opaque) Call(x *graph.Node) *graph.Node {
	g := x.Graph()
	defer g.SetOwner(g.SetOwner(o.Name()))
	return graph.Custom("Mystery", x.Shape(), o.repr, x)
}

func TestExportValidation(t *testing.T) {
	destination := filepath.Join(t.TempDir(), "model.onnx")

	err := Export(&opaque{}, inputShape, destination)
	require.Error(t, err)
	assert.True(t, qerrors.IsExport(err), "got %v", err)
	assert.Contains(t, err.Error(), "unresolved representation")
	assert.NoFileExists(t, destination)

	err = Export(&opaque{repr: graph.Float()}, inputShape, destination)
	require.Error(t, err)
	assert.True(t, qerrors.IsExport(err), "got %v", err)
	assert.Contains(t, err.Error(), "no equivalent ONNX operator")
	assert.NoFileExists(t, destination)

	// Tracing errors are returned, with the error raised by the layer.
	m := buildStarter(t, nil)
	err = Export(m, shapes.Make(dtypes.Float32, 1, 3, 320, 320), destination)
	require.Error(t, err)
	assert.True(t, qerrors.IsConfiguration(err), "got %v", err)
	assert.NoFileExists(t, destination)
}

func TestExportWriteFailure(t *testing.T) {
	m := buildStarter(t, nil)
	destination := filepath.Join(t.TempDir(), "missing", "model.onnx")
	err := Export(m, inputShape, destination)
	require.Error(t, err)
	var writeErr *qerrors.ArtifactWriteError
	require.True(t, errors.As(err, &writeErr), "got %v", err)
	assert.Equal(t, destination, writeErr.Path)
	assert.NoFileExists(t, destination)

	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o555))
	defer func() { _ = os.Chmod(dir, 0o755) }()
	err = Export(m, inputShape, filepath.Join(dir, "model.onnx"))
	require.Error(t, err)
	assert.True(t, qerrors.IsArtifactWrite(err))
	assert.Empty(t, must.M1(os.ReadDir(dir)), "no temporary file must be left behind")
}

func TestInspectInvalid(t *testing.T) {
	_, err := Inspect([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
	_, err = Inspect(nil)
	assert.Error(t, err, "a model without a graph is invalid")
}
