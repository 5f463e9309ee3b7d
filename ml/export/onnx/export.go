// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

// Package onnx exports a model to the ONNX interchange format, with quantized tensors expressed as
// QONNX "Quant" operators (domain "qonnx.custom_op.general"), as consumed by FINN and other
// dataflow compilers.
//
// The export traces one forward pass of the model on a placeholder input, checks that every traced
// tensor has a resolved representation and that the layer instances form an acyclic dependency graph,
// and serializes the nodes in creation order. The output is deterministic: exporting the same model
// (same variable values) twice yields the same bytes.
package onnx

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/qstarter/qstarter/graph"
	"github.com/qstarter/qstarter/ml/layers"
	"github.com/qstarter/qstarter/ml/quant"
	"github.com/qstarter/qstarter/pkg/support/fsutil"
	"github.com/qstarter/qstarter/pkg/support/sets"
	"github.com/qstarter/qstarter/types/qerrors"
	"github.com/qstarter/qstarter/types/shapes"
	"k8s.io/klog/v2"
)

const (
	// IRVersion of the ONNX format written.
	IRVersion = 8

	// OpsetVersion of the default ("ai.onnx") operator set.
	OpsetVersion = 13

	// QONNXDomain is the domain of the Quant operator.
	QONNXDomain = "qonnx.custom_op.general"

	// QONNXOpsetVersion is the version of the QONNXDomain operator set.
	QONNXOpsetVersion = 1

	// InputName is the name of the graph input.
	InputName = "input"

	// OutputName is the name of the graph output.
	OutputName = "output"

	// DefaultProducerName and DefaultProducerVersion are written in the model, unless changed with WithProducer.
	DefaultProducerName    = "qstarter"
	DefaultProducerVersion = "0.1.0"

	// DefaultGraphName is used unless changed with WithGraphName.
	DefaultGraphName = "qstarter"

	// FinnDataTypeKey is the quantization annotation with the integer type of a quantized tensor.
	FinnDataTypeKey = "finn_datatype"

	// GraphIDKey is the metadata property holding the deterministic id of the exported graph.
	GraphIDKey = "graph_id"
)

// graphIDNamespace is the UUID namespace of the graph ids: a graph id is the UUID v5 of the serialized graph.
var graphIDNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("github.com/qstarter/qstarter/onnx"))

// Option configures Export and Marshal.
type Option func(o *options)

type options struct {
	graphName                     string
	producerName, producerVersion string
	docString                     string
	modelVersion                  int64
}

// WithGraphName sets the name of the exported graph.
func WithGraphName(name string) Option {
	return func(o *options) { o.graphName = name }
}

// WithProducer sets the producer name and version written in the model.
func WithProducer(name, version string) Option {
	return func(o *options) { o.producerName, o.producerVersion = name, version }
}

// WithDocString sets a free-form description of the model.
func WithDocString(doc string) Option {
	return func(o *options) { o.docString = doc }
}

// WithModelVersion sets the version of the model. The default is 0, in which case it is omitted.
func WithModelVersion(version int64) Option {
	return func(o *options) { o.modelVersion = version }
}

// Export traces the model on an input of the given shape and writes the ONNX graph with all its
// parameters to destination.
//
// The file is written atomically: on failure destination is not created (or not changed, if it
// already existed). Export failures are returned as *qerrors.ExportError, and write failures as
// *qerrors.ArtifactWriteError.
func Export(model layers.Layer, inputShape shapes.Shape, destination string, opts ...Option) error {
	data, err := Marshal(model, inputShape, opts...)
	if err != nil {
		return err
	}
	path, err := fsutil.ReplaceTildeInDir(destination)
	if err != nil {
		return qerrors.ArtifactWrite(destination, err)
	}
	err = fsutil.WriteFileAtomic(path, 0o644, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return qerrors.ArtifactWrite(path, err)
	}
	klog.Infof("exported %s to %q (%s)", model.Name(), path, humanize.Bytes(uint64(len(data))))
	return nil
}

// Marshal traces the model on an input of the given shape, and returns the serialized ONNX model.
func Marshal(model layers.Layer, inputShape shapes.Shape, opts ...Option) ([]byte, error) {
	o := &options{
		graphName:       DefaultGraphName,
		producerName:    DefaultProducerName,
		producerVersion: DefaultProducerVersion,
	}
	for _, opt := range opts {
		opt(o)
	}
	g, err := Trace(model, inputShape, o.graphName)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = exceptions.TryCatch[error](func() {
		if err := validate(g); err != nil {
			panic(err)
		}
		if err := checkAcyclic(g); err != nil {
			panic(err)
		}
		data = newConverter(g, o).convert().marshal()
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "exporting %s", model.Name())
	}
	klog.V(1).Infof("serialized %s: %d graph nodes, %s", model.Name(), g.NumNodes(), humanize.Bytes(uint64(len(data))))
	return data, nil
}

// Trace runs one symbolic forward pass of the model on a Float32 input named InputName of the
// given shape, and returns the graph with the model output set as its only output.
//
// Panics of the layers are returned as errors.
func Trace(model layers.Layer, inputShape shapes.Shape, name string) (*graph.Graph, error) {
	g := graph.New(name)
	err := exceptions.TryCatch[error](func() {
		x := graph.Parameter(g, InputName, inputShape)
		g.SetOutputs(model.Call(x))
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "tracing %s on input shaped %s", model.Name(), inputShape)
	}
	return g, nil
}

// validate checks that every node can be exported: a supported op with a resolved representation
// whose params match its policy.
func validate(g *graph.Graph) error {
	for _, node := range g.Nodes() {
		repr := node.Representation()
		if !repr.IsResolved() {
			return qerrors.Exportf("node %s (owned by %q) has an unresolved representation", node, node.Owner())
		}
		if repr.IsQuantized() {
			if err := repr.Policy().Validate(repr.Params()); err != nil {
				return qerrors.Exportf("node %s (owned by %q): %v", node, node.Owner(), err)
			}
		}
		if _, found := onnxOpTypes[node.Type()]; !found && node.Type() != graph.NodeTypeParameter && node.Type() != graph.NodeTypeVariable {
			return qerrors.Exportf("node %s (owned by %q) has no equivalent ONNX operator", node, node.Owner())
		}
		if node.DType() != dtypes.Float32 {
			return qerrors.Exportf("node %s (owned by %q) has unsupported dtype %s", node, node.Owner(), node.DType())
		}
	}
	for _, output := range g.Outputs() {
		if output.Type() == graph.NodeTypeParameter || output.Type() == graph.NodeTypeVariable {
			return qerrors.Exportf("graph output %s is not computed by any op", output)
		}
	}
	return nil
}

var onnxOpTypes = map[graph.NodeType]string{
	graph.NodeTypeQuant:       "Quant",
	graph.NodeTypeConv:        "Conv",
	graph.NodeTypeBatchNorm:   "BatchNormalization",
	graph.NodeTypeRelu:        "Relu",
	graph.NodeTypeAveragePool: "AveragePool",
	graph.NodeTypeReshape:     "Reshape",
	graph.NodeTypeConcat:      "Concat",
}

// converter builds the ONNX messages of a validated graph.
type converter struct {
	g     *graph.Graph
	opts  *options
	names []string // tensor name of each node, by id.
	proto *graphProto
}

func newConverter(g *graph.Graph, opts *options) *converter {
	c := &converter{g: g, opts: opts, names: make([]string, g.NumNodes())}
	for _, node := range g.Nodes() {
		switch node.Type() {
		case graph.NodeTypeParameter:
			c.names[node.Id()] = node.ParameterName()
		case graph.NodeTypeVariable:
			c.names[node.Id()] = node.VariableName()
		default:
			c.names[node.Id()] = fmt.Sprintf("t%d", node.Id())
		}
	}
	for ii, output := range g.Outputs() {
		name := OutputName
		if ii > 0 {
			name = fmt.Sprintf("%s_%d", OutputName, ii)
		}
		c.names[output.Id()] = name
	}
	return c
}

func (c *converter) name(node *graph.Node) string { return c.names[node.Id()] }

func (c *converter) inputNames(node *graph.Node) []string {
	names := make([]string, 0, len(node.Inputs()))
	for _, input := range node.Inputs() {
		names = append(names, c.name(input))
	}
	return names
}

// convert returns the full ModelProto.
func (c *converter) convert() *modelProto {
	c.proto = &graphProto{name: c.opts.graphName}
	outputs := sets.MakeWith(c.g.Outputs()...)
	for _, node := range c.g.Nodes() {
		switch node.Type() {
		case graph.NodeTypeParameter:
			c.proto.inputs = append(c.proto.inputs, valueInfo(c.name(node), node.Shape()))
			continue
		case graph.NodeTypeVariable:
			c.proto.initializers = append(c.proto.initializers, &tensorProto{
				name:     c.name(node),
				dataType: DataTypeFloat,
				dims:     dims64(node.Shape().Dimensions),
				rawData:  node.VariableValue().Bytes(),
			})
			continue
		}
		c.proto.nodes = append(c.proto.nodes, c.convertNode(node))
		if !outputs.Has(node) {
			c.proto.valueInfo = append(c.proto.valueInfo, valueInfo(c.name(node), node.Shape()))
		}
		if repr := node.Representation(); repr.IsQuantized() {
			c.proto.annotations = append(c.proto.annotations, &tensorAnnotation{
				tensorName: c.name(node),
				params:     []stringPair{{key: FinnDataTypeKey, value: repr.Policy().DataType()}},
			})
		}
	}
	for _, output := range c.g.Outputs() {
		c.proto.outputs = append(c.proto.outputs, valueInfo(c.name(output), output.Shape()))
	}

	graphBytes := c.proto.marshal()
	return &modelProto{
		irVersion: IRVersion,
		opsetImports: []opsetID{
			{domain: "", version: OpsetVersion},
			{domain: QONNXDomain, version: QONNXOpsetVersion},
		},
		producerName:    c.opts.producerName,
		producerVersion: c.opts.producerVersion,
		modelVersion:    c.opts.modelVersion,
		docString:       c.opts.docString,
		graph:           c.proto,
		metadata: []stringPair{
			{key: GraphIDKey, value: uuid.NewSHA1(graphIDNamespace, graphBytes).String()},
			{key: "input_layout", value: "NCHW"},
		},
	}
}

// convertNode returns the ONNX node of an op, creating the initializers of its static inputs.
func (c *converter) convertNode(node *graph.Node) *nodeProto {
	opType := onnxOpTypes[node.Type()]
	n := &nodeProto{
		name:    fmt.Sprintf("%s_%d", opType, node.Id()),
		opType:  opType,
		inputs:  c.inputNames(node),
		outputs: []string{c.name(node)},
	}
	switch node.Type() {
	case graph.NodeTypeQuant:
		c.convertQuant(node, n)
	case graph.NodeTypeConv:
		config := node.ConvConfig()
		kernel := node.Inputs()[1].Shape()
		n.attributes = []*attributeProto{
			intsAttr("dilations", 1, 1),
			intAttr("group", config.Groups),
			intsAttr("kernel_shape", kernel.Dim(2), kernel.Dim(3)),
			intsAttr("pads", config.Padding[0], config.Padding[1], config.Padding[0], config.Padding[1]),
			intsAttr("strides", config.Strides[0], config.Strides[1]),
		}
	case graph.NodeTypeBatchNorm:
		n.attributes = []*attributeProto{
			{name: "epsilon", typ: AttributeFloat, f: float32(node.BatchNormEpsilon())},
		}
	case graph.NodeTypeAveragePool:
		config := node.PoolConfig()
		n.attributes = []*attributeProto{
			intsAttr("kernel_shape", config.Kernel[0], config.Kernel[1]),
			intsAttr("pads", config.Padding[0], config.Padding[1], config.Padding[0], config.Padding[1]),
			intsAttr("strides", config.Strides[0], config.Strides[1]),
		}
	case graph.NodeTypeReshape:
		shapeName := n.name + ".shape"
		dims := dims64(node.Shape().Dimensions)
		c.proto.initializers = append(c.proto.initializers, &tensorProto{
			name:     shapeName,
			dataType: DataTypeInt64,
			dims:     []int64{int64(len(dims))},
			rawData:  int64sRawData(dims),
		})
		n.inputs = append(n.inputs, shapeName)
	case graph.NodeTypeConcat:
		n.attributes = []*attributeProto{intAttr("axis", node.ConcatAxis())}
	}
	return n
}

// convertQuant fills in the QONNX Quant node: inputs are (X, scale, zeropt, bitwidth), the last three
// as initializers. Per-channel scales are shaped to broadcast on the channel axis.
func (c *converter) convertQuant(node *graph.Node, n *nodeProto) {
	n.domain = QONNXDomain
	repr := node.Representation()
	policy, params := repr.Policy(), repr.Params()
	var scaleDims []int64
	if policy.Granularity() == quant.PerChannel {
		scaleDims = make([]int64, node.Rank())
		for axis := range scaleDims {
			scaleDims[axis] = 1
		}
		scaleDims[policy.ChannelAxis()] = int64(len(params.Scale))
	}
	for _, param := range []struct {
		suffix string
		dims   []int64
		values []float32
	}{
		{"scale", scaleDims, params.Scale},
		{"zeropt", scaleDims, params.ZeroPoint},
		{"bitwidth", nil, []float32{float32(params.BitWidth)}},
	} {
		name := fmt.Sprintf("%s.%s", n.name, param.suffix)
		c.proto.initializers = append(c.proto.initializers, &tensorProto{
			name:     name,
			dataType: DataTypeFloat,
			dims:     param.dims,
			rawData:  floatsRawData(param.values),
		})
		n.inputs = append(n.inputs, name)
	}
	n.attributes = []*attributeProto{
		boolAttr("narrow", params.Narrow),
		{name: "rounding_mode", typ: AttributeString, s: "ROUND"},
		boolAttr("signed", params.Signed),
	}
}

func intAttr(name string, value int) *attributeProto {
	return &attributeProto{name: name, typ: AttributeInt, i: int64(value)}
}

func boolAttr(name string, value bool) *attributeProto {
	if value {
		return intAttr(name, 1)
	}
	return intAttr(name, 0)
}

func intsAttr(name string, values ...int) *attributeProto {
	return &attributeProto{name: name, typ: AttributeInts, ints: dims64(values)}
}

func dims64(dims []int) []int64 {
	values := make([]int64, len(dims))
	for ii, dim := range dims {
		values[ii] = int64(dim)
	}
	return values
}

func valueInfo(name string, shape shapes.Shape) *valueInfoProto {
	return &valueInfoProto{name: name, elemType: DataTypeFloat, dims: dims64(shape.Dimensions)}
}
