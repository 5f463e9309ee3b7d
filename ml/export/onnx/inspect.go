// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package onnx

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Summary of a serialized ONNX model, as decoded by Inspect.
type Summary struct {
	IRVersion       int64
	Opsets          map[string]int64
	ProducerName    string
	ProducerVersion string
	GraphName       string
	Metadata        map[string]string

	Nodes        []NodeSummary
	Initializers []TensorSummary
	Inputs       []TensorSummary
	Outputs      []TensorSummary

	// Annotations maps tensor names to their quantization annotations (e.g. "finn_datatype").
	Annotations map[string]map[string]string
}

// NodeSummary describes one operator of the graph.
type NodeSummary struct {
	Name, OpType, Domain string
	Inputs, Outputs      []string
	Attributes           map[string]Attribute
}

// Attribute is the decoded value of a node attribute: only the field of its Type is set.
type Attribute struct {
	Type   AttributeType
	Int    int64
	Float  float32
	String string
	Ints   []int64
	Floats []float32
}

// TensorSummary describes an initializer or a graph input/output.
type TensorSummary struct {
	Name       string
	DataType   TensorDataType
	Dimensions []int64

	// Size in bytes of the data, for initializers.
	Size int
}

// Inspect decodes a serialized ONNX model, as written by Export.
func Inspect(data []byte) (*Summary, error) {
	model, err := unmarshalModel(data)
	if err != nil {
		return nil, errors.WithMessage(err, "inspecting ONNX model")
	}
	if model.graph == nil {
		return nil, errors.New("inspecting ONNX model: no graph found")
	}
	s := &Summary{
		IRVersion:       model.irVersion,
		Opsets:          make(map[string]int64, len(model.opsetImports)),
		ProducerName:    model.producerName,
		ProducerVersion: model.producerVersion,
		GraphName:       model.graph.name,
		Metadata:        make(map[string]string, len(model.metadata)),
		Annotations:     make(map[string]map[string]string, len(model.graph.annotations)),
	}
	for _, opset := range model.opsetImports {
		s.Opsets[opset.domain] = opset.version
	}
	for _, entry := range model.metadata {
		s.Metadata[entry.key] = entry.value
	}
	for _, node := range model.graph.nodes {
		ns := NodeSummary{
			Name:       node.name,
			OpType:     node.opType,
			Domain:     node.domain,
			Inputs:     node.inputs,
			Outputs:    node.outputs,
			Attributes: make(map[string]Attribute, len(node.attributes)),
		}
		for _, attr := range node.attributes {
			ns.Attributes[attr.name] = Attribute{
				Type:   attr.typ,
				Int:    attr.i,
				Float:  attr.f,
				String: attr.s,
				Ints:   attr.ints,
				Floats: attr.floats,
			}
		}
		s.Nodes = append(s.Nodes, ns)
	}
	for _, tensor := range model.graph.initializers {
		s.Initializers = append(s.Initializers, TensorSummary{
			Name:       tensor.name,
			DataType:   tensor.dataType,
			Dimensions: tensor.dims,
			Size:       len(tensor.rawData),
		})
	}
	for _, vi := range model.graph.inputs {
		s.Inputs = append(s.Inputs, TensorSummary{Name: vi.name, DataType: vi.elemType, Dimensions: vi.dims})
	}
	for _, vi := range model.graph.outputs {
		s.Outputs = append(s.Outputs, TensorSummary{Name: vi.name, DataType: vi.elemType, Dimensions: vi.dims})
	}
	for _, annotation := range model.graph.annotations {
		params := make(map[string]string, len(annotation.params))
		for _, entry := range annotation.params {
			params[entry.key] = entry.value
		}
		s.Annotations[annotation.tensorName] = params
	}
	return s, nil
}

// InspectFile reads and decodes the ONNX model in path.
func InspectFile(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", path)
	}
	return Inspect(data)
}

// OpTypeCounts returns the number of nodes per op type.
func (s *Summary) OpTypeCounts() map[string]int {
	counts := make(map[string]int)
	for _, node := range s.Nodes {
		counts[node.OpType]++
	}
	return counts
}

// NumParameters is the total number of float values in the initializers.
func (s *Summary) NumParameters() (total int) {
	for _, tensor := range s.Initializers {
		if tensor.DataType == DataTypeFloat {
			total += tensor.Size / 4
		}
	}
	return
}

// String implements fmt.Stringer.
func (s *Summary) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "ONNX model: IR version %d, producer %s %s\n", s.IRVersion, s.ProducerName, s.ProducerVersion)
	_, _ = fmt.Fprintf(&sb, "graph %q: %d nodes, %d initializers, %d annotated tensors\n",
		s.GraphName, len(s.Nodes), len(s.Initializers), len(s.Annotations))
	for _, vi := range s.Inputs {
		_, _ = fmt.Fprintf(&sb, "  input %s: %v\n", vi.Name, vi.Dimensions)
	}
	for _, vi := range s.Outputs {
		_, _ = fmt.Fprintf(&sb, "  output %s: %v\n", vi.Name, vi.Dimensions)
	}
	return sb.String()
}
