// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package onnx

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// The messages below are the subset of onnx.proto used by the exporter, encoded and decoded directly
// with protowire. Field numbers follow onnx.proto (IR version 8).

// TensorDataType enumerates the element types of ONNX tensors (TensorProto.DataType).
type TensorDataType int32

const (
	DataTypeUndefined TensorDataType = 0
	DataTypeFloat     TensorDataType = 1
	DataTypeInt64     TensorDataType = 7
)

// AttributeType enumerates the types of node attributes (AttributeProto.AttributeType).
type AttributeType int32

const (
	AttributeUndefined AttributeType = 0
	AttributeFloat     AttributeType = 1
	AttributeInt       AttributeType = 2
	AttributeString    AttributeType = 3
	AttributeFloats    AttributeType = 6
	AttributeInts      AttributeType = 7
)

type modelProto struct {
	irVersion       int64
	opsetImports    []opsetID
	producerName    string
	producerVersion string
	domain          string
	modelVersion    int64
	docString       string
	graph           *graphProto
	metadata        []stringPair
}

type opsetID struct {
	domain  string
	version int64
}

type stringPair struct {
	key, value string
}

type graphProto struct {
	nodes        []*nodeProto
	name         string
	initializers []*tensorProto
	docString    string
	inputs       []*valueInfoProto
	outputs      []*valueInfoProto
	valueInfo    []*valueInfoProto
	annotations  []*tensorAnnotation
}

type nodeProto struct {
	inputs, outputs []string
	name            string
	opType          string
	domain          string
	attributes      []*attributeProto
}

type attributeProto struct {
	name   string
	typ    AttributeType
	f      float32
	i      int64
	s      string
	floats []float32
	ints   []int64
}

type tensorProto struct {
	dims     []int64
	dataType TensorDataType
	name     string
	rawData  []byte
}

type valueInfoProto struct {
	name     string
	elemType TensorDataType
	dims     []int64
}

type tensorAnnotation struct {
	tensorName string
	params     []stringPair
}

// Field numbers.
const (
	fieldModelIRVersion       protowire.Number = 1
	fieldModelProducerName    protowire.Number = 2
	fieldModelProducerVersion protowire.Number = 3
	fieldModelDomain          protowire.Number = 4
	fieldModelVersion         protowire.Number = 5
	fieldModelDocString       protowire.Number = 6
	fieldModelGraph           protowire.Number = 7
	fieldModelOpsetImport     protowire.Number = 8
	fieldModelMetadataProps   protowire.Number = 14

	fieldOpsetDomain  protowire.Number = 1
	fieldOpsetVersion protowire.Number = 2

	fieldEntryKey   protowire.Number = 1
	fieldEntryValue protowire.Number = 2

	fieldGraphNode            protowire.Number = 1
	fieldGraphName            protowire.Number = 2
	fieldGraphInitializer     protowire.Number = 5
	fieldGraphDocString       protowire.Number = 10
	fieldGraphInput           protowire.Number = 11
	fieldGraphOutput          protowire.Number = 12
	fieldGraphValueInfo       protowire.Number = 13
	fieldGraphQuantAnnotation protowire.Number = 14

	fieldNodeInput     protowire.Number = 1
	fieldNodeOutput    protowire.Number = 2
	fieldNodeName      protowire.Number = 3
	fieldNodeOpType    protowire.Number = 4
	fieldNodeAttribute protowire.Number = 5
	fieldNodeDomain    protowire.Number = 7

	fieldAttrName   protowire.Number = 1
	fieldAttrF      protowire.Number = 2
	fieldAttrI      protowire.Number = 3
	fieldAttrS      protowire.Number = 4
	fieldAttrFloats protowire.Number = 7
	fieldAttrInts   protowire.Number = 8
	fieldAttrType   protowire.Number = 20

	fieldTensorDims     protowire.Number = 1
	fieldTensorDataType protowire.Number = 2
	fieldTensorName     protowire.Number = 8
	fieldTensorRawData  protowire.Number = 9

	fieldValueInfoName protowire.Number = 1
	fieldValueInfoType protowire.Number = 2
	fieldTypeTensor    protowire.Number = 1
	fieldTensorElem    protowire.Number = 1
	fieldTensorShape   protowire.Number = 2
	fieldShapeDim      protowire.Number = 1
	fieldDimValue      protowire.Number = 1

	fieldAnnotationTensorName protowire.Number = 1
	fieldAnnotationParams     protowire.Number = 2
)

// Encoding: fields are always written in the same order, and zero scalars are skipped, so the output
// only depends on the values.

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendPackedInts(b []byte, num protowire.Number, values []int64) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessage(b, num, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, values []float32) []byte {
	if len(values) == 0 {
		return b
	}
	packed := make([]byte, 0, 4*len(values))
	for _, v := range values {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessage(b, num, packed)
}

func (m *modelProto) marshal() []byte {
	var b []byte
	b = appendVarint(b, fieldModelIRVersion, m.irVersion)
	b = appendString(b, fieldModelProducerName, m.producerName)
	b = appendString(b, fieldModelProducerVersion, m.producerVersion)
	b = appendString(b, fieldModelDomain, m.domain)
	b = appendVarint(b, fieldModelVersion, m.modelVersion)
	b = appendString(b, fieldModelDocString, m.docString)
	if m.graph != nil {
		b = appendMessage(b, fieldModelGraph, m.graph.marshal())
	}
	for _, opset := range m.opsetImports {
		var msg []byte
		msg = appendString(msg, fieldOpsetDomain, opset.domain)
		msg = appendVarint(msg, fieldOpsetVersion, opset.version)
		b = appendMessage(b, fieldModelOpsetImport, msg)
	}
	for _, entry := range m.metadata {
		b = appendMessage(b, fieldModelMetadataProps, entry.marshal())
	}
	return b
}

func (e stringPair) marshal() []byte {
	var b []byte
	b = appendString(b, fieldEntryKey, e.key)
	return appendString(b, fieldEntryValue, e.value)
}

func (g *graphProto) marshal() []byte {
	var b []byte
	for _, node := range g.nodes {
		b = appendMessage(b, fieldGraphNode, node.marshal())
	}
	b = appendString(b, fieldGraphName, g.name)
	for _, tensor := range g.initializers {
		b = appendMessage(b, fieldGraphInitializer, tensor.marshal())
	}
	b = appendString(b, fieldGraphDocString, g.docString)
	for _, vi := range g.inputs {
		b = appendMessage(b, fieldGraphInput, vi.marshal())
	}
	for _, vi := range g.outputs {
		b = appendMessage(b, fieldGraphOutput, vi.marshal())
	}
	for _, vi := range g.valueInfo {
		b = appendMessage(b, fieldGraphValueInfo, vi.marshal())
	}
	for _, annotation := range g.annotations {
		var msg []byte
		msg = appendString(msg, fieldAnnotationTensorName, annotation.tensorName)
		for _, entry := range annotation.params {
			msg = appendMessage(msg, fieldAnnotationParams, entry.marshal())
		}
		b = appendMessage(b, fieldGraphQuantAnnotation, msg)
	}
	return b
}

func (n *nodeProto) marshal() []byte {
	var b []byte
	for _, input := range n.inputs {
		b = protowire.AppendTag(b, fieldNodeInput, protowire.BytesType)
		b = protowire.AppendString(b, input)
	}
	for _, output := range n.outputs {
		b = protowire.AppendTag(b, fieldNodeOutput, protowire.BytesType)
		b = protowire.AppendString(b, output)
	}
	b = appendString(b, fieldNodeName, n.name)
	b = appendString(b, fieldNodeOpType, n.opType)
	for _, attr := range n.attributes {
		b = appendMessage(b, fieldNodeAttribute, attr.marshal())
	}
	return appendString(b, fieldNodeDomain, n.domain)
}

func (a *attributeProto) marshal() []byte {
	var b []byte
	b = appendString(b, fieldAttrName, a.name)
	switch a.typ {
	case AttributeFloat:
		b = protowire.AppendTag(b, fieldAttrF, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.f))
	case AttributeInt:
		// Zero is written explicitly, so the attribute is not taken as missing.
		b = protowire.AppendTag(b, fieldAttrI, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.i))
	case AttributeString:
		b = protowire.AppendTag(b, fieldAttrS, protowire.BytesType)
		b = protowire.AppendString(b, a.s)
	case AttributeFloats:
		b = appendPackedFloats(b, fieldAttrFloats, a.floats)
	case AttributeInts:
		b = appendPackedInts(b, fieldAttrInts, a.ints)
	}
	return appendVarint(b, fieldAttrType, int64(a.typ))
}

func (t *tensorProto) marshal() []byte {
	var b []byte
	b = appendPackedInts(b, fieldTensorDims, t.dims)
	b = appendVarint(b, fieldTensorDataType, int64(t.dataType))
	b = appendString(b, fieldTensorName, t.name)
	b = protowire.AppendTag(b, fieldTensorRawData, protowire.BytesType)
	return protowire.AppendBytes(b, t.rawData)
}

func (v *valueInfoProto) marshal() []byte {
	var shape []byte
	for _, dim := range v.dims {
		var msg []byte
		msg = protowire.AppendTag(msg, fieldDimValue, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(dim))
		shape = appendMessage(shape, fieldShapeDim, msg)
	}
	var tensorType []byte
	tensorType = appendVarint(tensorType, fieldTensorElem, int64(v.elemType))
	tensorType = appendMessage(tensorType, fieldTensorShape, shape)
	var b []byte
	b = appendString(b, fieldValueInfoName, v.name)
	return appendMessage(b, fieldValueInfoType, appendMessage(nil, fieldTypeTensor, tensorType))
}

// floatsRawData returns the little-endian encoding of values, as stored in TensorProto.raw_data.
func floatsRawData(values []float32) []byte {
	raw := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(raw[4*ii:], math.Float32bits(v))
	}
	return raw
}

// int64sRawData returns the little-endian encoding of values, as stored in TensorProto.raw_data.
func int64sRawData(values []int64) []byte {
	raw := make([]byte, 8*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint64(raw[8*ii:], uint64(v))
	}
	return raw
}

// Decoding.

// field is one decoded field of a protobuf message. Only the value matching typ is set.
type field struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed32 uint32
	bytes   []byte
}

// parseFields splits a serialized message into its fields, in order.
func parseFields(b []byte) ([]field, error) {
	var fields []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "invalid tag")
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, errors.Wrapf(protowire.ParseError(n), "invalid value for field %d", num)
		}
		b = b[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

// ints decodes a repeated int64 field, packed or not.
func (f field) ints(values []int64) ([]int64, error) {
	if f.typ == protowire.VarintType {
		return append(values, int64(f.varint)), nil
	}
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, errors.Wrapf(protowire.ParseError(n), "invalid packed value in field %d", f.num)
		}
		values = append(values, int64(v))
		b = b[n:]
	}
	return values, nil
}

// floats decodes a repeated float field, packed or not.
func (f field) floats(values []float32) ([]float32, error) {
	if f.typ == protowire.Fixed32Type {
		return append(values, math.Float32frombits(f.fixed32)), nil
	}
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, errors.Wrapf(protowire.ParseError(n), "invalid packed value in field %d", f.num)
		}
		values = append(values, math.Float32frombits(v))
		b = b[n:]
	}
	return values, nil
}

// walk parses b and calls fn for each field.
func walk(b []byte, fn func(f field) error) error {
	fields, err := parseFields(b)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalModel(b []byte) (*modelProto, error) {
	m := &modelProto{}
	err := walk(b, func(f field) (err error) {
		switch f.num {
		case fieldModelIRVersion:
			m.irVersion = int64(f.varint)
		case fieldModelProducerName:
			m.producerName = string(f.bytes)
		case fieldModelProducerVersion:
			m.producerVersion = string(f.bytes)
		case fieldModelDomain:
			m.domain = string(f.bytes)
		case fieldModelVersion:
			m.modelVersion = int64(f.varint)
		case fieldModelDocString:
			m.docString = string(f.bytes)
		case fieldModelGraph:
			m.graph, err = unmarshalGraph(f.bytes)
		case fieldModelOpsetImport:
			var opset opsetID
			err = walk(f.bytes, func(f field) error {
				switch f.num {
				case fieldOpsetDomain:
					opset.domain = string(f.bytes)
				case fieldOpsetVersion:
					opset.version = int64(f.varint)
				}
				return nil
			})
			m.opsetImports = append(m.opsetImports, opset)
		case fieldModelMetadataProps:
			var entry stringPair
			entry, err = unmarshalStringPair(f.bytes)
			m.metadata = append(m.metadata, entry)
		}
		return
	})
	if err != nil {
		return nil, errors.WithMessage(err, "decoding ModelProto")
	}
	return m, nil
}

func unmarshalStringPair(b []byte) (entry stringPair, err error) {
	err = walk(b, func(f field) error {
		switch f.num {
		case fieldEntryKey:
			entry.key = string(f.bytes)
		case fieldEntryValue:
			entry.value = string(f.bytes)
		}
		return nil
	})
	return
}

func unmarshalGraph(b []byte) (*graphProto, error) {
	g := &graphProto{}
	err := walk(b, func(f field) error {
		switch f.num {
		case fieldGraphNode:
			node, err := unmarshalNode(f.bytes)
			if err != nil {
				return err
			}
			g.nodes = append(g.nodes, node)
		case fieldGraphName:
			g.name = string(f.bytes)
		case fieldGraphInitializer:
			tensor, err := unmarshalTensor(f.bytes)
			if err != nil {
				return err
			}
			g.initializers = append(g.initializers, tensor)
		case fieldGraphDocString:
			g.docString = string(f.bytes)
		case fieldGraphInput, fieldGraphOutput, fieldGraphValueInfo:
			vi, err := unmarshalValueInfo(f.bytes)
			if err != nil {
				return err
			}
			switch f.num {
			case fieldGraphInput:
				g.inputs = append(g.inputs, vi)
			case fieldGraphOutput:
				g.outputs = append(g.outputs, vi)
			default:
				g.valueInfo = append(g.valueInfo, vi)
			}
		case fieldGraphQuantAnnotation:
			annotation := &tensorAnnotation{}
			err := walk(f.bytes, func(f field) error {
				switch f.num {
				case fieldAnnotationTensorName:
					annotation.tensorName = string(f.bytes)
				case fieldAnnotationParams:
					entry, err := unmarshalStringPair(f.bytes)
					if err != nil {
						return err
					}
					annotation.params = append(annotation.params, entry)
				}
				return nil
			})
			if err != nil {
				return err
			}
			g.annotations = append(g.annotations, annotation)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "decoding GraphProto")
	}
	return g, nil
}

func unmarshalNode(b []byte) (*nodeProto, error) {
	n := &nodeProto{}
	err := walk(b, func(f field) error {
		switch f.num {
		case fieldNodeInput:
			n.inputs = append(n.inputs, string(f.bytes))
		case fieldNodeOutput:
			n.outputs = append(n.outputs, string(f.bytes))
		case fieldNodeName:
			n.name = string(f.bytes)
		case fieldNodeOpType:
			n.opType = string(f.bytes)
		case fieldNodeDomain:
			n.domain = string(f.bytes)
		case fieldNodeAttribute:
			attr, err := unmarshalAttribute(f.bytes)
			if err != nil {
				return err
			}
			n.attributes = append(n.attributes, attr)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "decoding NodeProto")
	}
	return n, nil
}

func unmarshalAttribute(b []byte) (*attributeProto, error) {
	a := &attributeProto{}
	err := walk(b, func(f field) (err error) {
		switch f.num {
		case fieldAttrName:
			a.name = string(f.bytes)
		case fieldAttrF:
			a.f = math.Float32frombits(f.fixed32)
		case fieldAttrI:
			a.i = int64(f.varint)
		case fieldAttrS:
			a.s = string(f.bytes)
		case fieldAttrFloats:
			a.floats, err = f.floats(a.floats)
		case fieldAttrInts:
			a.ints, err = f.ints(a.ints)
		case fieldAttrType:
			a.typ = AttributeType(f.varint)
		}
		return
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding attribute %q", a.name)
	}
	return a, nil
}

func unmarshalTensor(b []byte) (*tensorProto, error) {
	t := &tensorProto{}
	err := walk(b, func(f field) (err error) {
		switch f.num {
		case fieldTensorDims:
			t.dims, err = f.ints(t.dims)
		case fieldTensorDataType:
			t.dataType = TensorDataType(f.varint)
		case fieldTensorName:
			t.name = string(f.bytes)
		case fieldTensorRawData:
			t.rawData = f.bytes
		}
		return
	})
	if err != nil {
		return nil, errors.WithMessage(err, "decoding TensorProto")
	}
	return t, nil
}

func unmarshalValueInfo(b []byte) (*valueInfoProto, error) {
	v := &valueInfoProto{}
	err := walk(b, func(f field) error {
		switch f.num {
		case fieldValueInfoName:
			v.name = string(f.bytes)
		case fieldValueInfoType:
			return walk(f.bytes, func(f field) error {
				if f.num != fieldTypeTensor {
					return nil
				}
				return walk(f.bytes, func(f field) error {
					switch f.num {
					case fieldTensorElem:
						v.elemType = TensorDataType(f.varint)
					case fieldTensorShape:
						return walk(f.bytes, func(f field) error {
							if f.num != fieldShapeDim {
								return nil
							}
							var dim int64
							err := walk(f.bytes, func(f field) error {
								if f.num == fieldDimValue {
									dim = int64(f.varint)
								}
								return nil
							})
							v.dims = append(v.dims, dim)
							return err
						})
					}
					return nil
				})
			})
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "decoding ValueInfoProto")
	}
	return v, nil
}
