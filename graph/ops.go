// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"

	. "github.com/gomlx/exceptions"
	"github.com/qstarter/qstarter/ml/quant"
	"github.com/qstarter/qstarter/types/qerrors"
	"github.com/qstarter/qstarter/types/shapes"
	"github.com/qstarter/qstarter/types/tensors"
)

type nodeInputsParameter struct {
	name string
}

func (ni *nodeInputsParameter) Type() NodeType { return NodeTypeParameter }
func (ni *nodeInputsParameter) String() string { return fmt.Sprintf("Parameter(%q)", ni.name) }

type nodeInputsVariable struct {
	name  string
	value *tensors.Tensor
}

func (ni *nodeInputsVariable) Type() NodeType { return NodeTypeVariable }
func (ni *nodeInputsVariable) String() string { return fmt.Sprintf("Variable(%q)", ni.name) }

// VariableName returns the full name of the variable (scope and name).
// It panics if node is not a variable.
func (n *Node) VariableName() string {
	n.assertType(NodeTypeVariable)
	return n.inputs.(*nodeInputsVariable).name
}

// VariableValue returns the value of the variable at the time it was used in the graph.
// It panics if node is not a variable.
func (n *Node) VariableValue() *tensors.Tensor {
	n.assertType(NodeTypeVariable)
	return n.inputs.(*nodeInputsVariable).value
}

type nodeInputsQuant struct {
	policy quant.Policy
}

func (ni *nodeInputsQuant) Type() NodeType { return NodeTypeQuant }
func (ni *nodeInputsQuant) String() string { return fmt.Sprintf("Quant(%s)", ni.policy) }

// Quant quantizes x with the given policy and params: the output has the Quantized representation.
//
// It panics with a *qerrors.QuantizationResolutionError if the policy is not resolved or the params
// don't match it, including per-channel params whose scale count differs from the size of the
// quantized channel axis.
func Quant(x *Node, policy quant.Policy, params quant.Params) *Node {
	g := validateBuildingGraphFromInputs(x)
	if err := policy.Validate(params); err != nil {
		panic(qerrors.QuantizationResolutionf(g.owner, "%v", err))
	}
	if policy.Granularity() == quant.PerChannel {
		axis := policy.ChannelAxis()
		if x.Rank() <= axis || x.shape.Dim(axis) != len(params.Scale) {
			panic(qerrors.QuantizationResolutionf(g.owner, "%s has %d scale factors, but the input is shaped %s (channels on axis %d)",
				policy, len(params.Scale), x.shape, axis))
		}
	}
	return g.newNode(&nodeInputsQuant{policy: policy}, x.shape.Clone(), Quantized(policy, params), x)
}

// ConvConfig holds the static attributes of a 2D convolution, on NCHW inputs and OIHW kernels.
type ConvConfig struct {
	Strides [2]int

	// Padding is symmetric: the same amount of zeros is added at both sides of each spatial axis.
	Padding [2]int

	// Groups splits the input channels in groups convolved independently. Groups equal to
	// the number of input channels is a depthwise convolution.
	Groups int
}

type nodeInputsConv struct {
	config ConvConfig
}

func (ni *nodeInputsConv) Type() NodeType { return NodeTypeConv }
func (ni *nodeInputsConv) String() string {
	return fmt.Sprintf("Conv(strides=%v, padding=%v, groups=%d)", ni.config.Strides, ni.config.Padding, ni.config.Groups)
}

// Conv convolves x, shaped [batch, inChannels, height, width], with the kernel shaped
// [outChannels, inChannels/groups, kernelHeight, kernelWidth]. There is no bias.
//
// The output is the real-valued accumulator (Float representation).
func Conv(x, kernel *Node, config ConvConfig) *Node {
	g := validateBuildingGraphFromInputs(x, kernel)
	if x.Rank() != 4 || kernel.Rank() != 4 {
		Panicf("Conv requires input and kernel of rank 4, got x.shape=%s and kernel.shape=%s", x.shape, kernel.shape)
	}
	if config.Groups <= 0 {
		Panicf("Conv groups must be > 0, got %d", config.Groups)
	}
	inChannels, outChannels := x.shape.Dim(1), kernel.shape.Dim(0)
	if kernel.shape.Dim(1)*config.Groups != inChannels {
		Panicf("Conv with %d groups: kernel shaped %s doesn't match the %d input channels of x (shape %s)",
			config.Groups, kernel.shape, inChannels, x.shape)
	}
	if outChannels%config.Groups != 0 {
		Panicf("Conv with %d groups: %d output channels are not divisible by the number of groups",
			config.Groups, outChannels)
	}
	dims := []int{x.shape.Dim(0), outChannels, 0, 0}
	for axis := range 2 {
		dims[2+axis] = shapes.ConvOutputDim(x.shape.Dim(2+axis), kernel.shape.Dim(2+axis), config.Strides[axis], config.Padding[axis])
		if dims[2+axis] <= 0 {
			Panicf("Conv of x shaped %s with kernel shaped %s, strides=%v and padding=%v has an empty output",
				x.shape, kernel.shape, config.Strides, config.Padding)
		}
	}
	return g.newNode(&nodeInputsConv{config: config}, shapes.Make(x.DType(), dims...), Float(), x, kernel)
}

// ConvConfig returns the static attributes of a Conv node.
// It panics if node is not a Conv.
func (n *Node) ConvConfig() ConvConfig {
	n.assertType(NodeTypeConv)
	return n.inputs.(*nodeInputsConv).config
}

type nodeInputsBatchNorm struct {
	epsilon float64
}

func (ni *nodeInputsBatchNorm) Type() NodeType { return NodeTypeBatchNorm }
func (ni *nodeInputsBatchNorm) String() string {
	return fmt.Sprintf("BatchNorm(epsilon=%g)", ni.epsilon)
}

// BatchNorm normalizes x, shaped [batch, channels, ...], with the running mean and variance, and then
// applies the affine transformation with scale and offset. All four are shaped [channels].
//
// The output is always real-valued (Float).
func BatchNorm(x, scale, offset, mean, variance *Node, epsilon float64) *Node {
	g := validateBuildingGraphFromInputs(x, scale, offset, mean, variance)
	if x.Rank() < 2 {
		Panicf("BatchNorm requires x with a channels axis, got shape %s", x.shape)
	}
	channels := x.shape.Dim(1)
	for ii, param := range []*Node{scale, offset, mean, variance} {
		if param.Rank() != 1 || param.shape.Dim(0) != channels {
			Panicf("BatchNorm parameter #%d shaped %s, but x shaped %s has %d channels", ii, param.shape, x.shape, channels)
		}
	}
	if !(epsilon > 0) {
		Panicf("BatchNorm epsilon must be > 0, got %g", epsilon)
	}
	return g.newNode(&nodeInputsBatchNorm{epsilon: epsilon}, x.shape.Clone(), Float(), x, scale, offset, mean, variance)
}

// BatchNormEpsilon returns the epsilon of a BatchNorm node.
// It panics if node is not a BatchNorm.
func (n *Node) BatchNormEpsilon() float64 {
	n.assertType(NodeTypeBatchNorm)
	return n.inputs.(*nodeInputsBatchNorm).epsilon
}

type nodeInputsRelu struct{}

func (ni *nodeInputsRelu) Type() NodeType { return NodeTypeRelu }
func (ni *nodeInputsRelu) String() string { return "Relu" }

// Relu returns max(x, 0), real-valued.
func Relu(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	return g.newNode(&nodeInputsRelu{}, x.shape.Clone(), Float(), x)
}

// PoolConfig holds the static attributes of a 2D pooling, on NCHW inputs.
type PoolConfig struct {
	Kernel  [2]int
	Strides [2]int
	Padding [2]int
}

type nodeInputsAveragePool struct {
	config PoolConfig
}

func (ni *nodeInputsAveragePool) Type() NodeType { return NodeTypeAveragePool }
func (ni *nodeInputsAveragePool) String() string {
	return fmt.Sprintf("AveragePool(kernel=%v, strides=%v, padding=%v)", ni.config.Kernel, ni.config.Strides, ni.config.Padding)
}

// AveragePool takes the mean of each window of the spatial axes of x, shaped [batch, channels, height, width].
func AveragePool(x *Node, config PoolConfig) *Node {
	g := validateBuildingGraphFromInputs(x)
	if x.Rank() != 4 {
		Panicf("AveragePool requires x of rank 4, got shape %s", x.shape)
	}
	dims := slices.Clone(x.shape.Dimensions)
	for axis := range 2 {
		dims[2+axis] = shapes.ConvOutputDim(dims[2+axis], config.Kernel[axis], config.Strides[axis], config.Padding[axis])
		if dims[2+axis] <= 0 {
			Panicf("AveragePool of x shaped %s with kernel=%v, strides=%v and padding=%v has an empty output",
				x.shape, config.Kernel, config.Strides, config.Padding)
		}
	}
	return g.newNode(&nodeInputsAveragePool{config: config}, shapes.Make(x.DType(), dims...), Float(), x)
}

// PoolConfig returns the static attributes of an AveragePool node.
// It panics if node is not an AveragePool.
func (n *Node) PoolConfig() PoolConfig {
	n.assertType(NodeTypeAveragePool)
	return n.inputs.(*nodeInputsAveragePool).config
}

type nodeInputsReshape struct {
	dimensions []int
}

func (ni *nodeInputsReshape) Type() NodeType { return NodeTypeReshape }
func (ni *nodeInputsReshape) String() string { return fmt.Sprintf("Reshape(%v)", ni.dimensions) }

// Reshape x to the given dimensions. One of them can be -1, in which case it is inferred from the
// size of x.
//
// A per-tensor quantized input stays quantized with the same params, anything else becomes Float.
func Reshape(x *Node, dimensions ...int) *Node {
	g := validateBuildingGraphFromInputs(x)
	dims := slices.Clone(dimensions)
	inferredAxis := -1
	known := 1
	for axis, dim := range dims {
		switch {
		case dim == -1 && inferredAxis == -1:
			inferredAxis = axis
		case dim == -1:
			Panicf("Reshape(%v): only one dimension can be -1", dimensions)
		case dim <= 0:
			Panicf("Reshape(%v): invalid dimension %d", dimensions, dim)
		default:
			known *= dim
		}
	}
	size := x.shape.Size()
	if inferredAxis >= 0 {
		if size%known != 0 {
			Panicf("Reshape(%v): size %d of x (shape %s) is not divisible by %d", dimensions, size, x.shape, known)
		}
		dims[inferredAxis] = size / known
	} else if known != size {
		Panicf("Reshape(%v): size %d of x (shape %s) doesn't match", dimensions, size, x.shape)
	}
	repr := Float()
	if x.repr.IsQuantized() && x.repr.Policy().Granularity() == quant.PerTensor {
		repr = x.repr
	}
	return g.newNode(&nodeInputsReshape{dimensions: dimensions}, shapes.Make(x.DType(), dims...), repr, x)
}

// ReshapeDimensions returns the dimensions given to Reshape, possibly including a -1.
// The resolved dimensions are given by the node's shape.
// It panics if node is not a Reshape.
func (n *Node) ReshapeDimensions() []int {
	n.assertType(NodeTypeReshape)
	return n.inputs.(*nodeInputsReshape).dimensions
}

type nodeInputsConcat struct {
	axis int
}

func (ni *nodeInputsConcat) Type() NodeType { return NodeTypeConcat }
func (ni *nodeInputsConcat) String() string { return fmt.Sprintf("Concat(axis=%d)", ni.axis) }

// Concat concatenates the operands along the given axis, in order. All other axes must match.
// The output is Float.
func Concat(axis int, operands ...*Node) *Node {
	g := validateBuildingGraphFromInputs(operands...)
	first := operands[0].shape
	if axis < 0 || axis >= first.Rank() {
		Panicf("Concat axis %d out of range for operands of rank %d", axis, first.Rank())
	}
	dims := slices.Clone(first.Dimensions)
	for ii, operand := range operands[1:] {
		if operand.Rank() != first.Rank() || operand.DType() != first.DType {
			Panicf("Concat operand #%d shaped %s is incompatible with operand #0 shaped %s", ii+1, operand.shape, first)
		}
		for otherAxis, dim := range operand.shape.Dimensions {
			if otherAxis == axis {
				dims[axis] += dim
			} else if dim != first.Dimensions[otherAxis] {
				Panicf("Concat operand #%d shaped %s is incompatible with operand #0 shaped %s on axis %d",
					ii+1, operand.shape, first, otherAxis)
			}
		}
	}
	return g.newNode(&nodeInputsConcat{axis: axis}, shapes.Make(first.DType, dims...), Float(), operands...)
}

// ConcatAxis returns the axis of a Concat node.
// It panics if node is not a Concat.
func (n *Node) ConcatAxis() int {
	n.assertType(NodeTypeConcat)
	return n.inputs.(*nodeInputsConcat).axis
}

type nodeInputsCustom struct {
	opType string
}

func (ni *nodeInputsCustom) Type() NodeType { return NodeTypeCustom }
func (ni *nodeInputsCustom) String() string { return fmt.Sprintf("Custom(%q)", ni.opType) }

// Custom records an op unknown to this package, for layers that are traced but have no standard
// operator: its output shape and representation must be given by the caller.
//
// The exporter rejects Custom nodes.
func Custom(opType string, shape shapes.Shape, repr Representation, inputs ...*Node) *Node {
	g := validateBuildingGraphFromInputs(inputs...)
	if opType == "" {
		Panicf("Custom op requires an op type")
	}
	if !shape.Ok() {
		Panicf("Custom op %q: invalid output shape %s", opType, shape)
	}
	return g.newNode(&nodeInputsCustom{opType: opType}, shape.Clone(), repr, inputs...)
}

// CustomOpType returns the op type given to Custom.
// It panics if node is not a Custom.
func (n *Node) CustomOpType() string {
	n.assertType(NodeTypeCustom)
	return n.inputs.(*nodeInputsCustom).opType
}
