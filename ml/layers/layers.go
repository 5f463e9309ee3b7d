// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

// Package layers holds the quantized layers and blocks models are composed of: quantized
// convolutions, activations and requantizers, floating point batch normalization, and the
// ConvBlock / DwsConvBlock compositions.
//
// Layers are built from a Spec, a plain configuration struct (e.g. QuantConv2DConfig). Specs
// declare their input and output channels before anything is allocated, so compositions (see
// Sequential) can validate the adjacency of all their members first, and only then build them,
// children before parents. Each built Layer owns its variables, created in its own scope of the
// Context, and is owned by exactly one parent.
//
// A small convention on naming: typically layers are nouns (like "QuantConv2D", "BatchNorm2D"),
// while computations (in package graph) are usually verbs or operator names ("Conv", "Quant", etc.).
package layers

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/qstarter/qstarter/graph"
	"github.com/qstarter/qstarter/ml/context"
	"github.com/qstarter/qstarter/ml/quant"
	"github.com/qstarter/qstarter/types/qerrors"
	"github.com/qstarter/qstarter/types/tensors"
)

// Layer is a built layer instance.
type Layer interface {
	fmt.Stringer

	// Name is the full scope of the layer, e.g. "/stage1/dwconv2/pw_conv". It prefixes the names of
	// the layer's variables, and it's the owner of the graph nodes the layer creates.
	Name() string

	// InChannels expected in the input, or 0 if the layer accepts any number of channels.
	InChannels() int

	// OutChannels produced, or 0 if it's the same as the input.
	OutChannels() int

	// Call traces the layer on x. It panics (with a qerrors typed error where appropriate) if x is not
	// what the layer expects.
	Call(x *graph.Node) *graph.Node
}

// Container is implemented by layers composed of sub-layers.
type Container interface {
	Layer

	// Children returns the sub-layers in the order they are called.
	Children() []Layer
}

// Spec is the configuration of a layer, from which it's built.
type Spec interface {
	// Channels returns the declared input and output channels. An input of 0 means the layer is
	// channel agnostic, an output of 0 means it has the same channels as the input.
	Channels() (in, out int)

	// Validate the configuration. It returns a *qerrors.ConfigurationError on invalid values,
	// reported for the given layer scope.
	Validate(scope string) error

	// Build the layer in the scope of ctx. It's only called after Validate succeeded.
	Build(ctx *context.Context) (Layer, error)
}

// Build validates the spec and builds the layer in the sub-scope name of ctx.
//
// Errors (including panics of the graph building code) are returned: configuration problems as
// *qerrors.ConfigurationError. On failure, the variables already created for the layer are removed
// from ctx.
func Build(ctx *context.Context, name string, spec Spec) (layer Layer, err error) {
	numVars := ctx.NumVariables()
	err = exceptions.TryCatch[error](func() {
		layerCtx := ctx.In(name)
		if err := spec.Validate(layerCtx.Scope()); err != nil {
			panic(err)
		}
		var buildErr error
		layer, buildErr = spec.Build(layerCtx)
		if buildErr != nil {
			panic(buildErr)
		}
	})
	if err != nil {
		ctx.RemoveVariablesAfter(numVars)
		return nil, errors.WithMessagef(err, "building layer %q", context.JoinScope(ctx.Scope(), name))
	}
	return layer, nil
}

// CheckInput panics with a *qerrors.ConfigurationError if x doesn't have the input channels
// the layer expects.
func CheckInput(layer Layer, x *graph.Node) {
	if x.Rank() < 2 {
		panic(qerrors.Configurationf(layer.Name(), "input must be shaped [batch, channels, ...], got %s", x.Shape()))
	}
	if in := layer.InChannels(); in > 0 && x.Shape().Dim(1) != in {
		panic(qerrors.Configurationf(layer.Name(), "channel mismatch: expected %d input channels, got input shaped %s",
			in, x.Shape()))
	}
}

// CheckQuantizedInput panics with a *qerrors.QuantizationResolutionError if x is not quantized.
func CheckQuantizedInput(layer Layer, x *graph.Node) {
	if !x.Representation().IsQuantized() {
		panic(qerrors.QuantizationResolutionf(layer.Name(), "requires a quantized input, got %s input from node %s",
			x.Representation(), x))
	}
}

// resolvePolicy is quant.Resolve with configuration errors attributed to the layer scope.
func resolvePolicy(scope string, t quant.Template, bitWidth, channels int) (quant.Policy, error) {
	policy, err := quant.Resolve(t, bitWidth, channels)
	var cfgErr *qerrors.ConfigurationError
	if err != nil && errors.As(err, &cfgErr) && cfgErr.Layer == "" {
		cfgErr.Layer = scope
	}
	return policy, err
}

// scaleParams returns the activation params of policy from its learned "scale" variable, or
// panics with a *qerrors.QuantizationResolutionError.
func scaleParams(layer Layer, policy quant.Policy, scale *context.Variable) quant.Params {
	params, err := policy.ActivationParams(scale.Value())
	if err != nil {
		panic(qerrors.QuantizationResolutionf(layer.Name(), "%v", err))
	}
	return params
}

// newScaleVariable creates the learnable "scale" parameter of an activation quantizer, initialized
// from the clipping range of the policy.
func newScaleVariable(ctx *context.Context, policy quant.Policy) *context.Variable {
	initial := policy.InitialParameter()
	return ctx.VariableWithValue("scale", tensors.FromFlatDataAndDimensions(initial, len(initial)))
}

// Tree returns a multi-line description of the layer and, recursively, of its children.
func Tree(layer Layer) string {
	var sb strings.Builder
	writeTree(&sb, layer, "", "")
	return sb.String()
}

func writeTree(sb *strings.Builder, layer Layer, name, indent string) {
	if name == "" {
		name = layer.Name()
	}
	_, _ = fmt.Fprintf(sb, "%s(%s): %s\n", indent, name, layer)
	container, ok := layer.(Container)
	if !ok {
		return
	}
	for _, child := range container.Children() {
		writeTree(sb, child, baseName(child.Name()), indent+"  ")
	}
}

// baseName returns the last element of a scope.
func baseName(scope string) string {
	return scope[strings.LastIndex(scope, context.ScopeSeparator)+1:]
}
