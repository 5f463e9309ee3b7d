// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/qstarter/qstarter/graph"
	"github.com/qstarter/qstarter/ml/context"
	"github.com/qstarter/qstarter/ml/context/initializers"
	"github.com/qstarter/qstarter/types/qerrors"
	"github.com/qstarter/qstarter/types/shapes"
)

// DefaultBatchNormEpsilon is used when BatchNorm2DConfig.Epsilon is 0.
const DefaultBatchNormEpsilon = 1e-5

// BatchNorm2DConfig configures a batch normalization over the channels of NCHW inputs.
//
// It's never quantized: the output is floating point, whatever the input representation.
type BatchNorm2DConfig struct {
	NumChannels int
	Epsilon     float64
}

func (c BatchNorm2DConfig) epsilon() float64 {
	if c.Epsilon == 0 {
		return DefaultBatchNormEpsilon
	}
	return c.Epsilon
}

// Channels implements Spec.
func (c BatchNorm2DConfig) Channels() (in, out int) { return c.NumChannels, c.NumChannels }

// Validate implements Spec.
func (c BatchNorm2DConfig) Validate(scope string) error {
	if c.NumChannels <= 0 {
		return qerrors.Configurationf(scope, "channels must be > 0, got %d", c.NumChannels)
	}
	if c.Epsilon < 0 {
		return qerrors.Configurationf(scope, "epsilon must be >= 0, got %g", c.Epsilon)
	}
	return nil
}

// Build implements Spec.
func (c BatchNorm2DConfig) Build(ctx *context.Context) (Layer, error) {
	return NewBatchNorm2D(ctx, c)
}

// BatchNorm2D is a built batch normalization. Its variables are "scale" (initialized to 1), "offset" (0),
// and the running statistics "mean" (0) and "variance" (1), which are not trainable.
type BatchNorm2D struct {
	scope                         string
	config                        BatchNorm2DConfig
	scale, offset, mean, variance *context.Variable
}

// NewBatchNorm2D validates the config and creates the layer's variables in the scope of ctx.
func NewBatchNorm2D(ctx *context.Context, config BatchNorm2DConfig) (*BatchNorm2D, error) {
	if err := config.Validate(ctx.Scope()); err != nil {
		return nil, err
	}
	shape := shapes.Make(dtypes.Float32, config.NumChannels)
	l := &BatchNorm2D{
		scope:    ctx.Scope(),
		config:   config,
		scale:    ctx.WithInitializer(initializers.One).VariableWithShape("scale", shape),
		offset:   ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", shape),
		mean:     ctx.WithInitializer(initializers.Zero).VariableWithShape("mean", shape),
		variance: ctx.WithInitializer(initializers.One).VariableWithShape("variance", shape),
	}
	l.mean.Trainable = false
	l.variance.Trainable = false
	return l, nil
}

// Name implements Layer.
func (l *BatchNorm2D) Name() string { return l.scope }

// InChannels implements Layer.
func (l *BatchNorm2D) InChannels() int { return l.config.NumChannels }

// OutChannels implements Layer.
func (l *BatchNorm2D) OutChannels() int { return l.config.NumChannels }

// String implements fmt.Stringer.
func (l *BatchNorm2D) String() string {
	return fmt.Sprintf("BatchNorm2D(%d, eps=%g)", l.config.NumChannels, l.config.epsilon())
}

// Call implements Layer.
func (l *BatchNorm2D) Call(x *graph.Node) *graph.Node {
	g := x.Graph()
	defer g.SetOwner(g.SetOwner(l.scope))
	CheckInput(l, x)
	return graph.BatchNorm(x, l.scale.ValueGraph(g), l.offset.ValueGraph(g), l.mean.ValueGraph(g),
		l.variance.ValueGraph(g), l.config.epsilon())
}
