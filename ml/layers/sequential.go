// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"fmt"
	"strings"

	"github.com/qstarter/qstarter/graph"
	"github.com/qstarter/qstarter/ml/context"
	"github.com/qstarter/qstarter/pkg/support/sets"
	"github.com/qstarter/qstarter/types/qerrors"
	"github.com/qstarter/qstarter/types/shapes"
)

// Member is a named element of a Sequential.
type Member struct {
	Name string
	Spec Spec
}

// Named creates a Member.
func Named(name string, spec Spec) Member {
	return Member{Name: name, Spec: spec}
}

// SequentialConfig configures an ordered composition of layers, each fed with the output of the previous one.
type SequentialConfig struct {
	InChannels int
	Members    []Member
}

// NewSequentialConfig creates a SequentialConfig.
func NewSequentialConfig(inChannels int, members ...Member) SequentialConfig {
	return SequentialConfig{InChannels: inChannels, Members: members}
}

// Channels implements Spec. The output channels are the ones of the last member that declares them.
func (c SequentialConfig) Channels() (in, out int) {
	out = c.InChannels
	for _, m := range c.Members {
		mIn, mOut := m.Spec.Channels()
		if mOut > 0 {
			out = mOut
		} else if mIn > 0 {
			out = mIn
		}
	}
	return c.InChannels, out
}

// Validate implements Spec: every member is validated, and the declared input channels of each
// member must match the output channels of the previous one (or the InChannels of the sequence,
// for the first).
func (c SequentialConfig) Validate(scope string) error {
	if c.InChannels < 0 {
		return qerrors.Configurationf(scope, "channels must be >= 0, got %d", c.InChannels)
	}
	if len(c.Members) == 0 {
		return qerrors.Configurationf(scope, "sequential has no members")
	}
	names := sets.Make[string](len(c.Members))
	current := c.InChannels
	for _, m := range c.Members {
		memberScope := context.JoinScope(scope, m.Name)
		switch {
		case m.Name == "" || strings.Contains(m.Name, context.ScopeSeparator):
			return qerrors.Configurationf(scope, "invalid sequential member name %q", m.Name)
		case names.Has(m.Name):
			return qerrors.Configurationf(memberScope, "duplicate member name %q", m.Name)
		case m.Spec == nil:
			return qerrors.Configurationf(memberScope, "missing layer configuration")
		}
		names.Insert(m.Name)
		if err := m.Spec.Validate(memberScope); err != nil {
			return err
		}
		in, out := m.Spec.Channels()
		if in > 0 && current > 0 && in != current {
			return qerrors.ChannelMismatch(memberScope, current, in)
		}
		if out > 0 {
			current = out
		} else if in > 0 {
			current = in
		}
	}
	return nil
}

// Build implements Spec.
func (c SequentialConfig) Build(ctx *context.Context) (Layer, error) {
	return NewSequential(ctx, c)
}

// Sequential is a built ordered composition of layers.
type Sequential struct {
	scope                   string
	inChannels, outChannels int
	layers                  []Layer
}

// NewSequential validates the whole config, and only then builds the members, in order, each in its own
// sub-scope of ctx. So no variable is created for an invalid composition.
func NewSequential(ctx *context.Context, config SequentialConfig) (*Sequential, error) {
	if err := config.Validate(ctx.Scope()); err != nil {
		return nil, err
	}
	s := &Sequential{scope: ctx.Scope()}
	s.inChannels, s.outChannels = config.Channels()
	for _, m := range config.Members {
		layer, err := Build(ctx, m.Name, m.Spec)
		if err != nil {
			return nil, err
		}
		s.layers = append(s.layers, layer)
	}
	return s, nil
}

// Name implements Layer.
func (s *Sequential) Name() string { return s.scope }

// InChannels implements Layer.
func (s *Sequential) InChannels() int { return s.inChannels }

// OutChannels implements Layer.
func (s *Sequential) OutChannels() int { return s.outChannels }

// Children implements Container.
func (s *Sequential) Children() []Layer { return s.layers }

// Len returns the number of members.
func (s *Sequential) Len() int { return len(s.layers) }

// At returns the i-th member.
func (s *Sequential) At(i int) Layer { return s.layers[i] }

// String implements fmt.Stringer.
func (s *Sequential) String() string {
	return fmt.Sprintf("Sequential(%d, %d, %d layers)", s.inChannels, s.outChannels, len(s.layers))
}

// Call implements Layer.
func (s *Sequential) Call(x *graph.Node) *graph.Node {
	CheckInput(s, x)
	for _, layer := range s.layers {
		x = layer.Call(x)
	}
	return x
}

// SpatialOutput returns the height and width of the output of spec for a height x width input,
// following the kernel, stride and padding of every convolution and pooling it contains. Layers
// without a window keep the spatial dimensions. Values <= 0 mean the input is too small.
func SpatialOutput(spec Spec, height, width int) (int, int) {
	window := func(kernel, stride, padding int) (int, int) {
		return shapes.ConvOutputDim(height, kernel, stride, padding), shapes.ConvOutputDim(width, kernel, stride, padding)
	}
	switch s := spec.(type) {
	case SequentialConfig:
		for _, m := range s.Members {
			height, width = SpatialOutput(m.Spec, height, width)
		}
		return height, width
	case DwsConvBlockConfig:
		height, width = SpatialOutput(s.dw(), height, width)
		return SpatialOutput(s.pw(), height, width)
	case ConvBlockConfig:
		return SpatialOutput(s.conv(), height, width)
	case QuantConv2DConfig:
		return window(s.KernelSize, s.Stride, s.Padding)
	case QuantAvgPool2DConfig:
		return window(s.KernelSize, s.stride(), 0)
	}
	return height, width
}
