// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package srblocks implements the layers used by super-resolution networks: plain and normalized
// convolution blocks, residual blocks, sub-pixel upscaling blocks and the parametric ReLU activation.
//
// All layers work on images in the "channels first" layout, that is, shaped `[batch, channels, height, width]`,
// and all convolutions use "same" padding, so only the upscaling block changes the spatial dimensions.
//
// Layers are values implementing Layer, and can be composed in order with Sequential. Weights are not
// held by the layers: they are created in the context.Context passed to Layer.Apply, so the same layer
// object applied twice with the same context scope (and ctx.Reuse()) shares its weights.
package srblocks

import (
	"fmt"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// ChannelsAxis is the axis of the channels (or features) in the images handled by this package.
const ChannelsAxis = 1

// Layer is one step of a network.
type Layer interface {
	// Name of the layer, used as part of the scope where its variables are created.
	// It must be a valid scope name.
	Name() string

	// Apply the layer to x, creating (or reusing) its variables under ctx.
	Apply(ctx *context.Context, x *Node) *Node

	// String returns a human-readable description of the layer and its configuration.
	String() string
}

// Sequential is an ordered list of layers, applied one after the other.
//
// Each layer is applied in its own sub-scope named after its position and name (e.g.: "003_res_block"),
// so two layers of the same type never share weights.
type Sequential []Layer

var _ Layer = Sequential(nil)

// Name implements Layer.
func (s Sequential) Name() string { return "sequential" }

// Len returns the number of layers.
func (s Sequential) Len() int { return len(s) }

// LayerScope returns the scope name used for the layer at position idx.
func (s Sequential) LayerScope(idx int) string {
	return fmt.Sprintf("%03d_%s", idx, s[idx].Name())
}

// Apply implements Layer.
func (s Sequential) Apply(ctx *context.Context, x *Node) *Node {
	for idx, layer := range s {
		x = layer.Apply(ctx.In(s.LayerScope(idx)), x)
	}
	return x
}

// String implements Layer.
func (s Sequential) String() string {
	parts := make([]string, 0, len(s))
	for _, layer := range s {
		parts = append(parts, layer.String())
	}
	return fmt.Sprintf("Sequential(%s)", strings.Join(parts, ", "))
}

// Part is a named sub-network, applied under its own Scope.
type Part struct {
	Scope  string
	Layers Sequential
}

// checkChannels panics if x is not an image with the given number of channels.
func checkChannels(layerName string, x *Node, channels int) {
	if x.Rank() != 4 {
		Panicf("%s expects images shaped [batch, channels, height, width], got x.shape=%s", layerName, x.Shape())
	}
	if got := x.Shape().Dimensions[ChannelsAxis]; got != channels {
		Panicf("%s configured for %d input channels, but x.shape=%s has %d channels",
			layerName, channels, x.Shape(), got)
	}
}

// conv2d is the convolution used by every block: square kernel, "same" padding and a bias.
func conv2d(ctx *context.Context, x *Node, outChannels, kernelSize int) *Node {
	return layers.Convolution(ctx, x).
		ChannelsAxis(images.ChannelsFirst).
		Channels(outChannels).
		KernelSize(kernelSize).
		PadSame().
		UseBias(true).
		Done()
}

// DefaultConv2d is a plain convolution from In to Out channels, with no normalization or activation.
type DefaultConv2d struct {
	In, Out, KernelSize int
}

var _ Layer = (*DefaultConv2d)(nil)

// Name implements Layer.
func (c *DefaultConv2d) Name() string { return "conv2d" }

// Apply implements Layer.
func (c *DefaultConv2d) Apply(ctx *context.Context, x *Node) *Node {
	checkChannels(c.Name(), x, c.In)
	return conv2d(ctx, x, c.Out, c.KernelSize)
}

// String implements Layer.
func (c *DefaultConv2d) String() string {
	return fmt.Sprintf("Conv2d(%d→%d, kernel=%d)", c.In, c.Out, c.KernelSize)
}

// BasicBlock is a convolution followed by an optional normalization and an optional activation.
type BasicBlock struct {
	In, Out, KernelSize int

	// Norm is applied after the convolution, if not nil.
	Norm Layer

	// Act is applied last, if not nil.
	Act Layer
}

var _ Layer = (*BasicBlock)(nil)

// Name implements Layer.
func (b *BasicBlock) Name() string { return "basic_block" }

// Apply implements Layer.
func (b *BasicBlock) Apply(ctx *context.Context, x *Node) *Node {
	checkChannels(b.Name(), x, b.In)
	x = conv2d(ctx, x, b.Out, b.KernelSize)
	if b.Norm != nil {
		x = b.Norm.Apply(ctx.In(b.Norm.Name()), x)
	}
	if b.Act != nil {
		x = b.Act.Apply(ctx.In(b.Act.Name()), x)
	}
	return x
}

// String implements Layer.
func (b *BasicBlock) String() string {
	return fmt.Sprintf("BasicBlock(%d→%d, kernel=%d, norm=%s, act=%s)",
		b.In, b.Out, b.KernelSize, optionalName(b.Norm), optionalName(b.Act))
}

func optionalName(l Layer) string {
	if l == nil {
		return "none"
	}
	return l.String()
}

// ResBlock computes `x + f(x)`, where f is a stack of NConvLayers BasicBlock with NFeats channels.
// The activation is applied after every convolution except the last one.
type ResBlock struct {
	NFeats, KernelSize, NConvLayers int
	Norm, Act                       Layer
}

var _ Layer = (*ResBlock)(nil)

// Name implements Layer.
func (r *ResBlock) Name() string { return "res_block" }

// Apply implements Layer.
func (r *ResBlock) Apply(ctx *context.Context, x *Node) *Node {
	checkChannels(r.Name(), x, r.NFeats)
	if r.NConvLayers < 1 {
		Panicf("ResBlock requires at least one convolution layer, got NConvLayers=%d", r.NConvLayers)
	}
	residual := x
	for ii := range r.NConvLayers {
		block := &BasicBlock{In: r.NFeats, Out: r.NFeats, KernelSize: r.KernelSize, Norm: r.Norm}
		if ii < r.NConvLayers-1 {
			block.Act = r.Act
		}
		x = block.Apply(ctx.Inf("%03d_%s", ii, block.Name()), x)
	}
	return Add(residual, x)
}

// String implements Layer.
func (r *ResBlock) String() string {
	return fmt.Sprintf("ResBlock(%d, kernel=%d, convs=%d, norm=%s, act=%s)",
		r.NFeats, r.KernelSize, r.NConvLayers, optionalName(r.Norm), optionalName(r.Act))
}

// UpscaleBlock multiplies the height and width of its input by ScaleFactor, keeping NFeats channels.
//
// Each stage is a 3x3 convolution to `r² * NFeats` channels, followed by PixelShuffle(r) and the
// optional activation. Powers of 2 are done with log2(ScaleFactor) stages of r=2, other factors
// with one stage of r=ScaleFactor. A ScaleFactor of 1 is the identity.
type UpscaleBlock struct {
	ScaleFactor, NFeats int
	Act                 Layer
}

var _ Layer = (*UpscaleBlock)(nil)

// Name implements Layer.
func (u *UpscaleBlock) Name() string { return "upscale_block" }

// Stages returns the pixel-shuffle factor used by each stage.
func (u *UpscaleBlock) Stages() []int {
	s := u.ScaleFactor
	if s < 1 {
		Panicf("UpscaleBlock requires ScaleFactor >= 1, got %d", s)
	}
	var stages []int
	if s&(s-1) == 0 {
		for ; s > 1; s /= 2 {
			stages = append(stages, 2)
		}
		return stages
	}
	return []int{s}
}

// Apply implements Layer.
func (u *UpscaleBlock) Apply(ctx *context.Context, x *Node) *Node {
	checkChannels(u.Name(), x, u.NFeats)
	for ii, r := range u.Stages() {
		stageCtx := ctx.Inf("%03d_stage", ii)
		x = conv2d(stageCtx, x, u.NFeats*r*r, 3)
		x = PixelShuffle(x, r)
		if u.Act != nil {
			x = u.Act.Apply(stageCtx.In(u.Act.Name()), x)
		}
	}
	return x
}

// String implements Layer.
func (u *UpscaleBlock) String() string {
	return fmt.Sprintf("UpscaleBlock(x%d, %d, stages=%v, act=%s)",
		u.ScaleFactor, u.NFeats, u.Stages(), optionalName(u.Act))
}
