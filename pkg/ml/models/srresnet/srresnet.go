// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package srresnet implements SRResNet, the super-resolution residual network of Ledig et al.
// ("Photo-Realistic Single Image Super-Resolution Using a Generative Adversarial Network", 2017),
// the generator of SRGAN trained alone with a pixel loss.
//
// The network has three parts:
//
//   - head: a 9x9 convolution from the image channels to n_feats feature maps, followed by a PReLU.
//   - body: n_resblocks residual blocks (conv, batch norm, PReLU, conv, batch norm) and a final
//     3x3 convolution with batch normalization.
//   - tail: sub-pixel upscaling blocks to scale_factor times the resolution, and a 9x9 convolution
//     back to the image channels.
//
// The output of the body is added to the output of the head (the global skip connection) before the tail.
//
// The package registers the model in srmodel under the name "srresnet".
package srresnet

import (
	"fmt"
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/superres/pkg/ml/layers/srblocks"
	"github.com/gomlx/superres/pkg/ml/srmodel"
	"github.com/pkg/errors"
)

// Name of the model in the srmodel registry.
const Name = "srresnet"

const (
	// HeadKernelSize and TailKernelSize are the kernel sizes of the first and last convolutions.
	HeadKernelSize, TailKernelSize = 9, 9

	// BodyKernelSize is the kernel size of the convolutions in the body.
	BodyKernelSize = 3

	// ConvLayersPerResBlock is the number of convolutions in each residual block.
	ConvLayersPerResBlock = 2
)

// Config holds the hyperparameters of the network.
type Config struct {
	// NResBlocks is the number of residual blocks in the body.
	NResBlocks int

	// NFeats is the number of feature maps (channels) used in the head, body and upscaling blocks.
	NFeats int

	// Channels of the input and output images.
	Channels int

	// ScaleFactor of the upscaling.
	ScaleFactor int
}

// DefaultConfig returns the configuration of the original paper for RGB images and 4x upscaling.
func DefaultConfig() Config {
	return Config{
		NResBlocks:  DefaultNResBlocks,
		NFeats:      DefaultNFeats,
		Channels:    3,
		ScaleFactor: 4,
	}
}

// Validate returns an error if any of the values is not positive.
func (cfg Config) Validate() error {
	for _, field := range []struct {
		name  string
		value int
	}{
		{ParamNResBlocks, cfg.NResBlocks},
		{ParamNFeats, cfg.NFeats},
		{srmodel.ParamChannels, cfg.Channels},
		{srmodel.ParamScaleFactor, cfg.ScaleFactor},
	} {
		if field.value < 1 {
			return errors.Errorf("srresnet: %s must be >= 1, got %d", field.name, field.value)
		}
	}
	return nil
}

// ConfigFromContext reads the configuration from the hyperparameters in ctx.
// Missing values take the defaults. It doesn't validate the configuration, see Config.Validate.
func ConfigFromContext(ctx *context.Context) Config {
	return Config{
		NResBlocks:  context.GetParamOr(ctx, ParamNResBlocks, DefaultNResBlocks),
		NFeats:      context.GetParamOr(ctx, ParamNFeats, DefaultNFeats),
		Channels:    context.GetParamOr(ctx, srmodel.ParamChannels, 3),
		ScaleFactor: context.GetParamOr(ctx, srmodel.ParamScaleFactor, 4),
	}
}

// SRResNet is the network. Its structure is fixed at construction; the weights live in the context
// passed to Forward.
type SRResNet struct {
	config           Config
	head, body, tail srblocks.Sequential
}

var _ srmodel.Model = (*SRResNet)(nil)

// New builds the network structure for the given configuration.
func New(config Config) (*SRResNet, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	m := &SRResNet{config: config}
	prelu := srblocks.PReLU{}
	batchNorm := srblocks.BatchNorm{}

	m.head = srblocks.Sequential{
		&srblocks.BasicBlock{In: config.Channels, Out: config.NFeats, KernelSize: HeadKernelSize, Act: prelu},
	}

	m.body = make(srblocks.Sequential, 0, config.NResBlocks+1)
	for range config.NResBlocks {
		m.body = append(m.body, &srblocks.ResBlock{
			NFeats:      config.NFeats,
			KernelSize:  BodyKernelSize,
			NConvLayers: ConvLayersPerResBlock,
			Norm:        batchNorm,
			Act:         prelu,
		})
	}
	m.body = append(m.body,
		&srblocks.BasicBlock{In: config.NFeats, Out: config.NFeats, KernelSize: BodyKernelSize, Norm: batchNorm})

	m.tail = srblocks.Sequential{
		&srblocks.UpscaleBlock{ScaleFactor: config.ScaleFactor, NFeats: config.NFeats, Act: prelu},
		&srblocks.DefaultConv2d{In: config.NFeats, Out: config.Channels, KernelSize: TailKernelSize},
	}
	return m, nil
}

// NewFromContext builds the network configured by the hyperparameters in ctx.
func NewFromContext(ctx *context.Context) (*SRResNet, error) {
	return New(ConfigFromContext(ctx))
}

// Name implements srmodel.Model.
func (m *SRResNet) Name() string { return Name }

// Config used to build the network.
func (m *SRResNet) Config() Config { return m.config }

// Head returns the feature extraction layers.
func (m *SRResNet) Head() srblocks.Sequential { return m.head }

// Body returns the residual blocks followed by the closing convolution block.
func (m *SRResNet) Body() srblocks.Sequential { return m.body }

// Tail returns the upscaling blocks and the projection back to image channels.
func (m *SRResNet) Tail() srblocks.Sequential { return m.tail }

// Parts returns the head, body and tail, with the scopes where they are applied.
func (m *SRResNet) Parts() []srblocks.Part {
	return []srblocks.Part{{Scope: HeadScope, Layers: m.head}, {Scope: BodyScope, Layers: m.body}, {Scope: TailScope, Layers: m.tail}}
}

// Scopes of the sub-networks, relative to the context given to Forward.
const (
	HeadScope = "head"
	BodyScope = "body"
	TailScope = "tail"
)

// features returns the output of the head and the input of the tail, that is, the output of the body
// added to the output of the head.
func (m *SRResNet) features(ctx *context.Context, x *Node) (head, skip *Node) {
	head = m.head.Apply(ctx.In(HeadScope), x)
	body := m.body.Apply(ctx.In(BodyScope), head)
	skip = Add(body, head)
	return
}

// Forward implements srmodel.Model. It takes images shaped `[batch, channels, height, width]` and returns
// images shaped `[batch, channels, height*scale_factor, width*scale_factor]`.
func (m *SRResNet) Forward(ctx *context.Context, x *Node) *Node {
	_, skip := m.features(ctx, x)
	return m.tail.Apply(ctx.In(TailScope), skip)
}

// String returns a description of the network, one layer per line.
func (m *SRResNet) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "SRResNet(n_resblocks=%d, n_feats=%d, channels=%d, scale_factor=%d)\n",
		m.config.NResBlocks, m.config.NFeats, m.config.Channels, m.config.ScaleFactor)
	for _, part := range m.Parts() {
		for _, line := range strings.Split(strings.TrimSpace(srblocks.Describe(part.Layers)), "\n") {
			_, _ = fmt.Fprintf(&sb, "  %s/%s\n", part.Scope, line)
		}
	}
	return sb.String()
}
