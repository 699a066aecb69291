// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// BlockConfig is the shape contract of one Bottleneck block.
type BlockConfig struct {
	// InChannels is the number of channels of the block input.
	InChannels int

	// OutChannels is the inner width of the block. The block outputs OutChannels*Expansion channels.
	OutChannels int

	// Stride of the 3x3 convolution (and of the downsampling branch).
	Stride int

	// Downsample adds a projection (1x1 convolution + batch normalization) to the skip connection.
	// It is required whenever Stride != 1 or InChannels != OutChannels*Expansion.
	Downsample bool
}

// NewBlockConfig returns the configuration of a block, with Downsample set if the skip connection
// needs to be projected to match the output shape.
func NewBlockConfig(inChannels, outChannels, stride int) BlockConfig {
	return BlockConfig{
		InChannels:  inChannels,
		OutChannels: outChannels,
		Stride:      stride,
		Downsample:  stride != 1 || inChannels != outChannels*Expansion,
	}
}

// OutputChannels is the number of channels output by the block.
func (block BlockConfig) OutputChannels() int {
	return block.OutChannels * Expansion
}

// Bottleneck adds one residual block with a 1x1 -> 3x3 -> 1x1 convolution sequence and a skip connection.
//
// The image layout and batch normalization settings are read from the context hyperparameters
// (ParamChannelsAxis, ParamBatchNormEpsilon, ParamBatchNormMomentum). Variables are created under the
// current scope of ctx: "conv1", "bn1", "conv2", "bn2", "conv3", "bn3" and, if block.Downsample is set,
// "downsample/0" (convolution) and "downsample/1" (batch normalization).
//
// Input x is shaped `[batch, block.InChannels, height, width]` (or channels last), and the output is
// `[batch, block.OutChannels*Expansion, ceil(height/stride), ceil(width/stride)]`.
//
// It panics if the input doesn't match the block configuration.
func Bottleneck(ctx *context.Context, x *Node, block BlockConfig) *Node {
	return bottleneck(ctx, x, block, convNormFromContext(ctx))
}

func bottleneck(ctx *context.Context, x *Node, block BlockConfig, cn convNorm) *Node {
	if x.Rank() != 4 {
		Panicf("resnet.Bottleneck requires an image shaped [batch, channels, height, width] (or channels last), got %s",
			x.Shape())
	}
	channelsAxis := images.GetChannelsAxis(x, cn.channelsAxis)
	inChannels := x.Shape().Dimensions[channelsAxis]
	if inChannels != block.InChannels {
		Panicf("resnet.Bottleneck configured for %d input channels, but input %s has %d",
			block.InChannels, x.Shape(), inChannels)
	}
	if block.Stride <= 0 {
		Panicf("resnet.Bottleneck invalid stride %d", block.Stride)
	}
	if !block.Downsample && (block.Stride != 1 || inChannels != block.OutputChannels()) {
		Panicf("resnet.Bottleneck with stride %d, %d input channels and %d output channels requires Downsample",
			block.Stride, inChannels, block.OutputChannels())
	}

	residual := x
	out := cn.conv(ctx, x, "conv1", block.OutChannels, 1, 1)
	out = activations.Relu(cn.norm(ctx, out, "bn1"))
	out = cn.conv(ctx, out, "conv2", block.OutChannels, 3, block.Stride)
	out = activations.Relu(cn.norm(ctx, out, "bn2"))
	out = cn.conv(ctx, out, "conv3", block.OutputChannels(), 1, 1)
	out = cn.norm(ctx, out, "bn3")

	if block.Downsample {
		ctxDownsample := ctx.In("downsample")
		residual = cn.conv(ctxDownsample, x, "0", block.OutputChannels(), 1, block.Stride)
		residual = cn.norm(ctxDownsample, residual, "1")
	}
	if !out.Shape().Equal(residual.Shape()) {
		Panicf("resnet.Bottleneck main path shape %s differs from skip connection shape %s",
			out.Shape(), residual.Shape())
	}
	return activations.Relu(Add(out, residual))
}

// convNorm holds the settings shared by all convolutions and batch normalizations of the model.
type convNorm struct {
	channelsAxis      images.ChannelsAxisConfig
	epsilon, momentum float64
}

func convNormFromContext(ctx *context.Context) convNorm {
	return convNorm{
		channelsAxis: channelsAxisFromContext(ctx),
		epsilon:      context.GetParamOr(ctx, ParamBatchNormEpsilon, 1e-5),
		momentum:     context.GetParamOr(ctx, ParamBatchNormMomentum, 0.9),
	}
}

// conv adds a square convolution without bias, under scope name. Kernels larger than 1 are zero-padded
// by kernelSize/2 on both sides of each spatial axis (PyTorch's padding=kernel_size//2), so the output
// spatial dimensions are ceil(input/stride).
//
// The kernel variable is the same "weights" layers.Convolution would create with CurrentScope.
func (cn convNorm) conv(ctx *context.Context, x *Node, name string, channels, kernelSize, stride int) *Node {
	ctxConv := ctx.In(name).WithInitializer(ConvInitializer(ctx, cn.channelsAxis))
	inChannels := x.Shape().Dimensions[images.GetChannelsAxis(x, cn.channelsAxis)]
	kernelVar := ctxConv.VariableWithShape("weights",
		KernelShape(x.DType(), cn.channelsAxis, inChannels, channels, kernelSize))
	kernel := kernelVar.ValueGraph(x.Graph())
	padding := kernelSize / 2
	return Convolve(x, kernel).
		ChannelsAxis(cn.channelsAxis).
		Strides(stride).
		PaddingPerDim([][2]int{{padding, padding}, {padding, padding}}).
		Done()
}

// norm adds a batch normalization under scope name.
func (cn convNorm) norm(ctx *context.Context, x *Node, name string) *Node {
	featureAxis := images.GetChannelsAxis(x, cn.channelsAxis)
	return batchnorm.New(ctx.In(name), x, featureAxis).CurrentScope().
		Epsilon(cn.epsilon).
		Momentum(cn.momentum).
		UseBackendInference(false).
		Done()
}
