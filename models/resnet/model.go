// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	"strconv"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// stemInnerChannels is the width of the first two stem convolutions.
const stemInnerChannels = 64

// Config for the ResNet model. Create it with BuildGraph, configure it and call Done to get the logits.
type Config struct {
	ctx   *context.Context
	image *Node

	arch              Architecture
	convNorm          convNorm
	classificationTop bool
	pretrainedPath    string
}

// BuildGraph prepares the ResNet-50 model graph on the given image.
// It returns a Config object that can be further configured; call Config.Done to build the model
// and get the logits (or the embeddings, see Config.ClassificationTop).
//
// Parameters:
//   - ctx: context.Context where variables are created (or loaded). Variables are re-used if they were
//     already created in the current scope, so the same model can be applied to more than one input.
//     To instantiate more than one model with different weights, use different scopes.
//   - image: shaped `[batch, 3, height, width]` by default (see Config.ChannelsAxis), preferably
//     preprocessed with PreprocessImage.
//
// Defaults are read from the context hyperparameters ParamNumClasses, ParamChannelsAxis,
// ParamBatchNormEpsilon and ParamBatchNormMomentum.
func BuildGraph(ctx *context.Context, image *Node) *Config {
	return &Config{
		ctx:               ctx,
		image:             image,
		arch:              ResNet50Architecture(context.GetParamOr(ctx, ParamNumClasses, DefaultNumClasses)),
		convNorm:          convNormFromContext(ctx),
		classificationTop: true,
	}
}

// ResNet50 builds the model with the default configuration and returns the logits.
// If pretrained is true, weights are loaded from DefaultWeightsPath, skipping parameters that
// are missing from the file or that don't match.
func ResNet50(ctx *context.Context, image *Node, pretrained bool) *Node {
	cfg := BuildGraph(ctx, image)
	if pretrained {
		cfg = cfg.PreTrained(DefaultWeightsPath)
	}
	return cfg.Done()
}

// NumClasses sets the number of output logits. Default is 1000 or the value of ParamNumClasses.
func (cfg *Config) NumClasses(numClasses int) *Config {
	cfg.arch.NumClasses = numClasses
	return cfg
}

// Architecture replaces the whole network configuration (number of blocks, widths and strides).
// The default is ResNet50Architecture.
func (cfg *Config) Architecture(arch Architecture) *Config {
	cfg.arch = arch
	return cfg
}

// ChannelsAxis configures the image layout. Default is images.ChannelsFirst, `[batch, channels, height, width]`.
func (cfg *Config) ChannelsAxis(channelsAxis images.ChannelsAxisConfig) *Config {
	cfg.convNorm.channelsAxis = channelsAxis
	return cfg
}

// BatchNormEpsilon sets the epsilon used by all batch normalization layers. Default is 1e-5.
func (cfg *Config) BatchNormEpsilon(epsilon float64) *Config {
	cfg.convNorm.epsilon = epsilon
	return cfg
}

// BatchNormMomentum sets the momentum of the moving averages of all batch normalization layers.
// Default is 0.9.
func (cfg *Config) BatchNormMomentum(momentum float64) *Config {
	cfg.convNorm.momentum = momentum
	return cfg
}

// ClassificationTop configures whether to add the final linear classification layer.
// If false, Done returns the pooled embeddings, shaped `[batch, EmbeddingSize]`. Default is true.
func (cfg *Config) ClassificationTop(useTop bool) *Config {
	cfg.classificationTop = useTop
	return cfg
}

// PreTrained configures the model to load its weights from weightsPath: either a `.safetensors` file
// with PyTorch parameter names or a GoMLX checkpoint directory. See LoadPretrained.
//
// Weights are attached to the context the first time the model is built. Parameters missing from the file
// or whose shapes differ are skipped and initialized as usual.
func (cfg *Config) PreTrained(weightsPath string) *Config {
	cfg.pretrainedPath = weightsPath
	return cfg
}

// Done builds the model and returns the logits shaped `[batch, numClasses]`, or the embeddings if
// ClassificationTop(false) was configured.
func (cfg *Config) Done() *Node {
	ctx := cfg.ctx
	x := cfg.image
	if err := cfg.arch.Validate(); err != nil {
		Panicf("resnet.BuildGraph: %v", err)
	}
	if x.Rank() != 4 {
		Panicf("resnet.BuildGraph requires an image shaped [batch, channels, height, width] (or channels last), got %s",
			x.Shape())
	}
	if cfg.pretrainedPath != "" && !isPretrainedAttached(ctx, cfg.pretrainedPath) {
		_, err := LoadPretrained(ctx, cfg.pretrainedPath, cfg.arch, cfg.convNorm.channelsAxis, x.DType())
		if err != nil {
			Panicf("resnet.BuildGraph: %+v", err)
		}
	}
	if ctx.Loader() != nil {
		// Loaded variables already exist when first requested: skip the unique/reuse checks.
		ctx = ctx.Checked(false)
	}
	batchSize := x.Shape().Dimensions[0]
	cn := cfg.convNorm

	// Stem: 3 convolutions and a max-pool, for a total stride of 4.
	x = activations.Relu(cn.norm(ctx, cn.conv(ctx, x, "conv1", stemInnerChannels, 3, 2), "bn1"))
	x = activations.Relu(cn.norm(ctx, cn.conv(ctx, x, "conv2", stemInnerChannels, 3, 1), "bn2"))
	x = activations.Relu(cn.norm(ctx, cn.conv(ctx, x, "conv3", cfg.arch.StemChannels, 3, 1), "bn3"))
	x = stemPool(x, cn.channelsAxis)

	// Stages of Bottleneck blocks: only the first block of each stage may change the shape.
	inChannels := cfg.arch.StemChannels
	for stageIdx, width := range cfg.arch.StageWidths {
		ctxStage := ctx.In(StageScope(stageIdx))
		for blockIdx := range cfg.arch.StageBlocks[stageIdx] {
			block := BlockConfig{InChannels: inChannels, OutChannels: width, Stride: 1}
			if blockIdx == 0 {
				block = NewBlockConfig(inChannels, width, cfg.arch.StageStrides[stageIdx])
			}
			x = bottleneck(ctxStage.In(strconv.Itoa(blockIdx)), x, block, cn)
			inChannels = block.OutputChannels()
		}
	}

	// Global average pooling.
	x = ReduceMean(x, images.GetSpatialAxes(x, cn.channelsAxis)...)
	x.AssertDims(batchSize, cfg.arch.OutputChannels())
	if !cfg.classificationTop {
		return x
	}
	logits := layers.Dense(ctx.In("fc"), x, true, cfg.arch.NumClasses)
	logits.AssertDims(batchSize, cfg.arch.NumClasses)
	return logits
}

// stemPool is the 3x3 max-pool with stride 2 closing the stem, padded by 1 on both sides of each spatial axis.
func stemPool(x *Node, channelsAxis images.ChannelsAxisConfig) *Node {
	return MaxPool(x).ChannelsAxis(channelsAxis).Window(3).Strides(2).
		PaddingPerDim([][2]int{{1, 1}, {1, 1}}).Done()
}
