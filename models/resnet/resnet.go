// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package resnet implements a ResNet-50 image classifier with a "deep stem": three 3x3 convolutions
// (the last one lifting the channels to 128) replace the usual single 7x7 convolution.
//
// The model is built with GoMLX layers: every convolution is followed by batch normalization, and
// the body is made of four stages of Bottleneck blocks ([3, 4, 6, 3] blocks with widths
// [64, 128, 256, 512] and an expansion factor of 4), followed by global average pooling and
// a linear classification layer.
//
// Example:
//
//	ctx := context.New()
//	logitsFn := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
//		x = resnet.PreprocessImage(x, 255.0, images.ChannelsFirst)
//		return resnet.BuildGraph(ctx, x).PreTrained(resnet.DefaultWeightsPath).Done()
//	})
//
// Variables are named after the PyTorch modules of the reference implementation ("conv1", "bn1",
// "layer1/0/downsample/0", "fc", ...), so pretrained PyTorch weights exported as safetensors can be
// loaded directly. See LoadPretrained.
package resnet

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// Expansion is the ratio between the output channels of a Bottleneck block and its inner width.
	Expansion = 4

	// DefaultNumClasses is the number of ImageNet classes.
	DefaultNumClasses = 1000

	// StemChannels is the number of channels output by the stem.
	StemChannels = 128

	// ClassificationImageSize is the image size the pretrained ImageNet weights were trained with.
	ClassificationImageSize = 224

	// MinimumImageSize is the total stride of the network, the smallest image size with a 1x1 final
	// feature map. PreprocessImage upscales smaller images to it.
	MinimumImageSize = 32

	// EmbeddingSize is the dimension of the pooled features fed to the classification layer.
	EmbeddingSize = 512 * Expansion
)

// Hyperparameters read from the context at build time. Builder methods in Config override them.
const (
	// ParamNumClasses is the context hyperparameter with the number of output classes. Default is 1000.
	ParamNumClasses = "resnet_num_classes"

	// ParamBatchNormEpsilon is the context hyperparameter with the epsilon used by batch normalization.
	// Default is 1e-5, the PyTorch default the pretrained weights were trained with.
	ParamBatchNormEpsilon = "resnet_bn_epsilon"

	// ParamBatchNormMomentum is the context hyperparameter with the momentum of the batch normalization
	// moving averages. Default is 0.9 (PyTorch's momentum=0.1 expressed as GoMLX's decay).
	ParamBatchNormMomentum = "resnet_bn_momentum"

	// ParamChannelsAxis is the context hyperparameter selecting the image layout: "first" (default) for
	// `[batch, channels, height, width]` or "last" for `[batch, height, width, channels]`.
	ParamChannelsAxis = "resnet_channels_axis"
)

// Architecture describes the shape of the network: how many blocks per stage, their widths and strides.
type Architecture struct {
	// StemChannels is the number of channels after the stem.
	StemChannels int

	// StageWidths is the inner width of the Bottleneck blocks of each stage. The output of a stage has
	// StageWidths[i]*Expansion channels.
	StageWidths []int

	// StageBlocks is the number of Bottleneck blocks in each stage.
	StageBlocks []int

	// StageStrides is the stride of the first block of each stage.
	StageStrides []int

	// NumClasses is the number of output logits.
	NumClasses int
}

// ResNet50Architecture returns the ResNet-50 configuration, with the given number of classes.
func ResNet50Architecture(numClasses int) Architecture {
	return Architecture{
		StemChannels: StemChannels,
		StageWidths:  []int{64, 128, 256, 512},
		StageBlocks:  []int{3, 4, 6, 3},
		StageStrides: []int{1, 2, 2, 2},
		NumClasses:   numClasses,
	}
}

// Validate checks that the architecture is consistent.
func (arch Architecture) Validate() error {
	numStages := len(arch.StageWidths)
	if numStages == 0 {
		return errors.New("resnet architecture needs at least one stage")
	}
	if len(arch.StageBlocks) != numStages || len(arch.StageStrides) != numStages {
		return errors.Errorf("resnet architecture has %d stage widths, %d stage block counts and %d stage strides, "+
			"they must all be the same", numStages, len(arch.StageBlocks), len(arch.StageStrides))
	}
	if arch.StemChannels <= 0 {
		return errors.Errorf("invalid number of stem channels %d", arch.StemChannels)
	}
	for ii := range numStages {
		if arch.StageWidths[ii] <= 0 || arch.StageBlocks[ii] <= 0 || arch.StageStrides[ii] <= 0 {
			return errors.Errorf("stage %d has invalid configuration: width=%d, blocks=%d, stride=%d",
				ii+1, arch.StageWidths[ii], arch.StageBlocks[ii], arch.StageStrides[ii])
		}
	}
	if arch.NumClasses <= 0 {
		return errors.Errorf("invalid number of classes %d", arch.NumClasses)
	}
	return nil
}

// OutputChannels returns the number of channels output by the last stage.
func (arch Architecture) OutputChannels() int {
	return arch.StageWidths[len(arch.StageWidths)-1] * Expansion
}

// StageScope returns the scope name of the stage (0-based index), "layer1" to "layer4" for ResNet-50.
func StageScope(stageIdx int) string {
	return fmt.Sprintf("layer%d", stageIdx+1)
}

// channelsAxisFromContext parses ParamChannelsAxis.
func channelsAxisFromContext(ctx *context.Context) images.ChannelsAxisConfig {
	switch value := context.GetParamOr(ctx, ParamChannelsAxis, "first"); value {
	case "last":
		return images.ChannelsLast
	default:
		return images.ChannelsFirst
	}
}
