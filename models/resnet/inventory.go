// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	"slices"
	"strconv"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"golang.org/x/exp/maps"
)

// BatchNormVariables are the variables created by each batch normalization layer.
// "avg_weight" is the weight of the moving averages "mean" and "variance".
var BatchNormVariables = []string{"scale", "offset", "mean", "variance", "avg_weight"}

// ParameterShapes returns the shape of every variable the model creates for the given architecture,
// keyed by the variable scope (relative to the scope the model is built in) joined with its name,
// e.g.: "/layer1/0/conv1/weights".
//
// ClassificationTop is assumed: the "/fc/dense/weights" and "/fc/dense/biases" entries are included.
func ParameterShapes(arch Architecture, dtype dtypes.DType, channelsAxis images.ChannelsAxisConfig) map[string]shapes.Shape {
	params := make(map[string]shapes.Shape)
	addConv := func(scope string, inChannels, outChannels, kernelSize int) {
		params[context.JoinScope(scope, "weights")] = KernelShape(dtype, channelsAxis, inChannels, outChannels, kernelSize)
	}
	addNorm := func(scope string, channels int) {
		for _, name := range BatchNormVariables {
			params[context.JoinScope(scope, name)] = shapes.Make(dtype, channels)
		}
	}

	addConv("/conv1", 3, stemInnerChannels, 3)
	addNorm("/bn1", stemInnerChannels)
	addConv("/conv2", stemInnerChannels, stemInnerChannels, 3)
	addNorm("/bn2", stemInnerChannels)
	addConv("/conv3", stemInnerChannels, arch.StemChannels, 3)
	addNorm("/bn3", arch.StemChannels)

	inChannels := arch.StemChannels
	for stageIdx, width := range arch.StageWidths {
		for blockIdx := range arch.StageBlocks[stageIdx] {
			block := BlockConfig{InChannels: inChannels, OutChannels: width, Stride: 1}
			if blockIdx == 0 {
				block = NewBlockConfig(inChannels, width, arch.StageStrides[stageIdx])
			}
			scope := context.ScopeSeparator + StageScope(stageIdx) + context.ScopeSeparator + strconv.Itoa(blockIdx)
			addConv(scope+"/conv1", block.InChannels, block.OutChannels, 1)
			addNorm(scope+"/bn1", block.OutChannels)
			addConv(scope+"/conv2", block.OutChannels, block.OutChannels, 3)
			addNorm(scope+"/bn2", block.OutChannels)
			addConv(scope+"/conv3", block.OutChannels, block.OutputChannels(), 1)
			addNorm(scope+"/bn3", block.OutputChannels())
			if block.Downsample {
				addConv(scope+"/downsample/0", block.InChannels, block.OutputChannels(), 1)
				addNorm(scope+"/downsample/1", block.OutputChannels())
			}
			inChannels = block.OutputChannels()
		}
	}

	params["/fc/dense/weights"] = shapes.Make(dtype, arch.OutputChannels(), arch.NumClasses)
	params["/fc/dense/biases"] = shapes.Make(dtype, arch.NumClasses)
	return params
}

// KernelShape returns the shape of a square 2D convolution kernel, in the layout used by layers.Convolution.
func KernelShape(dtype dtypes.DType, channelsAxis images.ChannelsAxisConfig, inChannels, outChannels, kernelSize int) shapes.Shape {
	if channelsAxis == images.ChannelsFirst {
		return shapes.Make(dtype, outChannels, inChannels, kernelSize, kernelSize)
	}
	return shapes.Make(dtype, kernelSize, kernelSize, inChannels, outChannels)
}

// NumParameters returns the number of trainable scalars of the architecture: the batch normalization
// moving averages are not counted.
func NumParameters(arch Architecture) int {
	var total int
	for key, shape := range ParameterShapes(arch, dtypes.Float32, images.ChannelsFirst) {
		_, name := context.SplitScope(key)
		if isBatchNormStatistic(name) {
			continue
		}
		total += shape.Size()
	}
	return total
}

// SortedParameterNames returns the keys of ParameterShapes in alphabetical order.
func SortedParameterNames(params map[string]shapes.Shape) []string {
	names := maps.Keys(params)
	slices.Sort(names)
	return names
}

func isBatchNormStatistic(name string) bool {
	return name == "mean" || name == "variance" || name == "avg_weight"
}
