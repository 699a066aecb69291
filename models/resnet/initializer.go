// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// ConvStdDev returns the standard deviation used to initialize a convolution kernel:
// sqrt(2/n), with n = kernelHeight * kernelWidth * outputChannels.
func ConvStdDev(kernelHeight, kernelWidth, outputChannels int) float64 {
	n := kernelHeight * kernelWidth * outputChannels
	return math.Sqrt(2.0 / float64(n))
}

// ConvInitializer returns an initializer for convolution kernels drawing from a zero-mean normal
// distribution with standard deviation ConvStdDev.
//
// The kernel layout depends on channelsAxis: `[out, in, kh, kw]` for images.ChannelsFirst and
// `[kh, kw, in, out]` for images.ChannelsLast (the layouts layers.Convolution uses).
// It uses the context random number generator, so results are reproducible with Context.SetRNGStateFromSeed.
func ConvInitializer(ctx *context.Context, channelsAxis images.ChannelsAxisConfig) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		if shape.Rank() < 3 || !shape.DType.IsFloat() {
			return Zeros(g, shape)
		}
		kernelHeight, kernelWidth, outputChannels := kernelDims(shape, channelsAxis)
		stddev := ConvStdDev(kernelHeight, kernelWidth, outputChannels)
		values := ctx.RandomNormal(g, shape)
		return MulScalar(values, stddev)
	}
}

// kernelDims extracts the spatial and output dimensions of a 2D convolution kernel shape.
// For kernels with more (or fewer) spatial axes, the product of all spatial axes is returned as kernelHeight
// and kernelWidth is 1.
func kernelDims(shape shapes.Shape, channelsAxis images.ChannelsAxisConfig) (kernelHeight, kernelWidth, outputChannels int) {
	dims := shape.Dimensions
	var spatial []int
	if channelsAxis == images.ChannelsFirst {
		outputChannels = dims[0]
		spatial = dims[2:]
	} else {
		outputChannels = dims[len(dims)-1]
		spatial = dims[:len(dims)-2]
	}
	if len(spatial) == 2 {
		return spatial[0], spatial[1], outputChannels
	}
	kernelHeight, kernelWidth = 1, 1
	for _, dim := range spatial {
		kernelHeight *= dim
	}
	return
}
