// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
)

// ImageNet statistics per RGB channel, used to normalize the images the pretrained weights were trained with.
var (
	ImageNetMean   = []float64{0.485, 0.456, 0.406}
	ImageNetStdDev = []float64{0.229, 0.224, 0.225}
)

// PreprocessImage makes the image in a format usable by the ResNet model.
//
// It performs 3 tasks:
//
//   - It removes the alpha channel, in case it is provided.
//   - Images smaller than MinimumImageSize on any side are up-scaled, preserving the aspect ratio.
//   - Values are scaled to [0, 1] (dividing by maxValue) and normalized with ImageNetMean and ImageNetStdDev.
//
// Input image must have a batch dimension (rank=4) and 3 or 4 channels. Integer images are converted
// to Float32.
func PreprocessImage(image *Node, maxValue float64, channelsConfig images.ChannelsAxisConfig) *Node {
	if image.Rank() != 4 {
		return image
	}
	if !image.DType().IsFloat() {
		image = ConvertDType(image, dtypes.Float32)
	}

	// Remove alpha-channel, if given.
	channelsAxis := images.GetChannelsAxis(image, channelsConfig)
	if image.Shape().Dimensions[channelsAxis] == 4 {
		axesRanges := make([]SliceAxisSpec, image.Rank())
		for ii := range axesRanges {
			if ii == channelsAxis {
				axesRanges[ii] = AxisRange(0, 3)
			} else {
				axesRanges[ii] = AxisRange()
			}
		}
		image = Slice(image, axesRanges...)
	}

	// Scale to minimum size.
	shape := image.Shape()
	spatialAxes := images.GetSpatialAxes(image, channelsConfig)
	upScale := 1.0
	for _, axis := range spatialAxes {
		ratio := float64(MinimumImageSize) / float64(shape.Dimensions[axis])
		upScale = max(upScale, ratio)
	}
	if upScale > 1.0 {
		newShape := shape.Clone()
		for _, axis := range spatialAxes {
			newShape.Dimensions[axis] = max(MinimumImageSize, int(math.Round(float64(shape.Dimensions[axis])*upScale)))
		}
		image = Interpolate(image, newShape.Dimensions...).Done()
	}

	return NormalizeImageNet(MulScalar(image, 1.0/maxValue), channelsConfig)
}

// NormalizeImageNet subtracts ImageNetMean and divides by ImageNetStdDev, per channel.
// It assumes image values are already in [0, 1].
func NormalizeImageNet(image *Node, channelsConfig images.ChannelsAxisConfig) *Node {
	g := image.Graph()
	channelsAxis := images.GetChannelsAxis(image, channelsConfig)
	broadcastDims := make([]int, image.Rank())
	for ii := range broadcastDims {
		broadcastDims[ii] = 1
	}
	broadcastDims[channelsAxis] = len(ImageNetMean)
	mean := Reshape(ConvertDType(Const(g, ImageNetMean), image.DType()), broadcastDims...)
	stddev := Reshape(ConvertDType(Const(g, ImageNetStdDev), image.DType()), broadcastDims...)
	return Div(Sub(image, mean), stddev)
}
