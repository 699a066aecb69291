// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tinyArchitecture has the same structure as ResNet-50, with one narrow block per stage.
func tinyArchitecture(numClasses int) Architecture {
	return Architecture{
		StemChannels: 16,
		StageWidths:  []int{4, 8, 8, 16},
		StageBlocks:  []int{1, 1, 1, 1},
		StageStrides: []int{1, 2, 2, 2},
		NumClasses:   numClasses,
	}
}

func TestArchitecture(t *testing.T) {
	arch := ResNet50Architecture(DefaultNumClasses)
	require.NoError(t, arch.Validate())
	assert.Equal(t, EmbeddingSize, arch.OutputChannels())
	assert.Equal(t, []string{"layer1", "layer2", "layer3", "layer4"},
		[]string{StageScope(0), StageScope(1), StageScope(2), StageScope(3)})

	bad := ResNet50Architecture(0)
	require.Error(t, bad.Validate())
	bad = ResNet50Architecture(10)
	bad.StageStrides = []int{1, 2}
	require.Error(t, bad.Validate())
	bad = ResNet50Architecture(10)
	bad.StageBlocks[2] = 0
	require.Error(t, bad.Validate())
}

func TestNewBlockConfig(t *testing.T) {
	assert.False(t, NewBlockConfig(256, 64, 1).Downsample)
	assert.True(t, NewBlockConfig(128, 64, 1).Downsample, "channels change requires a projection")
	assert.True(t, NewBlockConfig(256, 128, 2).Downsample, "stride requires a projection")
	assert.Equal(t, 512, NewBlockConfig(256, 128, 2).OutputChannels())
}

func TestConvStdDev(t *testing.T) {
	assert.InDelta(t, math.Sqrt(2.0/(3*3*64)), ConvStdDev(3, 3, 64), 1e-12)
	assert.InDelta(t, math.Sqrt(2.0/256), ConvStdDev(1, 1, 256), 1e-12)
}

func TestConvInitializer(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, channelsAxis := range []images.ChannelsAxisConfig{images.ChannelsFirst, images.ChannelsLast} {
		ctx := context.New()
		ctx.SetRNGStateFromSeed(42)
		shape := KernelShape(dtypes.Float32, channelsAxis, 64, 256, 3)
		kernelT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return ConvInitializer(ctx, channelsAxis)(g, shape)
		})
		require.NoError(t, kernelT.Shape().Check(dtypes.Float32, shape.Dimensions...))
		values := tensors.MustCopyFlatData[float32](kernelT)
		var mean, sumSquares float64
		for _, v := range values {
			mean += float64(v)
		}
		mean /= float64(len(values))
		for _, v := range values {
			sumSquares += (float64(v) - mean) * (float64(v) - mean)
		}
		stddev := math.Sqrt(sumSquares / float64(len(values)))
		want := ConvStdDev(3, 3, 256)
		assert.InDelta(t, 0.0, mean, want*0.05, "channelsAxis=%v", channelsAxis)
		assert.InDelta(t, want, stddev, want*0.05, "channelsAxis=%v", channelsAxis)
	}

	// Non-kernel shapes are zero initialized.
	ctx := context.New()
	zerosT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return ConvInitializer(ctx, images.ChannelsFirst)(g, shapes.Make(dtypes.Float32, 7))
	})
	assert.Equal(t, make([]float32, 7), tensors.MustCopyFlatData[float32](zerosT))
}

func TestBottleneck(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("identity", func(t *testing.T) {
		ctx := context.New()
		outputT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 16, 8, 8))
			return Bottleneck(ctx.In("block"), x, NewBlockConfig(16, 4, 1))
		})
		require.NoError(t, outputT.Shape().Check(dtypes.Float32, 2, 16, 8, 8))
		assert.Nil(t, ctx.InspectVariableIfLoaded("/block/downsample/0", "weights"))
		for _, v := range tensors.MustCopyFlatData[float32](outputT) {
			require.GreaterOrEqual(t, v, float32(0), "output must be ReLU'ed")
		}
	})

	t.Run("downsample", func(t *testing.T) {
		ctx := context.New()
		outputT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := Ones(g, shapes.Make(dtypes.Float32, 2, 8, 7, 7))
			return Bottleneck(ctx.In("block"), x, NewBlockConfig(8, 4, 2))
		})
		require.NoError(t, outputT.Shape().Check(dtypes.Float32, 2, 16, 4, 4))
		v := ctx.InspectVariableIfLoaded("/block/downsample/0", "weights")
		require.NotNil(t, v)
		assert.Equal(t, []int{16, 8, 1, 1}, v.Shape().Dimensions)
		require.NotNil(t, ctx.InspectVariableIfLoaded("/block/downsample/1", "variance"))
	})

	t.Run("channels-last", func(t *testing.T) {
		ctx := context.New()
		ctx.SetParam(ParamChannelsAxis, "last")
		outputT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := Ones(g, shapes.Make(dtypes.Float32, 1, 6, 6, 8))
			return Bottleneck(ctx.In("block"), x, NewBlockConfig(8, 8, 2))
		})
		require.NoError(t, outputT.Shape().Check(dtypes.Float32, 1, 3, 3, 32))
		v := ctx.InspectVariableIfLoaded("/block/conv2", "weights")
		require.NotNil(t, v)
		assert.Equal(t, []int{3, 3, 8, 8}, v.Shape().Dimensions)
	})

	t.Run("invalid", func(t *testing.T) {
		ctx := context.New()
		require.Panics(t, func() {
			_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				x := Ones(g, shapes.Make(dtypes.Float32, 1, 8, 6, 6))
				return Bottleneck(ctx, x, BlockConfig{InChannels: 8, OutChannels: 8, Stride: 2})
			})
		})
		require.Panics(t, func() {
			_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				x := Ones(g, shapes.Make(dtypes.Float32, 1, 4, 6, 6))
				return Bottleneck(ctx, x, NewBlockConfig(8, 8, 1))
			})
		})
	})
}

func TestBuildGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	arch := tinyArchitecture(10)

	t.Run("channels-first", func(t *testing.T) {
		ctx := context.New()
		ctx.SetRNGStateFromSeed(1)
		logitsT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 3, 32, 32))
			x = MulScalar(x, 1.0/float64(x.Shape().Size()))
			return BuildGraph(ctx.In("model"), x).Architecture(arch).Done()
		})
		require.NoError(t, logitsT.Shape().Check(dtypes.Float32, 2, 10))
		for _, v := range tensors.MustCopyFlatData[float32](logitsT) {
			require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0), "logits must be finite")
		}

		// Batch normalization starts as identity: scale=1, offset=0.
		scaleV := ctx.InspectVariableIfLoaded("/model/layer2/0/bn3", "scale")
		require.NotNil(t, scaleV)
		for _, v := range tensors.MustCopyFlatData[float32](scaleV.MustValue()) {
			require.Equal(t, float32(1), v)
		}
		offsetV := ctx.InspectVariableIfLoaded("/model/bn1", "offset")
		require.NotNil(t, offsetV)
		assert.Equal(t, make([]float32, stemInnerChannels), tensors.MustCopyFlatData[float32](offsetV.MustValue()))
	})

	t.Run("channels-last-embeddings", func(t *testing.T) {
		ctx := context.New()
		embeddingsT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := Ones(g, shapes.Make(dtypes.Float32, 3, 40, 36, 3))
			return BuildGraph(ctx.In("model"), x).
				Architecture(arch).
				ChannelsAxis(images.ChannelsLast).
				ClassificationTop(false).
				Done()
		})
		require.NoError(t, embeddingsT.Shape().Check(dtypes.Float32, 3, arch.OutputChannels()))
		assert.Nil(t, ctx.InspectVariableIfLoaded("/model/fc/dense", "weights"))
	})

	t.Run("hyperparameters", func(t *testing.T) {
		ctx := context.New()
		ctx.SetParam(ParamNumClasses, 7)
		ctx.SetParam(ParamChannelsAxis, "last")
		cfg := BuildGraph(ctx, nil)
		assert.Equal(t, 7, cfg.arch.NumClasses)
		assert.Equal(t, images.ChannelsLast, cfg.convNorm.channelsAxis)
		assert.Equal(t, 1e-5, cfg.convNorm.epsilon)
		assert.Equal(t, 0.9, cfg.convNorm.momentum)
		cfg = cfg.NumClasses(3).BatchNormEpsilon(1e-3).BatchNormMomentum(0.99)
		assert.Equal(t, 3, cfg.arch.NumClasses)
		assert.Equal(t, 1e-3, cfg.convNorm.epsilon)
		assert.Equal(t, 0.99, cfg.convNorm.momentum)
	})
}

// TestResNet50Variables builds the full model graph (without executing it) and checks the variables
// created match the inventory.
func TestResNet50Variables(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "resnet50")
	image := Parameter(g, "image", shapes.Make(dtypes.Float32, 1, 3, ClassificationImageSize, ClassificationImageSize))
	logits := ResNet50(ctx.In("model"), image, false)
	require.NoError(t, logits.Shape().Check(dtypes.Float32, 1, DefaultNumClasses))

	want := ParameterShapes(ResNet50Architecture(DefaultNumClasses), dtypes.Float32, images.ChannelsFirst)
	got := make(map[string]shapes.Shape)
	var numTrainable int
	for v := range ctx.IterVariables() {
		relScope := v.Scope()[len("/model"):]
		got[context.JoinScope(relScope, v.Name())] = v.Shape()
		if !isBatchNormStatistic(v.Name()) {
			numTrainable += v.Shape().Size()
		}
	}
	require.Equal(t, len(want), len(got))
	for key, shape := range want {
		gotShape, found := got[key]
		require.Truef(t, found, "variable %q not created", key)
		require.Truef(t, shape.Equal(gotShape), "variable %q: want shape %s, got %s", key, shape, gotShape)
	}
	assert.Equal(t, 25_680_808, NumParameters(ResNet50Architecture(DefaultNumClasses)))
	assert.Equal(t, NumParameters(ResNet50Architecture(DefaultNumClasses)), numTrainable)
}

func TestPreprocessImage(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	imageT := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
		// RGBA image, 2x2, all channels at 255.
		x := Const(g, [][][][]uint8{{
			{{255, 255}, {255, 255}},
			{{255, 255}, {255, 255}},
			{{255, 255}, {255, 255}},
			{{255, 255}, {255, 255}},
		}})
		return PreprocessImage(x, 255.0, images.ChannelsFirst)
	})
	require.NoError(t, imageT.Shape().Check(dtypes.Float32, 1, 3, MinimumImageSize, MinimumImageSize))
	values := tensors.MustCopyFlatData[float32](imageT)
	planeSize := MinimumImageSize * MinimumImageSize
	for channel := range 3 {
		want := (1.0 - ImageNetMean[channel]) / ImageNetStdDev[channel]
		assert.InDelta(t, want, float64(values[channel*planeSize]), 1e-4)
		assert.InDelta(t, want, float64(values[(channel+1)*planeSize-1]), 1e-4)
	}
}

// TestStridedPadding checks that stride-2 3x3 operations on an even input sample the same positions as
// PyTorch's padding=1: output (i, j) is centered on input (2i, 2j).
func TestStridedPadding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// Input values 1 to 16, in a 4x4 image.
	input := [][][][]float32{{{
		{1, 2, 3, 4},
		{5, 6, 7, 8},
		{9, 10, 11, 12},
		{13, 14, 15, 16},
	}}}

	t.Run("convolution", func(t *testing.T) {
		ctx := context.New()
		// Output channel 0 copies the kernel center, output channel 1 the top-left corner.
		kernel := [][][][]float32{
			{{{0, 0, 0}, {0, 1, 0}, {0, 0, 0}}},
			{{{1, 0, 0}, {0, 0, 0}, {0, 0, 0}}},
		}
		ctx.In("conv").VariableWithValue("weights", kernel)
		cn := convNorm{channelsAxis: images.ChannelsFirst}
		outputT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return cn.conv(ctx.Reuse(), x, "conv", 2, 3, 2)
		}, input)
		require.NoError(t, outputT.Shape().Check(dtypes.Float32, 1, 2, 2, 2))
		assert.Equal(t, []float32{
			1, 3, 9, 11, // Centers at input (0,0), (0,2), (2,0), (2,2).
			0, 0, 0, 6, // Top-left corners: only (1,1) falls inside the image.
		}, tensors.MustCopyFlatData[float32](outputT))
	})

	t.Run("max-pool", func(t *testing.T) {
		outputT := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, x *Node) *Node {
			return stemPool(x, images.ChannelsFirst)
		}, input)
		require.NoError(t, outputT.Shape().Check(dtypes.Float32, 1, 1, 2, 2))
		assert.Equal(t, []float32{6, 8, 14, 16}, tensors.MustCopyFlatData[float32](outputT))
	})
}
