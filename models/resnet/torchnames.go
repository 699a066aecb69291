// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Mapping of PyTorch parameter names to GoMLX variable names, per layer kind.
var (
	torchConvParams = map[string]string{"weight": "weights"}
	torchNormParams = map[string]string{
		"weight":       "scale",
		"bias":         "offset",
		"running_mean": "mean",
		"running_var":  "variance",

		// The count of batches seen by the running averages becomes the weight of the moving averages, so
		// fine-tuning continues the averages instead of restarting them.
		"num_batches_tracked": "avg_weight",
	}
	torchDenseParams = map[string]string{"weight": "weights", "bias": "biases"}
)

// layerKind of a module in the PyTorch state dict.
type layerKind int

const (
	kindUnknown layerKind = iota
	kindConv
	kindNorm
	kindDense
)

// TorchToVariable converts a PyTorch state dict key (e.g.: "layer2.0.downsample.1.running_var") to the scope
// (relative to the model scope) and name of the corresponding GoMLX variable (e.g.: "/layer2/0/downsample/1"
// and "variance").
//
// It returns ok=false for keys of modules or parameters that are not part of the model.
func TorchToVariable(key string) (scope, name string, ok bool) {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return "", "", false
	}
	modules, param := parts[:len(parts)-1], parts[len(parts)-1]
	kind := torchModuleKind(modules)
	var params map[string]string
	switch kind {
	case kindConv:
		params = torchConvParams
	case kindNorm:
		params = torchNormParams
	case kindDense:
		params = torchDenseParams
		modules = append(modules, "dense")
	default:
		return "", "", false
	}
	name, ok = params[param]
	if !ok {
		return "", "", false
	}
	return context.ScopeSeparator + strings.Join(modules, context.ScopeSeparator), name, true
}

// VariableToTorch is the inverse of TorchToVariable: it converts the relative scope and name of a model
// variable to its PyTorch state dict key. It returns ok=false for variables without a PyTorch counterpart.
func VariableToTorch(scope, name string) (key string, ok bool) {
	modules := strings.Split(strings.Trim(scope, context.ScopeSeparator), context.ScopeSeparator)
	var params map[string]string
	if n := len(modules); n >= 2 && modules[n-1] == "dense" {
		modules = modules[:n-1]
	}
	switch torchModuleKind(modules) {
	case kindConv:
		params = torchConvParams
	case kindNorm:
		params = torchNormParams
	case kindDense:
		params = torchDenseParams
	default:
		return "", false
	}
	for torchParam, variableName := range params {
		if variableName == name {
			return strings.Join(modules, ".") + "." + torchParam, true
		}
	}
	return "", false
}

// torchModuleKind recognizes the module paths of the model: "conv1", "bn2", "fc", "layer3.5.conv2",
// "layer1.0.downsample.0", etc.
func torchModuleKind(modules []string) layerKind {
	switch len(modules) {
	case 1:
		return stemModuleKind(modules[0])
	case 3, 4:
		if !strings.HasPrefix(modules[0], "layer") {
			return kindUnknown
		}
		if _, err := strconv.Atoi(strings.TrimPrefix(modules[0], "layer")); err != nil {
			return kindUnknown
		}
		if _, err := strconv.Atoi(modules[1]); err != nil {
			return kindUnknown
		}
		if len(modules) == 3 {
			return blockModuleKind(modules[2])
		}
		if modules[2] != "downsample" {
			return kindUnknown
		}
		switch modules[3] {
		case "0":
			return kindConv
		case "1":
			return kindNorm
		}
	}
	return kindUnknown
}

func stemModuleKind(module string) layerKind {
	if module == "fc" {
		return kindDense
	}
	return blockModuleKind(module)
}

func blockModuleKind(module string) layerKind {
	switch module {
	case "conv1", "conv2", "conv3":
		return kindConv
	case "bn1", "bn2", "bn3":
		return kindNorm
	}
	return kindUnknown
}

// TorchValuesLayout converts the values of a PyTorch parameter to the layout of the GoMLX variable:
//   - Convolution kernels are stored by PyTorch as [out, in, kh, kw]: that's the layout used with
//     images.ChannelsFirst, and they are transposed to [kh, kw, in, out] for images.ChannelsLast.
//   - Linear weights are stored as [out, in] and are transposed to [in, out].
//
// Other values are returned unchanged.
func TorchValuesLayout(key string, values []float32, dims []int, channelsAxis images.ChannelsAxisConfig) ([]float32, []int) {
	modules := strings.Split(key, ".")
	if len(modules) < 2 || modules[len(modules)-1] != "weight" {
		return values, dims
	}
	switch torchModuleKind(modules[:len(modules)-1]) {
	case kindConv:
		if channelsAxis == images.ChannelsLast && len(dims) == 4 {
			return transposeFloat32(values, dims, []int{2, 3, 1, 0})
		}
	case kindDense:
		if len(dims) == 2 {
			return transposeFloat32(values, dims, []int{1, 0})
		}
	}
	return values, dims
}

// transposeFloat32 permutes the axes of a row-major array: output axis i is input axis permutation[i].
func transposeFloat32(values []float32, dims, permutation []int) ([]float32, []int) {
	rank := len(dims)
	outDims := make([]int, rank)
	for ii, axis := range permutation {
		outDims[ii] = dims[axis]
	}
	inStrides := make([]int, rank)
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		inStrides[axis] = stride
		stride *= dims[axis]
	}
	// Strides of the input, in the order of the output axes.
	permutedStrides := make([]int, rank)
	for ii, axis := range permutation {
		permutedStrides[ii] = inStrides[axis]
	}

	output := make([]float32, len(values))
	outIndex := make([]int, rank)
	for outPos := range output {
		inPos := 0
		for ii, idx := range outIndex {
			inPos += idx * permutedStrides[ii]
		}
		output[outPos] = values[inPos]
		for ii := rank - 1; ii >= 0; ii-- {
			outIndex[ii]++
			if outIndex[ii] < outDims[ii] {
				break
			}
			outIndex[ii] = 0
		}
	}
	return output, outDims
}
