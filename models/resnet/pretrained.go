// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// DefaultWeightsPath is where ResNet50 looks for the pretrained weights, relative to the current directory.
const DefaultWeightsPath = "Model weights/resnet50-imagenet.safetensors"

// LoadReport describes how the parameters of a pretrained file matched the model variables.
// For safetensors files, all lists hold PyTorch state dict keys, sorted. For GoMLX checkpoints only Loaded
// is filled, with the variables parameter names.
type LoadReport struct {
	// Source is the file or directory the weights were read from.
	Source string

	// Loaded parameters, matching a model variable in name and shape.
	Loaded []string

	// Unexpected parameters in the file, that have no corresponding model variable.
	Unexpected []string

	// Mismatched parameters, that correspond to a model variable but with a different shape.
	Mismatched []string

	// Missing parameters: model variables not present in the file. They are initialized as usual.
	Missing []string
}

// String implements fmt.Stringer.
func (r *LoadReport) String() string {
	return fmt.Sprintf("%q: %d loaded, %d unexpected, %d mismatched, %d missing",
		r.Source, len(r.Loaded), len(r.Unexpected), len(r.Mismatched), len(r.Missing))
}

// TorchLoader implements context.Loader serving the values of a PyTorch ResNet state dict (read from
// a safetensors file) to the model variables. Values are converted to the variables' layout and dtype
// when the loader is created, and parameters that don't match a variable are dropped.
//
// Loaders previously attached to the context have priority, like with checkpoints.Handler: so a training
// checkpoint takes precedence over the pretrained weights.
type TorchLoader struct {
	path   string
	values map[string]*tensors.Tensor
	prev   context.Loader
}

var _ context.Loader = (*TorchLoader)(nil)

// NewTorchLoader converts the parameters in st for a model with the given architecture, built under
// baseScope (the scope of the context passed to BuildGraph). Parameters whose shapes don't match the
// model are skipped and reported in the LoadReport.
//
// Only dtypes.Float32 and dtypes.Float64 variables are supported.
func NewTorchLoader(st *Safetensors, baseScope string, arch Architecture, channelsAxis images.ChannelsAxisConfig,
	dtype dtypes.DType) (*TorchLoader, *LoadReport, error) {
	if err := arch.Validate(); err != nil {
		return nil, nil, err
	}
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		return nil, nil, errors.Errorf("pretrained weights can only be loaded into Float32 or Float64 variables, got %s", dtype)
	}
	expected := ParameterShapes(arch, dtype, channelsAxis)
	loader := &TorchLoader{
		path:   st.Path,
		values: make(map[string]*tensors.Tensor, len(expected)),
	}
	report := &LoadReport{Source: st.Path}
	seen := make(map[string]bool, len(expected))
	for _, key := range st.Names() {
		scope, name, ok := TorchToVariable(key)
		if !ok {
			report.Unexpected = append(report.Unexpected, key)
			continue
		}
		relName := context.JoinScope(scope, name)
		shape, found := expected[relName]
		if !found {
			report.Unexpected = append(report.Unexpected, key)
			continue
		}
		seen[relName] = true
		values, dims, err := st.Float32(key)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "while loading %q from %q", key, st.Path)
		}
		values, dims = TorchValuesLayout(key, values, dims, channelsAxis)
		if name == "avg_weight" && len(values) == 1 {
			values, dims = slices.Repeat(values, shape.Size()), shape.Dimensions
		}
		if !slices.Equal(dims, shape.Dimensions) {
			klog.V(1).Infof("skipping pretrained parameter %q: shape %v doesn't match variable %q shape %s",
				key, dims, relName, shape)
			report.Mismatched = append(report.Mismatched, key)
			continue
		}
		loader.values[absoluteVariableKey(baseScope, scope, name)] = float32ToTensor(values, dtype, dims)
		report.Loaded = append(report.Loaded, key)
	}
	for _, relName := range SortedParameterNames(expected) {
		if seen[relName] {
			continue
		}
		if key, ok := VariableToTorch(context.SplitScope(relName)); ok {
			report.Missing = append(report.Missing, key)
		}
	}
	return loader, report, nil
}

// absoluteVariableKey joins the model base scope, the variable scope relative to it and the variable name.
func absoluteVariableKey(baseScope, relScope, name string) string {
	return context.JoinScope(absoluteScope(baseScope, relScope), name)
}

func float32ToTensor(values []float32, dtype dtypes.DType, dims []int) *tensors.Tensor {
	if dtype == dtypes.Float64 {
		values64 := make([]float64, len(values))
		for ii, v := range values {
			values64[ii] = float64(v)
		}
		return tensors.FromFlatDataAndDimensions(values64, dims...)
	}
	return tensors.FromFlatDataAndDimensions(values, dims...)
}

// Path of the file the loader was created from.
func (l *TorchLoader) Path() string {
	return l.path
}

// Len returns the number of values not yet consumed by the context.
func (l *TorchLoader) Len() int {
	return len(l.values)
}

// AttachTo sets the loader as the context.Loader of ctx, chaining any loader previously configured.
func (l *TorchLoader) AttachTo(ctx *context.Context) {
	l.prev = ctx.Loader()
	ctx.SetLoader(l)
}

// LoadVariable implements context.Loader. Values are handed over to the context once loaded.
func (l *TorchLoader) LoadVariable(ctx *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	if l.prev != nil {
		value, found = l.prev.LoadVariable(ctx, scope, name)
		if found {
			return
		}
	}
	key := context.JoinScope(scope, name)
	value, found = l.values[key]
	if found {
		delete(l.values, key)
	}
	return
}

// DeleteVariable implements context.Loader.
func (l *TorchLoader) DeleteVariable(ctx *context.Context, scope, name string) error {
	if l.prev != nil {
		if err := l.prev.DeleteVariable(ctx, scope, name); err != nil {
			return err
		}
	}
	delete(l.values, context.JoinScope(scope, name))
	return nil
}

// LoadPretrained attaches the weights in weightsPath to ctx, to be used by a model with the given architecture
// built in the current scope of ctx. Values are only transferred to the context when the model creates
// the variables.
//
// The weightsPath can be:
//   - A `.safetensors` file with a PyTorch ResNet state dict ("conv1.weight", "layer1.0.bn1.running_mean", ...).
//     Parameters that don't exist in the model, model variables not in the file and parameters whose shapes
//     differ are skipped, and listed in the returned LoadReport.
//   - A GoMLX checkpoint directory (see checkpoints package), e.g.: created with `resnet50 -convert`.
//     Variables are restored by their absolute scope, and the returned LoadReport only lists the Loaded ones.
//
// PyTorch pickle files (`.pth`, `.pt`) are not supported: convert them to safetensors first.
func LoadPretrained(ctx *context.Context, weightsPath string, arch Architecture,
	channelsAxis images.ChannelsAxisConfig, dtype dtypes.DType) (*LoadReport, error) {
	info, err := os.Stat(weightsPath)
	if err != nil {
		return nil, errors.Wrapf(err, "pretrained weights %q not available", weightsPath)
	}
	if info.IsDir() {
		handler, err := checkpoints.Load(ctx).Dir(weightsPath).Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load checkpoint from %q", weightsPath)
		}
		report := &LoadReport{Source: handler.Dir(), Loaded: maps.Keys(handler.LoadedVariables())}
		slices.Sort(report.Loaded)
		klog.V(1).Infof("resnet: attached checkpoint %s", report)
		return report, nil
	}

	switch ext := strings.ToLower(filepath.Ext(weightsPath)); ext {
	case ".safetensors":
		st, err := ReadSafetensors(weightsPath)
		if err != nil {
			return nil, err
		}
		loader, report, err := NewTorchLoader(st, ctx.Scope(), arch, channelsAxis, dtype)
		if err != nil {
			return nil, err
		}
		loader.AttachTo(ctx)
		if len(report.Mismatched) > 0 || len(report.Missing) > 0 {
			klog.Warningf("resnet: pretrained weights %s, mismatched=%v", report, report.Mismatched)
		} else {
			klog.V(1).Infof("resnet: pretrained weights %s", report)
		}
		return report, nil
	case ".pth", ".pt":
		return nil, errors.Errorf("PyTorch pickle file %q not supported, please export the state dict with "+
			"safetensors.torch.save_file and use the .safetensors file", weightsPath)
	default:
		return nil, errors.Errorf("unknown format for pretrained weights %q: expected a .safetensors file or "+
			"a GoMLX checkpoint directory", weightsPath)
	}
}

// isPretrainedAttached checks whether the weights in weightsPath are already attached to ctx, so building
// the model again (e.g.: for a different batch size) doesn't load them twice.
func isPretrainedAttached(ctx *context.Context, weightsPath string) bool {
	// Variables created: either already loaded or the model was initialized without the weights.
	if ctx.InspectVariableIfLoaded(absoluteScope(ctx.Scope(), "/conv1"), "weights") != nil {
		return true
	}
	loader := ctx.Loader()
	for loader != nil {
		switch l := loader.(type) {
		case *TorchLoader:
			if samePath(l.path, weightsPath) {
				return true
			}
			loader = l.prev
		case *checkpoints.Handler:
			return samePath(l.Dir(), weightsPath)
		default:
			return false
		}
	}
	return false
}

// samePath reports whether a and b name the same file, after cleaning them and making them absolute.
func samePath(a, b string) bool {
	if a == b {
		return true
	}
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}

// absoluteScope appends the relative scope relScope (starting with "/") to baseScope.
func absoluteScope(baseScope, relScope string) string {
	return strings.TrimSuffix(baseScope, context.ScopeSeparator) + relScope
}
