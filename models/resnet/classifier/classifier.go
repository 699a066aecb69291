// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier serves a ResNet-50 model for image classification.
//
// It loads pretrained weights (a `.safetensors` file with the PyTorch parameters, or a GoMLX checkpoint
// directory) and offers a Classify method that takes any image.Image: images are resized and center-cropped
// to the model's input size, normalized with the ImageNet statistics and classified.
//
// Example:
//
//	c, err := classifier.New(resnet.DefaultWeightsPath, classifier.WithLabels(labels))
//	if err != nil { ... }
//	predictions, err := c.Classify(img)
package classifier

import (
	"bufio"
	"image"
	"image/color"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/resnet/models/resnet"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultTopK is the default number of predictions returned by Classify.
const DefaultTopK = 5

// Prediction is one of the most likely classes of an image.
type Prediction struct {
	// ClassID is the index of the class, from 0 to NumClasses-1.
	ClassID int

	// Label of the class, if labels were configured with WithLabels. Otherwise, empty.
	Label string

	// Probability of the class, after a softmax over all the logits.
	Probability float32
}

// Classifier holds the ResNet-50 model compiled.
// It will use XLA with GPU if available or CPU by default. But the backend can be configured with GOMLX_BACKEND.
type Classifier struct {
	backend backends.Backend

	// ctx with the model's weights.
	ctx *context.Context

	// exec runs the model and returns the probabilities of each class.
	exec *context.Exec

	arch      resnet.Architecture
	imageSize int
	topK      int
	labels    []string
	report    *resnet.LoadReport
}

// Option configures a Classifier, see New.
type Option func(c *Classifier)

// WithNumClasses sets the number of classes of the model. Default is resnet.DefaultNumClasses.
func WithNumClasses(numClasses int) Option {
	return func(c *Classifier) {
		c.arch.NumClasses = numClasses
	}
}

// WithArchitecture sets the network configuration. Default is resnet.ResNet50Architecture.
// If used with WithNumClasses, it must come before it.
func WithArchitecture(arch resnet.Architecture) Option {
	return func(c *Classifier) {
		c.arch = arch
	}
}

// WithTopK sets the number of predictions returned by Classify. Default is DefaultTopK.
func WithTopK(k int) Option {
	return func(c *Classifier) {
		c.topK = k
	}
}

// WithLabels sets the names of the classes, used to fill Prediction.Label.
func WithLabels(labels []string) Option {
	return func(c *Classifier) {
		c.labels = labels
	}
}

// WithImageSize sets the size of the square images fed to the model. Default is resnet.ClassificationImageSize.
func WithImageSize(size int) Option {
	return func(c *Classifier) {
		c.imageSize = size
	}
}

// WithBackend sets the backend to use. Default is backends.MustNew(), configured by GOMLX_BACKEND.
func WithBackend(backend backends.Backend) Option {
	return func(c *Classifier) {
		c.backend = backend
	}
}

// New creates a Classifier with the weights in weightsPath: either a `.safetensors` file or a GoMLX
// checkpoint directory (see resnet.LoadPretrained).
//
// If weightsPath is empty, the model is randomly initialized: only useful for testing.
func New(weightsPath string, options ...Option) (*Classifier, error) {
	c := &Classifier{
		ctx:       context.New(),
		arch:      resnet.ResNet50Architecture(resnet.DefaultNumClasses),
		imageSize: resnet.ClassificationImageSize,
		topK:      DefaultTopK,
	}
	for _, option := range options {
		option(c)
	}
	if err := c.arch.Validate(); err != nil {
		return nil, err
	}
	if c.topK <= 0 {
		return nil, errors.Errorf("invalid number of predictions (top-k) %d", c.topK)
	}
	if c.imageSize < resnet.MinimumImageSize {
		return nil, errors.Errorf("image size %d smaller than the minimum %d", c.imageSize, resnet.MinimumImageSize)
	}
	if len(c.labels) > 0 && len(c.labels) != c.arch.NumClasses {
		return nil, errors.Errorf("%d labels given for a model with %d classes", len(c.labels), c.arch.NumClasses)
	}
	if c.backend == nil {
		var err error
		c.backend, err = backends.New()
		if err != nil {
			return nil, errors.WithMessage(err, "failed to create backend for the classifier")
		}
	}

	ctxModel := c.ctx.In("model")
	if weightsPath != "" {
		var err error
		c.report, err = resnet.LoadPretrained(ctxModel, weightsPath, c.arch, images.ChannelsFirst, dtypes.Float32)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed while loading ResNet-50 weights from %q", weightsPath)
		}
		klog.V(1).Infof("classifier: %s", c.report)
	} else {
		klog.Warningf("classifier: no weights given, using a randomly initialized model")
	}

	var err error
	c.exec, err = context.NewExec(c.backend, ctxModel, func(ctx *context.Context, x *graph.Node) *graph.Node {
		// Images are converted to tensors as [batch, height, width, channels].
		x = graph.TransposeAllAxes(x, 0, 3, 1, 2)
		x = resnet.PreprocessImage(x, 255.0, images.ChannelsFirst)
		logits := resnet.BuildGraph(ctx, x).Architecture(c.arch).Done()
		return graph.Softmax(logits, -1)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create the classifier executor")
	}
	return c, nil
}

// Report returns how the pretrained weights matched the model, or nil if no weights were given.
func (c *Classifier) Report() *resnet.LoadReport {
	return c.report
}

// NumClasses returns the number of classes of the model.
func (c *Classifier) NumClasses() int {
	return c.arch.NumClasses
}

// Classify returns the most likely classes of img, in decreasing order of probability.
func (c *Classifier) Classify(img image.Image) ([]Prediction, error) {
	predictions, err := c.ClassifyBatch([]image.Image{img})
	if err != nil {
		return nil, err
	}
	return predictions[0], nil
}

// ClassifyBatch classifies the images in one execution of the model.
func (c *Classifier) ClassifyBatch(imgs []image.Image) ([][]Prediction, error) {
	if len(imgs) == 0 {
		return nil, errors.New("no images given to classify")
	}
	resized := make([]image.Image, len(imgs))
	for ii, img := range imgs {
		if img == nil || img.Bounds().Empty() {
			return nil, errors.Errorf("image #%d is empty, it can't be classified", ii)
		}
		resized[ii] = ResizeAndCrop(img, c.imageSize)
	}
	var probabilities *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		input := images.ToTensor(dtypes.Float32).MaxValue(255.0).Batch(resized)
		probabilities = c.exec.MustExec1(input)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to classify images")
	}
	flat := tensors.MustCopyFlatData[float32](probabilities)
	numClasses := c.arch.NumClasses
	predictions := make([][]Prediction, len(imgs))
	for ii := range imgs {
		predictions[ii] = c.topPredictions(flat[ii*numClasses : (ii+1)*numClasses])
	}
	return predictions, nil
}

// topPredictions returns the c.topK classes with the largest probabilities.
func (c *Classifier) topPredictions(probabilities []float32) []Prediction {
	classIDs := make([]int, len(probabilities))
	for ii := range classIDs {
		classIDs[ii] = ii
	}
	slices.SortStableFunc(classIDs, func(a, b int) int {
		switch {
		case probabilities[a] > probabilities[b]:
			return -1
		case probabilities[a] < probabilities[b]:
			return 1
		}
		return 0
	})
	k := min(c.topK, len(classIDs))
	predictions := make([]Prediction, k)
	for ii, classID := range classIDs[:k] {
		predictions[ii] = Prediction{ClassID: classID, Probability: probabilities[classID]}
		if len(c.labels) > 0 {
			predictions[ii].Label = c.labels[classID]
		}
	}
	return predictions
}

// ResizeAndCrop resizes img so its smallest side is size, preserving the ratio, and crops the center
// of the largest side, returning a size x size image. An empty img yields a black image.
func ResizeAndCrop(img image.Image, size int) image.Image {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	if width == 0 || height == 0 {
		return imaging.New(size, size, color.Black)
	}
	if width < height {
		height = int(math.Round(float64(height) * float64(size) / float64(width)))
		width = size
	} else {
		width = int(math.Round(float64(width) * float64(size) / float64(height)))
		height = size
	}
	resized := imaging.Resize(img, width, height, imaging.Linear)
	return imaging.CropCenter(resized, size, size)
}

// LoadLabels reads the class names from a text file, one per line. Empty lines are skipped.
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open labels file %q", path)
	}
	defer func() { _ = f.Close() }()
	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		label := strings.TrimSpace(scanner.Text())
		if label == "" {
			continue
		}
		labels = append(labels, label)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read labels file %q", path)
	}
	return labels, nil
}
