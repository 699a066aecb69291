// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/resnet/models/resnet"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// modelScope is the scope where the model variables are created, the same used by the classifier package.
const modelScope = "model"

// downloadWeights downloads fileName from the HuggingFace Hub repository repoID, and returns the local path.
// Files are cached, so only the first call actually downloads.
func downloadWeights(repoID, fileName string) (string, error) {
	repo := hub.New(repoID).WithAuth(os.Getenv("HF_TOKEN")).WithProgressBar(true)
	path, err := repo.DownloadFile(fileName)
	if err != nil {
		return "", errors.WithMessagef(err, "failed to download %q from HuggingFace Hub repository %q", fileName, repoID)
	}
	klog.V(1).Infof("downloaded %q from %q to %q", fileName, repoID, path)
	return path, nil
}

// loadModel creates a context with the model variables, loaded from weightsPath (if not empty) and initialized.
// The model is executed once on a blank image of imageSize x imageSize, which materializes all the variables.
func loadModel(backend backends.Backend, weightsPath string, arch resnet.Architecture, imageSize int) (
	*context.Context, *resnet.LoadReport, error) {
	ctx := context.New()
	var report *resnet.LoadReport
	if weightsPath != "" {
		var err error
		report, err = resnet.LoadPretrained(ctx.In(modelScope), weightsPath, arch, images.ChannelsFirst, dtypes.Float32)
		if err != nil {
			return nil, nil, err
		}
	}
	err := exceptions.TryCatch[error](func() {
		_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := Zeros(g, shapes.Make(dtypes.Float32, 1, 3, imageSize, imageSize))
			return resnet.BuildGraph(ctx.In(modelScope), x).Architecture(arch).Done()
		})
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to build the ResNet-50 model")
	}
	return ctx, report, nil
}

// convertToCheckpoint saves all the variables of ctx as a GoMLX checkpoint in dir, which must not
// have checkpoints already.
func convertToCheckpoint(ctx *context.Context, dir string) error {
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return errors.Errorf("checkpoint directory %q is not empty, not overwriting it", dir)
	}
	handler, err := checkpoints.Build(ctx).Dir(dir).Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create checkpoint in %q", dir)
	}
	if err = handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint in %q", dir)
	}
	return nil
}
