// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// resnet50 loads a pretrained ResNet-50 and classifies images, or inspects and converts its weights.
//
// Usage:
//
//	resnet50 [flags] <image files...>
//
// Examples:
//
//	# Classify two images with the weights in the default location, printing the 5 most likely classes.
//	resnet50 -labels=imagenet_classes.txt cat.jpg dog.png
//
//	# Show how the weights matched the model, and list all its variables.
//	resnet50 -summary -vars
//
//	# Convert the PyTorch weights to a GoMLX checkpoint.
//	resnet50 -convert=~/work/resnet50
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/resnet/models/resnet"
	"github.com/gomlx/resnet/models/resnet/classifier"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

var (
	flagWeights = flag.String("weights", resnet.DefaultWeightsPath,
		"Pretrained weights: a .safetensors file with the PyTorch parameters or a GoMLX checkpoint directory. "+
			"Set to empty to use a randomly initialized model.")
	flagHFRepo = flag.String("hf_repo", "",
		"If set, downloads the weights from this HuggingFace Hub repository instead of using -weights. "+
			"Set HF_TOKEN for private repositories.")
	flagHFFile     = flag.String("hf_file", "model.safetensors", "File to download from the -hf_repo repository.")
	flagNumClasses = flag.Int("num_classes", resnet.DefaultNumClasses, "Number of classes of the classification head.")
	flagSummary    = flag.Bool("summary", false, "Prints a summary of the model and of its pretrained weights.")
	flagVars       = flag.Bool("vars", false, "Lists all the model variables. Those not loaded from the weights are in red.")
	flagConvert    = flag.String("convert", "", "Saves the model as a GoMLX checkpoint in the given directory.")
	flagLabels     = flag.String("labels", "", "Text file with the class names, one per line.")
	flagTop        = flag.Int("top", classifier.DefaultTopK, "Number of predictions to print per image.")
	flagNoColor    = flag.Bool("no_color", false, "Disables colors and styles in the tables.")
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <image files...>\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	if !*flagSummary && !*flagVars && *flagConvert == "" && flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	weightsPath := *flagWeights
	if *flagHFRepo != "" {
		weightsPath = must.M1(downloadWeights(*flagHFRepo, *flagHFFile))
	}
	if weightsPath != "" {
		weightsPath = must.M1(fsutil.ReplaceTildeInDir(weightsPath))
	}
	backend := must.M1(backends.New())
	klog.V(1).Infof("backend: %s", backend.Description())

	if *flagSummary || *flagVars || *flagConvert != "" {
		arch := resnet.ResNet50Architecture(*flagNumClasses)
		ctx, report, err := loadModel(backend, weightsPath, arch, resnet.ClassificationImageSize)
		if err != nil {
			klog.Fatalf("%+v", err)
		}
		if *flagSummary {
			printSummary(ctx, weightsPath, report)
		}
		if *flagVars {
			listVariables(backend, ctx, report)
		}
		if *flagConvert != "" {
			dir := must.M1(fsutil.ReplaceTildeInDir(*flagConvert))
			if err := convertToCheckpoint(ctx, dir); err != nil {
				klog.Fatalf("%+v", err)
			}
			fmt.Printf("Checkpoint saved to %q\n", dir)
		}
	}

	if flag.NArg() > 0 {
		if err := classifyFiles(backend, weightsPath, flag.Args()); err != nil {
			klog.Fatalf("%+v", err)
		}
	}
}

// classifyFiles prints the most likely classes of each of the image files.
func classifyFiles(backend backends.Backend, weightsPath string, paths []string) error {
	options := []classifier.Option{
		classifier.WithBackend(backend),
		classifier.WithNumClasses(*flagNumClasses),
		classifier.WithTopK(*flagTop),
	}
	if *flagLabels != "" {
		labels, err := classifier.LoadLabels(*flagLabels)
		if err != nil {
			return err
		}
		options = append(options, classifier.WithLabels(labels))
	}
	c, err := classifier.New(weightsPath, options...)
	if err != nil {
		return err
	}
	for _, path := range paths {
		img, err := imaging.Open(path, imaging.AutoOrientation(true))
		if err != nil {
			return err
		}
		predictions, err := c.Classify(img)
		if err != nil {
			return err
		}
		fmt.Println(titleStyle.Render(path))
		table := newTable(lipgloss.Right, lipgloss.Right, lipgloss.Left)
		table.Headers("Class", "Probability", "Label")
		for _, p := range predictions {
			table.Row(fmt.Sprintf("%d", p.ClassID), fmt.Sprintf("%.2f%%", 100*p.Probability), p.Label)
		}
		fmt.Println(table.Render())
	}
	return nil
}
