// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/resnet/models/resnet"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
)

// variableInfo is one row of the variables listing.
type variableInfo struct {
	Scope, Name string
	TorchKey    string
	Shape       string
	Size        int
	Bytes       uintptr
	Loaded      bool
	MAV, RMS    string
}

// collectVariables returns the model variables sorted by scope and name, marking those loaded from
// the pretrained weights in report.
func collectVariables(ctx *context.Context, report *resnet.LoadReport) []variableInfo {
	loaded := make(map[string]bool)
	if report != nil {
		for _, key := range report.Loaded {
			loaded[key] = true
		}
	}
	baseScope := context.ScopeSeparator + modelScope
	var infos []variableInfo
	for v := range ctx.InAbsPath(baseScope).IterVariablesInScope() {
		torchKey, _ := resnet.VariableToTorch(strings.TrimPrefix(v.Scope(), baseScope), v.Name())
		shape := v.Shape()
		infos = append(infos, variableInfo{
			Scope:    v.Scope(),
			Name:     v.Name(),
			TorchKey: torchKey,
			Shape:    shape.String(),
			Size:     shape.Size(),
			Bytes:    shape.Memory(),
			Loaded:   loaded[torchKey] || loaded[v.ParameterName()],
		})
	}
	slices.SortFunc(infos, func(a, b variableInfo) int {
		if cmp := strings.Compare(a.Scope, b.Scope); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.Name, b.Name)
	})
	return infos
}

// computeStatistics fills the MAV (mean absolute value) and RMS (root-mean-square) of the float variables.
func computeStatistics(backend backends.Backend, ctx *context.Context, infos []variableInfo) {
	statsFn := MustNewExec(backend, func(x *Node) (mav, rms *Node) {
		x = ConvertDType(x, dtypes.Float64)
		mav = ReduceAllMean(Abs(x))
		rms = Sqrt(ReduceAllMean(Square(x)))
		return
	}).SetMaxCache(-1)
	bar := progressbar.Default(int64(len(infos)), "statistics")
	for ii := range infos {
		info := &infos[ii]
		v := ctx.InspectVariableIfLoaded(info.Scope, info.Name)
		if v != nil && v.DType().IsFloat() {
			stats := statsFn.MustExec(must.M1(v.Value()))
			info.MAV = fmt.Sprintf("%.3g", stats[0].Value().(float64))
			info.RMS = fmt.Sprintf("%.3g", stats[1].Value().(float64))
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
}

// listVariables prints the model variables. Variables not loaded from the pretrained weights are in red.
func listVariables(backend backends.Backend, ctx *context.Context, report *resnet.LoadReport) {
	infos := collectVariables(ctx, report)
	computeStatistics(backend, ctx, infos)
	fmt.Println(titleStyle.Render("Variables"))
	table := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Scope", "Name", "PyTorch", "Shape", "Size", "Bytes", "MAV", "RMS")
	for _, info := range infos {
		table.StatusRow(info.Loaded, info.Scope, info.Name, info.TorchKey, info.Shape,
			humanize.Comma(int64(info.Size)), humanize.Bytes(uint64(info.Bytes)), info.MAV, info.RMS)
	}
	fmt.Println(table.Render())
	if n := table.NumNotLoaded(); n > 0 {
		fmt.Println(notLoadedStyle.Render(fmt.Sprintf("%d of %d variables not loaded from the pretrained weights",
			n, len(infos))))
	}
}

// printSummary prints the model sizes and how the pretrained weights matched the model.
func printSummary(ctx *context.Context, weightsPath string, report *resnet.LoadReport) {
	fmt.Println(titleStyle.Render("Summary"))
	infos := collectVariables(ctx, report)
	var numLoaded, numParams int
	var totalBytes uintptr
	for _, info := range infos {
		if info.Loaded {
			numLoaded++
		}
		numParams += info.Size
		totalBytes += info.Bytes
	}
	table := newTable(lipgloss.Right, lipgloss.Left)
	table.Row("weights", weightsPath)
	table.Row("# variables", humanize.Comma(int64(len(infos))))
	table.Row("# variables loaded", humanize.Comma(int64(numLoaded)))
	table.Row("# parameters", humanize.Comma(int64(numParams)))
	table.Row("# bytes", humanize.Bytes(uint64(totalBytes)))
	if report != nil {
		table.Row("unexpected in file", strings.Join(report.Unexpected, ", "))
		table.Row("shape mismatch", strings.Join(report.Mismatched, ", "))
		table.Row("missing in file", humanize.Comma(int64(len(report.Missing))))
	}
	fmt.Println(table.Render())
}
