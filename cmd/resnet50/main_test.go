// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/lipgloss"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/resnet/models/resnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyArchitecture() resnet.Architecture {
	return resnet.Architecture{
		StemChannels: 16,
		StageWidths:  []int{4, 8, 8, 16},
		StageBlocks:  []int{1, 1, 1, 1},
		StageStrides: []int{1, 2, 2, 2},
		NumClasses:   7,
	}
}

func findVariable(infos []variableInfo, scope, name string) *variableInfo {
	for ii := range infos {
		if infos[ii].Scope == scope && infos[ii].Name == name {
			return &infos[ii]
		}
	}
	return nil
}

func TestLoadModelAndConvert(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	arch := tinyArchitecture()

	ctx, report, err := loadModel(backend, "", arch, resnet.MinimumImageSize)
	require.NoError(t, err)
	assert.Nil(t, report)
	infos := collectVariables(ctx, report)
	require.NotEmpty(t, infos)
	for _, info := range infos {
		assert.False(t, info.Loaded, "variable %s/%s", info.Scope, info.Name)
	}

	conv1 := findVariable(infos, "/model/conv1", "weights")
	require.NotNil(t, conv1)
	assert.Equal(t, "conv1.weight", conv1.TorchKey)
	// The first two stem convolutions are 64 wide whatever the architecture's StemChannels.
	assert.Equal(t, 64*3*3*3, conv1.Size)
	fc := findVariable(infos, "/model/fc/dense", "weights")
	require.NotNil(t, fc)
	assert.Equal(t, "fc.weight", fc.TorchKey)
	assert.Equal(t, 16*resnet.Expansion*7, fc.Size)

	computeStatistics(backend, ctx, infos)
	conv1 = findVariable(infos, "/model/conv1", "weights")
	assert.NotEmpty(t, conv1.MAV)
	assert.NotEmpty(t, conv1.RMS)

	// Save as a checkpoint, and load it back: all model variables should be restored.
	dir := filepath.Join(t.TempDir(), "resnet50")
	require.NoError(t, convertToCheckpoint(ctx, dir))
	ctx2, report2, err := loadModel(backend, dir, arch, resnet.MinimumImageSize)
	require.NoError(t, err)
	require.NotNil(t, report2)
	infos2 := collectVariables(ctx2, report2)
	require.Len(t, infos2, len(infos))
	for _, info := range infos2 {
		assert.True(t, info.Loaded, "variable %s/%s", info.Scope, info.Name)
	}

	// The checkpoint directory now has files and is not overwritten.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Error(t, convertToCheckpoint(ctx, dir))
}

func TestLoadModelErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	_, _, err := loadModel(backend, filepath.Join(t.TempDir(), "missing.safetensors"), tinyArchitecture(),
		resnet.MinimumImageSize)
	require.Error(t, err)
}

func TestStatusTable(t *testing.T) {
	table := newTable(lipgloss.Left, lipgloss.Right)
	table.Headers("Name", "Size")
	table.StatusRow(true, "conv1", "1,728")
	table.StatusRow(false, "fc", "8,196,000")
	table.StatusRow(false, "bn1", "64")
	assert.Equal(t, 2, table.NumNotLoaded())
	assert.Equal(t, []bool{false, true, true}, table.notLoaded)
	rendered := table.Render()
	assert.Contains(t, rendered, "conv1")
	assert.Contains(t, rendered, "8,196,000")
}
