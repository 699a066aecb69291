// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(1, 4)
	headerStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)

	// notLoadedStyle marks variables that kept their initial values: not found in the weights, or mismatched.
	notLoadedStyle = cellStyle.Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).Bold(true)
)

// statusTable is a table whose rows can be flagged as "not loaded" from the pretrained weights,
// and rendered in red.
type statusTable struct {
	*lgtable.Table
	notLoaded []bool
}

// newTable creates a table with the given column alignments. Columns beyond the alignments given
// use the last one.
func newTable(alignments ...lipgloss.Position) *statusTable {
	t := &statusTable{}
	t.Table = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			s := cellStyle.Faint(row%2 == 1)
			if row < len(t.notLoaded) && t.notLoaded[row] {
				s = notLoadedStyle
			}
			if len(alignments) > 0 {
				s = s.Align(alignments[min(col, len(alignments)-1)])
			}
			return s
		})
	return t
}

// StatusRow appends a row, rendered in red if the variable was not loaded.
// Don't mix it with Row in the same table: rows are flagged by their position.
func (t *statusTable) StatusRow(loaded bool, cells ...string) {
	t.notLoaded = append(t.notLoaded, !loaded)
	t.Table.Row(cells...)
}

// NumNotLoaded returns the number of rows flagged as not loaded.
func (t *statusTable) NumNotLoaded() (count int) {
	for _, notLoaded := range t.notLoaded {
		if notLoaded {
			count++
		}
	}
	return
}
