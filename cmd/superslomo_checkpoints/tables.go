// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	sectionStyle   = lipgloss.NewStyle().Bold(true)
	emphasisStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	italicStyle    = lipgloss.NewStyle().Italic(true)
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	differentRowStyle = lipgloss.NewStyle().
				Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
				Bold(true).
				PaddingLeft(1).PaddingRight(1)
)

// Table renders rows with alternating styles, and highlights the rows marked as different.
type Table struct {
	*lgtable.Table
	numRows   int
	different map[int]bool
}

// newTable creates a table. The alignments are given per column, the last one is used for the remaining columns.
func newTable(alignments ...lipgloss.Position) *Table {
	t := &Table{different: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			switch {
			case t.different[row]:
				s = differentRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}

// AddRow appends a row, highlighted if different is true.
func (t *Table) AddRow(different bool, row ...string) {
	if different {
		t.different[t.numRows] = true
	}
	t.Table.Row(row...)
	t.numRows++
}

func allEqual[E comparable](values []E) bool {
	for _, v := range values[min(1, len(values)):] {
		if v != values[0] {
			return false
		}
	}
	return true
}
