// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package summary renders tables describing a super-resolution model for the terminal: its structure,
// hyperparameters, variables and evaluation reports.
//
// Colors are disabled if the environment variable NO_COLOR is set, see ConfigureColors.
package summary

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/superres/pkg/ml/layers/srblocks"
	"github.com/muesli/termenv"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	highlightRowStyle = lipgloss.NewStyle().
				Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
				Bold(true).
				PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// ConfigureColors disables colors and styles if NO_COLOR is set in the environment.
func ConfigureColors() {
	if _, found := os.LookupEnv("NO_COLOR"); found {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// Title renders a section title.
func Title(title string) string {
	return titleStyle.Render(title)
}

// table is a lipgloss table where rows can be highlighted.
type table struct {
	*lgtable.Table
	count       int
	highlighted map[int]bool
}

func (t *table) row(highlight bool, row ...string) {
	if highlight {
		t.highlighted[t.count] = true
	}
	t.Table.Row(row...)
	t.count++
}

// newTable creates a table with alternating row styles. Alignments are given per column, the last one
// is used for the remaining columns.
func newTable(alignments ...lipgloss.Position) *table {
	t := &table{highlighted: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			switch {
			case t.highlighted[row]:
				s = highlightRowStyle
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

// ModelTable lists the layers of each part of a model. Residual blocks are highlighted.
func ModelTable(parts []srblocks.Part) string {
	t := newTable(lipgloss.Left, lipgloss.Right, lipgloss.Left)
	t.Headers("Part", "#", "Layer", "Description")
	for _, part := range parts {
		for idx, layer := range part.Layers {
			_, isResidual := layer.(*srblocks.ResBlock)
			t.row(isResidual, part.Scope, fmt.Sprintf("%d", idx), layer.Name(), layer.String())
		}
	}
	return t.Render()
}

// ParamsTable lists the hyperparameters in ctx. The ones listed in changed (e.g.: set in the command line)
// are highlighted.
func ParamsTable(ctx *context.Context, changed []string) string {
	t := newTable()
	t.Headers("Scope", "Name", "Type", "Value")
	type scopedParam struct {
		scope, key string
		value      any
	}
	var params []scopedParam
	ctx.EnumerateParams(func(scope, key string, value any) {
		params = append(params, scopedParam{scope, key, value})
	})
	slices.SortFunc(params, func(a, b scopedParam) int {
		if cmp := strings.Compare(a.scope, b.scope); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.key, b.key)
	})
	for _, p := range params {
		t.row(slices.Contains(changed, p.key), p.scope, p.key, fmt.Sprintf("%T", p.value), fmt.Sprintf("%v", p.value))
	}
	return t.Render()
}

// VariablesTable lists the variables under the current scope of ctx, sorted by scope and name, with their
// shapes and sizes, and a final row with the totals.
func VariablesTable(ctx *context.Context) string {
	t := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	t.Headers("Scope", "Name", "Shape", "Size", "Bytes")
	var rows [][]string
	var totalSize, totalBytes uint64
	for v := range ctx.IterVariablesInScope() {
		if !v.IsValid() {
			rows = append(rows, []string{v.Scope(), v.Name(), "<invalid>", "", ""})
			continue
		}
		shape := v.Shape()
		totalSize += uint64(shape.Size())
		totalBytes += uint64(shape.Memory())
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		t.row(false, row...)
	}
	t.row(true, "Total", fmt.Sprintf("%d variables", len(rows)), "",
		humanize.Comma(int64(totalSize)), humanize.Bytes(totalBytes))
	return t.Render()
}

// Stats summarizes the variables of a model.
type Stats struct {
	GlobalStep              int64
	NumVariables, NumParams int
	NumBytes                uint64
}

// ModelStats returns the global step (if the model was trained) and the number of variables, parameters and
// bytes of the trainable variables under modelCtx.
func ModelStats(ctx, modelCtx *context.Context) (stats Stats) {
	for v := range ctx.IterVariables() {
		if v.Name() != optimizers.GlobalStepVariableName || !v.IsValid() {
			continue
		}
		if value, err := v.Value(); err == nil {
			stats.GlobalStep = tensors.ToScalar[int64](value)
			break
		}
	}
	for v := range modelCtx.IterVariablesInScope() {
		if !v.IsValid() || !v.Trainable {
			continue
		}
		stats.NumVariables++
		stats.NumParams += v.Shape().Size()
		stats.NumBytes += uint64(v.Shape().Memory())
	}
	return
}

// StatsTable renders the Stats with a description of the model.
func StatsTable(description string, stats Stats) string {
	t := newTable(lipgloss.Right, lipgloss.Left)
	t.row(false, "model", description)
	if stats.GlobalStep > 0 {
		t.row(false, "global_step", humanize.Comma(stats.GlobalStep))
	}
	t.row(false, "# variables", humanize.Comma(int64(stats.NumVariables)))
	t.row(false, "# parameters", humanize.Comma(int64(stats.NumParams)))
	t.row(false, "# bytes", humanize.Bytes(stats.NumBytes))
	return t.Render()
}

// EvalTable renders an evaluation report (see srmodel.Evaluate), with one row per image. Rows where the
// model does worse than the baseline (negative values in gainCol) are highlighted.
func EvalTable(df dataframe.DataFrame, gainCol string) string {
	t := newTable(lipgloss.Left, lipgloss.Right)
	records := df.Records()
	if len(records) == 0 {
		return t.Render()
	}
	t.Headers(records[0]...)
	gainIdx := slices.Index(records[0], gainCol)
	var gains []float64
	if gainIdx >= 0 {
		gains = df.Col(gainCol).Float()
	}
	for ii, record := range records[1:] {
		t.row(gainIdx >= 0 && gains[ii] < 0, record...)
	}
	return t.Render()
}
