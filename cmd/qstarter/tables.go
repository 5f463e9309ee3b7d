// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/qstarter/qstarter/ml/context"
	"github.com/qstarter/qstarter/ml/export/onnx"
	"github.com/qstarter/qstarter/models/starter"
	"github.com/qstarter/qstarter/types/shapes"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// newPlainTable creates a table with alternating row styles. Columns are aligned with the given
// alignments: the last one is used for the remaining columns.
func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
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
}

func printTitle(w io.Writer, title string) {
	_, _ = fmt.Fprintln(w, titleStyle.Render(title))
}

// printModelSummary prints the sizes of the model and its pyramid table.
func printModelSummary(w io.Writer, ctx *context.Context, m *starter.Model, inputShape shapes.Shape) {
	cfg := m.Config()
	printTitle(w, "Summary")
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("model", m.String())
	table.Row("bit-width", fmt.Sprintf("%d (entry %d)", cfg.BitWidth, cfg.EntryBitWidth))
	table.Row("entry policy", m.EntryPolicy().String())
	table.Row("# variables", humanize.Comma(int64(ctx.NumVariables())))
	table.Row("# parameters", humanize.Comma(int64(ctx.NumParameters())))
	table.Row("# bytes", humanize.Bytes(uint64(ctx.Memory())))
	table.Row("input", inputShape.String())
	table.Row("# locations", humanize.Comma(int64(m.OutputLocations(inputShape))))
	_, _ = fmt.Fprintln(w, table.Render())

	printTitle(w, "Pyramid")
	table = newPlainTable(lipgloss.Right)
	table.Headers("Stage", "Channels", "Stride", "Anchors", "Head")
	for ii, level := range cfg.Pyramid {
		table.Row(fmt.Sprint(level.Stage), fmt.Sprint(level.Channels), fmt.Sprint(level.Stride),
			fmt.Sprint(level.Anchors), m.Heads[ii].String())
	}
	_, _ = fmt.Fprintln(w, table.Render())
}

// printVariables lists the variables of the model, in creation order.
func printVariables(w io.Writer, ctx *context.Context) {
	printTitle(w, "Variables")
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes")
	ctx.EnumerateVariables(func(v *context.Variable) {
		shape := v.Shape()
		table.Row(v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())))
	})
	_, _ = fmt.Fprintln(w, table.Render())
}

// printONNXSummary prints the header of an exported model and its op counts.
func printONNXSummary(w io.Writer, path string, size int, s *onnx.Summary) {
	printTitle(w, "ONNX model")
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("file", path)
	table.Row("size", humanize.Bytes(uint64(size)))
	table.Row("IR version", fmt.Sprint(s.IRVersion))
	for _, domain := range slices.Sorted(maps.Keys(s.Opsets)) {
		name := domain
		if name == "" {
			name = "ai.onnx"
		}
		table.Row("opset "+name, fmt.Sprint(s.Opsets[domain]))
	}
	table.Row("producer", s.ProducerName+" "+s.ProducerVersion)
	table.Row("graph", s.GraphName)
	for _, key := range slices.Sorted(maps.Keys(s.Metadata)) {
		table.Row(key, s.Metadata[key])
	}
	for _, input := range s.Inputs {
		table.Row("input "+input.Name, fmt.Sprint(input.Dimensions))
	}
	for _, output := range s.Outputs {
		table.Row("output "+output.Name, fmt.Sprint(output.Dimensions))
	}
	table.Row("# initializers", humanize.Comma(int64(len(s.Initializers))))
	table.Row("# parameters", humanize.Comma(int64(s.NumParameters())))
	table.Row("# quantized tensors", humanize.Comma(int64(len(s.Annotations))))
	_, _ = fmt.Fprintln(w, table.Render())

	printTitle(w, "Operators")
	table = newPlainTable(lipgloss.Left, lipgloss.Right)
	table.Headers("Op type", "Count")
	counts := s.OpTypeCounts()
	for _, opType := range slices.Sorted(maps.Keys(counts)) {
		table.Row(opType, humanize.Comma(int64(counts[opType])))
	}
	_, _ = fmt.Fprintln(w, table.Render())
}
