// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/ml/module"
)

var flagGraph = flag.Bool("graph", false, "Dump the frozen graph, one node per row.")

// GraphDump prints every node of the frozen graph in topological order.
func GraphDump(artifact *module.Artifact) {
	g := artifact.Graph()
	fmt.Println(titleStyle.Render(fmt.Sprintf("Graph %q", g.Name())))

	outputs := make(map[*graph.Node]int)
	for i, out := range g.Outputs() {
		outputs[out] = i
	}
	table := newPlainTable(lipgloss.Right, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Left)
	table.Headers("ID", "Op", "Shape", "Layout", "Inputs", "")
	for _, n := range g.Nodes() {
		inputIDs := make([]string, n.NumInputs())
		for i, input := range n.Inputs() {
			inputIDs[i] = fmt.Sprintf("#%d", input.ID())
		}
		note := ""
		if idx, isOutput := outputs[n]; isOutput {
			note = fmt.Sprintf("output #%d", idx)
		}
		table.Row(fmt.Sprintf("#%d", n.ID()), opLabel(n), n.Shape().String(),
			n.Layout().String(), strings.Join(inputIDs, " "), note)
	}
	fmt.Println(table.Render())
}

func opLabel(n *graph.Node) string {
	switch n.Op() {
	case graph.OpTypeParameter:
		return fmt.Sprintf("Parameter(%q)", n.ParameterName())
	case graph.OpTypeConstant:
		return fmt.Sprintf("Constant(%s)", humanize.Bytes(uint64(n.Shape().Memory())))
	default:
		return n.Op().String()
	}
}
