// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/cryograph/cryograph/freeze"
	"github.com/cryograph/cryograph/ml/module"
)

var (
	flagFrozen = flag.Bool("frozen", false, "List the parameters folded into the graph as literals.")
	flagKept   = flag.Bool("kept", false, "List the parameters that survived freezing as live inputs.")
)

// Frozen lists the parameters folded into the graph. Rows in red flag
// parameters whose original storage is still held, by outside aliases or
// because freezing ran with keep-params.
func Frozen(artifact *module.Artifact) {
	fmt.Println(titleStyle.Render("Frozen parameters"))
	folded := artifact.Folded()
	slices.SortFunc(folded, func(a, b freeze.FrozenParam) int {
		return strings.Compare(a.Name, b.Name)
	})
	table := newPlainTableWithReds(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Left)
	table.Table.Headers("Name", "Shape", "Layout", "Bytes", "Storage")
	var totalBytes uintptr
	for _, p := range folded {
		storage := "released"
		if !p.StorageReleased {
			storage = "still held"
		}
		table.Row(!p.StorageReleased, p.Name, p.Shape.String(), p.Layout.String(),
			humanize.Bytes(uint64(p.Bytes)), storage)
		totalBytes += p.Bytes
	}
	table.Row(false, "total", "", "", humanize.Bytes(uint64(totalBytes)), "")
	fmt.Println(table.Table.Render())
}

// Kept lists the parameters still bound as live inputs of the artifact.
func Kept(artifact *module.Artifact) {
	fmt.Println(titleStyle.Render("Kept parameters"))
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right)
	table.Headers("Name", "Shape", "Layout", "Size", "Bytes")
	for _, name := range artifact.KeptNames() {
		value := artifact.KeptValue(name)
		shape := value.Shape()
		table.Row(name, shape.String(), value.Layout().String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())))
	}
	fmt.Println(table.Render())
}
