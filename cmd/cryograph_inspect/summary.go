// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/cryograph/cryograph/backends"
	"github.com/cryograph/cryograph/ml/module"
)

var flagSummary = flag.Bool("summary", false, "Display the artifact identity and the freezing counters.")

// Summary prints the artifact identity and the headline freezing numbers.
func Summary(artifactPath string, backend backends.Backend, artifact *module.Artifact) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("artifact", artifactPath)
	table.Row("name", artifact.Name())
	table.Row("id", artifact.ID())
	table.Row("backend", fmt.Sprintf("%s: %s", backend.Name(), backend.Description()))
	inputNames, _ := artifact.Inputs()
	table.Row("inputs", strings.Join(inputNames, ", "))
	table.Row("# outputs", humanize.Comma(int64(len(artifact.Outputs()))))
	table.Row("# nodes", humanize.Comma(int64(artifact.Graph().NumNodes())))

	r := artifact.Report()
	table.Row("params folded", humanize.Comma(int64(r.ParamsFolded)))
	table.Row("params kept", humanize.Comma(int64(r.ParamsKept())))
	table.Row("nodes folded", humanize.Comma(int64(r.NodesFolded)))
	table.Row("nodes removed", humanize.Comma(int64(r.NodesRemoved)))
	table.Row("conv+batchnorm fused", humanize.Comma(int64(r.ConvBatchNormFolded)))
	table.Row("layout copies per call", humanize.Comma(int64(r.RuntimeLayoutConversions())))
	table.Row("frozen bytes", humanize.Bytes(uint64(r.FrozenBytes)))
	table.Row("released bytes", humanize.Bytes(uint64(r.ReleasedBytes)))
	fmt.Println(table.Render())
}
