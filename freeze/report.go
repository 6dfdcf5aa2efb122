// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package freeze

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// Report accumulates what the freezing pass did to one graph. It is part of
// the Result and is meant for logs and tooling, not for program logic.
type Report struct {
	// Parameter accounting. ParamsConsidered is the number of designated
	// bindings handed to Freeze; each lands in exactly one of the buckets
	// below.
	ParamsConsidered   int
	ParamsFolded       int
	ParamsKeptMutated  int
	ParamsKeptEscaping int
	ParamsKeptAliased  int
	ParamsKeptDynamic  int

	// NodesFolded counts nodes replaced by literals through backend
	// evaluation, including folded layout conversions. NodesRemoved counts
	// nodes dropped as dead after folding.
	NodesFolded  int
	NodesRemoved int

	// RandomOpsSkipped counts random nodes whose inputs were all constant but
	// which stayed in the graph so every invocation still draws fresh values.
	RandomOpsSkipped int

	// FoldsSkippedByBackend counts candidates the backend failed to evaluate
	// and that were left in place under Config.ImplicitFallbacks.
	FoldsSkippedByBackend int

	// ShapeQueriesFolded counts shape queries resolved to literals because
	// the queried axis was static.
	ShapeQueriesFolded int

	// ConvBatchNormFolded counts batch-normalization nodes absorbed into the
	// weights and bias of the convolution feeding them.
	ConvBatchNormFolded int

	// Layout accounting. Adjusting a producer changes where an existing node
	// materializes its value and costs nothing; an inserted conversion is a
	// new copy node, later folded away if its input turned constant.
	ProducerLayoutAdjustments     int
	LayoutConversionsInserted     int
	LayoutConversionsFolded       int
	SmallLayoutConversionsSkipped int
	OutputLayoutConversions       int

	// FrozenBytes is the total size of the literals baked into the frozen
	// graph. ReleasedBytes is the parameter storage actually freed, which can
	// be smaller when outside aliases keep a storage alive.
	FrozenBytes   uintptr
	ReleasedBytes uintptr
}

// RuntimeLayoutConversions returns how many layout copies remain in the
// frozen graph per invocation, including conversions pinned on outputs.
func (r Report) RuntimeLayoutConversions() int {
	return r.LayoutConversionsInserted - r.LayoutConversionsFolded + r.OutputLayoutConversions
}

// ParamsKept returns how many designated parameters stayed as live inputs.
func (r Report) ParamsKept() int {
	return r.ParamsKeptMutated + r.ParamsKeptEscaping + r.ParamsKeptAliased + r.ParamsKeptDynamic
}

// String returns a multi-line human-readable summary.
func (r Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Freezing report:\n")
	fmt.Fprintf(&sb, "\tparameters: %d considered, %d folded, %d kept",
		r.ParamsConsidered, r.ParamsFolded, r.ParamsKept())
	if kept := r.ParamsKept(); kept > 0 {
		var reasons []string
		for _, reason := range []struct {
			count int
			name  string
		}{
			{r.ParamsKeptMutated, "mutated"},
			{r.ParamsKeptEscaping, "escaping"},
			{r.ParamsKeptAliased, "aliased"},
			{r.ParamsKeptDynamic, "dynamic"},
		} {
			if reason.count > 0 {
				reasons = append(reasons, fmt.Sprintf("%d %s", reason.count, reason.name))
			}
		}
		fmt.Fprintf(&sb, " (%s)", strings.Join(reasons, ", "))
	}
	fmt.Fprintf(&sb, "\n")
	fmt.Fprintf(&sb, "\tfolding: %d nodes folded, %d removed, %d random skipped, %d shape queries resolved",
		r.NodesFolded, r.NodesRemoved, r.RandomOpsSkipped, r.ShapeQueriesFolded)
	if r.FoldsSkippedByBackend > 0 {
		fmt.Fprintf(&sb, ", %d left for runtime", r.FoldsSkippedByBackend)
	}
	fmt.Fprintf(&sb, "\n")
	if r.ConvBatchNormFolded > 0 {
		fmt.Fprintf(&sb, "\tfused: %d batch-norms absorbed into convolutions\n", r.ConvBatchNormFolded)
	}
	fmt.Fprintf(&sb, "\tlayouts: %d producers adjusted, %d conversions inserted (%d folded, %d skipped as small), %d pinned on outputs, %d per invocation\n",
		r.ProducerLayoutAdjustments, r.LayoutConversionsInserted, r.LayoutConversionsFolded,
		r.SmallLayoutConversionsSkipped, r.OutputLayoutConversions, r.RuntimeLayoutConversions())
	fmt.Fprintf(&sb, "\tmemory: %s frozen into literals, %s of parameter storage released",
		humanize.Bytes(uint64(r.FrozenBytes)), humanize.Bytes(uint64(r.ReleasedBytes)))
	return sb.String()
}
