// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"

	"github.com/cryograph/cryograph/ml/module"
	"github.com/cryograph/cryograph/types/shapes"
	"github.com/cryograph/cryograph/types/tensors"
	"github.com/cryograph/cryograph/ui/commandline"
)

var flagBench = flag.Int("bench", 0, "Number of timed invocations over zero-filled inputs. 0 disables benchmarking.")

// Bench runs timed invocations over zero-filled inputs and reports the
// latency distribution. Dynamic input axes are bound to 1.
func Bench(artifact *module.Artifact, numCalls int) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Benchmark: %s calls", humanize.Comma(int64(numCalls)))))

	names, inputShapes := artifact.Inputs()
	inputs := make([]*tensors.Tensor, len(inputShapes))
	for i, shape := range inputShapes {
		inputs[i] = tensors.FromShape(bindDynamicAxes(shape))
	}

	// One untimed call warms the path and validates the inputs.
	discard(must.M1(artifact.Call(inputs...)))

	bar := commandline.NewProgressBar(numCalls, "benchmark", "calls")
	durations := make([]time.Duration, numCalls)
	for i := range numCalls {
		start := time.Now()
		outputs := must.M1(artifact.Call(inputs...))
		durations[i] = time.Since(start)
		discard(outputs)
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	fmt.Println()

	slices.Sort(durations)
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	for i, name := range names {
		table.Row("input "+name, inputs[i].Shape().String())
	}
	table.Row("fastest", commandline.FormatDuration(durations[0]))
	table.Row("median", commandline.FormatDuration(durations[len(durations)/2]))
	table.Row("mean", commandline.FormatDuration(total/time.Duration(numCalls)))
	table.Row("p90", commandline.FormatDuration(durations[len(durations)*9/10]))
	table.Row("slowest", commandline.FormatDuration(durations[len(durations)-1]))
	fmt.Println(table.Render())

	for _, input := range inputs {
		input.Finalize()
	}
}

func discard(outputs []*tensors.Tensor) {
	for _, output := range outputs {
		output.Finalize()
	}
}

func bindDynamicAxes(shape shapes.Shape) shapes.Shape {
	if shape.IsFullyStatic() {
		return shape
	}
	dims := slices.Clone(shape.Dimensions)
	for i, dim := range dims {
		if dim == shapes.DynamicDim {
			dims[i] = 1
		}
	}
	return shapes.Make(shape.DType, dims...)
}
