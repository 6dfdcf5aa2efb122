// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

// Package graphtest holds test utilities for packages that depend on the
// graph package.
//
// It registers no backend itself: test packages import the one they want,
// typically the reference interpreter with
//
//	import _ "github.com/cryograph/cryograph/backends/goexec"
package graphtest

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cryograph/cryograph/backends"
	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/types/shapes"
	"github.com/cryograph/cryograph/types/tensors"
	"github.com/cryograph/cryograph/types/xslices"
)

// TestGraphFn should build its own inputs (usually constants), and return
// both inputs and outputs.
type TestGraphFn func(g *graph.Graph) (inputs, outputs []*graph.Node)

var (
	backendOnce   sync.Once
	cachedBackend backends.Backend
)

// BuildTestBackend sets backends.DefaultConfig to "goexec" and returns the
// backend shared by every test of the process -- it can be overwritten by the
// CRYOGRAPH_BACKEND environment variable.
//
// The backend is never finalized; tests that check storage accounting should
// take their baseline after the first call.
func BuildTestBackend() backends.Backend {
	backends.DefaultConfig = "goexec"
	backendOnce.Do(func() {
		cachedBackend = backends.New()
		fmt.Printf("Backend: %s\n", cachedBackend.Description())
	})
	return cachedBackend
}

// RunTestGraphFn tests a graph building function graphFn by compiling and
// executing it on the test backend, and comparing its output(s) to the values
// in want, reporting back any errors in t. An entry in want can be a concrete
// Go value or a shapes.Shape, which compares against a zero-filled tensor of
// that shape.
//
// delta is the margin of value on the difference of output and want values
// that are acceptable. Values of delta <= 0 means only exact equality is
// accepted.
func RunTestGraphFn(t *testing.T, testName string, graphFn TestGraphFn, want []any, delta float64) {
	t.Run(testName, func(t *testing.T) {
		backend := BuildTestBackend()
		wantTensors := xslices.Map(want, func(value any) *tensors.Tensor {
			if s, ok := value.(shapes.Shape); ok {
				return tensors.FromShape(s)
			}
			return tensors.FromAnyValue(value)
		})

		g := graph.New(testName)
		inputs, outputs := graphFn(g)
		g.SetOutputs(outputs...)
		exec, err := backend.Compile(g)
		require.NoErrorf(t, err, "%s: failed to compile graph", testName)
		results, err := exec.Execute(nil)
		require.NoErrorf(t, err, "%s: failed to execute graph", testName)

		fmt.Printf("\n%s:\n", testName)
		for ii, input := range inputs {
			fmt.Printf("\tInput %d: %s\n", ii, nodeValueStr(input))
		}
		if len(inputs) > 0 {
			fmt.Printf("\t======\n")
		}
		for ii, output := range results {
			fmt.Printf("\tOutput %d: %s: %v\n", ii, output.Shape(), output.Value())
		}
		require.Equalf(t, len(want), len(results), "%s: number of wanted results different from number of outputs", testName)
		for ii, output := range results {
			require.Truef(t, wantTensors[ii].InDelta(output, delta), "%s: output #%d doesn't match wanted value %v",
				testName, ii, want[ii])
		}

		for _, output := range results {
			output.Finalize()
		}
		for ii, wantTensor := range wantTensors {
			// Tensors in want stay owned by the caller.
			if _, callerOwned := want[ii].(*tensors.Tensor); !callerOwned {
				wantTensor.Finalize()
			}
		}
		exec.Finalize()
	})
}

func nodeValueStr(n *graph.Node) string {
	if n.Op() == graph.OpTypeConstant {
		value := n.ConstantValue()
		return fmt.Sprintf("%s: %v", value.Shape(), value.Value())
	}
	return n.String()
}

// RequireSameGraph fails t unless want and got agree node for node: same ops,
// shapes, layouts and wiring, same parameter names and constant values, same
// parameter and output bindings. Node ids are not compared, the graphs only
// need to match in node-list order.
func RequireSameGraph(t *testing.T, want, got *graph.Graph) {
	require.Equalf(t, want.NumNodes(), got.NumNodes(),
		"graphs %q and %q: node counts differ", want.Name(), got.Name())
	wantPos := nodePositions(want)
	gotPos := nodePositions(got)
	for ii, wantNode := range want.Nodes() {
		gotNode := got.Nodes()[ii]
		require.Equalf(t, wantNode.Op(), gotNode.Op(),
			"node #%d: op %s vs %s", ii, wantNode.Op(), gotNode.Op())
		require.Truef(t, wantNode.Shape().Equal(gotNode.Shape()),
			"node #%d (%s): shape %s vs %s", ii, wantNode.Op(), wantNode.Shape(), gotNode.Shape())
		require.Truef(t, wantNode.Layout().Equal(gotNode.Layout()),
			"node #%d (%s): layout %s vs %s", ii, wantNode.Op(), wantNode.Layout(), gotNode.Layout())
		require.Equalf(t, inputPositions(wantNode, wantPos), inputPositions(gotNode, gotPos),
			"node #%d (%s): inputs differ", ii, wantNode.Op())
		switch wantNode.Op() {
		case graph.OpTypeParameter:
			require.Equalf(t, wantNode.ParameterName(), gotNode.ParameterName(),
				"node #%d: parameter names differ", ii)
		case graph.OpTypeConstant:
			require.Truef(t, wantNode.ConstantValue().Equal(gotNode.ConstantValue()),
				"node #%d: constant values differ", ii)
		}
	}
	// Parameters absorbed or swept by rewrites keep a stale entry in
	// Parameters(); only the surviving bindings are compared.
	require.Equalf(t, bindingPositions(liveParameters(want, wantPos), wantPos), bindingPositions(liveParameters(got, gotPos), gotPos),
		"graphs %q and %q: parameter bindings differ", want.Name(), got.Name())
	require.Equalf(t, bindingPositions(want.Outputs(), wantPos), bindingPositions(got.Outputs(), gotPos),
		"graphs %q and %q: output bindings differ", want.Name(), got.Name())
}

func liveParameters(g *graph.Graph, positions map[*graph.Node]int) []*graph.Node {
	var live []*graph.Node
	for _, param := range g.Parameters() {
		if param.Op() != graph.OpTypeParameter {
			continue
		}
		if _, ok := positions[param]; !ok {
			continue
		}
		live = append(live, param)
	}
	return live
}

func nodePositions(g *graph.Graph) map[*graph.Node]int {
	positions := make(map[*graph.Node]int, g.NumNodes())
	for pos, n := range g.Nodes() {
		positions[n] = pos
	}
	return positions
}

func inputPositions(n *graph.Node, positions map[*graph.Node]int) []int {
	return xslices.Map(n.Inputs(), func(input *graph.Node) int { return positions[input] })
}

func bindingPositions(nodes []*graph.Node, positions map[*graph.Node]int) []int {
	return xslices.Map(nodes, func(n *graph.Node) int { return positions[n] })
}
