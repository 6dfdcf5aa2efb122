// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"math"
	"testing"

	_ "github.com/cryograph/cryograph/backends/goexec"
	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/graph/graphtest"
	"github.com/cryograph/cryograph/types/layouts"
	"github.com/cryograph/cryograph/types/shapes"

	"github.com/gomlx/gopjrt/dtypes"
)

// End-to-end checks of the builder ops through the reference backend. The
// kernels themselves are covered in backends/goexec; these make sure the
// public surface composes.

func TestExecArithmetic(t *testing.T) {
	graphtest.RunTestGraphFn(t, "affine expression", func(g *graph.Graph) (inputs, outputs []*graph.Node) {
		x := graph.Const(g, []float32{1, 2, 3})
		w := graph.Const(g, []float32{2, 2, 2})
		b := graph.Const(g, []float32{10, 20, 30})
		inputs = []*graph.Node{x, w, b}
		outputs = []*graph.Node{graph.Add(graph.Mul(x, w), b)}
		return
	}, []any{[]float32{12, 24, 36}}, 0)

	graphtest.RunTestGraphFn(t, "division and negation", func(g *graph.Graph) (inputs, outputs []*graph.Node) {
		num := graph.Const(g, []float64{1, 9})
		den := graph.Const(g, []float64{4, 3})
		inputs = []*graph.Node{num, den}
		outputs = []*graph.Node{graph.Div(num, den), graph.Neg(den)}
		return
	}, []any{[]float64{0.25, 3}, []float64{-4, -3}}, 0)

	graphtest.RunTestGraphFn(t, "cosine with broadcast", func(g *graph.Graph) (inputs, outputs []*graph.Node) {
		x := graph.Const(g, []float64{0, math.Pi})
		inputs = []*graph.Node{x}
		outputs = []*graph.Node{graph.Cos(graph.Mul(x, graph.Scalar(g, dtypes.Float64, 0.5)))}
		return
	}, []any{[]float64{1, 0}}, 1e-12)
}

func TestExecShapeChanges(t *testing.T) {
	graphtest.RunTestGraphFn(t, "reshape and convert", func(g *graph.Graph) (inputs, outputs []*graph.Node) {
		x := graph.Const(g, []float32{1.9, -1.2, 3.4, 4.6, 5.1, 6.9})
		inputs = []*graph.Node{x}
		outputs = []*graph.Node{
			graph.Reshape(x, 2, 3),
			graph.ConvertDType(x, dtypes.Int32),
		}
		return
	}, []any{[][]float32{{1.9, -1.2, 3.4}, {4.6, 5.1, 6.9}}, []int32{1, -1, 3, 4, 5, 6}}, 0)

	graphtest.RunTestGraphFn(t, "slice window", func(g *graph.Graph) (inputs, outputs []*graph.Node) {
		x := graph.Const(g, [][]float32{{1, 2, 3}, {4, 5, 6}})
		inputs = []*graph.Node{x}
		outputs = []*graph.Node{graph.Slice(x, []int{0, 1}, []int{2, 3})}
		return
	}, []any{[][]float32{{2, 3}, {5, 6}}}, 0)

	graphtest.RunTestGraphFn(t, "static zeros", func(g *graph.Graph) (inputs, outputs []*graph.Node) {
		outputs = []*graph.Node{graph.Zeros(g, shapes.Make(dtypes.Float64, 2, 2))}
		return
	}, []any{shapes.Make(dtypes.Float64, 2, 2)}, 0)

	graphtest.RunTestGraphFn(t, "layout conversion keeps logical values", func(g *graph.Graph) (inputs, outputs []*graph.Node) {
		x := graph.Const(g, [][]float32{{1, 2}, {3, 4}})
		inputs = []*graph.Node{x}
		outputs = []*graph.Node{graph.LayoutConvert(x, layouts.Make(1, 0))}
		return
	}, []any{[][]float32{{1, 2}, {3, 4}}}, 0)
}
