// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/graph/graphtest"
	"github.com/cryograph/cryograph/types/layouts"
	"github.com/cryograph/cryograph/types/shapes"
	"github.com/cryograph/cryograph/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderShapes(t *testing.T) {
	g := graph.New("build")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 2, 3))
	bias := graph.Parameter(g, "bias", shapes.Make(dtypes.Float32, 1, 3))

	sum := graph.Add(x, bias)
	assert.NoError(t, sum.Shape().Check(dtypes.Float32, 2, 3))

	scaled := graph.Mul(sum, graph.Scalar(g, dtypes.Float32, 2))
	assert.NoError(t, scaled.Shape().Check(dtypes.Float32, 2, 3))

	// Mismatched dtype and incompatible dimensions are rejected.
	require.Panics(t, func() {
		graph.Add(x, graph.Parameter(g, "i64", shapes.Make(dtypes.Int64, 2, 3)))
	})
	require.Panics(t, func() {
		graph.Add(x, graph.Parameter(g, "wide", shapes.Make(dtypes.Float32, 2, 4)))
	})
	require.Panics(t, func() {
		graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 1)) // name taken
	})

	// Converting to the dtype a node already has is free.
	require.Same(t, x, graph.ConvertDType(x, dtypes.Float32))
	asF64 := graph.ConvertDType(x, dtypes.Float64)
	assert.Equal(t, dtypes.Float64, asF64.DType())

	reshaped := graph.Reshape(x, 3, 2)
	assert.NoError(t, reshaped.Shape().Check(dtypes.Float32, 3, 2))
	require.Panics(t, func() { graph.Reshape(x, 4, 2) })

	window := graph.Slice(x, []int{0, 1}, []int{2, 3})
	assert.NoError(t, window.Shape().Check(dtypes.Float32, 2, 2))
	starts, limits := window.SliceBounds()
	assert.Equal(t, []int{0, 1}, starts)
	assert.Equal(t, []int{2, 3}, limits)
	require.Panics(t, func() { graph.Slice(x, []int{0, 0}, []int{3, 3}) }) // out of range
	require.Panics(t, func() { graph.Slice(x, []int{1, 0}, []int{1, 3}) }) // empty window

	dim := graph.ShapeDim(x, -1)
	assert.True(t, dim.Shape().IsScalar())
	assert.Equal(t, dtypes.Int64, dim.DType())
	assert.Equal(t, 1, dim.ShapeDimAxis())
	require.Panics(t, func() { graph.ShapeDim(x, 2) })

	require.Panics(t, func() { graph.RngUniform(g, shapes.Make(dtypes.Int32, 2)) })
	rng := graph.RngUniform(g, shapes.Make(dtypes.Float32, 5))
	assert.True(t, rng.Metadata().IsRandom)

	require.Panics(t, func() { graph.AssignAdd(sum, x) }) // target must be a parameter
	acc := graph.AssignAdd(x, sum)
	assert.NoError(t, acc.Shape().Check(dtypes.Float32, 2, 3))
}

func TestConvAndBatchNorm(t *testing.T) {
	g := graph.New("conv")
	img := graph.Parameter(g, "img", shapes.Make(dtypes.Float32, 1, 3, 8, 8))
	weights := graph.Parameter(g, "weights", shapes.Make(dtypes.Float32, 4, 3, 3, 3))

	conv := graph.Conv2D(img, weights, [2]int{1, 1}, [2]int{1, 1})
	assert.NoError(t, conv.Shape().Check(dtypes.Float32, 1, 4, 8, 8))
	assert.True(t, conv.Layout().Equal(layouts.ChannelsLast(4)))
	assert.Equal(t, [2]int{1, 1}, conv.ConvStrides())
	assert.Equal(t, [2]int{1, 1}, conv.ConvPaddings())

	strided := graph.Conv2D(img, weights, [2]int{2, 2}, [2]int{0, 0})
	assert.NoError(t, strided.Shape().Check(dtypes.Float32, 1, 4, 3, 3))

	// Channel mismatch.
	require.Panics(t, func() {
		badW := graph.Parameter(g, "badW", shapes.Make(dtypes.Float32, 4, 2, 3, 3))
		graph.Conv2D(img, badW, [2]int{1, 1}, [2]int{0, 0})
	})

	scale := graph.Parameter(g, "scale", shapes.Make(dtypes.Float32, 4))
	offset := graph.Parameter(g, "offset", shapes.Make(dtypes.Float32, 4))
	mean := graph.Parameter(g, "mean", shapes.Make(dtypes.Float32, 4))
	variance := graph.Parameter(g, "variance", shapes.Make(dtypes.Float32, 4))
	bn := graph.BatchNormInference(conv, scale, offset, mean, variance, 1e-5)
	assert.NoError(t, bn.Shape().Check(dtypes.Float32, 1, 4, 8, 8))
	assert.Equal(t, 1e-5, bn.BatchNormEpsilon())
	require.Panics(t, func() {
		graph.BatchNormInference(conv, scale, offset, mean, graph.Scalar(g, dtypes.Float32, 1), 1e-5)
	})
}

func TestDynamicShapes(t *testing.T) {
	g := graph.New("dynamic")
	x := graph.Parameter(g, "x", shapes.Shape{DType: dtypes.Float32, Dimensions: []int{shapes.DynamicDim, 3}})
	bias := graph.Parameter(g, "bias", shapes.Make(dtypes.Float32, 1, 3))

	sum := graph.Add(x, bias)
	assert.Equal(t, shapes.DynamicDim, sum.Shape().Dimensions[0])
	assert.Equal(t, 3, sum.Shape().Dimensions[1])

	batch := graph.ShapeDim(x, 0)
	doubled := graph.Mul(batch, graph.Scalar(g, dtypes.Int64, 2))
	zeros := graph.Zeros(g, shapes.Shape{DType: dtypes.Float32, Dimensions: []int{shapes.DynamicDim}}, doubled)
	assert.False(t, zeros.Shape().IsFullyStatic())

	// A dynamic shape needs exactly one dimension node per dynamic axis.
	require.Panics(t, func() {
		graph.Zeros(g, shapes.Shape{DType: dtypes.Float32, Dimensions: []int{shapes.DynamicDim}})
	})
	require.Panics(t, func() { graph.Zeros(g, shapes.Make(dtypes.Float32, 2), doubled) })

	// Reshape and Slice require fully static inputs.
	require.Panics(t, func() { graph.Reshape(x, 3, 1) })
	require.Panics(t, func() { graph.Slice(x, []int{0, 0}, []int{1, 3}) })
}

func TestRewriteAndNormalize(t *testing.T) {
	g := graph.New("rewrite")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 2))
	c := graph.Const(g, []float32{1, 2})
	sum := graph.Add(x, c)
	out := graph.Mul(sum, sum)
	g.SetOutputs(out)
	g.AssertValid()

	// Fold sum into a literal; x and c become dead.
	folded := tensors.FromFlatDataAndDimensions([]float32{3, 4}, 2)
	sum.ReplaceWithConstant(folded)
	assert.Equal(t, graph.OpTypeConstant, sum.Op())
	require.Same(t, folded, sum.ConstantValue())
	assert.Empty(t, sum.Inputs())

	x.MarkDead()
	c.MarkDead()
	idBefore := out.ID()
	g.Normalize()
	g.AssertValid()
	assert.Equal(t, 2, g.NumNodes())
	assert.Equal(t, idBefore, out.ID())

	// Bound outputs cannot die.
	require.Panics(t, func() { out.MarkDead() })
}

func TestReplaceWithIdentityOf(t *testing.T) {
	g := graph.New("redirect")
	a := graph.Parameter(g, "a", shapes.Make(dtypes.Float32, 2))
	b := graph.Add(a, a)
	g.SetOutputs(b)

	// The replacement subtree is created after b, breaking the order until
	// Normalize.
	replacement := graph.Neg(a)
	b.ReplaceWithIdentityOf(replacement)
	require.Panics(t, g.AssertValid)
	g.Normalize()
	g.AssertValid()

	assert.Equal(t, graph.OpTypeIdentity, b.Op())
	require.Same(t, replacement, b.Input(0))
	nodes := g.Nodes()
	require.Len(t, nodes, 3)
	require.Same(t, a, nodes[0])
	require.Same(t, replacement, nodes[1])
	require.Same(t, b, nodes[2])

	// A rewrite that creates a cycle is caught.
	require.Panics(t, func() {
		cycle := graph.Neg(b)
		b.ReplaceWithIdentityOf(cycle)
		g.Normalize()
	})
}

func TestGraphString(t *testing.T) {
	g := graph.New("pretty")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 2, 3))
	y := graph.Neg(x)
	g.SetOutputs(y)

	str := g.String()
	assert.Contains(t, str, `Graph "pretty"`)
	assert.Contains(t, str, `Parameter["x"]`)
	assert.Contains(t, str, "Neg(#0)")

	conv := graph.New("layouts")
	img := graph.Parameter(conv, "img", shapes.Make(dtypes.Float32, 1, 3, 8, 8))
	w := graph.Parameter(conv, "w", shapes.Make(dtypes.Float32, 4, 3, 3, 3))
	c := graph.Conv2D(img, w, [2]int{1, 1}, [2]int{0, 0})
	assert.Contains(t, c.String(), "channels-last")
}

func TestGobRoundTrip(t *testing.T) {
	g := graph.New("artifact")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 1, 3, 4, 4))
	w := graph.Constant(g, tensors.FromScalarAndDimensions(float32(0.5), 2, 3, 3, 3))
	conv := graph.Conv2D(x, w, [2]int{1, 1}, [2]int{0, 0})
	window := graph.Slice(x, []int{0, 0, 0, 0}, []int{1, 3, 2, 2})
	dim := graph.ShapeDim(x, 0)
	g.SetOutputs(conv, window, dim)

	var buf bytes.Buffer
	require.NoError(t, g.GobSerialize(gob.NewEncoder(&buf)))
	restored, err := graph.GobDeserialize(gob.NewDecoder(&buf))
	require.NoError(t, err)
	restored.AssertValid()
	graphtest.RequireSameGraph(t, g, restored)

	require.Len(t, restored.Parameters(), 1)
	assert.Equal(t, 0, restored.Parameters()[0].ParameterIndex())

	require.Len(t, restored.Outputs(), 3)
	restoredConv := restored.Outputs()[0]
	assert.Equal(t, [2]int{1, 1}, restoredConv.ConvStrides())
	assert.True(t, restoredConv.Layout().Equal(layouts.ChannelsLast(4)))
	restoredW := restoredConv.Input(1)
	assert.True(t, restoredW.ConstantValue().Equal(w.ConstantValue()))
	starts, limits := restored.Outputs()[1].SliceBounds()
	assert.Equal(t, []int{0, 0, 0, 0}, starts)
	assert.Equal(t, []int{1, 3, 2, 2}, limits)
	assert.Equal(t, 0, restored.Outputs()[2].ShapeDimAxis())
}

func TestOpMetadata(t *testing.T) {
	conv := graph.MetadataOf(graph.OpTypeConv2D)
	assert.True(t, conv.ConstFoldable)
	assert.Equal(t, graph.LayoutChannelsLastOnly, conv.OutputLayout)
	assert.Equal(t, graph.LayoutAny, conv.InputLayoutOf(0))
	assert.Equal(t, graph.LayoutChannelsLastOnly, conv.InputLayoutOf(1))

	slice := graph.MetadataOf(graph.OpTypeSlice)
	assert.False(t, slice.ConstFoldable)
	assert.True(t, slice.AliasesInput)
	assert.Equal(t, graph.LayoutRowMajorOnly, slice.OutputLayout)

	assert.True(t, graph.MetadataOf(graph.OpTypeRngUniform).IsRandom)
	assert.Equal(t, 0, graph.MetadataOf(graph.OpTypeAssignAdd).MutatesOperand)
	assert.Equal(t, graph.NoMutatedOperand, graph.MetadataOf(graph.OpTypeAdd).MutatesOperand)
	assert.True(t, graph.MetadataOf(graph.OpTypeShapeDim).IsShapeQuery)

	for _, opType := range graph.OpTypeValues() {
		assert.NotEmpty(t, opType.String())
	}
}
