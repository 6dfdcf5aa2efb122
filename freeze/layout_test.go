// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package freeze

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/types/layouts"
	"github.com/cryograph/cryograph/types/shapes"
	"github.com/cryograph/cryograph/types/tensors"

	"github.com/gomlx/gopjrt/dtypes"
)

func TestLayoutForConstraint(t *testing.T) {
	l, err := layoutForConstraint(graph.LayoutRowMajorOnly, 2)
	require.NoError(t, err)
	assert.True(t, l.IsRowMajor())

	l, err = layoutForConstraint(graph.LayoutChannelsLastOnly, 4)
	require.NoError(t, err)
	assert.True(t, l.Equal(layouts.ChannelsLast(4)))

	_, err = layoutForConstraint(graph.LayoutChannelsLastOnly, 2)
	require.Error(t, err, "channels-last cannot exist below rank 3")

	_, err = layoutForConstraint(graph.LayoutAny, 4)
	require.Error(t, err)
}

func TestLayoutConflictError(t *testing.T) {
	g := graph.New("conflict")
	a := graph.Parameter(g, "a", shapes.Make(dtypes.Float32, 2))
	b := graph.Neg(a)
	g.SetOutputs(b)

	cause := assert.AnError
	err := &LayoutConflictError{Producer: a, Consumer: b, InputIndex: 0, Cause: cause}
	assert.Contains(t, err.Error(), "layout conflict")
	assert.ErrorIs(t, err, cause)
}

// convFixture builds x -> two convolutions sharing one weights-producing
// node, with that node also bound as an output so it cannot be re-homed.
func convFixture() (g *graph.Graph, wSum *graph.Node) {
	g = graph.New("convs")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 1, 2, 3, 3))
	w := graph.Parameter(g, "w", shapes.Make(dtypes.Float32, 2, 2, 1, 1))
	wSum = graph.Add(w, w)
	conv1 := graph.Conv2D(x, wSum, [2]int{1, 1}, [2]int{0, 0})
	conv2 := graph.Conv2D(x, wSum, [2]int{2, 2}, [2]int{0, 0})
	g.SetOutputs(conv1, conv2, wSum)
	return g, wSum
}

func convFixtureInputs() []*tensors.Tensor {
	return []*tensors.Tensor{
		tensors.FromValue([][][][]float32{{
			{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}},
			{{-1, -2, -3}, {-4, -5, -6}, {-7, -8, -9}},
		}}),
		tensors.FromValue([][][][]float32{{{{1}}, {{1}}}, {{{2}}, {{-1}}}}),
	}
}

func TestFreezeReHomesUnanimousProducer(t *testing.T) {
	g := graph.New("rehome")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 1, 2, 3, 3))
	w := graph.Parameter(g, "w", shapes.Make(dtypes.Float32, 2, 2, 1, 1))
	wSum := graph.Add(w, w)
	g.SetOutputs(graph.Conv2D(x, wSum, [2]int{1, 1}, [2]int{0, 0}))

	result, err := Freeze(g, nil, testBackend(), DefaultConfig())
	require.NoError(t, err)

	// The only consumer wants channels-last weights, so the sum simply
	// materializes there: no copy node anywhere.
	assert.Equal(t, 1, result.Report.ProducerLayoutAdjustments)
	assert.Equal(t, 0, result.Report.LayoutConversionsInserted)
	assert.Zero(t, countOp(result.Graph, graph.OpTypeLayoutConvert))
	assert.True(t, wSum.Layout().Equal(layouts.ChannelsLast(4)))

	inputs := convFixtureInputs()
	outs, err := result.Executable.Execute(inputs)
	require.NoError(t, err)

	refGraph := graph.New("rehome-ref")
	xr := graph.Parameter(refGraph, "x", shapes.Make(dtypes.Float32, 1, 2, 3, 3))
	wr := graph.Parameter(refGraph, "w", shapes.Make(dtypes.Float32, 2, 2, 1, 1))
	refGraph.SetOutputs(graph.Conv2D(xr, graph.Add(wr, wr), [2]int{1, 1}, [2]int{0, 0}))
	refExec, err := testBackend().Compile(refGraph)
	require.NoError(t, err)
	refOuts, err := refExec.Execute(inputs)
	require.NoError(t, err)
	assert.True(t, outs[0].Equal(refOuts[0]))
}

func TestFreezeSharesLayoutConversions(t *testing.T) {
	g, wSum := convFixture()
	result, err := Freeze(g, nil, testBackend(), DefaultConfig())
	require.NoError(t, err)

	// wSum is an output, so it keeps its row-major layout; the two
	// convolutions share a single inserted conversion.
	assert.Equal(t, 0, result.Report.ProducerLayoutAdjustments)
	assert.Equal(t, 1, result.Report.LayoutConversionsInserted)
	assert.Equal(t, 1, result.Report.RuntimeLayoutConversions())
	assert.Equal(t, 1, countOp(result.Graph, graph.OpTypeLayoutConvert))
	assert.True(t, wSum.Layout().IsRowMajor())

	var convs []*graph.Node
	for _, n := range result.Graph.Nodes() {
		if n.Op() == graph.OpTypeConv2D {
			convs = append(convs, n)
		}
	}
	require.Len(t, convs, 2)
	assert.Same(t, convs[0].Input(1), convs[1].Input(1))
	assert.Equal(t, graph.OpTypeLayoutConvert, convs[0].Input(1).Op())

	inputs := convFixtureInputs()
	outs, err := result.Executable.Execute(inputs)
	require.NoError(t, err)
	assert.True(t, outs[2].Layout().IsRowMajor())

	refGraph, _ := convFixture()
	refExec, err := testBackend().Compile(refGraph)
	require.NoError(t, err)
	refOuts, err := refExec.Execute(inputs)
	require.NoError(t, err)
	for i := range refOuts {
		assert.True(t, outs[i].Equal(refOuts[i]), "output #%d diverged", i)
	}
}

func TestFreezeLeavesLayoutAgnosticPathUntouched(t *testing.T) {
	g := graph.New("mixed")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 1, 2, 3, 3))
	w := graph.Parameter(g, "w", shapes.Make(dtypes.Float32, 2, 2, 1, 1))
	wSum := graph.Add(w, w)
	conv := graph.Conv2D(x, wSum, [2]int{1, 1}, [2]int{0, 0})
	doubled := graph.Mul(wSum, graph.Scalar(g, dtypes.Float32, 2))
	g.SetOutputs(conv, doubled)

	result, err := Freeze(g, nil, testBackend(), DefaultConfig())
	require.NoError(t, err)

	// Only the convolution edge demands channels-last, so the sum cannot be
	// re-homed: exactly one conversion is inserted for that edge, and the
	// elementwise path keeps reading the producer directly, copy-free.
	assert.Equal(t, 0, result.Report.ProducerLayoutAdjustments)
	assert.Equal(t, 1, result.Report.LayoutConversionsInserted)
	assert.Equal(t, 1, countOp(result.Graph, graph.OpTypeLayoutConvert))
	assert.True(t, wSum.Layout().IsRowMajor())
	assert.Same(t, wSum, doubled.Input(0))
	require.Equal(t, graph.OpTypeLayoutConvert, conv.Input(1).Op())
	assert.Same(t, wSum, conv.Input(1).Input(0))

	inputs := convFixtureInputs()
	outs, err := result.Executable.Execute(inputs)
	require.NoError(t, err)
	// The untouched output keeps its pre-freeze layout.
	assert.True(t, outs[1].Layout().IsRowMajor())

	refGraph := graph.New("mixed-ref")
	xr := graph.Parameter(refGraph, "x", shapes.Make(dtypes.Float32, 1, 2, 3, 3))
	wr := graph.Parameter(refGraph, "w", shapes.Make(dtypes.Float32, 2, 2, 1, 1))
	wrSum := graph.Add(wr, wr)
	refGraph.SetOutputs(
		graph.Conv2D(xr, wrSum, [2]int{1, 1}, [2]int{0, 0}),
		graph.Mul(wrSum, graph.Scalar(refGraph, dtypes.Float32, 2)))
	refExec, err := testBackend().Compile(refGraph)
	require.NoError(t, err)
	refOuts, err := refExec.Execute(inputs)
	require.NoError(t, err)
	for i := range refOuts {
		assert.True(t, outs[i].Equal(refOuts[i]), "output #%d diverged", i)
	}
}

func TestFreezeSkipsSmallLayoutConversions(t *testing.T) {
	g, wSum := convFixture()
	cfg := DefaultConfig()
	cfg.MinLayoutConvertElements = 1024
	result, err := Freeze(g, nil, testBackend(), cfg)
	require.NoError(t, err)

	// The weights are 4 elements, far below the threshold: the conversion
	// is not worth a copy node and the kernels read row-major weights
	// through strides instead.
	assert.Equal(t, 1, result.Report.SmallLayoutConversionsSkipped)
	assert.Zero(t, result.Report.LayoutConversionsInserted)
	assert.Zero(t, countOp(result.Graph, graph.OpTypeLayoutConvert))

	var convs []*graph.Node
	for _, n := range result.Graph.Nodes() {
		if n.Op() == graph.OpTypeConv2D {
			convs = append(convs, n)
		}
	}
	require.Len(t, convs, 2)
	assert.Same(t, wSum, convs[0].Input(1))
	assert.Same(t, wSum, convs[1].Input(1))

	inputs := convFixtureInputs()
	outs, err := result.Executable.Execute(inputs)
	require.NoError(t, err)

	refGraph, _ := convFixture()
	refExec, err := testBackend().Compile(refGraph)
	require.NoError(t, err)
	refOuts, err := refExec.Execute(inputs)
	require.NoError(t, err)
	for i := range refOuts {
		assert.True(t, outs[i].Equal(refOuts[i]), "output #%d diverged", i)
	}
}

func TestFreezePinsOutputLayouts(t *testing.T) {
	build := func() *graph.Graph {
		g := graph.New("pin")
		x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 1, 2, 2, 2))
		g.SetOutputs(graph.Add(x, graph.Scalar(g, dtypes.Float32, 1)))
		return g
	}
	xT := tensors.FromValue([][][][]float32{{{{1, 2}, {3, 4}}, {{5, 6}, {7, 8}}}})

	cfg := DefaultConfig()
	cfg.OutputLayouts = map[int]layouts.Layout{0: layouts.ChannelsLast(4)}
	result, err := Freeze(build(), nil, testBackend(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Report.OutputLayoutConversions)
	assert.Equal(t, 1, result.Report.RuntimeLayoutConversions())

	outs, err := result.Executable.Execute([]*tensors.Tensor{xT})
	require.NoError(t, err)
	assert.True(t, outs[0].Layout().Equal(layouts.ChannelsLast(4)))
	assert.True(t, outs[0].Equal(tensors.FromValue(
		[][][][]float32{{{{2, 3}, {4, 5}}, {{6, 7}, {8, 9}}}})))

	// Pinning the layout an output already has costs nothing.
	cfg = DefaultConfig()
	cfg.OutputLayouts = map[int]layouts.Layout{0: layouts.RowMajor(4)}
	result, err = Freeze(build(), nil, testBackend(), cfg)
	require.NoError(t, err)
	assert.Zero(t, result.Report.OutputLayoutConversions)
	assert.Zero(t, countOp(result.Graph, graph.OpTypeLayoutConvert))

	// A pin for an output the graph does not have is rejected.
	cfg = DefaultConfig()
	cfg.OutputLayouts = map[int]layouts.Layout{5: layouts.RowMajor(4)}
	_, err = Freeze(build(), nil, testBackend(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output #5")
}

func TestFreezeKeepParamsOption(t *testing.T) {
	g := graph.New("keep")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 2))
	w := graph.Parameter(g, "w", shapes.Make(dtypes.Float32, 2))
	g.SetOutputs(graph.Mul(x, w))

	wT := tensors.FromValue([]float32{3, 4})
	cfg, err := DefaultConfig().WithOptions("keep-params")
	require.NoError(t, err)
	result, err := Freeze(g, []ParamBinding{{Node: w, Value: wT}}, testBackend(), cfg)
	require.NoError(t, err)

	// The value is baked into the graph, but the caller's copy survives.
	require.Len(t, result.Folded, 1)
	assert.False(t, result.Folded[0].StorageReleased)
	assert.True(t, tensors.StorageLive(result.Folded[0].StorageID))
	require.NoError(t, wT.CheckValid())
	assert.Zero(t, result.Report.ReleasedBytes)

	names, _ := result.Executable.Inputs()
	assert.Equal(t, []string{"x"}, names)
	xT := tensors.FromValue([]float32{10, 10})
	outs, err := result.Executable.Execute([]*tensors.Tensor{xT})
	require.NoError(t, err)
	assert.True(t, outs[0].Equal(tensors.FromValue([]float32{30, 40})))
}

func TestReportAccounting(t *testing.T) {
	r := Report{
		ParamsConsidered:          3,
		ParamsFolded:              2,
		ParamsKeptMutated:         1,
		NodesFolded:               4,
		LayoutConversionsInserted: 3,
		LayoutConversionsFolded:   2,
		OutputLayoutConversions:   1,
		FrozenBytes:               2048,
		ReleasedBytes:             1024,
	}
	assert.Equal(t, 2, r.RuntimeLayoutConversions())
	assert.Equal(t, 1, r.ParamsKept())

	s := r.String()
	assert.Contains(t, s, "3 considered")
	assert.Contains(t, s, "2 folded")
	assert.Contains(t, s, "1 mutated")
	assert.Contains(t, s, "kB")
}
