// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package freeze

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryograph/cryograph/backends"
	_ "github.com/cryograph/cryograph/backends/goexec"
	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/graph/graphtest"
	"github.com/cryograph/cryograph/types/layouts"
	"github.com/cryograph/cryograph/types/shapes"
	"github.com/cryograph/cryograph/types/tensors"

	"github.com/gomlx/gopjrt/dtypes"
)

func testBackend() backends.Backend { return graphtest.BuildTestBackend() }

func countOp(g *graph.Graph, op graph.OpType) int {
	count := 0
	for _, n := range g.Nodes() {
		if n.Op() == op {
			count++
		}
	}
	return count
}

func TestFreezeFoldsParameters(t *testing.T) {
	baseline := tensors.LiveStorageCount()

	g := graph.New("scale")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 2))
	w := graph.Parameter(g, "w", shapes.Make(dtypes.Float32, 2))
	b := graph.Parameter(g, "b", shapes.Make(dtypes.Float32, 2))
	g.SetOutputs(graph.Mul(x, graph.Add(w, b)))

	wT := tensors.FromValue([]float32{2, 3})
	bT := tensors.FromValue([]float32{10, 20})
	wID, bID := wT.StorageID(), bT.StorageID()

	result, err := Freeze(g, []ParamBinding{
		{Name: "w", Node: w, Value: wT},
		{Name: "b", Node: b, Value: bT},
	}, testBackend(), DefaultConfig())
	require.NoError(t, err)

	assert.Empty(t, result.Kept)
	require.Len(t, result.Folded, 2)
	assert.Equal(t, "w", result.Folded[0].Name)
	assert.Equal(t, "b", result.Folded[1].Name)

	report := result.Report
	assert.Equal(t, 2, report.ParamsConsidered)
	assert.Equal(t, 2, report.ParamsFolded)
	assert.Equal(t, 0, report.ParamsKept())
	assert.Equal(t, 1, report.NodesFolded)    // the w+b subtree
	assert.Equal(t, 2, report.NodesRemoved)   // the two orphaned literals
	assert.Equal(t, uintptr(8), report.FrozenBytes)
	assert.Equal(t, uintptr(16), report.ReleasedBytes)

	// The folded parameters stopped being inputs and their storage is gone.
	names, _ := result.Executable.Inputs()
	assert.Equal(t, []string{"x"}, names)
	for _, frozen := range result.Folded {
		assert.True(t, frozen.StorageReleased)
		assert.False(t, tensors.StorageLive(frozen.StorageID))
	}
	assert.False(t, tensors.StorageLive(wID))
	assert.False(t, tensors.StorageLive(bID))

	xT := tensors.FromValue([]float32{1, 2})
	outputs, err := result.Executable.Execute([]*tensors.Tensor{xT})
	require.NoError(t, err)
	assert.Equal(t, []float32{12, 46}, outputs[0].Value())

	for _, out := range outputs {
		out.Finalize()
	}
	xT.Finalize()
	result.Finalize()
	assert.Equal(t, baseline, tensors.LiveStorageCount())
}

func TestFreezeUnusedParameters(t *testing.T) {
	g := graph.New("unused")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 2))
	dead := graph.Parameter(g, "dead", shapes.Make(dtypes.Float32, 4))
	deadDyn := graph.Parameter(g, "deadDyn", shapes.Make(dtypes.Float32, shapes.DynamicDim))
	g.SetOutputs(graph.Neg(x))

	deadT := tensors.FromValue([]float32{1, 2, 3, 4})
	deadDynT := tensors.FromValue([]float32{5})
	result, err := Freeze(g, []ParamBinding{
		{Node: dead, Value: deadT},
		{Node: deadDyn, Value: deadDynT},
	}, testBackend(), DefaultConfig())
	require.NoError(t, err)

	// A foldable unused parameter is folded and swept; its storage goes away
	// with it. A dynamic unused parameter cannot be baked in, so its value
	// stays with the caller even though it stopped being an input.
	require.Len(t, result.Folded, 1)
	assert.Equal(t, "dead", result.Folded[0].Name)
	assert.False(t, tensors.StorageLive(result.Folded[0].StorageID))
	assert.Empty(t, result.Kept)
	require.NoError(t, deadDynT.CheckValid())

	names, _ := result.Executable.Inputs()
	assert.Equal(t, []string{"x"}, names)
	result.Finalize()
	deadDynT.Finalize()
}

func TestFreezeMatchesUnfrozenConvBatchNorm(t *testing.T) {
	build := func() (*graph.Graph, [6]*graph.Node) {
		g := graph.New("convnet")
		x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 1, 2, 2, 2))
		w := graph.Parameter(g, "w", shapes.Make(dtypes.Float32, 2, 2, 1, 1))
		scale := graph.Parameter(g, "scale", shapes.Make(dtypes.Float32, 2))
		offset := graph.Parameter(g, "offset", shapes.Make(dtypes.Float32, 2))
		mean := graph.Parameter(g, "mean", shapes.Make(dtypes.Float32, 2))
		variance := graph.Parameter(g, "variance", shapes.Make(dtypes.Float32, 2))
		conv := graph.Conv2D(x, w, [2]int{1, 1}, [2]int{0, 0})
		g.SetOutputs(graph.BatchNormInference(conv, scale, offset, mean, variance, 1e-5))
		return g, [6]*graph.Node{x, w, scale, offset, mean, variance}
	}
	values := func() [5]*tensors.Tensor {
		return [5]*tensors.Tensor{
			tensors.FromValue([][][][]float32{{{{1}}, {{1}}}, {{{2}}, {{-1}}}}),
			tensors.FromValue([]float32{1, 2}),
			tensors.FromValue([]float32{0, 10}),
			tensors.FromValue([]float32{1, -2}),
			tensors.FromValue([]float32{0.25, 1}),
		}
	}
	xT := tensors.FromValue([][][][]float32{{{{1, 2}, {3, 4}}, {{5, 6}, {7, 8}}}})

	// Unfrozen reference: everything fed as a live input.
	refGraph, _ := build()
	refExec, err := testBackend().Compile(refGraph)
	require.NoError(t, err)
	refValues := values()
	refInputs := append([]*tensors.Tensor{xT}, refValues[:]...)
	refOuts, err := refExec.Execute(refInputs)
	require.NoError(t, err)

	frozenGraph, nodes := build()
	frozenValues := values()
	result, err := Freeze(frozenGraph, []ParamBinding{
		{Node: nodes[1], Value: frozenValues[0]},
		{Node: nodes[2], Value: frozenValues[1]},
		{Node: nodes[3], Value: frozenValues[2]},
		{Node: nodes[4], Value: frozenValues[3]},
		{Node: nodes[5], Value: frozenValues[4]},
	}, testBackend(), DefaultConfig())
	require.NoError(t, err)

	// The normalization was absorbed into the convolution weights.
	assert.Equal(t, 1, result.Report.ConvBatchNormFolded)
	assert.Zero(t, countOp(result.Graph, graph.OpTypeBatchNormInference))
	names, _ := result.Executable.Inputs()
	assert.Equal(t, []string{"x"}, names)

	frozenOuts, err := result.Executable.Execute([]*tensors.Tensor{xT})
	require.NoError(t, err)
	assert.True(t, frozenOuts[0].InDelta(refOuts[0], 1e-4),
		"frozen: %s, unfrozen: %s", frozenOuts[0], refOuts[0])
	assert.True(t, frozenOuts[0].Layout().Equal(refOuts[0].Layout()),
		"output layout must survive freezing")
}

func TestFreezeKeepsMutatedParameters(t *testing.T) {
	g := graph.New("counter")
	counter := graph.Parameter(g, "counter", shapes.Make(dtypes.Float32, 3))
	delta := graph.Parameter(g, "delta", shapes.Make(dtypes.Float32, 3))
	doubled := graph.Add(counter, counter)
	stepped := graph.AssignAdd(counter, delta)
	g.SetOutputs(doubled, stepped)

	deltaT := tensors.FromValue([]float32{10, 10, 10})
	counterT := tensors.FromValue([]float32{1, 2, 3})
	result, err := Freeze(g, []ParamBinding{
		{Node: counter, Value: counterT},
		{Node: delta, Value: deltaT},
	}, testBackend(), DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Report.ParamsKeptMutated)
	assert.Equal(t, 1, result.Report.ParamsFolded)
	require.Len(t, result.Kept, 1)
	assert.Equal(t, "counter", result.Kept[0].Name)
	names, _ := result.Executable.Inputs()
	assert.Equal(t, []string{"counter"}, names)

	// First invocation reads the pre-update value and accumulates in place.
	outs, err := result.Executable.Execute([]*tensors.Tensor{counterT})
	require.NoError(t, err)
	assert.True(t, outs[0].Equal(tensors.FromValue([]float32{2, 4, 6})))
	assert.True(t, outs[1].IsAliasOf(counterT))
	assert.True(t, counterT.Equal(tensors.FromValue([]float32{11, 12, 13})))

	// Mutation keeps accumulating across invocations after freezing.
	outs, err = result.Executable.Execute([]*tensors.Tensor{counterT})
	require.NoError(t, err)
	assert.True(t, outs[0].Equal(tensors.FromValue([]float32{22, 24, 26})))
	assert.True(t, counterT.Equal(tensors.FromValue([]float32{21, 22, 23})))
}

func TestFreezeKeepsEscapingParameters(t *testing.T) {
	g := graph.New("escape")
	p := graph.Parameter(g, "p", shapes.Make(dtypes.Float32, 2))
	g.SetOutputs(graph.Identity(graph.Identity(p)))

	pT := tensors.FromValue([]float32{5, 7})
	result, err := Freeze(g, []ParamBinding{{Node: p, Value: pT}},
		testBackend(), DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Report.ParamsKeptEscaping)
	assert.Empty(t, result.Folded)
	require.Len(t, result.Kept, 1)

	outs, err := result.Executable.Execute([]*tensors.Tensor{pT})
	require.NoError(t, err)
	assert.True(t, outs[0].IsAliasOf(pT), "the caller's view must stay live")
}

func TestFreezeKeepsAliasedGroupsTogether(t *testing.T) {
	g := graph.New("aliases")
	p1 := graph.Parameter(g, "p1", shapes.Make(dtypes.Float32, 3))
	p2 := graph.Parameter(g, "p2", shapes.Make(dtypes.Float32, 3))
	ones := graph.Constant(g, tensors.FromValue([]float32{1, 1, 1}))
	seen := graph.Mul(p1, ones)
	bumped := graph.AssignAdd(p2, ones)
	g.SetOutputs(seen, bumped)

	base := tensors.FromValue([]float32{1, 2, 3})
	shared := base.Share()

	result, err := Freeze(g, []ParamBinding{
		{Node: p1, Value: base},
		{Node: p2, Value: shared},
	}, testBackend(), DefaultConfig())
	require.NoError(t, err)

	// p2 is mutated; p1 shares its storage, so folding p1 would detach it
	// from the updates. The whole group stays live.
	assert.Equal(t, 1, result.Report.ParamsKeptMutated)
	assert.Equal(t, 1, result.Report.ParamsKeptAliased)
	assert.Empty(t, result.Folded)
	require.Len(t, result.Kept, 2)

	outs, err := result.Executable.Execute([]*tensors.Tensor{base, shared})
	require.NoError(t, err)
	assert.True(t, outs[0].Equal(tensors.FromValue([]float32{1, 2, 3})))

	// The mutation through p2 is visible through p1 on the next invocation.
	outs, err = result.Executable.Execute([]*tensors.Tensor{base, shared})
	require.NoError(t, err)
	assert.True(t, outs[0].Equal(tensors.FromValue([]float32{2, 3, 4})))
}

func TestFreezeKeepsDynamicParameters(t *testing.T) {
	g := graph.New("dynamic")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, shapes.DynamicDim, 2))
	d := graph.Parameter(g, "d", shapes.Make(dtypes.Float32, shapes.DynamicDim, 2))
	g.SetOutputs(graph.Mul(x, d))

	dT := tensors.FromValue([][]float32{{10, 20}})
	result, err := Freeze(g, []ParamBinding{{Node: d, Value: dT}},
		testBackend(), DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Report.ParamsKeptDynamic)
	names, _ := result.Executable.Inputs()
	assert.Equal(t, []string{"x", "d"}, names)

	xT := tensors.FromValue([][]float32{{1, 2}, {3, 4}})
	outs, err := result.Executable.Execute([]*tensors.Tensor{xT, dT})
	require.NoError(t, err)
	assert.True(t, outs[0].Equal(tensors.FromValue([][]float32{{10, 40}, {30, 80}})))
}

func TestFreezeKeepsParamsWithEscapingViews(t *testing.T) {
	g := graph.New("views")
	p := graph.Parameter(g, "p", shapes.Make(dtypes.Float32, 2, 3))
	window := graph.Slice(p, []int{0, 0}, []int{1, 3})
	g.SetOutputs(graph.Neg(p), window)

	pT := tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	result, err := Freeze(g, []ParamBinding{{Node: p, Value: pT}},
		testBackend(), DefaultConfig())
	require.NoError(t, err)

	// The slice window aliases p's storage and escapes as an output, so p
	// cannot be folded and the caller's buffer must survive.
	assert.Equal(t, 1, result.Report.ParamsKeptEscaping)
	assert.Empty(t, result.Folded)
	require.Len(t, result.Kept, 1)
	require.NoError(t, pT.CheckValid())

	outs, err := result.Executable.Execute([]*tensors.Tensor{pT})
	require.NoError(t, err)
	assert.True(t, outs[0].Equal(tensors.FromValue([][]float32{{-1, -2, -3}, {-4, -5, -6}})))
	assert.True(t, outs[1].IsAliasOf(pT), "the escaping window shares the caller's storage")
	assert.True(t, outs[1].Equal(tensors.FromValue([][]float32{{1, 2, 3}})))
}

func TestFreezeDynamicGraphRebinds(t *testing.T) {
	g := graph.New("dyn-batch")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, shapes.DynamicDim, 2))
	w := graph.Parameter(g, "w", shapes.Make(dtypes.Float32, 1, 2))
	batch := graph.ShapeDim(x, 0)
	padding := graph.Zeros(g, shapes.Make(dtypes.Float32, shapes.DynamicDim, 2), batch)
	g.SetOutputs(graph.Add(graph.Mul(x, w), padding), batch)

	wT := tensors.FromValue([][]float32{{2, 3}})
	result, err := Freeze(g, []ParamBinding{{Node: w, Value: wT}},
		testBackend(), DefaultConfig())
	require.NoError(t, err)
	require.Len(t, result.Folded, 1)

	// The frozen executable still binds the dynamic batch axis per call.
	for _, batchSize := range []int{1, 3} {
		values := make([][]float32, batchSize)
		for ii := range values {
			values[ii] = []float32{float32(ii), float32(-ii)}
		}
		xT := tensors.FromValue(values)
		outs, err := result.Executable.Execute([]*tensors.Tensor{xT})
		require.NoError(t, err)
		require.Equal(t, []int{batchSize, 2}, outs[0].Shape().Dimensions)
		got := outs[0].Value().([][]float32)
		for ii := range got {
			assert.Equal(t, []float32{2 * float32(ii), -3 * float32(ii)}, got[ii])
		}
		assert.Equal(t, int64(batchSize), outs[1].Value())
		for _, out := range outs {
			out.Finalize()
		}
		xT.Finalize()
	}
}

func TestFreezeLeavesRandomOpsAlone(t *testing.T) {
	g := graph.New("rng")
	w := graph.Parameter(g, "w", shapes.Make(dtypes.Float32, 8))
	noise := graph.RngUniform(g, shapes.Make(dtypes.Float32, 8))
	g.SetOutputs(graph.Add(noise, graph.Mul(w, w)))

	wT := tensors.FromValue([]float32{1, 2, 3, 4, 5, 6, 7, 8})
	result, err := Freeze(g, []ParamBinding{{Node: w, Value: wT}},
		testBackend(), DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Report.RandomOpsSkipped)
	assert.Equal(t, 1, result.Report.ParamsFolded)
	assert.Equal(t, 1, countOp(result.Graph, graph.OpTypeRngUniform))
	names, _ := result.Executable.Inputs()
	assert.Empty(t, names)

	// Every invocation still draws fresh values.
	first, err := result.Executable.Execute(nil)
	require.NoError(t, err)
	second, err := result.Executable.Execute(nil)
	require.NoError(t, err)
	assert.False(t, first[0].Equal(second[0]))
}

func TestFreezeResolvesStaticShapeQueries(t *testing.T) {
	g := graph.New("dims")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, shapes.DynamicDim, 3))
	g.SetOutputs(graph.ShapeDim(x, 0), graph.ShapeDim(x, 1))

	result, err := Freeze(g, nil, testBackend(), DefaultConfig())
	require.NoError(t, err)

	// Axis 1 is static and folds; axis 0 is only known per invocation.
	assert.Equal(t, 1, result.Report.ShapeQueriesFolded)
	assert.Equal(t, 1, countOp(result.Graph, graph.OpTypeShapeDim))

	xT := tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	outs, err := result.Executable.Execute([]*tensors.Tensor{xT})
	require.NoError(t, err)
	assert.Equal(t, int64(2), outs[0].Value())
	assert.Equal(t, int64(3), outs[1].Value())
}

func TestFreezeFoldingAmbiguity(t *testing.T) {
	t.Run("invalid literal", func(t *testing.T) {
		g := graph.New("broken")
		w := graph.Parameter(g, "w", shapes.Make(dtypes.Float32, 2))
		cT := tensors.FromValue([]float32{1, 2})
		c := graph.Constant(g, cT)
		g.SetOutputs(graph.Add(w, graph.Add(c, c)))
		cT.Finalize() // invalidates the literal behind the graph's back

		wT := tensors.FromValue([]float32{3, 4})
		_, err := Freeze(g, []ParamBinding{{Node: w, Value: wT}},
			testBackend(), DefaultConfig())
		require.Error(t, err)
		var ambiguity *FoldingAmbiguityError
		require.ErrorAs(t, err, &ambiguity)

		// A failed freeze never touches the caller's values.
		require.NoError(t, wT.CheckValid())
	})

	t.Run("evaluation failure", func(t *testing.T) {
		build := func() *graph.Graph {
			g := graph.New("divzero")
			num := graph.Constant(g, tensors.FromValue([]int32{6, 6}))
			den := graph.Constant(g, tensors.FromValue([]int32{2, 0}))
			g.SetOutputs(graph.Div(num, den))
			return g
		}

		// Fallbacks on: the node stays in the graph and fails at runtime,
		// exactly as it would have without freezing.
		result, err := Freeze(build(), nil, testBackend(), DefaultConfig())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Report.FoldsSkippedByBackend)
		_, err = result.Executable.Execute(nil)
		require.Error(t, err)

		// Strict mode surfaces it at freeze time instead.
		cfg := DefaultConfig()
		cfg.ImplicitFallbacks = false
		_, err = Freeze(build(), nil, testBackend(), cfg)
		require.Error(t, err)
		var ambiguity *FoldingAmbiguityError
		require.ErrorAs(t, err, &ambiguity)
	})
}

func TestFreezeDisabled(t *testing.T) {
	g := graph.New("asis")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 2))
	w := graph.Parameter(g, "w", shapes.Make(dtypes.Float32, 2))
	g.SetOutputs(graph.Add(x, w))
	numNodes := g.NumNodes()

	wT := tensors.FromValue([]float32{1, 1})
	cfg := DefaultConfig()
	cfg.Enabled = false
	result, err := Freeze(g, []ParamBinding{{Node: w, Value: wT}}, testBackend(), cfg)
	require.NoError(t, err)

	assert.Empty(t, result.Folded)
	require.Len(t, result.Kept, 1)
	assert.Equal(t, numNodes, result.Graph.NumNodes())
	names, _ := result.Executable.Inputs()
	assert.Equal(t, []string{"x", "w"}, names)
	require.NoError(t, wT.CheckValid())
}

func TestFreezeBindingValidation(t *testing.T) {
	g := graph.New("valid")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 2))
	grid := graph.Parameter(g, "grid", shapes.Make(dtypes.Float32, 2, 2))
	sum := graph.Add(x, x)
	g.SetOutputs(sum, grid)

	other := graph.New("other")
	alien := graph.Parameter(other, "alien", shapes.Make(dtypes.Float32, 2))

	good := tensors.FromValue([]float32{1, 2})
	colMajor := tensors.FromValue([][]float32{{1, 2}, {3, 4}}).ToLayout(layouts.Make(1, 0))
	for _, tc := range []struct {
		name    string
		binding ParamBinding
		errLike string
	}{
		{"nil node", ParamBinding{Value: good}, "nil node"},
		{"foreign graph", ParamBinding{Node: alien, Value: good}, "graph"},
		{"not a parameter", ParamBinding{Node: sum, Value: good}, "Parameter"},
		{"nil value", ParamBinding{Node: x}, "nil value"},
		{"shape mismatch", ParamBinding{Node: x, Value: tensors.FromValue([]float32{1, 2, 3})}, "shape"},
		{"layout mismatch", ParamBinding{Node: grid, Value: colMajor}, "layout"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Freeze(g, []ParamBinding{tc.binding}, testBackend(), DefaultConfig())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errLike)
		})
	}

	t.Run("duplicate", func(t *testing.T) {
		_, err := Freeze(g, []ParamBinding{
			{Node: x, Value: good},
			{Node: x, Value: good},
		}, testBackend(), DefaultConfig())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "twice")
	})
}
