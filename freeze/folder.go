// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package freeze

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/cryograph/cryograph/backends"
	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/types"
	"github.com/cryograph/cryograph/types/shapes"
	"github.com/cryograph/cryograph/types/tensors"
)

// folder rewrites constant-rooted subtrees into literals. Literals it creates
// are tracked in owned so they can be released if freezing fails or if the
// node holding them later turns out dead.
type folder struct {
	g       *graph.Graph
	backend backends.Backend
	cfg     Config
	report  *Report

	// inserted holds the LayoutConvert nodes added by optimizeLayouts, to
	// tell folded conversions apart from user ones in the report.
	inserted types.Set[*graph.Node]

	// owned maps nodes rewritten by this pass to the literal they now hold.
	owned map[*graph.Node]*tensors.Tensor
}

func newFolder(g *graph.Graph, backend backends.Backend, cfg Config, report *Report) *folder {
	return &folder{
		g:        g,
		backend:  backend,
		cfg:      cfg,
		report:   report,
		inserted: types.MakeSet[*graph.Node](),
		owned:    make(map[*graph.Node]*tensors.Tensor),
	}
}

// constantValueOf returns the literal behind n, looking through identity
// chains left by rewrites, or nil if n is not a constant.
func constantValueOf(n *graph.Node) *tensors.Tensor {
	for n.Op() == graph.OpTypeIdentity {
		n = n.Input(0)
	}
	if n.Op() != graph.OpTypeConstant {
		return nil
	}
	return n.ConstantValue()
}

// substituteParams rewrites every foldable designated parameter into a
// literal holding a copy of its bound value. The copy keeps the binding's
// layout. Copying decouples the graph from the caller's storage, which may
// be released afterwards.
func (f *folder) substituteParams(bindings []ParamBinding, reasons []keepReason) {
	for i, binding := range bindings {
		if reasons[i] != keepNone {
			klog.V(1).Infof("freeze: keeping parameter %q (%s)", binding.Name, reasons[i])
			continue
		}
		literal := binding.Value.Clone()
		binding.Node.ReplaceWithConstant(literal)
		f.owned[binding.Node] = literal
		f.report.ParamsFolded++
	}
}

// run folds every node whose value is fully determined at freeze time. The
// node list is in topological order, so one sweep folds entire constant
// subtrees: a node folded early in the sweep is a constant by the time its
// consumers are visited.
func (f *folder) run() error {
	for _, n := range f.g.Nodes() {
		switch n.Op() {
		case graph.OpTypeConstant, graph.OpTypeParameter:
			continue
		}
		meta := n.Metadata()
		if meta.IsShapeQuery {
			f.foldShapeQuery(n)
			continue
		}
		if meta.IsRandom {
			if f.allInputsConstant(n) {
				// Freezing a draw would repeat the same values forever.
				f.report.RandomOpsSkipped++
			}
			continue
		}
		if !meta.ConstFoldable || meta.AliasesInput || meta.MutatesOperand != graph.NoMutatedOperand {
			continue
		}
		if !n.Shape().IsFullyStatic() {
			continue
		}
		if !f.allInputsConstant(n) {
			continue
		}
		// A node claiming constant inputs it cannot actually read is a
		// contradiction worth failing loudly over, fallbacks or not.
		for _, in := range n.Inputs() {
			if err := constantValueOf(in).CheckValid(); err != nil {
				return &FoldingAmbiguityError{Node: n, Cause: err}
			}
		}
		value, err := f.evaluate(n)
		if err != nil {
			if f.cfg.ImplicitFallbacks {
				f.report.FoldsSkippedByBackend++
				klog.V(1).Infof("freeze: leaving %s for runtime evaluation: %v", n, err)
				continue
			}
			return &FoldingAmbiguityError{Node: n, Cause: err}
		}
		f.replaceWithLiteral(n, value)
		f.report.NodesFolded++
		if f.inserted.Has(n) {
			f.report.LayoutConversionsFolded++
		}
	}
	return nil
}

func (f *folder) allInputsConstant(n *graph.Node) bool {
	for _, in := range n.Inputs() {
		if constantValueOf(in) == nil {
			return false
		}
	}
	return true
}

// foldShapeQuery resolves a shape query whose answer is static. The input's
// value is irrelevant, only its declared shape matters, so this works even
// when the input is a live parameter.
func (f *folder) foldShapeQuery(n *graph.Node) {
	axis := n.ShapeDimAxis()
	dim := n.Input(0).Shape().Dimensions[axis]
	if dim == shapes.DynamicDim {
		return
	}
	f.replaceWithLiteral(n, tensors.FromScalar(int64(dim)))
	f.report.ShapeQueriesFolded++
}

// replaceWithLiteral rewrites n into a Constant holding value, converted to
// n's layout annotation if the backend produced it in another one.
func (f *folder) replaceWithLiteral(n *graph.Node, value *tensors.Tensor) {
	aligned := value.ToLayout(n.Layout())
	if aligned != value {
		value.Finalize()
	}
	n.ReplaceWithConstant(aligned)
	f.owned[n] = aligned
}

// evaluate computes n's value by building a one-node scratch graph over n's
// literal inputs and running it through the same backend that will serve the
// frozen graph. Evaluating with the serving backend, instead of a dedicated
// folding interpreter, guarantees the folded literal is bit-identical to what
// the node would have produced at runtime.
func (f *folder) evaluate(n *graph.Node) (*tensors.Tensor, error) {
	scratch := graph.New(f.g.Name() + "$fold")
	err := exceptions.TryCatch[error](func() {
		ins := make([]*graph.Node, n.NumInputs())
		for i, in := range n.Inputs() {
			ins[i] = graph.Constant(scratch, constantValueOf(in))
		}
		rebuilt := rebuildOp(scratch, n, ins)
		if rebuilt.Op() != graph.OpTypeConstant {
			// Materialize directly in the layout the node was annotated
			// with, so no conversion is needed afterwards.
			rebuilt.SetLayout(n.Layout())
		}
		scratch.SetOutputs(rebuilt)
	})
	if err != nil {
		return nil, err
	}
	executable, err := f.backend.Compile(scratch)
	if err != nil {
		return nil, err
	}
	defer executable.Finalize()
	outputs, err := executable.Execute(nil)
	if err != nil {
		return nil, err
	}
	return outputs[0], nil
}

// rebuildOp re-issues n's operation in the scratch graph over the literal
// input nodes. Builders that find nothing to do (a conversion to the dtype
// the input already has) may return the input node itself.
func rebuildOp(scratch *graph.Graph, n *graph.Node, ins []*graph.Node) *graph.Node {
	switch n.Op() {
	case graph.OpTypeAdd:
		return graph.Add(ins[0], ins[1])
	case graph.OpTypeSub:
		return graph.Sub(ins[0], ins[1])
	case graph.OpTypeMul:
		return graph.Mul(ins[0], ins[1])
	case graph.OpTypeDiv:
		return graph.Div(ins[0], ins[1])
	case graph.OpTypeNeg:
		return graph.Neg(ins[0])
	case graph.OpTypeCos:
		return graph.Cos(ins[0])
	case graph.OpTypeSqrt:
		return graph.Sqrt(ins[0])
	case graph.OpTypeConvertDType:
		return graph.ConvertDType(ins[0], n.DType())
	case graph.OpTypeReshape:
		return graph.Reshape(ins[0], n.Shape().Dimensions...)
	case graph.OpTypeConv2D:
		return graph.Conv2D(ins[0], ins[1], n.ConvStrides(), n.ConvPaddings())
	case graph.OpTypeBatchNormInference:
		return graph.BatchNormInference(ins[0], ins[1], ins[2], ins[3], ins[4], n.BatchNormEpsilon())
	case graph.OpTypeZeros:
		return graph.Zeros(scratch, n.Shape())
	case graph.OpTypeLayoutConvert:
		return graph.LayoutConvert(ins[0], n.Layout())
	}
	exceptions.Panicf("freeze: op %s has no folding rule", n.Op())
	return nil
}

// eliminateDead removes every node no output or mutation depends on. The
// literals of dead nodes this pass created are released; user constants that
// die are left alone, their tensors belong to whoever built the graph.
func (f *folder) eliminateDead() {
	reachable := types.MakeSet[*graph.Node](f.g.NumNodes())
	var visit func(n *graph.Node)
	visit = func(n *graph.Node) {
		if reachable.Has(n) {
			return
		}
		reachable.Insert(n)
		for _, in := range n.Inputs() {
			visit(in)
		}
	}
	for _, out := range f.g.Outputs() {
		visit(out)
	}
	// Mutations run even when nothing consumes their result.
	for _, n := range f.g.Nodes() {
		if n.Metadata().MutatesOperand != graph.NoMutatedOperand {
			visit(n)
		}
	}

	for _, n := range f.g.Nodes() {
		if reachable.Has(n) {
			continue
		}
		if literal, ok := f.owned[n]; ok {
			literal.Finalize()
			delete(f.owned, n)
		}
		n.MarkDead()
		f.report.NodesRemoved++
	}
	f.g.Normalize()
}

// frozenBytes is the total memory of the literals baked in by this pass and
// still alive in the graph.
func (f *folder) frozenBytes() uintptr {
	var total uintptr
	for _, literal := range f.owned {
		total += literal.Memory()
	}
	return total
}

// releaseOwned frees every literal the pass created. Used to unwind on error.
func (f *folder) releaseOwned() {
	for _, literal := range f.owned {
		literal.Finalize()
	}
	clear(f.owned)
}

// ownedLiterals returns the literals the pass created that are still alive,
// so the Result can release them when it is finalized.
func (f *folder) ownedLiterals() []*tensors.Tensor {
	literals := make([]*tensors.Tensor, 0, len(f.owned))
	for _, literal := range f.owned {
		literals = append(literals, literal)
	}
	return literals
}
