// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

// Package freeze turns an evaluation-mode graph whose parameters stopped
// changing into a leaner one, ahead of execution.
//
// Given a graph and a set of designated parameter bindings, Freeze proves
// which of those parameters are constant for every future invocation, bakes
// them into the graph as literals, folds every subtree that became constant,
// minimizes the physical-layout copies between producers and constrained
// consumers, and compiles the result. Parameters that are mutated by the
// graph, escape through an output alias, share storage with a kept sibling
// or have a dynamic shape are kept as live inputs; everything else stops
// being an input. The storage of folded parameters can be released, which is
// the point of the exercise for large models.
//
// Freezing never changes observable results: outputs keep their values,
// dtypes and layouts, mutations keep accumulating, random ops keep drawing
// fresh values. What changes is the work per invocation.
package freeze

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/cryograph/cryograph/backends"
	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/types"
	"github.com/cryograph/cryograph/types/layouts"
	"github.com/cryograph/cryograph/types/shapes"
	"github.com/cryograph/cryograph/types/tensors"
)

// ParamBinding designates one parameter as a freezing candidate and provides
// the value it is bound to. Name is informational; when empty it defaults to
// the parameter's name.
type ParamBinding struct {
	Name  string
	Node  *graph.Node
	Value *tensors.Tensor
}

// FrozenParam describes one parameter that was folded into the graph.
type FrozenParam struct {
	Name   string
	Shape  shapes.Shape
	Layout layouts.Layout
	Bytes  uintptr

	// StorageID identifies the binding's original storage.
	StorageID tensors.StorageID
	// StorageReleased reports whether that storage was actually freed.
	// It stays false when Config.DiscardParameters is off, or when aliases
	// outside the binding keep the storage alive.
	StorageReleased bool
}

// Result is a frozen graph ready to execute, with the accounting of how it
// got that way.
type Result struct {
	// Graph is the rewritten graph. It is the same *Graph value passed to
	// Freeze: freezing rewrites in place.
	Graph *graph.Graph
	// Executable is the compiled frozen graph. Its inputs are the surviving
	// parameters, in graph parameter order.
	Executable backends.Executable
	// Report is the freezing accounting.
	Report Report
	// Folded describes the parameters baked into the graph.
	Folded []FrozenParam
	// Kept holds the bindings that stayed live inputs. Their values remain
	// owned by the caller and must outlive the Result.
	Kept []ParamBinding

	owned []*tensors.Tensor
}

// Finalize releases the executable and the literals freezing baked into the
// graph. The graph must not be executed afterwards.
func (r *Result) Finalize() {
	if r.Executable != nil {
		r.Executable.Finalize()
		r.Executable = nil
	}
	for _, literal := range r.owned {
		literal.Finalize()
	}
	r.owned = nil
}

// Freeze proves which designated parameters are constant, folds them and
// everything they determine into literals, minimizes layout copies and
// compiles the graph with the given backend.
//
// The graph is rewritten in place; pass a dedicated capture, not a graph
// shared with an unfrozen executable. The bindings' values are only read,
// except that folded ones are finalized when cfg.DiscardParameters is set.
// On error the bindings' values are always left untouched.
//
// With cfg.Enabled off, Freeze only compiles: every binding comes back in
// Result.Kept and the graph is unchanged.
func Freeze(g *graph.Graph, params []ParamBinding, backend backends.Backend, cfg Config) (*Result, error) {
	if g == nil {
		return nil, errors.New("freeze: graph is nil")
	}
	if backend == nil {
		return nil, errors.New("freeze: backend is nil")
	}
	if err := exceptions.TryCatch[error](g.AssertValid); err != nil {
		return nil, errors.WithMessage(err, "freeze: graph is not valid")
	}
	bindings := slices.Clone(params)
	if err := validateBindings(g, bindings); err != nil {
		return nil, err
	}
	report := Report{ParamsConsidered: len(bindings)}

	if !cfg.Enabled {
		executable, err := backend.Compile(g)
		if err != nil {
			return nil, err
		}
		return &Result{Graph: g, Executable: executable, Report: report, Kept: bindings}, nil
	}

	reasons := classifyParameters(g, bindings, &report)
	foldableParams := types.MakeSet[*graph.Node](len(bindings))
	for i, binding := range bindings {
		if reasons[i] == keepNone {
			foldableParams.Insert(binding.Node)
		}
	}

	f := newFolder(g, backend, cfg, &report)
	f.recomposeConvBatchNorm(foldableParams)
	if err := optimizeLayouts(g, cfg, f.inserted, &report); err != nil {
		f.releaseOwned()
		return nil, err
	}
	f.substituteParams(bindings, reasons)
	if err := f.run(); err != nil {
		f.releaseOwned()
		return nil, err
	}
	f.eliminateDead()
	report.FrozenBytes = f.frozenBytes()

	executable, err := backend.Compile(g)
	if err != nil {
		f.releaseOwned()
		return nil, errors.WithMessage(err, "freeze: compiling the frozen graph")
	}

	// Only now, with the frozen executable in hand, let go of the folded
	// parameters' storage.
	folded, kept := releaseParameters(bindings, reasons, cfg, &report)

	klog.V(1).Infof("freeze: graph %q frozen\n%s", g.Name(), report)
	return &Result{
		Graph:      g,
		Executable: executable,
		Report:     report,
		Folded:     folded,
		Kept:       kept,
		owned:      f.ownedLiterals(),
	}, nil
}

func validateBindings(g *graph.Graph, bindings []ParamBinding) error {
	seen := types.MakeSet[*graph.Node](len(bindings))
	for i := range bindings {
		binding := &bindings[i]
		if binding.Node == nil {
			return errors.Errorf("freeze: binding #%d has a nil node", i)
		}
		if binding.Node.Graph() != g {
			return errors.Errorf("freeze: binding %q targets a node of graph %q, not %q",
				binding.Name, binding.Node.Graph().Name(), g.Name())
		}
		if binding.Node.Op() != graph.OpTypeParameter {
			return errors.Errorf("freeze: binding %q targets %s, want a Parameter node",
				binding.Name, binding.Node)
		}
		if binding.Name == "" {
			binding.Name = binding.Node.ParameterName()
		}
		if seen.Has(binding.Node) {
			return errors.Errorf("freeze: parameter %q designated twice", binding.Name)
		}
		seen.Insert(binding.Node)
		if binding.Value == nil {
			return errors.Errorf("freeze: binding %q has a nil value", binding.Name)
		}
		if err := binding.Value.CheckValid(); err != nil {
			return errors.WithMessagef(err, "freeze: binding %q", binding.Name)
		}
		if !binding.Node.Shape().CoversBinding(binding.Value.Shape()) {
			return errors.Errorf("freeze: binding %q value shape %s does not satisfy the declared %s",
				binding.Name, binding.Value.Shape(), binding.Node.Shape())
		}
		if !binding.Value.Layout().Equal(binding.Node.Layout()) {
			return errors.Errorf("freeze: binding %q value layout %s differs from the parameter's %s",
				binding.Name, binding.Value.Layout(), binding.Node.Layout())
		}
	}
	return nil
}
