// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package goexec

import (
	"github.com/cryograph/cryograph/backends"
	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/types"
	"github.com/cryograph/cryograph/types/shapes"
	"github.com/cryograph/cryograph/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// nodeExecutor computes one node over already-computed inputs.
//
// The returned tensor is owned by the caller: kernels that pass an input
// through return a Share() of it, never the same handle, so the executor can
// finalize results after their last use without bookkeeping aliases.
type nodeExecutor func(backend *Backend, node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error)

// nodeExecutors is populated by the init functions of the exec_*.go files.
// Ops left nil fail at Compile with a "not implemented" error.
var nodeExecutors [graph.OpTypeLast]nodeExecutor

// Executable is a compiled graph. It assumes the graph is valid and is not
// rewritten while the executable is in use.
type Executable struct {
	backend *Backend
	graph   *graph.Graph

	// nodes is the topological order snapshot taken at compile time.
	nodes     []*graph.Node
	positions map[*graph.Node]int

	// params are the parameters still present in the graph, in binding
	// order. Execute expects one input tensor per entry.
	params  []*graph.Node
	outputs []*graph.Node
	outSet  types.Set[*graph.Node]

	// numUses counts, per node position, consumptions by executed nodes
	// plus one per root (output or mutating op). A node with zero uses is
	// never executed.
	numUses   []int
	maxInputs int
}

// Compile time check.
var _ backends.Executable = (*Executable)(nil)

func newExecutable(backend *Backend, g *graph.Graph) (*Executable, error) {
	if err := exceptions.TryCatch[error](g.AssertValid); err != nil {
		return nil, errors.WithMessage(err, "goexec.Compile")
	}
	nodes := g.Nodes()
	e := &Executable{
		backend:   backend,
		graph:     g,
		nodes:     nodes,
		positions: make(map[*graph.Node]int, len(nodes)),
		outputs:   g.Outputs(),
		outSet:    types.SetWith(g.Outputs()...),
		numUses:   make([]int, len(nodes)),
	}
	for pos, node := range nodes {
		e.positions[node] = pos
		e.maxInputs = max(e.maxInputs, node.NumInputs())
		if node.Op() != graph.OpTypeParameter && nodeExecutors[node.Op()] == nil {
			return nil, errors.Errorf("goexec.Compile: op %s is not implemented", node.Op())
		}
	}
	for _, param := range g.Parameters() {
		if param.Op() != graph.OpTypeParameter {
			// Rewritten in place to a constant: no longer an input.
			continue
		}
		if _, ok := e.positions[param]; ok {
			e.params = append(e.params, param)
		}
	}

	// Count uses from the roots: the graph outputs plus every mutating op,
	// which must run for its side effect even if nothing consumes it.
	var countUses func(node *graph.Node)
	countUses = func(node *graph.Node) {
		pos := e.positions[node]
		e.numUses[pos]++
		if e.numUses[pos] == 1 {
			for _, input := range node.Inputs() {
				countUses(input)
			}
		}
	}
	for _, out := range e.outputs {
		countUses(out)
	}
	for _, node := range nodes {
		if node.Metadata().MutatesOperand != graph.NoMutatedOperand {
			countUses(node)
		}
	}
	return e, nil
}

// Inputs returns the names and declared shapes of the parameters still
// bound by the graph, in binding order.
func (e *Executable) Inputs() (names []string, inputShapes []shapes.Shape) {
	if len(e.params) == 0 {
		return
	}
	names = make([]string, len(e.params))
	inputShapes = make([]shapes.Shape, len(e.params))
	for ii, param := range e.params {
		names[ii] = param.ParameterName()
		inputShapes[ii] = param.Shape()
	}
	return
}

// Outputs returns the declared shapes of the graph outputs.
func (e *Executable) Outputs() []shapes.Shape {
	outputShapes := make([]shapes.Shape, len(e.outputs))
	for ii, out := range e.outputs {
		outputShapes[ii] = out.Shape()
	}
	return outputShapes
}

// Finalize drops the reference to the graph. The executable holds no
// buffers of its own: constants belong to the graph.
func (e *Executable) Finalize() {
	e.graph = nil
	e.nodes = nil
	e.positions = nil
}

// Execute runs the graph. See backends.Executable.Execute for the aliasing
// and concurrency contract.
func (e *Executable) Execute(inputs []*tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	if e.graph == nil {
		return nil, errors.New("goexec.Execute: executable was finalized")
	}
	if len(inputs) != len(e.params) {
		return nil, errors.Errorf("goexec.Execute: expected %d inputs, got %d", len(e.params), len(inputs))
	}
	for ii, input := range inputs {
		param := e.params[ii]
		if input == nil {
			return nil, errors.Errorf("goexec.Execute: parameter %q (input #%d) is nil",
				param.ParameterName(), ii)
		}
		if err = input.CheckValid(); err != nil {
			return nil, errors.WithMessagef(err, "goexec.Execute: parameter %q (input #%d)",
				param.ParameterName(), ii)
		}
		if !param.Shape().CoversBinding(input.Shape()) {
			return nil, errors.Errorf("goexec.Execute: parameter %q (input #%d): declared shape %s does not accept %s",
				param.ParameterName(), ii, param.Shape(), input.Shape())
		}
		if !input.Layout().Equal(param.Layout()) {
			return nil, errors.Errorf("goexec.Execute: parameter %q (input #%d): expected layout %s, got %s",
				param.ParameterName(), ii, param.Layout(), input.Layout())
		}
	}

	numNodes := len(e.nodes)
	results := make([]*tensors.Tensor, numNodes)
	owned := make([]bool, numNodes)
	numUsed := make([]int, numNodes)
	for ii, input := range inputs {
		results[e.positions[e.params[ii]]] = input
	}
	// Anything owned and still recorded when we leave was not handed out:
	// intermediate leftovers on success, partial results on error.
	defer func() {
		for pos, res := range results {
			if res != nil && owned[pos] {
				res.Finalize()
			}
		}
	}()

	inputScratch := make([]*tensors.Tensor, e.maxInputs)
	for pos, node := range e.nodes {
		if results[pos] != nil || e.numUses[pos] == 0 {
			// Parameters are pre-filled; unused nodes are skipped.
			continue
		}
		nodeInputs := inputScratch[:node.NumInputs()]
		for ii, input := range node.Inputs() {
			nodeInputs[ii] = results[e.positions[input]]
			if nodeInputs[ii] == nil {
				return nil, errors.Errorf("goexec.Execute: input #%d of node %s was not computed -- "+
					"this is a bug, it should never have happened", ii, node)
			}
		}
		var out *tensors.Tensor
		out, err = executeNode(e.backend, node, nodeInputs)
		if err != nil {
			return nil, err
		}
		if !node.Shape().CoversBinding(out.Shape()) {
			out.Finalize()
			return nil, errors.Errorf("goexec.Execute: node %s produced shape %s -- "+
				"this is a bug, it should never have happened", node, out.Shape())
		}
		results[pos] = out
		owned[pos] = true

		// Release intermediate results after their last use.
		for _, input := range node.Inputs() {
			inputPos := e.positions[input]
			numUsed[inputPos]++
			if owned[inputPos] && numUsed[inputPos] == e.numUses[inputPos] && !e.outSet.Has(input) {
				results[inputPos].Finalize()
				results[inputPos] = nil
			}
		}
	}

	outputs = make([]*tensors.Tensor, len(e.outputs))
	for ii, outNode := range e.outputs {
		pos := e.positions[outNode]
		res := results[pos]
		if res == nil {
			return nil, errors.Errorf("goexec.Execute: output #%d (%s) was not computed -- "+
				"this is a bug, it should never have happened", ii, outNode)
		}
		if owned[pos] {
			// Hand the tensor over to the caller.
			outputs[ii] = res
			results[pos] = nil
		} else {
			// The result is a caller-fed parameter: share it so the
			// caller can finalize outputs uniformly.
			outputs[ii] = res.Share()
		}
	}
	return outputs, nil
}

// executeNode dispatches one node to its kernel, converting panics into
// errors so a failing fold or execution does not tear the process down.
func executeNode(backend *Backend, node *graph.Node, inputs []*tensors.Tensor) (out *tensors.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			if rErr, ok := r.(error); ok {
				err = errors.WithMessagef(rErr, "while executing %s", node)
			} else {
				err = errors.Errorf("while executing %s: %v", node, r)
			}
		}
	}()
	out, err = nodeExecutors[node.Op()](backend, node, inputs)
	if err != nil {
		err = errors.WithMessagef(err, "while executing %s", node)
	}
	return
}
