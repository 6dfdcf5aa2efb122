// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

// Package module ties a forward function, its parameters and a backend into
// a callable evaluation module, and turns it into a frozen Artifact once its
// parameters stop changing.
//
// The lifecycle is: create the module, add inputs and parameters, set the
// forward function, Call it as often as needed, then Freeze. Freezing hands
// back an Artifact and retires the module: further Call attempts fail with
// ErrStaleInvocation, so stale handles cannot silently keep running the
// unfrozen graph. A module is not safe for concurrent use.
package module

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/cryograph/cryograph/backends"
	"github.com/cryograph/cryograph/freeze"
	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/types/shapes"
	"github.com/cryograph/cryograph/types/tensors"
)

// ErrStaleInvocation is returned by Module.Call after the module was frozen.
// The frozen Artifact replaces the module as the callable entry point.
var ErrStaleInvocation = errors.New("module is frozen: direct invocation after freezing is disallowed, call the artifact instead")

// ForwardFn builds the module's computation: it receives the driver input
// nodes, in the order the inputs were added, and returns the output nodes.
// Parameters are reached through Parameter.Node.
type ForwardFn func(g *graph.Graph, inputs []*graph.Node) []*graph.Node

// InputSpec declares one driver input of a module.
type InputSpec struct {
	Name  string
	Shape shapes.Shape
}

// Parameter is a named tensor owned by a module. Its node is created on
// first use per captured graph, so the same forward function can be captured
// more than once.
type Parameter struct {
	name  string
	value *tensors.Tensor
	nodes map[*graph.Graph]*graph.Node
}

// Name returns the parameter's name, unique within its module.
func (p *Parameter) Name() string { return p.name }

// Value returns the parameter's current tensor, or nil after the value was
// folded into a frozen artifact and discarded.
func (p *Parameter) Value() *tensors.Tensor { return p.value }

// Shape of the parameter's value. The declared graph shape is the same: a
// parameter is always bound statically.
func (p *Parameter) Shape() shapes.Shape { return p.value.Shape() }

// SetValue replaces the parameter's tensor, finalizing the previous one. The
// new value must keep the shape and layout the parameter was created with.
func (p *Parameter) SetValue(value *tensors.Tensor) {
	value.AssertValid()
	if !value.Shape().Equal(p.value.Shape()) {
		exceptions.Panicf("parameter %q: SetValue with shape %s, want %s",
			p.name, value.Shape(), p.value.Shape())
	}
	if !value.Layout().Equal(p.value.Layout()) {
		exceptions.Panicf("parameter %q: SetValue with layout %s, want %s",
			p.name, value.Layout(), p.value.Layout())
	}
	p.value.Finalize()
	p.value = value
}

// Node returns the graph node standing for this parameter in g, creating it
// on first use.
func (p *Parameter) Node(g *graph.Graph) *graph.Node {
	if n, ok := p.nodes[g]; ok {
		return n
	}
	n := graph.Parameter(g, p.name, p.value.Shape())
	n.SetLayout(p.value.Layout())
	p.nodes[g] = n
	return n
}

// capture is one materialized graph of the module: the graph, its compiled
// executable and the parameters feeding it, in graph parameter order.
type capture struct {
	g          *graph.Graph
	executable backends.Executable
	ordered    []*Parameter
	numInputs  int
}

// Module is a callable computation with named parameters.
type Module struct {
	name    string
	backend backends.Backend

	inputs       []InputSpec
	params       []*Parameter
	paramsByName map[string]*Parameter
	forward      ForwardFn

	live   *capture
	frozen bool
}

// New creates an empty module executing on the given backend.
func New(name string, backend backends.Backend) *Module {
	return &Module{
		name:         name,
		backend:      backend,
		paramsByName: make(map[string]*Parameter),
	}
}

// Name of the module.
func (m *Module) Name() string { return m.name }

// Backend the module compiles with.
func (m *Module) Backend() backends.Backend { return m.backend }

// AddInput declares a driver input: a value fed fresh on every call. Inputs
// are positional, in the order they are added. Shapes may have dynamic axes.
func (m *Module) AddInput(name string, shape shapes.Shape) *Module {
	if m.live != nil || m.frozen {
		exceptions.Panicf("module %q: AddInput(%q) after the module was captured", m.name, name)
	}
	m.inputs = append(m.inputs, InputSpec{Name: name, Shape: shape})
	return m
}

// NewParameter creates a parameter owning the given tensor. The name must be
// unique within the module and distinct from input names.
func (m *Module) NewParameter(name string, value *tensors.Tensor) *Parameter {
	if m.live != nil || m.frozen {
		exceptions.Panicf("module %q: NewParameter(%q) after the module was captured", m.name, name)
	}
	value.AssertValid()
	if _, found := m.paramsByName[name]; found {
		exceptions.Panicf("module %q: parameter %q already exists", m.name, name)
	}
	for _, spec := range m.inputs {
		if spec.Name == name {
			exceptions.Panicf("module %q: %q is already an input name", m.name, name)
		}
	}
	p := &Parameter{
		name:  name,
		value: value,
		nodes: make(map[*graph.Graph]*graph.Node),
	}
	m.params = append(m.params, p)
	m.paramsByName[name] = p
	return p
}

// ParameterByName returns the parameter with the given name, or nil.
func (m *Module) ParameterByName(name string) *Parameter { return m.paramsByName[name] }

// Parameters returns the module's parameters in creation order.
func (m *Module) Parameters() []*Parameter { return slices.Clone(m.params) }

// IsFrozen reports whether Freeze already ran. A frozen module cannot be
// called or frozen again.
func (m *Module) IsFrozen() bool { return m.frozen }

// SetForward sets the function that builds the module's graph.
func (m *Module) SetForward(fn ForwardFn) *Module {
	if m.live != nil || m.frozen {
		exceptions.Panicf("module %q: SetForward after the module was captured", m.name)
	}
	m.forward = fn
	return m
}

// capture builds a fresh graph by running the forward function, and resolves
// which parameters it used. Graph parameter order is driver inputs first,
// then module parameters in first-use order; that order is the executable's
// binding order.
func (m *Module) capture() (*capture, error) {
	if m.forward == nil {
		return nil, errors.Errorf("module %q has no forward function", m.name)
	}
	g := graph.New(m.name)
	err := exceptions.TryCatch[error](func() {
		inputNodes := make([]*graph.Node, len(m.inputs))
		for i, spec := range m.inputs {
			inputNodes[i] = graph.Parameter(g, spec.Name, spec.Shape)
		}
		g.SetOutputs(m.forward(g, inputNodes)...)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "module %q: capturing the forward graph", m.name)
	}
	c := &capture{g: g, numInputs: len(m.inputs)}
	for _, node := range g.Parameters()[len(m.inputs):] {
		p := m.paramsByName[node.ParameterName()]
		if p == nil {
			return nil, errors.Errorf("module %q: graph parameter %q does not belong to this module",
				m.name, node.ParameterName())
		}
		c.ordered = append(c.ordered, p)
	}
	return c, nil
}

// Call executes the module over the given driver inputs, compiling it on
// first use. After Freeze it fails with ErrStaleInvocation.
func (m *Module) Call(inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	if m.frozen {
		return nil, errors.WithMessagef(ErrStaleInvocation, "module %q", m.name)
	}
	if len(inputs) != len(m.inputs) {
		return nil, errors.Errorf("module %q takes %d inputs, got %d", m.name, len(m.inputs), len(inputs))
	}
	if m.live == nil {
		c, err := m.capture()
		if err != nil {
			return nil, err
		}
		c.executable, err = m.backend.Compile(c.g)
		if err != nil {
			return nil, errors.WithMessagef(err, "module %q", m.name)
		}
		m.live = c
		klog.V(1).Infof("module %q: captured and compiled, %d nodes", m.name, c.g.NumNodes())
	}
	feed := make([]*tensors.Tensor, 0, len(inputs)+len(m.live.ordered))
	feed = append(feed, inputs...)
	for _, p := range m.live.ordered {
		feed = append(feed, p.value)
	}
	return m.live.executable.Execute(feed)
}

// Freeze captures a fresh graph, freezes the module's parameters into it and
// returns the resulting Artifact. The module retires: subsequent Call and
// Freeze attempts fail. On error the module stays usable and its parameter
// values are untouched.
//
// With cfg.DiscardParameters set (the default), the values of folded
// parameters are released and their Parameter handles read nil afterwards.
// Kept parameter values stay owned by their Parameter handles; the artifact
// borrows them, so they must not be finalized while the artifact is in use.
func (m *Module) Freeze(cfg freeze.Config) (*Artifact, error) {
	if m.frozen {
		return nil, errors.Errorf("module %q is already frozen", m.name)
	}
	// The live capture's graph is compiled and may be mid-use; freezing
	// rewrites in place, so it gets its own capture.
	c, err := m.capture()
	if err != nil {
		return nil, err
	}
	bindings := make([]freeze.ParamBinding, len(c.ordered))
	for i, p := range c.ordered {
		bindings[i] = freeze.ParamBinding{Name: p.name, Node: p.nodes[c.g], Value: p.value}
	}
	result, err := freeze.Freeze(c.g, bindings, m.backend, cfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "module %q", m.name)
	}

	m.frozen = true
	if m.live != nil {
		m.live.executable.Finalize()
		m.live = nil
	}
	for _, frozen := range result.Folded {
		if p := m.paramsByName[frozen.Name]; p != nil && cfg.DiscardParameters {
			p.value = nil
		}
	}
	return newArtifact(m.name, result), nil
}
