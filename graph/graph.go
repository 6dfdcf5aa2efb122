// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

// Package graph defines the captured computation graph that freezing rewrites
// and backends compile.
//
// A Graph is a list of Nodes kept in topological order: every node appears
// after all of its inputs. Nodes are created through the builder methods
// (Add, Conv2D, Parameter, ...), which infer and validate the output shape.
// Once the outputs are bound with SetOutputs, the graph can be compiled by a
// backend, or rewritten first.
//
// Rewriting happens in place: a node keeps its identity (and id) while its
// op, inputs and payload are replaced -- turning a subtree into a Constant
// literal is the common case. Rewrites that make an older node consume a
// newer one temporarily break the list order; Normalize restores it. Nodes
// cut off from the outputs are marked dead and dropped from the order on the
// next Normalize.
package graph

import (
	"fmt"
	"strings"

	"github.com/cryograph/cryograph/types"
	"github.com/cryograph/cryograph/types/layouts"
	"github.com/cryograph/cryograph/types/shapes"
	"github.com/cryograph/cryograph/types/tensors"
	"github.com/cryograph/cryograph/types/xslices"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Graph holds a computation graph while it is captured, rewritten and
// compiled.
type Graph struct {
	name string

	// nodes in topological order: inputs of a node always appear earlier
	// in the list. Dead nodes are removed by Normalize.
	nodes []*Node

	// params are the OpTypeParameter nodes, in declaration order.
	params []*Node

	// outputs of the graph, set by SetOutputs.
	outputs []*Node

	// nextID stamps nodes at creation. Ids are never reused, even after
	// nodes die.
	nextID int
}

// Node is one operation of a Graph.
//
// A Node's identity is stable: rewrites replace its op, inputs and payload,
// but never its id. The shape is fixed at creation -- rewrites must preserve
// it, it is what consumers were built against.
type Node struct {
	graph  *Graph
	id     int
	opType OpType
	inputs []*Node
	shape  shapes.Shape

	// layout annotation: the physical layout this node's value is
	// produced in. Defaults to row-major; the layout pass may change it.
	layout layouts.Layout

	// data is the op-specific payload (constant tensor, slice bounds,
	// convolution geometry, ...), nil for most ops.
	data any

	dead bool
}

// New creates an empty graph with the given name.
func New(name string) *Graph {
	return &Graph{name: name}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// newNode appends a node of the given op, shape and inputs to the graph.
// All builder methods funnel through here.
func (g *Graph) newNode(opType OpType, shape shapes.Shape, inputs ...*Node) *Node {
	for idx, input := range inputs {
		if input == nil {
			exceptions.Panicf("%s: input #%d is nil", opType, idx)
		}
		if input.graph != g {
			exceptions.Panicf("%s: input #%d belongs to graph %q, cannot use it in graph %q",
				opType, idx, input.graph.name, g.name)
		}
		if input.dead {
			exceptions.Panicf("%s: input #%d (%s) is dead", opType, idx, input)
		}
	}
	n := &Node{
		graph:  g,
		id:     g.nextID,
		opType: opType,
		shape:  shape,
		layout: layouts.RowMajor(shape.Rank()),
		inputs: xslices.Copy(inputs),
	}
	g.nextID++
	g.nodes = append(g.nodes, n)
	return n
}

// NumNodes returns how many live nodes the graph holds.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Nodes returns the graph's live nodes in topological order. The returned
// slice is shared; callers must not modify it.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Parameters returns the parameter nodes in declaration order, including any
// that later rewrites absorbed.
func (g *Graph) Parameters() []*Node { return g.params }

// Outputs returns the bound output nodes.
func (g *Graph) Outputs() []*Node { return g.outputs }

// SetOutputs binds the graph outputs. It can only be called once, and every
// output must be distinct.
func (g *Graph) SetOutputs(outputs ...*Node) {
	if g.outputs != nil {
		exceptions.Panicf("graph %q: SetOutputs called twice", g.name)
	}
	if len(outputs) == 0 {
		exceptions.Panicf("graph %q: SetOutputs requires at least one output", g.name)
	}
	nodeSet := types.SetWith(outputs...)
	if len(nodeSet) != len(outputs) {
		exceptions.Panicf("graph %q: repeated outputs: %d outputs, %d unique",
			g.name, len(outputs), len(nodeSet))
	}
	for _, node := range outputs {
		if node.graph != g {
			exceptions.Panicf("graph %q: output node %s belongs to graph %q", g.name, node, node.graph.name)
		}
	}
	g.outputs = xslices.Copy(outputs)
}

// ReplaceOutput rebinds output slot idx to the given node. Used when a
// rewrite interposes a node (typically a layout conversion) in front of an
// output.
func (g *Graph) ReplaceOutput(idx int, node *Node) {
	if idx < 0 || idx >= len(g.outputs) {
		exceptions.Panicf("graph %q: ReplaceOutput(%d) out of range, graph has %d outputs", g.name, idx, len(g.outputs))
	}
	if node.graph != g {
		exceptions.Panicf("graph %q: ReplaceOutput with node of graph %q", g.name, node.graph.name)
	}
	g.outputs[idx] = node
}

// ID returns the node's creation stamp. Ids are unique within a graph for
// its whole lifetime and survive rewrites.
func (n *Node) ID() int { return n.id }

// Op returns the node's operation kind.
func (n *Node) Op() OpType { return n.opType }

// Graph the node belongs to.
func (n *Node) Graph() *Graph { return n.graph }

// Inputs returns the node's inputs. The returned slice is shared; callers
// must not modify it.
func (n *Node) Inputs() []*Node { return n.inputs }

// NumInputs returns the number of inputs of the node.
func (n *Node) NumInputs() int { return len(n.inputs) }

// Input returns the node's idx-th input.
func (n *Node) Input(idx int) *Node { return n.inputs[idx] }

// Shape of the node's value.
func (n *Node) Shape() shapes.Shape { return n.shape }

// DType of the node's value, a shortcut to Shape().DType.
func (n *Node) DType() dtypes.DType { return n.shape.DType }

// Layout annotation: the physical layout the node's value is produced in.
func (n *Node) Layout() layouts.Layout { return n.layout }

// SetLayout changes the node's layout annotation. The logical shape is
// untouched. It panics if the layout does not fit the node's rank.
func (n *Node) SetLayout(layout layouts.Layout) {
	if err := layout.Validate(n.shape.Rank()); err != nil {
		exceptions.Panicf("node %s: SetLayout: %v", n, err)
	}
	n.layout = layout
}

// Metadata returns the op metadata of the node's current op kind.
func (n *Node) Metadata() OpMetadata { return MetadataOf(n.opType) }

// IsDead reports whether the node was cut from the graph by a rewrite.
func (n *Node) IsDead() bool { return n.dead }

// MarkDead flags the node as removed. Dead nodes are dropped from the
// topological order by the next Normalize; their ids are never reused. It
// panics for bound outputs, which cannot die.
func (n *Node) MarkDead() {
	for _, out := range n.graph.outputs {
		if out == n {
			exceptions.Panicf("node %s is a bound output, cannot mark it dead", n)
		}
	}
	n.dead = true
}

// ReplaceWithConstant rewrites the node in place into a Constant literal
// holding the given tensor. The tensor's shape must match the node's: that is
// what consumers were built against. The node's layout annotation follows
// the tensor's layout, and its previous inputs are dropped.
func (n *Node) ReplaceWithConstant(value *tensors.Tensor) {
	value.AssertValid()
	if !value.Shape().Equal(n.shape) {
		exceptions.Panicf("node %s: ReplaceWithConstant with tensor of shape %s, node has shape %s",
			n, value.Shape(), n.shape)
	}
	n.opType = OpTypeConstant
	n.inputs = nil
	n.data = &nodeConstant{value: value}
	n.layout = value.Layout()
}

// ReplaceWithIdentityOf rewrites the node in place into an Identity over the
// given node, keeping its id and shape. This is how a rewrite redirects all
// consumers of this node to a replacement subtree. The replacement may have
// been created after this node; call Graph.Normalize afterwards to restore
// the topological order.
func (n *Node) ReplaceWithIdentityOf(input *Node) {
	if input == nil {
		exceptions.Panicf("node %s: ReplaceWithIdentityOf(nil)", n)
	}
	if input.graph != n.graph {
		exceptions.Panicf("node %s: ReplaceWithIdentityOf with node of a different graph", n)
	}
	if input == n {
		exceptions.Panicf("node %s: ReplaceWithIdentityOf cannot take itself as input", n)
	}
	if !input.shape.CoversBinding(n.shape) && !n.shape.CoversBinding(input.shape) {
		exceptions.Panicf("node %s: ReplaceWithIdentityOf(%s) changes the shape", n, input)
	}
	n.opType = OpTypeIdentity
	n.data = nil
	n.inputs = []*Node{input}
	n.layout = input.layout
}

// ReplaceInput swaps the node's idx-th input for the given node. Like
// RewriteOp, it may require a Normalize to restore order.
func (n *Node) ReplaceInput(idx int, input *Node) {
	if idx < 0 || idx >= len(n.inputs) {
		exceptions.Panicf("node %s: ReplaceInput(%d) out of range, node has %d inputs", n, idx, len(n.inputs))
	}
	if input.graph != n.graph {
		exceptions.Panicf("node %s: ReplaceInput with node of a different graph", n)
	}
	n.inputs[idx] = input
}

// Normalize drops dead nodes and restores the topological order of the node
// list after in-place rewrites redirected edges. The relative order of
// already-sorted nodes is kept (the sort is stable by node id). It panics if
// rewrites created a cycle.
func (g *Graph) Normalize() {
	live := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if !n.dead {
			live = append(live, n)
		}
	}

	// Kahn's algorithm, smallest-id-first so the result is deterministic.
	pending := make(map[*Node]int, len(live)) // node -> unplaced inputs
	consumers := make(map[*Node][]*Node, len(live))
	for _, n := range live {
		distinct := types.MakeSet[*Node](len(n.inputs))
		for _, input := range n.inputs {
			if input.dead {
				exceptions.Panicf("graph %q: live node %s consumes dead node %s", g.name, n, input)
			}
			if !distinct.Has(input) {
				distinct.Insert(input)
				consumers[input] = append(consumers[input], n)
			}
		}
		pending[n] = len(distinct)
	}
	ready := make([]*Node, 0, len(live))
	for _, n := range live {
		if pending[n] == 0 {
			ready = append(ready, n)
		}
	}
	sorted := make([]*Node, 0, len(live))
	for len(ready) > 0 {
		next := 0
		for idx, n := range ready {
			if n.id < ready[next].id {
				next = idx
			}
		}
		n := ready[next]
		ready[next] = ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		sorted = append(sorted, n)
		for _, consumer := range consumers[n] {
			pending[consumer]--
			if pending[consumer] == 0 {
				ready = append(ready, consumer)
			}
		}
	}
	if len(sorted) != len(live) {
		exceptions.Panicf("graph %q: rewrites created a cycle, %d of %d nodes unreachable from the inputs",
			g.name, len(live)-len(sorted), len(live))
	}
	g.nodes = sorted
}

// AssertValid panics if the graph breaks one of its invariants: topological
// node order, no dead nodes in the list, outputs bound and alive, inputs all
// from this graph.
func (g *Graph) AssertValid() {
	if g == nil {
		exceptions.Panicf("Graph is nil")
	}
	seen := types.MakeSet[*Node](len(g.nodes))
	ids := types.MakeSet[int](len(g.nodes))
	for pos, n := range g.nodes {
		if n.graph != g {
			exceptions.Panicf("graph %q: node #%d belongs to graph %q", g.name, pos, n.graph.name)
		}
		if n.dead {
			exceptions.Panicf("graph %q: dead node %s in the node list, Normalize missing", g.name, n)
		}
		if ids.Has(n.id) {
			exceptions.Panicf("graph %q: duplicated node id %d", g.name, n.id)
		}
		ids.Insert(n.id)
		for _, input := range n.inputs {
			if !seen.Has(input) {
				exceptions.Panicf("graph %q: node %s consumes %s before it appears, order broken",
					g.name, n, input)
			}
		}
		seen.Insert(n)
	}
	if g.outputs == nil {
		exceptions.Panicf("graph %q: outputs not bound, call SetOutputs", g.name)
	}
	for idx, out := range g.outputs {
		if !seen.Has(out) {
			exceptions.Panicf("graph %q: output #%d (%s) is not in the node list", g.name, idx, out)
		}
	}
}

// String lists the graph nodes, one per line.
func (g *Graph) String() string {
	if g == nil {
		return "Graph(nil)"
	}
	parts := []string{
		fmt.Sprintf("Graph %q: %d nodes, %d parameters, %d outputs",
			g.name, len(g.nodes), len(g.params), len(g.outputs)),
	}
	for pos, node := range g.nodes {
		parts = append(parts, fmt.Sprintf("\t#%d\t%s", pos, node))
	}
	return strings.Join(parts, "\n")
}

// String prints the node as "id: Op(inputs) -> shape [layout] - mem".
func (n *Node) String() (str string) {
	if n == nil {
		return "Node(nil)"
	}
	inputIDs := xslices.Map(n.inputs, func(input *Node) string {
		return fmt.Sprintf("#%d", input.id)
	})
	str = fmt.Sprintf("#%d: %s(%s) -> %s", n.id, n.opType, strings.Join(inputIDs, ", "), n.shape)
	if param, ok := n.data.(*nodeParameter); ok {
		str = fmt.Sprintf("#%d: %s[%q] -> %s", n.id, n.opType, param.name, n.shape)
	}
	if !n.layout.IsRowMajor() {
		str += fmt.Sprintf(" [%s]", n.layout)
	}
	if n.dead {
		str += " [dead]"
	}
	if n.shape.IsFullyStatic() {
		str += fmt.Sprintf(" - mem: %s", humanize.Bytes(uint64(n.shape.Memory())))
	}
	return
}
