// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	"github.com/cryograph/cryograph/types/layouts"
	"github.com/cryograph/cryograph/types/shapes"
	"github.com/cryograph/cryograph/types/tensors"
	"github.com/cryograph/cryograph/types/xslices"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// nodeParameter is the payload of OpTypeParameter nodes.
type nodeParameter struct {
	name string

	// index into Graph.Parameters(), also the position of the
	// corresponding input at execution time.
	index int
}

// nodeConstant is the payload of OpTypeConstant nodes.
type nodeConstant struct {
	value *tensors.Tensor
}

// nodeSlice is the payload of OpTypeSlice nodes.
type nodeSlice struct {
	starts, limits []int
}

// nodeConv2D is the payload of OpTypeConv2D nodes. Strides and paddings are
// given per spatial axis (height, width); paddings are symmetric.
type nodeConv2D struct {
	strides  [2]int
	paddings [2]int
}

// nodeBatchNorm is the payload of OpTypeBatchNormInference nodes.
type nodeBatchNorm struct {
	epsilon float64
}

// nodeShapeDim is the payload of OpTypeShapeDim nodes. The axis is already
// normalized to be non-negative.
type nodeShapeDim struct {
	axis int
}

func nodeDataOf[T any](n *Node, opType OpType) T {
	if n.opType != opType {
		exceptions.Panicf("node %s is a %s, not a %s", n, n.opType, opType)
	}
	return n.data.(T)
}

// ParameterName returns the declared name of a Parameter node. It panics for
// other op kinds.
func (n *Node) ParameterName() string {
	return nodeDataOf[*nodeParameter](n, OpTypeParameter).name
}

// ParameterIndex returns the position of a Parameter node in
// Graph.Parameters(), which is also the position of the corresponding input
// at execution time. It panics for other op kinds.
func (n *Node) ParameterIndex() int {
	return nodeDataOf[*nodeParameter](n, OpTypeParameter).index
}

// ConstantValue returns the tensor literal of a Constant node. The tensor is
// shared, do not mutate it. It panics for other op kinds.
func (n *Node) ConstantValue() *tensors.Tensor {
	return nodeDataOf[*nodeConstant](n, OpTypeConstant).value
}

// SliceBounds returns the start (inclusive) and limit (exclusive) indices of
// a Slice node, one per axis. The slices are shared, do not modify them. It
// panics for other op kinds.
func (n *Node) SliceBounds() (starts, limits []int) {
	data := nodeDataOf[*nodeSlice](n, OpTypeSlice)
	return data.starts, data.limits
}

// ConvStrides returns the (height, width) strides of a Conv2D node. It
// panics for other op kinds.
func (n *Node) ConvStrides() [2]int {
	return nodeDataOf[*nodeConv2D](n, OpTypeConv2D).strides
}

// ConvPaddings returns the symmetric (height, width) paddings of a Conv2D
// node. It panics for other op kinds.
func (n *Node) ConvPaddings() [2]int {
	return nodeDataOf[*nodeConv2D](n, OpTypeConv2D).paddings
}

// BatchNormEpsilon returns the epsilon of a BatchNormInference node. It
// panics for other op kinds.
func (n *Node) BatchNormEpsilon() float64 {
	return nodeDataOf[*nodeBatchNorm](n, OpTypeBatchNormInference).epsilon
}

// ShapeDimAxis returns the queried axis of a ShapeDim node, already
// normalized to be non-negative. It panics for other op kinds.
func (n *Node) ShapeDimAxis() int {
	return nodeDataOf[*nodeShapeDim](n, OpTypeShapeDim).axis
}

// validateGraphFromInputs checks that all inputs belong to the same graph
// and are alive, and returns that graph. It panics otherwise.
func validateGraphFromInputs(opType OpType, inputs ...*Node) (g *Graph) {
	if len(inputs) == 0 {
		exceptions.Panicf("%s: no input nodes provided, at least one is required", opType)
	}
	for ii, n := range inputs {
		if n == nil {
			exceptions.Panicf("%s: input[%d] is nil", opType, ii)
		}
		if n.dead {
			exceptions.Panicf("%s: input[%d] (%s) is dead", opType, ii, n)
		}
		if g == nil {
			g = n.graph
		} else if n.graph != g {
			exceptions.Panicf("%s: combining nodes from different graphs not allowed: "+
				"input[0] graph is %q, input[%d] graph is %q", opType, g.name, ii, n.graph.name)
		}
	}
	return
}

// adjustAxisToRank converts negative axes (counting from the end) to
// non-negative ones, and panics if the axis is out of range.
func adjustAxisToRank(opType OpType, axis, rank int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		exceptions.Panicf("%s: axis %d out of range for rank %d", opType, axis, rank)
	}
	return adjusted
}

// Parameter registers an input of the computation graph. At execution time
// the value fed for it must match the declared shape; axes declared with
// shapes.DynamicDim accept any size.
//
// If name is empty a name is generated from the parameter's position.
// Parameter names must be unique within a graph.
func Parameter(g *Graph, name string, shape shapes.Shape) *Node {
	if !shape.Ok() {
		exceptions.Panicf("graph %q: Parameter(%q) with an invalid shape", g.name, name)
	}
	index := len(g.params)
	if name == "" {
		name = fmt.Sprintf("parameter_#%d", index)
	}
	for _, other := range g.params {
		if other.ParameterName() == name {
			exceptions.Panicf("graph %q: parameter named %q already exists", g.name, name)
		}
	}
	n := g.newNode(OpTypeParameter, shape)
	n.data = &nodeParameter{name: name, index: index}
	g.params = append(g.params, n)
	return n
}

// Constant adds the given tensor as a literal of the graph. The tensor is
// referenced, not copied: it must not be mutated or finalized while the
// graph is alive. The node's layout annotation follows the tensor's layout.
func Constant(g *Graph, value *tensors.Tensor) *Node {
	value.AssertValid()
	n := g.newNode(OpTypeConstant, value.Shape())
	n.data = &nodeConstant{value: value}
	n.layout = value.Layout()
	return n
}

// Const adds a literal built from a Go value: a scalar, or a (multi-level)
// slice of scalars. See tensors.FromValue for the accepted types.
func Const(g *Graph, value any) *Node {
	if _, ok := value.(*Node); ok {
		exceptions.Panicf("Const(g, value) takes actual Go values, not another graph *Node -- " +
			"use the node directly instead")
	}
	return Constant(g, tensors.FromAnyValue(value))
}

// Scalar adds a scalar literal of the given dtype, converting value to it.
func Scalar(g *Graph, dtype dtypes.DType, value float64) *Node {
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("Scalar: invalid dtype")
	}
	return Const(g, shapes.CastAsDType(value, dtype))
}

// Zeros adds a zero-filled tensor of the given shape.
//
// Axes given as shapes.DynamicDim take their size at execution time from the
// dimNodes, one scalar integer node per dynamic axis, in axis order. A fully
// static shape takes no dimNodes.
func Zeros(g *Graph, shape shapes.Shape, dimNodes ...*Node) *Node {
	if !shape.Ok() {
		exceptions.Panicf("graph %q: Zeros with an invalid shape", g.name)
	}
	numDynamic := 0
	for axis := range shape.Rank() {
		if shape.IsDynamicAxis(axis) {
			numDynamic++
		}
	}
	if numDynamic != len(dimNodes) {
		exceptions.Panicf("graph %q: Zeros shape %s has %d dynamic axes but %d dimension nodes given",
			g.name, shape, numDynamic, len(dimNodes))
	}
	if len(dimNodes) > 0 {
		validateGraphFromInputs(OpTypeZeros, dimNodes...)
		for ii, dim := range dimNodes {
			if dim.graph != g {
				exceptions.Panicf("graph %q: Zeros dimension node #%d belongs to graph %q",
					g.name, ii, dim.graph.name)
			}
			if !dim.shape.IsScalar() || !dim.shape.DType.IsInt() {
				exceptions.Panicf("graph %q: Zeros dimension node #%d must be a scalar integer, got %s",
					g.name, ii, dim.shape)
			}
		}
	}
	return g.newNode(OpTypeZeros, shape, dimNodes...)
}

// RngUniform adds a tensor of the given shape filled with uniformly
// distributed random values in [0, 1). The values are drawn fresh on every
// execution: two executions of the same graph see different values.
func RngUniform(g *Graph, shape shapes.Shape) *Node {
	if !shape.Ok() || !shape.IsFullyStatic() {
		exceptions.Panicf("graph %q: RngUniform requires a fully static shape, got %s", g.name, shape)
	}
	if !shape.DType.IsFloat() {
		exceptions.Panicf("graph %q: RngUniform requires a float dtype, got %s", g.name, shape.DType)
	}
	return g.newNode(OpTypeRngUniform, shape)
}

// Identity returns a new node with the same value as x.
func Identity(x *Node) *Node {
	g := validateGraphFromInputs(OpTypeIdentity, x)
	n := g.newNode(OpTypeIdentity, x.shape, x)
	n.layout = x.layout
	return n
}

// binaryOp implements Add, Sub, Mul and Div.
func binaryOp(opType OpType, lhs, rhs *Node) *Node {
	g := validateGraphFromInputs(opType, lhs, rhs)
	shape := broadcastBinaryShape(opType, lhs.shape, rhs.shape)
	return g.newNode(opType, shape, lhs, rhs)
}

// broadcastBinaryShape returns the output shape of a binary elementwise op.
//
// Both operands must have the same dtype. A scalar operand broadcasts
// against anything; otherwise the ranks must match and each axis must have
// equal sizes or a size of 1, which is broadcast to the other side. Dynamic
// axes resolve at execution time; paired with a static size other than 1 the
// result is that static size.
func broadcastBinaryShape(opType OpType, lhs, rhs shapes.Shape) shapes.Shape {
	if lhs.DType != rhs.DType {
		exceptions.Panicf("%s: operands must have the same dtype, got %s and %s", opType, lhs, rhs)
	}
	if lhs.IsScalar() {
		return rhs.Clone()
	}
	if rhs.IsScalar() {
		return lhs.Clone()
	}
	if lhs.Rank() != rhs.Rank() {
		exceptions.Panicf("%s: operands must have the same rank (or be scalars), got %s and %s",
			opType, lhs, rhs)
	}
	dims := make([]int, lhs.Rank())
	for axis := range dims {
		lhsDim, rhsDim := lhs.Dimensions[axis], rhs.Dimensions[axis]
		switch {
		case lhsDim == rhsDim:
			dims[axis] = lhsDim
		case lhsDim == 1:
			dims[axis] = rhsDim
		case rhsDim == 1:
			dims[axis] = lhsDim
		case lhsDim == shapes.DynamicDim:
			dims[axis] = rhsDim
		case rhsDim == shapes.DynamicDim:
			dims[axis] = lhsDim
		default:
			exceptions.Panicf("%s: axis %d sizes %d and %d are incompatible: %s vs %s",
				opType, axis, lhsDim, rhsDim, lhs, rhs)
		}
	}
	return shapes.Shape{DType: lhs.DType, Dimensions: dims}
}

// Add returns lhs+rhs element-wise. Broadcasting rules are described in
// broadcastBinaryShape.
func Add(lhs, rhs *Node) *Node { return binaryOp(OpTypeAdd, lhs, rhs) }

// Sub returns lhs-rhs element-wise.
func Sub(lhs, rhs *Node) *Node { return binaryOp(OpTypeSub, lhs, rhs) }

// Mul returns lhs*rhs element-wise.
func Mul(lhs, rhs *Node) *Node { return binaryOp(OpTypeMul, lhs, rhs) }

// Div returns lhs/rhs element-wise.
func Div(lhs, rhs *Node) *Node { return binaryOp(OpTypeDiv, lhs, rhs) }

// Neg returns -x element-wise.
func Neg(x *Node) *Node {
	g := validateGraphFromInputs(OpTypeNeg, x)
	if x.DType() == dtypes.Bool {
		exceptions.Panicf("Neg: not defined for booleans")
	}
	n := g.newNode(OpTypeNeg, x.shape, x)
	n.layout = x.layout
	return n
}

// floatUnaryOp implements Cos and Sqrt.
func floatUnaryOp(opType OpType, x *Node) *Node {
	g := validateGraphFromInputs(opType, x)
	if !x.DType().IsFloat() {
		exceptions.Panicf("%s: requires a float dtype, got %s", opType, x.DType())
	}
	n := g.newNode(opType, x.shape, x)
	n.layout = x.layout
	return n
}

// Cos returns cos(x) element-wise. x must be float.
func Cos(x *Node) *Node { return floatUnaryOp(OpTypeCos, x) }

// Sqrt returns sqrt(x) element-wise. x must be float.
func Sqrt(x *Node) *Node { return floatUnaryOp(OpTypeSqrt, x) }

// ConvertDType converts x to the given dtype. If x already has that dtype,
// x itself is returned.
func ConvertDType(x *Node, dtype dtypes.DType) *Node {
	g := validateGraphFromInputs(OpTypeConvertDType, x)
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("ConvertDType: invalid target dtype")
	}
	if dtype == x.DType() {
		return x
	}
	shape := x.shape.Clone()
	shape.DType = dtype
	n := g.newNode(OpTypeConvertDType, shape, x)
	n.layout = x.layout
	return n
}

// Reshape reinterprets x with new dimensions. The total size must not
// change, and x must have a fully static shape.
func Reshape(x *Node, dimensions ...int) *Node {
	g := validateGraphFromInputs(OpTypeReshape, x)
	if !x.shape.IsFullyStatic() {
		exceptions.Panicf("Reshape: input shape %s has dynamic axes", x.shape)
	}
	shape := shapes.Make(x.DType(), dimensions...)
	if shape.Size() != x.shape.Size() {
		exceptions.Panicf("Reshape: shapes %s and %s have different total sizes (%d to %d)",
			x.shape, shape, x.shape.Size(), shape.Size())
	}
	return g.newNode(OpTypeReshape, shape, x)
}

// Slice extracts a contiguous window of x: axis by axis, the elements in
// [starts[axis], limits[axis]). The result aliases x's buffer at execution
// time, it is a view, not a copy. x must have a fully static shape.
func Slice(x *Node, starts, limits []int) *Node {
	g := validateGraphFromInputs(OpTypeSlice, x)
	rank := x.shape.Rank()
	if len(starts) != rank || len(limits) != rank {
		exceptions.Panicf("Slice: starts and limits must have one entry per axis, got %d and %d for rank %d",
			len(starts), len(limits), rank)
	}
	if !x.shape.IsFullyStatic() {
		exceptions.Panicf("Slice: input shape %s has dynamic axes", x.shape)
	}
	dims := make([]int, rank)
	for axis := range dims {
		start, limit, dim := starts[axis], limits[axis], x.shape.Dimensions[axis]
		if start < 0 || start >= limit || limit > dim {
			exceptions.Panicf("Slice: axis %d window [%d, %d) out of range for size %d",
				axis, start, limit, dim)
		}
		dims[axis] = limit - start
	}
	n := g.newNode(OpTypeSlice, shapes.Make(x.DType(), dims...), x)
	n.data = &nodeSlice{starts: xslices.Copy(starts), limits: xslices.Copy(limits)}
	return n
}

// Conv2D adds a 2D convolution of x by the kernel weights.
//
// x is shaped [batch, inChannels, height, width]; batch, height and width
// may be dynamic. weights is shaped [outChannels, inChannels, kernelHeight,
// kernelWidth] and must be fully static. Strides and paddings are per
// spatial axis (height, width); paddings are symmetric. There is no bias:
// compose with Add for that.
func Conv2D(x, weights *Node, strides, paddings [2]int) *Node {
	g := validateGraphFromInputs(OpTypeConv2D, x, weights)
	if x.shape.Rank() != 4 || weights.shape.Rank() != 4 {
		exceptions.Panicf("Conv2D: x and weights must be rank-4, got %s and %s", x.shape, weights.shape)
	}
	if !weights.shape.IsFullyStatic() {
		exceptions.Panicf("Conv2D: weights shape %s has dynamic axes", weights.shape)
	}
	if x.DType() != weights.DType() || !x.DType().IsFloat() {
		exceptions.Panicf("Conv2D: x and weights must share a float dtype, got %s and %s",
			x.DType(), weights.DType())
	}
	inChannels := weights.shape.Dimensions[1]
	if x.shape.Dimensions[1] != inChannels {
		exceptions.Panicf("Conv2D: x has %d channels, weights expect %d: %s vs %s",
			x.shape.Dimensions[1], inChannels, x.shape, weights.shape)
	}
	for axis, stride := range strides {
		if stride < 1 {
			exceptions.Panicf("Conv2D: stride for spatial axis %d must be >= 1, got %d", axis, stride)
		}
	}
	for axis, pad := range paddings {
		if pad < 0 {
			exceptions.Panicf("Conv2D: padding for spatial axis %d must be >= 0, got %d", axis, pad)
		}
	}
	outChannels := weights.shape.Dimensions[0]
	dims := []int{x.shape.Dimensions[0], outChannels, 0, 0}
	for spatial := range 2 {
		inSize := x.shape.Dimensions[2+spatial]
		kernel := weights.shape.Dimensions[2+spatial]
		if inSize == shapes.DynamicDim {
			dims[2+spatial] = shapes.DynamicDim
			continue
		}
		padded := inSize + 2*paddings[spatial]
		if padded < kernel {
			exceptions.Panicf("Conv2D: spatial axis %d too small: size %d with padding %d against kernel %d",
				spatial, inSize, paddings[spatial], kernel)
		}
		dims[2+spatial] = (padded-kernel)/strides[spatial] + 1
	}
	n := g.newNode(OpTypeConv2D, shapes.Shape{DType: x.DType(), Dimensions: dims}, x, weights)
	n.data = &nodeConv2D{strides: strides, paddings: paddings}
	n.layout = layouts.ChannelsLast(4)
	return n
}

// BatchNormInference normalizes x per channel with precomputed statistics:
//
//	(x - mean) / sqrt(variance+epsilon) * scale + offset
//
// x is shaped [batch, channels, ...]; scale, offset, mean and variance are
// rank-1 of size channels, with x's dtype.
func BatchNormInference(x, scale, offset, mean, variance *Node, epsilon float64) *Node {
	g := validateGraphFromInputs(OpTypeBatchNormInference, x, scale, offset, mean, variance)
	if x.shape.Rank() < 2 {
		exceptions.Panicf("BatchNormInference: x must have at least a batch and a channels axis, got %s", x.shape)
	}
	if !x.DType().IsFloat() {
		exceptions.Panicf("BatchNormInference: requires a float dtype, got %s", x.DType())
	}
	channels := x.shape.Dimensions[1]
	if channels == shapes.DynamicDim {
		exceptions.Panicf("BatchNormInference: channels axis of %s cannot be dynamic", x.shape)
	}
	for ii, stat := range []*Node{scale, offset, mean, variance} {
		names := []string{"scale", "offset", "mean", "variance"}
		if err := stat.shape.Check(x.DType(), channels); err != nil {
			exceptions.Panicf("BatchNormInference: %s must be shaped [%d] with dtype %s: %v",
				names[ii], channels, x.DType(), err)
		}
	}
	if epsilon <= 0 {
		exceptions.Panicf("BatchNormInference: epsilon must be > 0, got %g", epsilon)
	}
	n := g.newNode(OpTypeBatchNormInference, x.shape, x, scale, offset, mean, variance)
	n.data = &nodeBatchNorm{epsilon: epsilon}
	n.layout = x.layout
	return n
}

// ShapeDim returns the size of one axis of x as a scalar Int64 node.
// Negative axes count from the end. For static axes the value is known at
// build time; for dynamic axes it is resolved at execution time.
func ShapeDim(x *Node, axis int) *Node {
	g := validateGraphFromInputs(OpTypeShapeDim, x)
	adjusted := adjustAxisToRank(OpTypeShapeDim, axis, x.shape.Rank())
	n := g.newNode(OpTypeShapeDim, shapes.Scalar(dtypes.Int64), x)
	n.data = &nodeShapeDim{axis: adjusted}
	return n
}

// AssignAdd accumulates delta into the parameter target, in place: after
// execution the buffer fed for target holds target+delta. The returned node
// carries the updated value and aliases the parameter's buffer. Only
// Parameter nodes can be mutation targets.
func AssignAdd(target, delta *Node) *Node {
	g := validateGraphFromInputs(OpTypeAssignAdd, target, delta)
	if target.opType != OpTypeParameter {
		exceptions.Panicf("AssignAdd: target must be a Parameter node, got %s", target)
	}
	if !target.shape.Equal(delta.shape) && !target.shape.CoversBinding(delta.shape) {
		exceptions.Panicf("AssignAdd: target and delta shapes must match, got %s and %s",
			target.shape, delta.shape)
	}
	return g.newNode(OpTypeAssignAdd, target.shape, target, delta)
}

// LayoutConvert re-materializes x in the given physical layout. The logical
// value is unchanged. If x already carries that layout, x itself is
// returned: converting to the layout a value is already in costs nothing.
func LayoutConvert(x *Node, layout layouts.Layout) *Node {
	g := validateGraphFromInputs(OpTypeLayoutConvert, x)
	if err := layout.Validate(x.shape.Rank()); err != nil {
		exceptions.Panicf("LayoutConvert: %v", err)
	}
	if layout.Equal(x.layout) {
		return x
	}
	n := g.newNode(OpTypeLayoutConvert, x.shape, x)
	n.layout = layout.Clone()
	return n
}
