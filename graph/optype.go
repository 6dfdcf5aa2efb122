// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package graph

// OpType is the closed enum of operations a Node can carry. Backends compile
// exactly this set; the freezing pass consults MetadataOf to learn how each
// op behaves with respect to folding, layouts, mutation and randomness.
type OpType int

//go:generate go tool enumer -type=OpType -trimprefix=OpType -output=gen_optype_enumer.go optype.go

const (
	OpTypeInvalid OpType = iota
	OpTypeParameter
	OpTypeConstant
	OpTypeIdentity
	OpTypeAdd
	OpTypeSub
	OpTypeMul
	OpTypeDiv
	OpTypeNeg
	OpTypeCos
	OpTypeSqrt
	OpTypeConvertDType
	OpTypeReshape
	OpTypeSlice
	OpTypeConv2D
	OpTypeBatchNormInference
	OpTypeZeros
	OpTypeShapeDim
	OpTypeRngUniform
	OpTypeAssignAdd
	OpTypeLayoutConvert

	// OpTypeLast is not an op, it marks the end of the enum.
	OpTypeLast
)

// LayoutConstraint describes what physical layout an op requires of one of
// its inputs, or prefers for its output.
type LayoutConstraint uint8

const (
	// LayoutAny means the op is layout-agnostic: its kernels address
	// elements through strides and accept whatever layout the producer
	// chose.
	LayoutAny LayoutConstraint = iota
	// LayoutRowMajorOnly requires the default row-major order. Ops that
	// reinterpret the flat buffer (views, reshapes) need it.
	LayoutRowMajorOnly
	// LayoutChannelsLastOnly requires the channels axis minor. Convolution
	// weights are the canonical case.
	LayoutChannelsLastOnly
)

// NoMutatedOperand is the MutatesOperand value of pure ops.
const NoMutatedOperand = -1

// OpMetadata describes the freezing-relevant behavior of one op kind. The
// table is closed: every OpType has exactly one entry, and the pass never
// special-cases ops beyond what the metadata says.
type OpMetadata struct {
	// ConstFoldable ops may be evaluated at freeze time when every input
	// is a known constant. Ops that source entropy, mutate state or
	// depend on invocation-time bindings are not.
	ConstFoldable bool

	// IsRandom marks ops that draw fresh entropy per execution. Random
	// ops are never folded, even with constant inputs.
	IsRandom bool

	// MutatesOperand is the index of the input written in place, or
	// NoMutatedOperand. The output of a mutating op aliases that input.
	MutatesOperand int

	// IsShapeQuery marks ops whose value derives from an input's shape
	// rather than its data. They fold only when the queried axis is
	// static.
	IsShapeQuery bool

	// InputLayouts lists the layout constraint per input. A nil slice
	// means every input is LayoutAny. Ops with variadic inputs repeat the
	// last entry.
	InputLayouts []LayoutConstraint

	// OutputLayout is the constraint the op's own output satisfies.
	// LayoutAny outputs propagate their primary input's layout.
	OutputLayout LayoutConstraint

	// AliasesInput marks ops whose output may share storage with input 0
	// (views). They keep their operand's storage alive and are never
	// folded into literals.
	AliasesInput bool
}

// opMetadataTable is indexed by OpType. Every op kind has an explicit entry:
// the zero value would claim MutatesOperand == 0, which is wrong for pure ops.
var opMetadataTable = [OpTypeLast]OpMetadata{
	OpTypeInvalid: {ConstFoldable: false, MutatesOperand: NoMutatedOperand},
	OpTypeParameter: {
		// Parameters are graph inputs: nothing to fold, the tracker
		// decides which ones become constants.
		ConstFoldable:  false,
		MutatesOperand: NoMutatedOperand,
	},
	OpTypeConstant: {
		ConstFoldable:  true,
		MutatesOperand: NoMutatedOperand,
	},
	OpTypeIdentity: {
		// Pass-through: the output is a shared reference to the input's
		// buffer. It costs nothing at runtime, so there is nothing to
		// fold.
		ConstFoldable:  false,
		MutatesOperand: NoMutatedOperand,
		AliasesInput:   true,
	},
	OpTypeAdd:  {ConstFoldable: true, MutatesOperand: NoMutatedOperand},
	OpTypeSub:  {ConstFoldable: true, MutatesOperand: NoMutatedOperand},
	OpTypeMul:  {ConstFoldable: true, MutatesOperand: NoMutatedOperand},
	OpTypeDiv:  {ConstFoldable: true, MutatesOperand: NoMutatedOperand},
	OpTypeNeg:  {ConstFoldable: true, MutatesOperand: NoMutatedOperand},
	OpTypeCos:  {ConstFoldable: true, MutatesOperand: NoMutatedOperand},
	OpTypeSqrt: {ConstFoldable: true, MutatesOperand: NoMutatedOperand},
	OpTypeConvertDType: {
		ConstFoldable:  true,
		MutatesOperand: NoMutatedOperand,
	},
	OpTypeReshape: {
		// Reshape reinterprets the flat buffer, so it needs the
		// row-major order on both sides.
		ConstFoldable:  true,
		MutatesOperand: NoMutatedOperand,
		InputLayouts:   []LayoutConstraint{LayoutRowMajorOnly},
		OutputLayout:   LayoutRowMajorOnly,
	},
	OpTypeSlice: {
		// Slices are views: they alias their operand's storage and are
		// excluded from folding so a returned view keeps the original
		// parameter buffer alive.
		ConstFoldable:  false,
		MutatesOperand: NoMutatedOperand,
		InputLayouts:   []LayoutConstraint{LayoutRowMajorOnly},
		OutputLayout:   LayoutRowMajorOnly,
		AliasesInput:   true,
	},
	OpTypeConv2D: {
		// Activations are accepted in any layout; the weights want the
		// channels axis minor so the inner product walks contiguous
		// memory. The output comes out channels-last.
		ConstFoldable:  true,
		MutatesOperand: NoMutatedOperand,
		InputLayouts:   []LayoutConstraint{LayoutAny, LayoutChannelsLastOnly},
		OutputLayout:   LayoutChannelsLastOnly,
	},
	OpTypeBatchNormInference: {
		ConstFoldable:  true,
		MutatesOperand: NoMutatedOperand,
	},
	OpTypeZeros: {
		// Foldable only in its static form; with dimension inputs the
		// output shape is dynamic and folding is excluded by the
		// static-shape rule.
		ConstFoldable:  true,
		MutatesOperand: NoMutatedOperand,
	},
	OpTypeShapeDim: {
		ConstFoldable:  true,
		MutatesOperand: NoMutatedOperand,
		IsShapeQuery:   true,
	},
	OpTypeRngUniform: {
		ConstFoldable:  false,
		IsRandom:       true,
		MutatesOperand: NoMutatedOperand,
	},
	OpTypeAssignAdd: {
		ConstFoldable:  false,
		MutatesOperand: 0,
		AliasesInput:   true,
	},
	OpTypeLayoutConvert: {
		ConstFoldable:  true,
		MutatesOperand: NoMutatedOperand,
	},
}

// MetadataOf returns the metadata of the given op kind. It panics for values
// outside the enum.
func MetadataOf(opType OpType) OpMetadata {
	if opType <= OpTypeInvalid || opType >= OpTypeLast {
		panic("graph.MetadataOf: OpType out of range: " + opType.String())
	}
	return opMetadataTable[opType]
}

// InputLayoutOf returns the layout constraint for the op's inputIdx-th input.
// Ops with more inputs than constraint entries repeat the last entry.
func (m OpMetadata) InputLayoutOf(inputIdx int) LayoutConstraint {
	if len(m.InputLayouts) == 0 {
		return LayoutAny
	}
	if inputIdx >= len(m.InputLayouts) {
		return m.InputLayouts[len(m.InputLayouts)-1]
	}
	return m.InputLayouts[inputIdx]
}
