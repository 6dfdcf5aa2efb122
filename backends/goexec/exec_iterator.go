// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package goexec

import (
	"github.com/cryograph/cryograph/types/shapes"
	"github.com/cryograph/cryograph/types/tensors"
	"github.com/pkg/errors"
)

// PODNumericConstraints are the native Go numeric types kernels specialize
// on. Float16 and BFloat16 are handled by dedicated paths that bridge
// through float32.
type PODNumericConstraints interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

// PODFloatConstraints are the native Go floating point types.
type PODFloatConstraints interface {
	float32 | float64
}

// constFlatDataPair hands accessFn the flat data of two operands. A node can
// consume the same value twice (e.g. Add(x, x)), in which case both operands
// resolve to one handle whose lock is not reentrant: that handle is locked
// once and its slice passed for both sides.
func constFlatDataPair[T PODNumericConstraints](a, b *tensors.Tensor, accessFn func(aFlat, bFlat []T)) {
	if a == b {
		tensors.MustConstFlatData(a, func(flat []T) { accessFn(flat, flat) })
		return
	}
	tensors.MustConstFlatData(a, func(aFlat []T) {
		tensors.MustConstFlatData(b, func(bFlat []T) { accessFn(aFlat, bFlat) })
	})
}

// constFlatDataPairAny is constFlatDataPair for the bridged half-precision
// kernels, which read through the dtype-erased accessors.
func constFlatDataPairAny(a, b *tensors.Tensor, accessFn func(aFlat, bFlat any)) {
	if a == b {
		a.MustConstFlatData(func(flat any) { accessFn(flat, flat) })
		return
	}
	a.MustConstFlatData(func(aFlat any) {
		b.MustConstFlatData(func(bFlat any) { accessFn(aFlat, bFlat) })
	})
}

// mutableWithConstFlatData locks target for writing and other for reading,
// collapsing to a single locked access when they are the same handle, as in
// AssignAdd(x, x).
func mutableWithConstFlatData[T PODNumericConstraints](target, other *tensors.Tensor, accessFn func(targetFlat, otherFlat []T)) {
	if target == other {
		tensors.MustMutableFlatData(target, func(flat []T) { accessFn(flat, flat) })
		return
	}
	tensors.MustMutableFlatData(target, func(targetFlat []T) {
		tensors.MustConstFlatData(other, func(otherFlat []T) {
			accessFn(targetFlat, otherFlat)
		})
	})
}

// mutableWithConstFlatDataAny is mutableWithConstFlatData for the bridged
// half-precision kernels.
func mutableWithConstFlatDataAny(target, other *tensors.Tensor, accessFn func(targetFlat, otherFlat any)) {
	if target == other {
		target.MustMutableFlatData(func(flat any) { accessFn(flat, flat) })
		return
	}
	target.MustMutableFlatData(func(targetFlat any) {
		other.MustConstFlatData(func(otherFlat any) {
			accessFn(targetFlat, otherFlat)
		})
	})
}

// layoutIterator yields the physical flat index of one tensor while the
// logical coordinates advance in row-major order over a broadcast target
// space. Axes where the tensor has size 1 but the target is larger get a
// zero stride, repeating the same elements; a scalar tensor repeats its
// single element everywhere.
type layoutIterator struct {
	dims    []int
	coords  []int
	strides []int
	offset  int
}

func newLayoutIterator(logicalDims []int, t *tensors.Tensor) *layoutIterator {
	rank := len(logicalDims)
	it := &layoutIterator{
		dims:    logicalDims,
		coords:  make([]int, rank),
		strides: make([]int, rank),
	}
	if t.Rank() == 0 {
		return it
	}
	physStrides := t.LayoutStrides()
	tensorDims := t.Shape().Dimensions
	for axis := range rank {
		if tensorDims[axis] == 1 && logicalDims[axis] > 1 {
			continue // broadcast axis, stride stays 0
		}
		it.strides[axis] = physStrides[axis]
	}
	return it
}

// Next returns the current physical index and advances one logical step.
func (it *layoutIterator) Next() (flatIdx int) {
	flatIdx = it.offset
	for axis := len(it.dims) - 1; axis >= 0; axis-- {
		it.coords[axis]++
		it.offset += it.strides[axis]
		if it.coords[axis] < it.dims[axis] {
			return
		}
		it.coords[axis] = 0
		it.offset -= it.strides[axis] * it.dims[axis]
	}
	return
}

// elementwiseFastPath reports whether the operands can be walked as plain
// flat slices: same concrete dimensions, no broadcasting, and row-major
// physical order on every side.
func elementwiseFastPath(outShape shapes.Shape, operands ...*tensors.Tensor) bool {
	for _, operand := range operands {
		if !operand.Layout().IsRowMajor() {
			return false
		}
		if !operand.Shape().EqualDimensions(outShape) {
			return false
		}
	}
	return true
}

// runtimeBroadcastShape resolves the concrete output shape of a binary op
// from the concrete input shapes, applying the same scalar and size-1
// broadcast rules the graph builder uses. Inputs fed for dynamic axes can
// genuinely mismatch at this point, so violations are errors, not bugs.
func runtimeBroadcastShape(lhs, rhs shapes.Shape) (shapes.Shape, error) {
	if lhs.IsScalar() {
		return rhs.Clone(), nil
	}
	if rhs.IsScalar() {
		return lhs.Clone(), nil
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
		default:
			return shapes.Invalid(), errors.Errorf(
				"shapes %s and %s are incompatible on axis %d", lhs, rhs, axis)
		}
	}
	return shapes.Shape{DType: lhs.DType, Dimensions: dims}, nil
}
