// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and associated tools.
//
// Shape represents the data type and dimensions of either a concrete tensor or the
// expected value of a node in a computation graph. The DType enumeration (the type of
// the unit element of a tensor) is defined in github.com/gomlx/gopjrt/dtypes; float16
// support uses github.com/x448/float16 and bfloat16 the implementation in
// github.com/gomlx/gopjrt/dtypes/bfloat16.
//
// A dimension may be set to DynamicDim (-1) when a graph is captured
// shape-polymorphic on that axis: the concrete value is only known per invocation.
// Most size/memory queries require a fully static shape and panic otherwise -- use
// Shape.IsFullyStatic to check first.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: the index of a dimension. Negative values count from the end.
//   - Dimension: the size of a tensor along one axis.
//   - DType: the data type of the unit element in a tensor.
//   - Scalar: a shape with no axes, a single value of the associated DType.
package shapes

import (
	"encoding/gob"
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DynamicDim marks an axis whose dimension is bound per invocation instead of at
// capture time.
const DynamicDim = -1

// Shape represents the shape of either a concrete tensor or the expected value of a
// computation graph node.
//
// Use Make to create a new shape. See the package documentation for the meaning of
// DynamicDim dimensions.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
// Dimensions must be positive or DynamicDim.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim <= 0 && dim != DynamicDim {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Scalar returns a scalar Shape for the given DType.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// IsFullyStatic returns whether every dimension is concrete (no DynamicDim axes).
func (s Shape) IsFullyStatic() bool {
	return !slices.Contains(s.Dimensions, DynamicDim)
}

// IsDynamicAxis returns whether the given axis was marked dynamic.
// Like Dim, axis can take negative values to count from the end.
func (s Shape) IsDynamicAxis(axis int) bool {
	return s.Dim(axis) == DynamicDim
}

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType needed for this shape, the product of
// all dimensions. It panics if the shape still has dynamic axes.
func (s Shape) Size() (size int) {
	if !s.IsFullyStatic() {
		exceptions.Panicf("Shape.Size() of dynamic shape %s is undefined until the dynamic axes are bound", s)
	}
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the bytes needed to store a tensor of the given shape.
// It panics for dynamic shapes, like Size.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
// DynamicDim axes only match DynamicDim axes.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares two shapes for equality of dimensions. DTypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// CoversBinding returns whether a concrete shape s2 is a valid per-invocation binding
// of s: same dtype and rank, and every static axis matches exactly. Dynamic axes of s
// accept any positive dimension.
func (s Shape) CoversBinding(s2 Shape) bool {
	if s.DType != s2.DType || s.Rank() != s2.Rank() {
		return false
	}
	for axis, dim := range s.Dimensions {
		if dim == DynamicDim {
			if s2.Dimensions[axis] <= 0 {
				return false
			}
			continue
		}
		if dim != s2.Dimensions[axis] {
			return false
		}
	}
	return true
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}

// GobSerialize shape in binary format.
func (s Shape) GobSerialize(encoder *gob.Encoder) (err error) {
	enc := func(e any) {
		if err != nil {
			return
		}
		err = encoder.Encode(e)
		if err != nil {
			err = errors.Wrapf(err, "failed to serialize Shape %s", s)
		}
	}
	enc(s.DType)
	enc(s.Dimensions)
	return
}

// GobDeserialize a Shape. Returns new Shape or an error.
func GobDeserialize(decoder *gob.Decoder) (s Shape, err error) {
	dec := func(data any) {
		if err != nil {
			return
		}
		err = decoder.Decode(data)
		if err != nil {
			err = errors.Wrapf(err, "failed to deserialize Shape")
		}
	}
	dec(&s.DType)
	dec(&s.Dimensions)
	return
}

// HasShape is an interface for objects that have an associated Shape. Notably tensors
// and computation graph nodes implement it.
type HasShape interface {
	Shape() Shape
}
