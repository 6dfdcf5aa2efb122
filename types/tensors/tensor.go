// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements Tensor, a multidimensional array with an
// explicit physical layout, backed by reference-counted Storage.
//
// A Tensor is a handle: shape, layout and a window (offset, size) into a
// Storage buffer. Several handles may share one Storage -- a slice view of a
// parameter is the common case -- and the buffer is only freed when the last
// handle is finalized. Whether a given Storage is still allocated can be
// asked with StorageLive, which is how parameter-deallocation guarantees are
// checked.
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): zero-initialized tensor of the given
//     shape, row-major.
//
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int):
//     tensor of the given dimensions with every element set to value.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int):
//     tensor of the given dimensions with the flat (row-major) values copied
//     from data. Example:
//
//     t := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2) // [[1,2], [3,4]]
//
//   - FromValue[S MultiDimensionSlice](value S): conversion from a scalar or
//     any regular multidimensional slice, e.g.
//     FromValue([][]float32{{1, 2}, {3, 5}, {7, 11}}).
//
// The layout of a tensor never changes the logical shape: operations address
// elements by logical indices regardless of the physical order. ToLayout
// converts between layouts and is a no-op (returning the same handle) when
// the tensor already conforms.
package tensors

import (
	"fmt"
	"sync"

	"github.com/cryograph/cryograph/types/layouts"
	"github.com/cryograph/cryograph/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Tensor is a handle to a window of a Storage buffer, interpreted under a
// shape and a physical layout.
//
// Handles are cheap; the buffer is shared and refcounted. See the package
// documentation for construction options.
type Tensor struct {
	shape  shapes.Shape
	layout layouts.Layout

	// mu guards storage (nil once finalized). Shape and layout are
	// immutable for the lifetime of the handle.
	mu      sync.Mutex
	storage *Storage

	// offset is the element offset of this handle's window into storage.
	// Windows are always contiguous: they span offset to offset+Size().
	offset int
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// FromShape returns a zero-initialized row-major tensor of the given shape.
//
// It panics for invalid or dynamic shapes: concrete tensors always have every
// axis bound.
func FromShape(shape shapes.Shape) *Tensor {
	return FromShapeAndLayout(shape, layouts.RowMajor(shape.Rank()))
}

// FromShapeAndLayout returns a zero-initialized tensor of the given shape
// stored under the given layout.
func FromShapeAndLayout(shape shapes.Shape, layout layouts.Layout) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShapeAndLayout: invalid shape")
	}
	if !shape.IsFullyStatic() {
		exceptions.Panicf("tensors.FromShapeAndLayout: shape %s has dynamic axes, tensors must be concrete", shape)
	}
	if err := layout.Validate(shape.Rank()); err != nil {
		exceptions.Panicf("tensors.FromShapeAndLayout(%s): %v", shape, err)
	}
	return &Tensor{
		shape:   shape.Clone(),
		layout:  layout.Clone(),
		storage: newStorage(shape.DType, shape.Size()),
	}
}

// fromStorage builds a handle around an existing storage without acquiring a
// new reference: the caller transfers its reference to the new handle.
func fromStorage(shape shapes.Shape, layout layouts.Layout, storage *Storage, offset int) *Tensor {
	return &Tensor{
		shape:   shape,
		layout:  layout,
		storage: storage,
		offset:  offset,
	}
}

// Shape of the tensor, including its DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.shape.DType
}

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes of the tensor's window.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Layout returns the physical layout of the tensor.
func (t *Tensor) Layout() layouts.Layout { return t.layout }

// LayoutStrides returns the element stride of each logical axis under the
// tensor's layout. Handy when addressing the flat data directly.
func (t *Tensor) LayoutStrides() []int {
	return t.layout.Strides(t.shape.Dimensions)
}

// StorageID returns the id of the backing storage. The id remains queryable
// with StorageLive after the tensor is finalized.
func (t *Tensor) StorageID() StorageID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.storage == nil {
		return 0
	}
	return t.storage.id
}

// IsAliasOf reports whether the two handles share the same backing storage.
func (t *Tensor) IsAliasOf(other *Tensor) bool {
	if t == nil || other == nil {
		return false
	}
	t.mu.Lock()
	ts := t.storage
	t.mu.Unlock()
	other.mu.Lock()
	os := other.storage
	other.mu.Unlock()
	return ts != nil && ts == os
}

// IsView reports whether the handle covers only part of its storage.
func (t *Tensor) IsView() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.storage != nil && (t.offset != 0 || t.shape.Size() != t.storage.size)
}

// Ok returns whether the Tensor is in a valid state: not nil and not yet
// finalized.
func (t *Tensor) Ok() bool {
	if t == nil || !t.shape.Ok() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.storage != nil
}

// CheckValid returns an error if the tensor is nil, finalized or malformed.
func (t *Tensor) CheckValid() error {
	if t == nil {
		return errors.New("Tensor is nil")
	}
	if !t.shape.Ok() {
		return errors.New("Tensor shape is invalid")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lockedCheckValid()
}

func (t *Tensor) lockedCheckValid() error {
	if t.storage == nil {
		return errors.New("Tensor was finalized, its storage was released")
	}
	if t.storage.flat == nil {
		return errors.Errorf("Tensor's storage #%d was freed while the handle still held a reference", t.storage.id)
	}
	return nil
}

// AssertValid panics if the tensor is nil, finalized or malformed.
func (t *Tensor) AssertValid() {
	if err := t.CheckValid(); err != nil {
		panic(err)
	}
}

// View returns a new handle onto a contiguous window of the tensor's storage,
// reinterpreted under the given shape. offset is in elements, relative to
// this tensor's own window. The view shares (and keeps alive) the storage.
//
// Views require a row-major base: a window of a channels-last buffer is not a
// logically contiguous region.
func (t *Tensor) View(shape shapes.Shape, offset int) *Tensor {
	t.AssertValid()
	if !t.layout.IsRowMajor() {
		exceptions.Panicf("Tensor.View: base tensor has layout %s, views require row-major", t.layout)
	}
	if shape.DType != t.shape.DType {
		exceptions.Panicf("Tensor.View: view dtype %s differs from base dtype %s", shape.DType, t.shape.DType)
	}
	if offset < 0 || offset+shape.Size() > t.shape.Size() {
		exceptions.Panicf("Tensor.View: window [%d, %d) out of bounds of base with %d elements",
			offset, offset+shape.Size(), t.shape.Size())
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.storage.acquire()
	return fromStorage(shape.Clone(), layouts.RowMajor(shape.Rank()), t.storage, t.offset+offset)
}

// Share returns a second handle to the same window, acquiring one more
// storage reference. Finalizing one handle does not invalidate the other.
func (t *Tensor) Share() *Tensor {
	t.AssertValid()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.storage.acquire()
	return fromStorage(t.shape.Clone(), t.layout.Clone(), t.storage, t.offset)
}

// Finalize releases this handle's storage reference and leaves the handle
// invalid. The buffer itself is freed only when the last handle sharing it is
// finalized. Calling Finalize again is a no-op.
func (t *Tensor) Finalize() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.storage == nil {
		return
	}
	t.storage.release()
	t.storage = nil
}

// String prints the shape, layout and storage state of the tensor, without
// its values. Use Value to inspect contents.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.storage == nil {
		return fmt.Sprintf("Tensor(%s, finalized)", t.shape)
	}
	if t.layout.IsRowMajor() {
		return fmt.Sprintf("Tensor(%s)", t.shape)
	}
	return fmt.Sprintf("Tensor(%s, %s)", t.shape, t.layout)
}
