// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"
	"unsafe"

	"github.com/cryograph/cryograph/types/xslices"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// lockedFlatWindow returns the handle's window of the storage as a typed flat
// slice. For full-buffer handles this is the storage slice itself.
func (t *Tensor) lockedFlatWindow() any {
	if t.offset == 0 && t.shape.Size() == t.storage.size {
		return t.storage.flat
	}
	flatV := reflect.ValueOf(t.storage.flat)
	return flatV.Slice(t.offset, t.offset+t.shape.Size()).Interface()
}

// ConstFlatData calls accessFn with the tensor's data as a flat slice of the
// Go type corresponding to the DType. Even scalars have a flat representation
// of one element. The tensor is locked until accessFn returns.
//
// The slice is the actual data, not a copy, and is shared with every aliased
// handle; it must not be modified. Use MutableFlatData for writes.
//
// The flat order follows the tensor's layout. See LayoutStrides to address
// individual elements by logical indices.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.lockedCheckValid(); err != nil {
		return err
	}
	accessFn(t.lockedFlatWindow())
	return nil
}

// MustConstFlatData is ConstFlatData, panicking on invalid tensors.
func (t *Tensor) MustConstFlatData(accessFn func(flat any)) {
	must(t.ConstFlatData(accessFn))
}

// ConstFlatData is the generics version of Tensor.ConstFlatData: accessFn
// receives the data as []T. It fails if T does not match the tensor's dtype.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		return errors.Errorf("ConstFlatData[%T] is incompatible with Tensor's dtype %s -- expected dtype %s",
			v, t.shape.DType, dtypes.FromGenericsType[T]())
	}
	return t.ConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MustConstFlatData is the generics version of Tensor.MustConstFlatData.
func MustConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("MustConstFlatData[%T] is incompatible with Tensor's dtype %s -- expected dtype %s",
			v, t.shape.DType, dtypes.FromGenericsType[T]())
	}
	t.MustConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MutableFlatData calls accessFn with the tensor's data as a flat slice whose
// contents may be changed until accessFn returns. Writes are visible to every
// handle aliasing the same storage -- that is how in-place updates of a
// parameter propagate to its views.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.lockedCheckValid(); err != nil {
		return err
	}
	accessFn(t.lockedFlatWindow())
	return nil
}

// MustMutableFlatData is MutableFlatData, panicking on invalid tensors.
func (t *Tensor) MustMutableFlatData(accessFn func(flat any)) {
	must(t.MutableFlatData(accessFn))
}

// MutableFlatData is the generics version of Tensor.MutableFlatData: accessFn
// receives the data as a writable []T.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		return errors.Errorf("MutableFlatData[%T] is incompatible with Tensor's dtype %s",
			v, t.shape.DType)
	}
	return t.MutableFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MustMutableFlatData is the generics version of Tensor.MustMutableFlatData.
func MustMutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	must(MutableFlatData(t, accessFn))
}

// bytesOf reinterprets a typed flat slice as its underlying bytes.
func bytesOf(flat any) []byte {
	flatV := reflect.ValueOf(flat)
	if flatV.Len() == 0 {
		return nil
	}
	element0 := flatV.Index(0)
	flatValuesPtr := element0.Addr().UnsafePointer()
	sizeBytes := uintptr(flatV.Len()) * element0.Type().Size()
	return unsafe.Slice((*byte)(flatValuesPtr), sizeBytes)
}

// ConstBytes calls accessFn with the tensor's window as a read-only byte
// slice. It is the actual data, not a copy.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) error {
	return t.ConstFlatData(func(flat any) {
		accessFn(bytesOf(flat))
	})
}

// MutableBytes calls accessFn with the tensor's window as a writable byte
// slice. Like MutableFlatData, writes are shared with aliasing handles.
func (t *Tensor) MutableBytes(accessFn func(data []byte)) error {
	return t.MutableFlatData(func(flat any) {
		accessFn(bytesOf(flat))
	})
}

// ToScalar returns the value of a scalar Tensor. It panics if the tensor is
// not scalar or T does not match its dtype.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	t.AssertValid()
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("ToScalar[%T] is incompatible with Tensor's dtype %s", v, t.shape.DType)
	}
	if !t.shape.IsScalar() {
		var v T
		exceptions.Panicf("ToScalar[%T] requires scalar Tensor, got shape %s instead", v, t.shape)
	}
	var value T
	MustConstFlatData(t, func(flat []T) {
		value = flat[0]
	})
	return value
}

// MustCopyFlatData returns a copy of the tensor's flat data, in the tensor's
// physical order. It panics if T does not match the dtype.
func MustCopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var flatCopy []T
	MustConstFlatData(t, func(flat []T) {
		flatCopy = xslices.Copy(flat)
	})
	return flatCopy
}

// AssignFlatData copies the values of fromFlat into the tensor's storage
// window. The length must match the tensor's size exactly.
func AssignFlatData[T dtypes.Supported](toTensor *Tensor, fromFlat []T) error {
	var lenErr error
	accessErr := MutableFlatData(toTensor, func(toFlat []T) {
		if len(toFlat) != len(fromFlat) {
			var v T
			lenErr = errors.Errorf(
				"AssignFlatData[%T] is trying to store %d values into shape %s, which requires %d values",
				v, len(fromFlat), toTensor.Shape(), toTensor.Shape().Size())
			return
		}
		copy(toFlat, fromFlat)
	})
	if accessErr != nil {
		return accessErr
	}
	return lenErr
}
