// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"

	"github.com/cryograph/cryograph/types/layouts"
	"github.com/gomlx/exceptions"
)

// ToLayout returns this tensor's values stored under the target layout.
//
// When the tensor already conforms it returns the same handle, with no copy
// and no new storage: callers can rely on this being free. Otherwise it
// returns a fresh tensor (new storage) with the elements rearranged.
func (t *Tensor) ToLayout(target layouts.Layout) *Tensor {
	t.AssertValid()
	if err := target.Validate(t.shape.Rank()); err != nil {
		exceptions.Panicf("Tensor.ToLayout(%s): %v", target, err)
	}
	if t.layout.Equal(target) {
		return t
	}
	out := FromShapeAndLayout(t.shape, target)
	srcStrides := t.layout.Strides(t.shape.Dimensions)
	dstStrides := target.Strides(t.shape.Dimensions)
	elemSize := int(t.shape.DType.Memory())
	t.MustConstFlatData(func(srcFlat any) {
		out.MustMutableFlatData(func(dstFlat any) {
			copyReorderBytes(bytesOf(dstFlat), bytesOf(srcFlat),
				t.shape.Dimensions, dstStrides, srcStrides, elemSize)
		})
	})
	return out
}

// rowMajorFlatCopy returns a copy of the tensor's values as a flat slice in
// logical (row-major) order, whatever the physical layout.
func (t *Tensor) rowMajorFlatCopy() any {
	size := t.shape.Size()
	flatCopyV := reflect.MakeSlice(reflect.SliceOf(t.shape.DType.GoType()), size, size)
	flatCopy := flatCopyV.Interface()
	if t.layout.IsRowMajor() {
		t.MustConstFlatData(func(flat any) {
			reflect.Copy(flatCopyV, reflect.ValueOf(flat))
		})
		return flatCopy
	}
	srcStrides := t.layout.Strides(t.shape.Dimensions)
	dstStrides := layouts.RowMajor(t.shape.Rank()).Strides(t.shape.Dimensions)
	elemSize := int(t.shape.DType.Memory())
	t.MustConstFlatData(func(flat any) {
		copyReorderBytes(bytesOf(flatCopy), bytesOf(flat),
			t.shape.Dimensions, dstStrides, srcStrides, elemSize)
	})
	return flatCopy
}

// copyReorderBytes copies every element of a tensor with the given logical
// dimensions from src to dst, where the two buffers are laid out with the
// given element strides. It walks the logical index space once, keeping the
// source and destination flat positions incrementally updated.
func copyReorderBytes(dst, src []byte, dimensions []int, dstStrides, srcStrides []int, elemSize int) {
	rank := len(dimensions)
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	indices := make([]int, rank)
	srcPos, dstPos := 0, 0
	for count := 0; count < size; count++ {
		copy(dst[dstPos*elemSize:(dstPos+1)*elemSize], src[srcPos*elemSize:(srcPos+1)*elemSize])
		for axis := rank - 1; axis >= 0; axis-- {
			indices[axis]++
			srcPos += srcStrides[axis]
			dstPos += dstStrides[axis]
			if indices[axis] < dimensions[axis] {
				break
			}
			indices[axis] = 0
			srcPos -= srcStrides[axis] * dimensions[axis]
			dstPos -= dstStrides[axis] * dimensions[axis]
		}
	}
}
