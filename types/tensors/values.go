// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"reflect"

	"github.com/cryograph/cryograph/types/shapes"
	"github.com/cryograph/cryograph/types/xslices"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// FromScalar creates a scalar tensor with the given value. The DType is
// inferred from the value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled
// with the scalar value replicated everywhere. The DType is inferred from the
// value.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	t := FromShape(shape)
	MustMutableFlatData(t, func(flat []T) {
		xslices.FillSlice(flat, value)
	})
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions,
// filled with the row-major flattened values given in data, which is copied.
// The DType is inferred from the data element type.
//
// It panics if the size of data is wrong for the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	MustMutableFlatData(t, func(flat []T) {
		copy(flat, data)
	})
	return t
}

// MultiDimensionSlice lists the Go types FromValue accepts: the supported
// scalar types and regular multidimensional slices of them, up to 5 axes.
// There is no recursion in generics' constraint definitions, so each nesting
// level is spelled out.
type MultiDimensionSlice interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64 | float16.Float16 | bfloat16.BFloat16 |
		[]bool | []int8 | []int16 | []int32 | []int64 | []uint8 | []uint16 | []uint32 | []uint64 | []float32 | []float64 | []float16.Float16 | []bfloat16.BFloat16 |
		[][]bool | [][]int8 | [][]int16 | [][]int32 | [][]int64 | [][]uint8 | [][]uint16 | [][]uint32 | [][]uint64 | [][]float32 | [][]float64 | [][]float16.Float16 | [][]bfloat16.BFloat16 |
		[][][]bool | [][][]int8 | [][][]int16 | [][][]int32 | [][][]int64 | [][][]uint8 | [][][]uint16 | [][][]uint32 | [][][]uint64 | [][][]float32 | [][][]float64 | [][][]float16.Float16 | [][][]bfloat16.BFloat16 |
		[][][][]bool | [][][][]int8 | [][][][]int16 | [][][][]int32 | [][][][]int64 | [][][][]uint8 | [][][][]uint16 | [][][][]uint32 | [][][][]uint64 | [][][][]float32 | [][][][]float64 | [][][][]float16.Float16 | [][][][]bfloat16.BFloat16 |
		[][][][][]bool | [][][][][]int8 | [][][][][]int16 | [][][][][]int32 | [][][][][]int64 | [][][][][]uint8 | [][][][][]uint16 | [][][][][]uint32 | [][][][][]uint64 | [][][][][]float32 | [][][][][]float64 | [][][][][]float16.Float16 | [][][][][]bfloat16.BFloat16
}

// FromValue returns a tensor constructed from the given multidimensional
// slice (or scalar). Slices of rank > 1 must be regular: all sub-slices must
// have the same length.
//
// It panics if the shape is not regular.
//
// FromFlatDataAndDimensions is faster if speed is a concern.
func FromValue[S MultiDimensionSlice](value S) *Tensor {
	return FromAnyValue(value)
}

// FromAnyValue is a non-generic version of FromValue. If value is already a
// *Tensor it is returned unchanged.
//
// It panics with an error if the value type is unsupported or the shape is
// not regular.
func FromAnyValue(value any) *Tensor {
	if valueT, ok := value.(*Tensor); ok {
		return valueT
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.Wrapf(err, "cannot create shape from %T", value))
	}
	t := FromShape(shape)
	t.MustMutableFlatData(func(flatAny any) {
		flatV := reflect.ValueOf(flatAny)
		if shape.IsScalar() {
			flatV.Index(0).Set(reflect.ValueOf(value))
			return
		}
		copySlicesRecursively(flatV, reflect.ValueOf(value), t.LayoutStrides())
	})
	return t
}

// copySlicesRecursively copies values of a multidimensional slice to a flat
// data slice, given the strides for each axis.
func copySlicesRecursively(data reflect.Value, mdSlice reflect.Value, strides []int) {
	if len(strides) == 1 {
		reflect.Copy(data, mdSlice)
		return
	}
	numElements := mdSlice.Len()
	subStrides := strides[1:]
	for ii := 0; ii < numElements; ii++ {
		start := ii * strides[0]
		end := (ii + 1) * strides[0]
		copySlicesRecursively(data.Slice(start, end), mdSlice.Index(ii), subStrides)
	}
}

func shapeForValue(v any) (shape shapes.Shape, err error) {
	err = shapeForValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return
}

func shapeForValueRecursive(shape *shapes.Shape, v reflect.Value, t reflect.Type) error {
	if t.Kind() == reflect.Slice {
		t = t.Elem()
		shape.Dimensions = append(shape.Dimensions, v.Len())
		shapePrefix := shape.Clone()
		if v.Len() == 0 {
			return errors.Errorf("value with empty slice not valid for Tensor conversion: %T", v.Interface())
		}
		// The first element is the reference for the remaining ones.
		if err := shapeForValueRecursive(shape, v.Index(0), t); err != nil {
			return err
		}
		for ii := 1; ii < v.Len(); ii++ {
			shapeTest := shapePrefix.Clone()
			if err := shapeForValueRecursive(&shapeTest, v.Index(ii), t); err != nil {
				return err
			}
			if !shape.Equal(shapeTest) {
				return fmt.Errorf("sub-slices have irregular shapes, found shapes %q, and %q", shape, shapeTest)
			}
		}
	} else if t.Kind() == reflect.Pointer {
		return fmt.Errorf("cannot convert Pointer (%s) to a concrete value for tensors", t)
	} else {
		shape.DType = dtypes.FromGoType(t)
		if shape.DType == dtypes.InvalidDType {
			return fmt.Errorf("cannot convert type %s to a concrete tensor type", t)
		}
	}
	return nil
}

// Value returns a multidimensional slice (or a scalar for rank-0 shapes) with
// a copy of the tensor values, always in logical (row-major) order regardless
// of the tensor's physical layout.
//
// This is expensive and usually only used for small tensors in tests and to
// print results.
func (t *Tensor) Value() any {
	v, err := t.ValueSafe()
	must(err)
	return v
}

// ValueSafe is Value returning an error instead of panicking.
func (t *Tensor) ValueSafe() (any, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	flatCopyV := reflect.ValueOf(t.rowMajorFlatCopy())
	if t.shape.IsScalar() {
		return flatCopyV.Index(0).Interface(), nil
	}
	if t.shape.Rank() == 1 {
		return flatCopyV.Interface(), nil
	}
	return convertDataToSlices(flatCopyV, t.shape.Dimensions...).Interface(), nil
}

// convertDataToSlices takes flat data and builds a multidimensional slice of
// the given dimensions pointing into it.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	if len(dimensions) <= 1 {
		return dataV
	}
	resultT := dataV.Type().Elem()
	for range dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	strides := make([]int, len(dimensions))
	currentStride := 1
	for dim := len(dimensions) - 1; dim >= 0; dim-- {
		strides[dim] = currentStride
		currentStride *= dimensions[dim]
	}
	return createSlicesRecursively(resultT, dataV, dimensions, strides)
}

// createSlicesRecursively builds the nested slices of convertDataToSlices;
// the leaf slices point into the flat data, no values are copied.
func createSlicesRecursively(resultT reflect.Type, data reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(strides) == 1 {
		return data
	}
	numElements := dimensions[0]
	slice := reflect.MakeSlice(resultT, numElements, numElements)
	subStrides := strides[1:]
	subDimensions := dimensions[1:]
	subResultT := resultT.Elem()
	for ii := 0; ii < numElements; ii++ {
		start := ii * strides[0]
		end := (ii + 1) * strides[0]
		subSlice := createSlicesRecursively(subResultT, data.Slice(start, end), subDimensions, subStrides)
		slice.Index(ii).Set(subSlice)
	}
	return slice
}

// Clone returns a deep copy of the tensor: same shape, same layout, new
// storage.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	clone := FromShapeAndLayout(t.shape, t.layout)
	t.MustConstFlatData(func(flat any) {
		clone.MustMutableFlatData(func(cloneFlat any) {
			reflect.Copy(reflect.ValueOf(cloneFlat), reflect.ValueOf(flat))
		})
	})
	return clone
}

// Equal checks whether t == otherTensor element-wise. Handles with different
// physical layouts compare their logical values, so a channels-last clone
// equals its row-major original.
//
// Slow implementation, fine for small tensors.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	flat0V := reflect.ValueOf(t.rowMajorFlatCopy())
	flat1V := reflect.ValueOf(otherTensor.rowMajorFlatCopy())
	for ii := 0; ii < flat0V.Len(); ii++ {
		if !flat0V.Index(ii).Equal(flat1V.Index(ii)) {
			return false
		}
	}
	return true
}

// InDelta checks whether Abs(t - otherTensor) <= delta for every element,
// comparing logical values like Equal. It panics for non-numeric dtypes.
//
// Slow implementation, fine for small tensors.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	return xslices.SlicesInDelta(t.rowMajorFlatCopy(), otherTensor.rowMajorFlatCopy(), delta)
}
