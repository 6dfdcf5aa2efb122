// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

var float64Type = reflect.TypeOf(float64(0))

// CastAsDType casts a numeric value to the Go type corresponding to the
// given DType. If the value is a (multidimensional) slice, it converts to a
// newly allocated slice of the given DType.
//
// Float16 and BFloat16 are not native Go numeric types, so they get their
// own value conversion instead of a reflect.Value.Convert, which would
// reinterpret the underlying uint16 bits.
func CastAsDType(value any, dtype dtypes.DType) any {
	typeOf := reflect.TypeOf(value)
	valueOf := reflect.ValueOf(value)
	if typeOf.Kind() != reflect.Slice && typeOf.Kind() != reflect.Array {
		return castScalarAsDType(valueOf, dtype)
	}
	newTypeOf := typeForSliceDType(typeOf, dtype)
	newValueOf := reflect.MakeSlice(newTypeOf, valueOf.Len(), valueOf.Len())
	for ii := 0; ii < valueOf.Len(); ii++ {
		elem := CastAsDType(valueOf.Index(ii).Interface(), dtype)
		newValueOf.Index(ii).Set(reflect.ValueOf(elem))
	}
	return newValueOf.Interface()
}

func castScalarAsDType(valueOf reflect.Value, dtype dtypes.DType) any {
	switch dtype {
	case dtypes.Bool:
		return !valueOf.IsZero()
	case dtypes.Float16:
		return float16.Fromfloat32(float32(valueOf.Convert(float64Type).Float()))
	case dtypes.BFloat16:
		return bfloat16.FromFloat32(float32(valueOf.Convert(float64Type).Float()))
	case dtypes.Complex64:
		return complex(float32(valueOf.Convert(float64Type).Float()), 0)
	case dtypes.Complex128:
		return complex(valueOf.Convert(float64Type).Float(), 0)
	}
	return valueOf.Convert(dtype.GoType()).Interface()
}

func typeForSliceDType(valueType reflect.Type, dtype dtypes.DType) reflect.Type {
	if valueType.Kind() != reflect.Slice && valueType.Kind() != reflect.Array {
		return dtype.GoType()
	}
	subType := typeForSliceDType(valueType.Elem(), dtype)
	return reflect.SliceOf(subType)
}
