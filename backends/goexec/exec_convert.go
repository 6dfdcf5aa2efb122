// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package goexec

import (
	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

func init() {
	nodeExecutors[graph.OpTypeConvertDType] = execConvertDType
}

func isIntegral(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64:
		return true
	}
	return false
}

// The conversion kernel and the half-precision paths of other kernels
// bridge through float64 (or int64 when both sides are integral, so large
// integers survive). Conversions to integer types truncate toward zero,
// following Go's own conversion rules.

func float64Reader(flat any) func(int) float64 {
	switch data := flat.(type) {
	case []bool:
		return func(ii int) float64 {
			if data[ii] {
				return 1
			}
			return 0
		}
	case []int8:
		return func(ii int) float64 { return float64(data[ii]) }
	case []int16:
		return func(ii int) float64 { return float64(data[ii]) }
	case []int32:
		return func(ii int) float64 { return float64(data[ii]) }
	case []int64:
		return func(ii int) float64 { return float64(data[ii]) }
	case []uint8:
		return func(ii int) float64 { return float64(data[ii]) }
	case []uint16:
		return func(ii int) float64 { return float64(data[ii]) }
	case []uint32:
		return func(ii int) float64 { return float64(data[ii]) }
	case []uint64:
		return func(ii int) float64 { return float64(data[ii]) }
	case []float32:
		return func(ii int) float64 { return float64(data[ii]) }
	case []float64:
		return func(ii int) float64 { return data[ii] }
	case []float16.Float16:
		return func(ii int) float64 { return float64(data[ii].Float32()) }
	case []bfloat16.BFloat16:
		return func(ii int) float64 { return float64(data[ii].Float32()) }
	}
	return nil
}

func float64Writer(flat any) func(int, float64) {
	switch data := flat.(type) {
	case []bool:
		return func(ii int, v float64) { data[ii] = v != 0 }
	case []int8:
		return func(ii int, v float64) { data[ii] = int8(v) }
	case []int16:
		return func(ii int, v float64) { data[ii] = int16(v) }
	case []int32:
		return func(ii int, v float64) { data[ii] = int32(v) }
	case []int64:
		return func(ii int, v float64) { data[ii] = int64(v) }
	case []uint8:
		return func(ii int, v float64) { data[ii] = uint8(v) }
	case []uint16:
		return func(ii int, v float64) { data[ii] = uint16(v) }
	case []uint32:
		return func(ii int, v float64) { data[ii] = uint32(v) }
	case []uint64:
		return func(ii int, v float64) { data[ii] = uint64(v) }
	case []float32:
		return func(ii int, v float64) { data[ii] = float32(v) }
	case []float64:
		return func(ii int, v float64) { data[ii] = v }
	case []float16.Float16:
		return func(ii int, v float64) { data[ii] = float16.Fromfloat32(float32(v)) }
	case []bfloat16.BFloat16:
		return func(ii int, v float64) { data[ii] = bfloat16.FromFloat32(float32(v)) }
	}
	return nil
}

func int64Reader(flat any) func(int) int64 {
	switch data := flat.(type) {
	case []bool:
		return func(ii int) int64 {
			if data[ii] {
				return 1
			}
			return 0
		}
	case []int8:
		return func(ii int) int64 { return int64(data[ii]) }
	case []int16:
		return func(ii int) int64 { return int64(data[ii]) }
	case []int32:
		return func(ii int) int64 { return int64(data[ii]) }
	case []int64:
		return func(ii int) int64 { return data[ii] }
	case []uint8:
		return func(ii int) int64 { return int64(data[ii]) }
	case []uint16:
		return func(ii int) int64 { return int64(data[ii]) }
	case []uint32:
		return func(ii int) int64 { return int64(data[ii]) }
	case []uint64:
		return func(ii int) int64 { return int64(data[ii]) }
	}
	return nil
}

func int64Writer(flat any) func(int, int64) {
	switch data := flat.(type) {
	case []bool:
		return func(ii int, v int64) { data[ii] = v != 0 }
	case []int8:
		return func(ii int, v int64) { data[ii] = int8(v) }
	case []int16:
		return func(ii int, v int64) { data[ii] = int16(v) }
	case []int32:
		return func(ii int, v int64) { data[ii] = int32(v) }
	case []int64:
		return func(ii int, v int64) { data[ii] = v }
	case []uint8:
		return func(ii int, v int64) { data[ii] = uint8(v) }
	case []uint16:
		return func(ii int, v int64) { data[ii] = uint16(v) }
	case []uint32:
		return func(ii int, v int64) { data[ii] = uint32(v) }
	case []uint64:
		return func(ii int, v int64) { data[ii] = uint64(v) }
	}
	return nil
}

func execConvertDType(_ *Backend, node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	x := inputs[0]
	outShape := x.Shape().Clone()
	outShape.DType = node.DType()
	out := tensors.FromShapeAndLayout(outShape, node.Layout())
	integral := isIntegral(x.DType()) && isIntegral(node.DType())
	var convErr error
	x.MustConstFlatData(func(srcFlat any) {
		out.MustMutableFlatData(func(dstFlat any) {
			dims := outShape.Dimensions
			srcIt := newLayoutIterator(dims, x)
			dstIt := newLayoutIterator(dims, out)
			if integral {
				read, write := int64Reader(srcFlat), int64Writer(dstFlat)
				for ii := 0; ii < outShape.Size(); ii++ {
					write(dstIt.Next(), read(srcIt.Next()))
				}
				return
			}
			read, write := float64Reader(srcFlat), float64Writer(dstFlat)
			if read == nil || write == nil {
				convErr = errors.Errorf("ConvertDType: unsupported conversion %s to %s", x.DType(), node.DType())
				return
			}
			for ii := 0; ii < outShape.Size(); ii++ {
				write(dstIt.Next(), read(srcIt.Next()))
			}
		})
	})
	if convErr != nil {
		out.Finalize()
		return nil, convErr
	}
	return out, nil
}
