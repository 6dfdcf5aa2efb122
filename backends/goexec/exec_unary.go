// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package goexec

import (
	"math"

	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

func init() {
	nodeExecutors[graph.OpTypeNeg] = execUnary
	nodeExecutors[graph.OpTypeCos] = execUnary
	nodeExecutors[graph.OpTypeSqrt] = execUnary
}

func execUnary(_ *Backend, node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	x := inputs[0]
	out := tensors.FromShapeAndLayout(x.Shape(), node.Layout())
	switch x.DType() {
	case dtypes.Int8:
		unaryForType[int8](node.Op(), x, out)
	case dtypes.Int16:
		unaryForType[int16](node.Op(), x, out)
	case dtypes.Int32:
		unaryForType[int32](node.Op(), x, out)
	case dtypes.Int64:
		unaryForType[int64](node.Op(), x, out)
	case dtypes.Uint8:
		unaryForType[uint8](node.Op(), x, out)
	case dtypes.Uint16:
		unaryForType[uint16](node.Op(), x, out)
	case dtypes.Uint32:
		unaryForType[uint32](node.Op(), x, out)
	case dtypes.Uint64:
		unaryForType[uint64](node.Op(), x, out)
	case dtypes.Float32:
		unaryForType[float32](node.Op(), x, out)
	case dtypes.Float64:
		unaryForType[float64](node.Op(), x, out)
	case dtypes.Float16, dtypes.BFloat16:
		unaryBridged(node.Op(), x, out)
	default:
		out.Finalize()
		return nil, errors.Errorf("%s: unsupported dtype %s", node.Op(), x.DType())
	}
	return out, nil
}

func unaryFloat64Fn(opType graph.OpType) func(float64) float64 {
	switch opType {
	case graph.OpTypeNeg:
		return func(v float64) float64 { return -v }
	case graph.OpTypeCos:
		return math.Cos
	case graph.OpTypeSqrt:
		return math.Sqrt
	}
	exceptions.Panicf("unary kernel called for op %s", opType)
	return nil
}

func unaryForType[T PODNumericConstraints](opType graph.OpType, x, out *tensors.Tensor) {
	var fn func(T) T
	switch opType {
	case graph.OpTypeNeg:
		fn = func(v T) T { return -v }
	default:
		// Cos and Sqrt only reach here with a float T: the graph
		// builder rejects them for integer dtypes.
		fn64 := unaryFloat64Fn(opType)
		fn = func(v T) T { return T(fn64(float64(v))) }
	}
	dims := out.Shape().Dimensions
	tensors.MustConstFlatData(x, func(xFlat []T) {
		tensors.MustMutableFlatData(out, func(outFlat []T) {
			if elementwiseFastPath(out.Shape(), x, out) {
				for ii := range outFlat {
					outFlat[ii] = fn(xFlat[ii])
				}
				return
			}
			xIt := newLayoutIterator(dims, x)
			outIt := newLayoutIterator(dims, out)
			for range outFlat {
				outFlat[outIt.Next()] = fn(xFlat[xIt.Next()])
			}
		})
	})
}

func unaryBridged(opType graph.OpType, x, out *tensors.Tensor) {
	fn := unaryFloat64Fn(opType)
	dims := out.Shape().Dimensions
	x.MustConstFlatData(func(xFlat any) {
		out.MustMutableFlatData(func(outFlat any) {
			read := float64Reader(xFlat)
			write := float64Writer(outFlat)
			xIt := newLayoutIterator(dims, x)
			outIt := newLayoutIterator(dims, out)
			for ii := 0; ii < out.Size(); ii++ {
				write(outIt.Next(), fn(read(xIt.Next())))
			}
		})
	})
}
