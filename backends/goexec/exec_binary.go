// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package goexec

import (
	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

func init() {
	nodeExecutors[graph.OpTypeAdd] = execBinary
	nodeExecutors[graph.OpTypeSub] = execBinary
	nodeExecutors[graph.OpTypeMul] = execBinary
	nodeExecutors[graph.OpTypeDiv] = execBinary
}

func execBinary(_ *Backend, node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	lhs, rhs := inputs[0], inputs[1]
	outShape, err := runtimeBroadcastShape(lhs.Shape(), rhs.Shape())
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", node.Op())
	}
	out := tensors.FromShapeAndLayout(outShape, node.Layout())
	switch outShape.DType {
	case dtypes.Int8:
		binaryForType[int8](node.Op(), lhs, rhs, out)
	case dtypes.Int16:
		binaryForType[int16](node.Op(), lhs, rhs, out)
	case dtypes.Int32:
		binaryForType[int32](node.Op(), lhs, rhs, out)
	case dtypes.Int64:
		binaryForType[int64](node.Op(), lhs, rhs, out)
	case dtypes.Uint8:
		binaryForType[uint8](node.Op(), lhs, rhs, out)
	case dtypes.Uint16:
		binaryForType[uint16](node.Op(), lhs, rhs, out)
	case dtypes.Uint32:
		binaryForType[uint32](node.Op(), lhs, rhs, out)
	case dtypes.Uint64:
		binaryForType[uint64](node.Op(), lhs, rhs, out)
	case dtypes.Float32:
		binaryForType[float32](node.Op(), lhs, rhs, out)
	case dtypes.Float64:
		binaryForType[float64](node.Op(), lhs, rhs, out)
	case dtypes.Float16, dtypes.BFloat16:
		binaryBridged(node.Op(), lhs, rhs, out)
	default:
		out.Finalize()
		return nil, errors.Errorf("%s: unsupported dtype %s", node.Op(), outShape.DType)
	}
	return out, nil
}

func binaryForType[T PODNumericConstraints](opType graph.OpType, lhs, rhs, out *tensors.Tensor) {
	var fn func(a, b T) T
	switch opType {
	case graph.OpTypeAdd:
		fn = func(a, b T) T { return a + b }
	case graph.OpTypeSub:
		fn = func(a, b T) T { return a - b }
	case graph.OpTypeMul:
		fn = func(a, b T) T { return a * b }
	case graph.OpTypeDiv:
		fn = func(a, b T) T { return a / b }
	default:
		exceptions.Panicf("binary kernel called for op %s", opType)
	}
	dims := out.Shape().Dimensions
	constFlatDataPair(lhs, rhs, func(lhsFlat, rhsFlat []T) {
		tensors.MustMutableFlatData(out, func(outFlat []T) {
			if elementwiseFastPath(out.Shape(), lhs, rhs, out) {
				for ii := range outFlat {
					outFlat[ii] = fn(lhsFlat[ii], rhsFlat[ii])
				}
				return
			}
			lhsIt := newLayoutIterator(dims, lhs)
			rhsIt := newLayoutIterator(dims, rhs)
			outIt := newLayoutIterator(dims, out)
			for range outFlat {
				outFlat[outIt.Next()] = fn(lhsFlat[lhsIt.Next()], rhsFlat[rhsIt.Next()])
			}
		})
	})
}

// binaryBridged covers the half-precision dtypes through the float64
// readers; the result rounds to the target precision at the write.
func binaryBridged(opType graph.OpType, lhs, rhs, out *tensors.Tensor) {
	var fn func(a, b float64) float64
	switch opType {
	case graph.OpTypeAdd:
		fn = func(a, b float64) float64 { return a + b }
	case graph.OpTypeSub:
		fn = func(a, b float64) float64 { return a - b }
	case graph.OpTypeMul:
		fn = func(a, b float64) float64 { return a * b }
	case graph.OpTypeDiv:
		fn = func(a, b float64) float64 { return a / b }
	default:
		exceptions.Panicf("binary kernel called for op %s", opType)
	}
	dims := out.Shape().Dimensions
	constFlatDataPairAny(lhs, rhs, func(lhsFlat, rhsFlat any) {
		out.MustMutableFlatData(func(outFlat any) {
			readLhs, readRhs := float64Reader(lhsFlat), float64Reader(rhsFlat)
			write := float64Writer(outFlat)
			lhsIt := newLayoutIterator(dims, lhs)
			rhsIt := newLayoutIterator(dims, rhs)
			outIt := newLayoutIterator(dims, out)
			for ii := 0; ii < out.Size(); ii++ {
				write(outIt.Next(), fn(readLhs(lhsIt.Next()), readRhs(rhsIt.Next())))
			}
		})
	})
}
