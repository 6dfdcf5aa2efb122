// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package goexec

import (
	"math/rand/v2"

	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/types/layouts"
	"github.com/cryograph/cryograph/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

func init() {
	nodeExecutors[graph.OpTypeConstant] = execConstant
	nodeExecutors[graph.OpTypeIdentity] = execIdentity
	nodeExecutors[graph.OpTypeReshape] = execReshape
	nodeExecutors[graph.OpTypeSlice] = execSlice
	nodeExecutors[graph.OpTypeZeros] = execZeros
	nodeExecutors[graph.OpTypeShapeDim] = execShapeDim
	nodeExecutors[graph.OpTypeRngUniform] = execRngUniform
	nodeExecutors[graph.OpTypeAssignAdd] = execAssignAdd
	nodeExecutors[graph.OpTypeLayoutConvert] = execLayoutConvert
}

func execConstant(_ *Backend, node *graph.Node, _ []*tensors.Tensor) (*tensors.Tensor, error) {
	value := node.ConstantValue()
	if err := value.CheckValid(); err != nil {
		return nil, errors.WithMessage(err, "constant node holds an invalid tensor")
	}
	return value.Share(), nil
}

func execIdentity(_ *Backend, _ *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	return inputs[0].Share(), nil
}

// copyWindowBytes copies the full window of src into dst. Both windows must
// have the same byte length; the caller aligns shapes and layouts.
func copyWindowBytes(dst, src *tensors.Tensor) (err error) {
	cErr := src.ConstBytes(func(from []byte) {
		err = dst.MutableBytes(func(to []byte) {
			copy(to, from)
		})
	})
	if cErr != nil {
		return cErr
	}
	return err
}

func execReshape(_ *Backend, node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	x := inputs[0]
	if x.Layout().IsRowMajor() {
		out := tensors.FromShape(node.Shape())
		if err := copyWindowBytes(out, x); err != nil {
			out.Finalize()
			return nil, err
		}
		return out, nil
	}
	// Bring x to row-major first; the fresh buffer is then reinterpreted
	// under the new dimensions without another copy.
	rowMajor := x.ToLayout(layouts.RowMajor(x.Rank()))
	out := rowMajor.View(node.Shape(), 0)
	rowMajor.Finalize()
	return out, nil
}

// sliceViewOffset reports whether the slice window is a contiguous run of a
// row-major buffer, and at which element offset it starts. That is the case
// when every axis before the first partially-sliced one selects a single
// index and every axis after it keeps its full range.
func sliceViewOffset(dimensions []int, starts, limits []int) (offset int, ok bool) {
	first := -1
	for axis, dim := range dimensions {
		if starts[axis] != 0 || limits[axis] != dim {
			first = axis
			break
		}
	}
	if first == -1 {
		return 0, true // full window
	}
	for axis := 0; axis < first; axis++ {
		if limits[axis]-starts[axis] != 1 {
			return 0, false
		}
	}
	for axis := first + 1; axis < len(dimensions); axis++ {
		if starts[axis] != 0 || limits[axis] != dimensions[axis] {
			return 0, false
		}
	}
	strides := layouts.RowMajor(len(dimensions)).Strides(dimensions)
	for axis := 0; axis <= first; axis++ {
		offset += starts[axis] * strides[axis]
	}
	return offset, true
}

func execSlice(_ *Backend, node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	x := inputs[0]
	starts, limits := node.SliceBounds()
	if x.Layout().IsRowMajor() {
		if offset, ok := sliceViewOffset(x.Shape().Dimensions, starts, limits); ok {
			return x.View(node.Shape(), offset), nil
		}
	}
	// Non-contiguous window (or non-row-major operand): copy element by
	// element into a fresh row-major buffer.
	out := tensors.FromShape(node.Shape())
	srcStrides := x.LayoutStrides()
	dims := node.Shape().Dimensions
	elemSize := int(node.DType().Memory())
	err := x.ConstBytes(func(from []byte) {
		_ = out.MutableBytes(func(to []byte) {
			coords := make([]int, len(dims))
			srcIdx := 0
			for axis := range dims {
				srcIdx += starts[axis] * srcStrides[axis]
			}
			for dstIdx := 0; dstIdx < len(to)/elemSize; dstIdx++ {
				copy(to[dstIdx*elemSize:(dstIdx+1)*elemSize], from[srcIdx*elemSize:(srcIdx+1)*elemSize])
				for axis := len(dims) - 1; axis >= 0; axis-- {
					coords[axis]++
					srcIdx += srcStrides[axis]
					if coords[axis] < dims[axis] {
						break
					}
					coords[axis] = 0
					srcIdx -= srcStrides[axis] * dims[axis]
				}
			}
		})
	})
	if err != nil {
		out.Finalize()
		return nil, err
	}
	return out, nil
}

func execZeros(_ *Backend, node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	shape := node.Shape().Clone()
	nextDim := 0
	for axis := range shape.Rank() {
		if !shape.IsDynamicAxis(axis) {
			continue
		}
		dim := scalarToInt64(inputs[nextDim])
		nextDim++
		if dim <= 0 {
			return nil, errors.Errorf("Zeros: dimension node for axis %d resolved to %d, must be positive", axis, dim)
		}
		shape.Dimensions[axis] = int(dim)
	}
	// A fresh buffer is zero-initialized by construction.
	return tensors.FromShapeAndLayout(shape, node.Layout()), nil
}

func execShapeDim(_ *Backend, node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	axis := node.ShapeDimAxis()
	return tensors.FromScalar(int64(inputs[0].Shape().Dimensions[axis])), nil
}

func execRngUniform(_ *Backend, node *graph.Node, _ []*tensors.Tensor) (*tensors.Tensor, error) {
	out := tensors.FromShapeAndLayout(node.Shape(), node.Layout())
	switch node.DType() {
	case dtypes.Float32:
		tensors.MustMutableFlatData(out, func(flat []float32) {
			for ii := range flat {
				flat[ii] = rand.Float32()
			}
		})
	case dtypes.Float64:
		tensors.MustMutableFlatData(out, func(flat []float64) {
			for ii := range flat {
				flat[ii] = rand.Float64()
			}
		})
	case dtypes.Float16:
		tensors.MustMutableFlatData(out, func(flat []float16.Float16) {
			for ii := range flat {
				flat[ii] = float16.Fromfloat32(rand.Float32())
			}
		})
	case dtypes.BFloat16:
		tensors.MustMutableFlatData(out, func(flat []bfloat16.BFloat16) {
			for ii := range flat {
				flat[ii] = bfloat16.FromFloat32(rand.Float32())
			}
		})
	default:
		out.Finalize()
		return nil, errors.Errorf("RngUniform: unsupported dtype %s", node.DType())
	}
	return out, nil
}

// execAssignAdd accumulates delta into the buffer fed for the target
// parameter, in place. The caller keeps ownership of that buffer, so the
// effect is visible to it and to every later execution fed the same tensor.
func execAssignAdd(_ *Backend, node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	target, delta := inputs[0], inputs[1]
	if !target.Shape().EqualDimensions(delta.Shape()) && !delta.IsScalar() {
		exceptions.Panicf("AssignAdd: target %s and delta %s dimensions diverge at execution time",
			target.Shape(), delta.Shape())
	}
	switch node.DType() {
	case dtypes.Int8:
		assignAddForType[int8](target, delta)
	case dtypes.Int16:
		assignAddForType[int16](target, delta)
	case dtypes.Int32:
		assignAddForType[int32](target, delta)
	case dtypes.Int64:
		assignAddForType[int64](target, delta)
	case dtypes.Uint8:
		assignAddForType[uint8](target, delta)
	case dtypes.Uint16:
		assignAddForType[uint16](target, delta)
	case dtypes.Uint32:
		assignAddForType[uint32](target, delta)
	case dtypes.Uint64:
		assignAddForType[uint64](target, delta)
	case dtypes.Float32:
		assignAddForType[float32](target, delta)
	case dtypes.Float64:
		assignAddForType[float64](target, delta)
	case dtypes.Float16, dtypes.BFloat16:
		assignAddBridged(target, delta)
	default:
		return nil, errors.Errorf("AssignAdd: unsupported dtype %s", node.DType())
	}
	return target.Share(), nil
}

func assignAddForType[T PODNumericConstraints](target, delta *tensors.Tensor) {
	dims := target.Shape().Dimensions
	mutableWithConstFlatData(target, delta, func(targetFlat, deltaFlat []T) {
		if elementwiseFastPath(target.Shape(), target, delta) {
			for ii := range targetFlat {
				targetFlat[ii] += deltaFlat[ii]
			}
			return
		}
		targetIt := newLayoutIterator(dims, target)
		deltaIt := newLayoutIterator(dims, delta)
		for range targetFlat {
			targetFlat[targetIt.Next()] += deltaFlat[deltaIt.Next()]
		}
	})
}

func assignAddBridged(target, delta *tensors.Tensor) {
	dims := target.Shape().Dimensions
	mutableWithConstFlatDataAny(target, delta, func(targetAny, deltaAny any) {
		read := float64Reader(targetAny)
		write := float64Writer(targetAny)
		readDelta := float64Reader(deltaAny)
		targetIt := newLayoutIterator(dims, target)
		deltaIt := newLayoutIterator(dims, delta)
		for ii := 0; ii < target.Size(); ii++ {
			pos := targetIt.Next()
			write(pos, read(pos)+readDelta(deltaIt.Next()))
		}
	})
}

func execLayoutConvert(_ *Backend, node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	x := inputs[0]
	converted := x.ToLayout(node.Layout())
	if converted == x {
		// Already conforming: ToLayout returned the same handle, and the
		// executor expects an owned result.
		return x.Share(), nil
	}
	return converted, nil
}

// scalarToInt64 reads a scalar integer tensor of any integer dtype.
func scalarToInt64(t *tensors.Tensor) (value int64) {
	t.MustConstFlatData(func(flat any) {
		read := int64Reader(flat)
		if read == nil {
			exceptions.Panicf("expected an integer scalar, got dtype %s", t.DType())
		}
		value = read(0)
	})
	return
}
