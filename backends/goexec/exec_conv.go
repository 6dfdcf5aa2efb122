// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package goexec

import (
	"math"

	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/types/shapes"
	"github.com/cryograph/cryograph/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

func init() {
	nodeExecutors[graph.OpTypeConv2D] = execConv2D
	nodeExecutors[graph.OpTypeBatchNormInference] = execBatchNormInference
}

// conv2DOutputShape resolves the concrete output dimensions from the
// concrete operands. Axes left dynamic at build time are bound here.
func conv2DOutputShape(x, w *tensors.Tensor, strides, paddings [2]int) (shapes.Shape, error) {
	xDims, wDims := x.Shape().Dimensions, w.Shape().Dimensions
	dims := []int{xDims[0], wDims[0], 0, 0}
	for spatial := range 2 {
		inSize, kernel := xDims[2+spatial], wDims[2+spatial]
		padded := inSize + 2*paddings[spatial]
		if padded < kernel {
			return shapes.Invalid(), errors.Errorf(
				"Conv2D: spatial axis %d resolved to size %d with padding %d, smaller than the kernel size %d",
				spatial, inSize, paddings[spatial], kernel)
		}
		dims[2+spatial] = (padded-kernel)/strides[spatial] + 1
	}
	return shapes.Shape{DType: x.DType(), Dimensions: dims}, nil
}

func execConv2D(_ *Backend, node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	x, w := inputs[0], inputs[1]
	strides, paddings := node.ConvStrides(), node.ConvPaddings()
	outShape, err := conv2DOutputShape(x, w, strides, paddings)
	if err != nil {
		return nil, err
	}
	out := tensors.FromShapeAndLayout(outShape, node.Layout())
	switch x.DType() {
	case dtypes.Float32:
		convForType[float32](x, w, out, strides, paddings)
	case dtypes.Float64:
		convForType[float64](x, w, out, strides, paddings)
	case dtypes.Float16, dtypes.BFloat16:
		convBridged(x, w, out, strides, paddings)
	default:
		out.Finalize()
		return nil, errors.Errorf("Conv2D: unsupported dtype %s", x.DType())
	}
	return out, nil
}

func convForType[T PODFloatConstraints](x, w, out *tensors.Tensor, strides, paddings [2]int) {
	xDims, wDims, outDims := x.Shape().Dimensions, w.Shape().Dimensions, out.Shape().Dimensions
	xS, wS, outS := x.LayoutStrides(), w.LayoutStrides(), out.LayoutStrides()
	batch, outChannels, outH, outW := outDims[0], outDims[1], outDims[2], outDims[3]
	inChannels, kernelH, kernelW := wDims[1], wDims[2], wDims[3]
	inH, inW := xDims[2], xDims[3]
	constFlatDataPair(x, w, func(xFlat, wFlat []T) {
		tensors.MustMutableFlatData(out, func(outFlat []T) {
			for b := range batch {
				for oc := range outChannels {
					for oh := range outH {
						for ow := range outW {
							var acc T
							for ic := range inChannels {
								for kh := range kernelH {
									ih := oh*strides[0] - paddings[0] + kh
									if ih < 0 || ih >= inH {
										continue
									}
									for kw := range kernelW {
										iw := ow*strides[1] - paddings[1] + kw
										if iw < 0 || iw >= inW {
											continue
										}
										acc += xFlat[b*xS[0]+ic*xS[1]+ih*xS[2]+iw*xS[3]] *
											wFlat[oc*wS[0]+ic*wS[1]+kh*wS[2]+kw*wS[3]]
									}
								}
							}
							outFlat[b*outS[0]+oc*outS[1]+oh*outS[2]+ow*outS[3]] = acc
						}
					}
				}
			}
		})
	})
}

func convBridged(x, w, out *tensors.Tensor, strides, paddings [2]int) {
	xDims, wDims, outDims := x.Shape().Dimensions, w.Shape().Dimensions, out.Shape().Dimensions
	xS, wS, outS := x.LayoutStrides(), w.LayoutStrides(), out.LayoutStrides()
	batch, outChannels, outH, outW := outDims[0], outDims[1], outDims[2], outDims[3]
	inChannels, kernelH, kernelW := wDims[1], wDims[2], wDims[3]
	inH, inW := xDims[2], xDims[3]
	constFlatDataPairAny(x, w, func(xFlat, wFlat any) {
		out.MustMutableFlatData(func(outFlat any) {
			readX, readW := float64Reader(xFlat), float64Reader(wFlat)
			write := float64Writer(outFlat)
			for b := range batch {
				for oc := range outChannels {
					for oh := range outH {
						for ow := range outW {
							var acc float64
							for ic := range inChannels {
								for kh := range kernelH {
									ih := oh*strides[0] - paddings[0] + kh
									if ih < 0 || ih >= inH {
										continue
									}
									for kw := range kernelW {
										iw := ow*strides[1] - paddings[1] + kw
										if iw < 0 || iw >= inW {
											continue
										}
										acc += readX(b*xS[0]+ic*xS[1]+ih*xS[2]+iw*xS[3]) *
											readW(oc*wS[0]+ic*wS[1]+kh*wS[2]+kw*wS[3])
									}
								}
							}
							write(b*outS[0]+oc*outS[1]+oh*outS[2]+ow*outS[3], acc)
						}
					}
				}
			}
		})
	})
}

func execBatchNormInference(_ *Backend, node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	x := inputs[0]
	epsilon := node.BatchNormEpsilon()
	out := tensors.FromShapeAndLayout(x.Shape(), node.Layout())
	switch x.DType() {
	case dtypes.Float32:
		batchNormForType[float32](x, inputs[1], inputs[2], inputs[3], inputs[4], out, epsilon)
	case dtypes.Float64:
		batchNormForType[float64](x, inputs[1], inputs[2], inputs[3], inputs[4], out, epsilon)
	case dtypes.Float16, dtypes.BFloat16:
		batchNormBridged(x, inputs[1], inputs[2], inputs[3], inputs[4], out, epsilon)
	default:
		out.Finalize()
		return nil, errors.Errorf("BatchNormInference: unsupported dtype %s", x.DType())
	}
	return out, nil
}

func batchNormForType[T PODFloatConstraints](x, scale, offset, mean, variance, out *tensors.Tensor, epsilon float64) {
	dims := x.Shape().Dimensions
	channels := dims[1]
	tailSize := 1
	for _, dim := range dims[2:] {
		tailSize *= dim
	}
	scaleFlat := tensors.MustCopyFlatData[T](scale)
	offsetFlat := tensors.MustCopyFlatData[T](offset)
	meanFlat := tensors.MustCopyFlatData[T](mean)
	varianceFlat := tensors.MustCopyFlatData[T](variance)
	invStd := make([]T, channels)
	for c := range channels {
		invStd[c] = T(1.0 / math.Sqrt(float64(varianceFlat[c])+epsilon))
	}
	tensors.MustConstFlatData(x, func(xFlat []T) {
		tensors.MustMutableFlatData(out, func(outFlat []T) {
			xIt := newLayoutIterator(dims, x)
			outIt := newLayoutIterator(dims, out)
			for logical := range len(outFlat) {
				c := (logical / tailSize) % channels
				outFlat[outIt.Next()] = (xFlat[xIt.Next()]-meanFlat[c])*invStd[c]*scaleFlat[c] + offsetFlat[c]
			}
		})
	})
}

func batchNormBridged(x, scale, offset, mean, variance, out *tensors.Tensor, epsilon float64) {
	dims := x.Shape().Dimensions
	channels := dims[1]
	tailSize := 1
	for _, dim := range dims[2:] {
		tailSize *= dim
	}
	readStat := func(t *tensors.Tensor) []float64 {
		stat := make([]float64, channels)
		t.MustConstFlatData(func(flat any) {
			read := float64Reader(flat)
			for c := range channels {
				stat[c] = read(c)
			}
		})
		return stat
	}
	scaleFlat, offsetFlat := readStat(scale), readStat(offset)
	meanFlat, varianceFlat := readStat(mean), readStat(variance)
	invStd := make([]float64, channels)
	for c := range channels {
		invStd[c] = 1.0 / math.Sqrt(varianceFlat[c]+epsilon)
	}
	x.MustConstFlatData(func(xFlat any) {
		out.MustMutableFlatData(func(outFlat any) {
			read := float64Reader(xFlat)
			write := float64Writer(outFlat)
			xIt := newLayoutIterator(dims, x)
			outIt := newLayoutIterator(dims, out)
			for logical := 0; logical < out.Size(); logical++ {
				c := (logical / tailSize) % channels
				write(outIt.Next(), (read(xIt.Next())-meanFlat[c])*invStd[c]*scaleFlat[c]+offsetFlat[c])
			}
		})
	})
}
