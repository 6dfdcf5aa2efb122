// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"encoding/gob"
	"path/filepath"
	"testing"

	"github.com/cryograph/cryograph/types/layouts"
	"github.com/cryograph/cryograph/types/shapes"
	"github.com/cryograph/cryograph/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromShape(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float32, 2, 3))
	require.True(t, tensor.Ok())
	assert.Equal(t, 6, tensor.Size())
	assert.Equal(t, 24, int(tensor.Memory()))
	assert.True(t, tensor.Layout().IsRowMajor())
	assert.Equal(t, [][]float32{{0, 0, 0}, {0, 0, 0}}, tensor.Value())

	require.Panics(t, func() { FromShape(shapes.Invalid()) })
	require.Panics(t, func() { FromShape(shapes.Make(dtypes.Float32, 2, shapes.DynamicDim)) })
}

func TestFromScalarAndDimensions(t *testing.T) {
	tensor := FromScalarAndDimensions(float32(1.5), 2, 2)
	assert.Equal(t, [][]float32{{1.5, 1.5}, {1.5, 1.5}}, tensor.Value())

	scalar := FromScalar(int32(-7))
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, int32(-7), ToScalar[int32](scalar))
	require.Panics(t, func() { ToScalar[float32](scalar) })
	require.Panics(t, func() { ToScalar[int32](tensor) })
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2)
	assert.Equal(t, [][]int8{{1, 2}, {3, 4}}, tensor.Value())
	assert.Equal(t, []int8{1, 2, 3, 4}, MustCopyFlatData[int8](tensor))
	require.Panics(t, func() { FromFlatDataAndDimensions([]int8{1, 2, 3}, 2, 2) })
}

func TestFromValue(t *testing.T) {
	tensor := FromValue([][]float64{{1, 2}, {3, 5}, {7, 11}})
	require.NoError(t, tensor.CheckValid())
	assert.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Float64, 3, 2)))
	assert.Equal(t, [][]float64{{1, 2}, {3, 5}, {7, 11}}, tensor.Value())

	scalar := FromValue(float32(13))
	assert.Equal(t, float32(13), scalar.Value())

	// Irregular sub-slices are rejected.
	require.Panics(t, func() { FromAnyValue([][]float32{{1, 2}, {3}}) })
}

func TestHalfPrecision(t *testing.T) {
	f16 := FromScalar(float16.Fromfloat32(1.5))
	assert.Equal(t, dtypes.Float16, f16.DType())
	assert.Equal(t, float32(1.5), ToScalar[float16.Float16](f16).Float32())

	bf16 := FromFlatDataAndDimensions([]bfloat16.BFloat16{
		bfloat16.FromFloat32(1), bfloat16.FromFloat32(2)}, 2)
	assert.Equal(t, dtypes.BFloat16, bf16.DType())
	assert.Equal(t, float32(2), MustCopyFlatData[bfloat16.BFloat16](bf16)[1].Float32())
}

func TestMutableFlatData(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 4)
	MustMutableFlatData(tensor, func(flat []float32) {
		flat[2] = 30
	})
	assert.Equal(t, []float32{1, 2, 30, 4}, tensor.Value())

	require.NoError(t, AssignFlatData(tensor, []float32{5, 6, 7, 8}))
	assert.Equal(t, []float32{5, 6, 7, 8}, tensor.Value())
	require.Error(t, AssignFlatData(tensor, []float32{5, 6}))
	require.Error(t, MutableFlatData[float64](tensor, func(flat []float64) {}))
}

func TestViewsShareStorage(t *testing.T) {
	base := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	view := base.View(shapes.Make(dtypes.Float32, 2, 2), 2)
	require.True(t, view.IsView())
	require.True(t, view.IsAliasOf(base))
	assert.Equal(t, base.StorageID(), view.StorageID())
	assert.Equal(t, [][]float32{{3, 4}, {5, 6}}, view.Value())

	// Writes through the base are visible through the view.
	MustMutableFlatData(base, func(flat []float32) {
		flat[2] = 42
	})
	assert.Equal(t, [][]float32{{42, 4}, {5, 6}}, view.Value())

	// And writes through the view land in the base.
	MustMutableFlatData(view, func(flat []float32) {
		flat[3] = -1
	})
	assert.Equal(t, [][]float32{{1, 2}, {42, 4}, {5, -1}}, base.Value())

	require.Panics(t, func() { base.View(shapes.Make(dtypes.Float32, 4, 2), 0) })
	require.Panics(t, func() { base.View(shapes.Make(dtypes.Float64, 2), 0) })
}

func TestStorageLifetime(t *testing.T) {
	before := LiveStorageCount()
	base := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 4)
	id := base.StorageID()
	require.True(t, StorageLive(id))
	assert.Equal(t, before+1, LiveStorageCount())

	view := base.View(shapes.Make(dtypes.Float32, 3), 1)
	shared := base.Share()

	// Finalizing the base keeps the storage alive through the view and the
	// shared handle.
	base.Finalize()
	require.False(t, base.Ok())
	require.Error(t, base.CheckValid())
	require.True(t, StorageLive(id))
	assert.Equal(t, []float32{2, 3, 4}, view.Value())

	shared.Finalize()
	require.True(t, StorageLive(id))

	view.Finalize()
	require.False(t, StorageLive(id))
	assert.Equal(t, before, LiveStorageCount())

	// Finalize is idempotent.
	view.Finalize()
	require.False(t, StorageLive(id))
}

func TestToLayout(t *testing.T) {
	dims := []int{2, 3, 4, 5}
	flat := xslices.Iota(float32(0), 2*3*4*5)
	rm := FromFlatDataAndDimensions(flat, dims...)

	// Converting to the layout the tensor already has is free: the very
	// same handle comes back.
	same := rm.ToLayout(layouts.RowMajor(4))
	require.Same(t, rm, same)

	cl := rm.ToLayout(layouts.ChannelsLast(4))
	require.NotSame(t, rm, cl)
	require.False(t, cl.IsAliasOf(rm))
	require.True(t, cl.Layout().Equal(layouts.ChannelsLast(4)))

	// Logical values are unchanged, physical order is not.
	assert.Equal(t, rm.Value(), cl.Value())
	assert.True(t, rm.Equal(cl))
	assert.NotEqual(t, flat, MustCopyFlatData[float32](cl))

	// Spot-check one element: logical [0, 1, 1, 0] is row-major flat 25
	// and sits at physical position 0*60 + 1*1 + 1*15 + 0*3 = 16 under
	// channels-last.
	MustConstFlatData(cl, func(physical []float32) {
		assert.Equal(t, flat[25], physical[16])
	})

	back := cl.ToLayout(layouts.RowMajor(4))
	assert.Equal(t, flat, MustCopyFlatData[float32](back))
}

func TestEqualAndInDelta(t *testing.T) {
	a := FromValue([][]float32{{1, 2}, {3, 4}})
	b := FromValue([][]float32{{1, 2}, {3, 4}})
	c := FromValue([][]float32{{1, 2}, {3, 5}})
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(FromValue([]float32{1, 2})))

	d := FromValue([][]float32{{1.00001, 2}, {3, 4}})
	assert.True(t, a.InDelta(d, 1e-3))
	assert.False(t, a.InDelta(c, 1e-3))
}

func TestClone(t *testing.T) {
	orig := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	clone := orig.Clone()
	require.False(t, clone.IsAliasOf(orig))
	assert.Equal(t, orig.Value(), clone.Value())
	MustMutableFlatData(clone, func(flat []float32) { flat[0] = 99 })
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, orig.Value())
}

func TestGobRoundTrip(t *testing.T) {
	dims := []int{2, 3, 4, 5}
	orig := FromFlatDataAndDimensions(xslices.Iota(float32(0), 120), dims...).
		ToLayout(layouts.ChannelsLast(4))

	var buf bytes.Buffer
	require.NoError(t, orig.GobSerialize(gob.NewEncoder(&buf)))
	recovered, err := GobDeserialize(gob.NewDecoder(&buf))
	require.NoError(t, err)
	assert.True(t, recovered.Layout().Equal(layouts.ChannelsLast(4)))
	assert.True(t, orig.Equal(recovered))
	assert.Equal(t, MustCopyFlatData[float32](orig), MustCopyFlatData[float32](recovered))
}

func TestSaveLoad(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "tensor.bin")
	orig := FromValue([][]int32{{1, 2, 3}, {4, 5, 6}})
	require.NoError(t, orig.Save(filePath))
	loaded, err := Load(filePath)
	require.NoError(t, err)
	assert.Equal(t, orig.Value(), loaded.Value())

	_, err = Load(filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
}
