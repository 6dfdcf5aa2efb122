// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Len(t, shape0.Dimensions, 0)
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Len(t, shape1.Dimensions, 3)
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))

	require.Panics(t, func() { Make(dtypes.Float32, 3, 0) })
	require.Panics(t, func() { Make(dtypes.Float32, -2, 3) })
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 3, shape.Dim(1))
	require.Equal(t, 2, shape.Dim(2))
	require.Equal(t, 4, shape.Dim(-3))
	require.Equal(t, 3, shape.Dim(-2))
	require.Equal(t, 2, shape.Dim(-1))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestDynamicDims(t *testing.T) {
	static := Make(dtypes.Float32, 2, 4, 6)
	require.True(t, static.IsFullyStatic())

	dyn := Make(dtypes.Float32, DynamicDim, DynamicDim, 6)
	require.True(t, dyn.Ok())
	require.False(t, dyn.IsFullyStatic())
	require.True(t, dyn.IsDynamicAxis(0))
	require.True(t, dyn.IsDynamicAxis(1))
	require.False(t, dyn.IsDynamicAxis(2))
	require.Panics(t, func() { _ = dyn.Size() })
	require.Panics(t, func() { _ = dyn.Memory() })

	// Bindings: static axes must match exactly, dynamic axes accept anything positive.
	require.True(t, dyn.CoversBinding(Make(dtypes.Float32, 2, 4, 6)))
	require.True(t, dyn.CoversBinding(Make(dtypes.Float32, 3, 5, 6)))
	require.False(t, dyn.CoversBinding(Make(dtypes.Float32, 3, 5, 7)))
	require.False(t, dyn.CoversBinding(Make(dtypes.Float64, 3, 5, 6)))
	require.False(t, dyn.CoversBinding(Make(dtypes.Float32, 3, 5)))
	require.False(t, static.CoversBinding(Make(dtypes.Float32, 3, 4, 6)))
}

func TestEqualAndClone(t *testing.T) {
	s1 := Make(dtypes.Float32, 4, 3)
	s2 := Make(dtypes.Float32, 4, 3)
	s3 := Make(dtypes.Float64, 4, 3)
	s4 := Make(dtypes.Float32, 4, 2)
	require.True(t, s1.Equal(s2))
	require.False(t, s1.Equal(s3))
	require.False(t, s1.Equal(s4))
	require.True(t, s1.EqualDimensions(s3))

	clone := s1.Clone()
	require.True(t, s1.Equal(clone))
	clone.Dimensions[0] = 7
	require.Equal(t, 4, s1.Dimensions[0])
}

func TestAsserts(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	require.NoError(t, shape.CheckDims(4, 3, 2))
	require.NoError(t, shape.CheckDims(4, UncheckedAxis, 2))
	require.Error(t, shape.CheckDims(4, 3))
	require.Error(t, shape.CheckDims(4, 3, 1))
	require.NoError(t, shape.Check(dtypes.Float32, 4, 3, 2))
	require.Error(t, shape.Check(dtypes.Int32, 4, 3, 2))
	require.NotPanics(t, func() { shape.AssertDims(4, -1, -1) })
	require.Panics(t, func() { shape.AssertDims(4, 4, 4) })
	require.NoError(t, shape.CheckRank(3))
	require.Error(t, shape.CheckRank(2))
	require.Error(t, shape.CheckScalar())
	require.NoError(t, Make(dtypes.Int64).CheckScalar())
}

func TestGobSerialization(t *testing.T) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	shape := Make(dtypes.Float32, 2, DynamicDim, 5)
	require.NoError(t, shape.GobSerialize(enc))

	dec := gob.NewDecoder(&buf)
	recovered, err := GobDeserialize(dec)
	require.NoError(t, err)
	require.True(t, shape.Equal(recovered))
}
