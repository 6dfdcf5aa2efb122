// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"flag"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	count := 17
	in := make([]int, count)
	for ii := 0; ii < count; ii++ {
		in[ii] = ii
	}
	out := Map(in, func(v int) int32 { return int32(v + 1) })
	for ii := 0; ii < count; ii++ {
		assert.Equalf(t, int32(ii+1), out[ii], "element %d doesn't match", ii)
	}
}

func TestMapParallel(t *testing.T) {
	count := 17
	in := make([]int, count)
	for ii := 0; ii < count; ii++ {
		in[ii] = ii
	}
	out := MapParallel(in, func(v int) int32 { return int32(v + 1) })
	for ii := 0; ii < count; ii++ {
		assert.Equalf(t, int32(ii+1), out[ii], "element %d doesn't match", ii)
	}
}

func TestAtAndLast(t *testing.T) {
	slice := []int{0, 1, 2, 3, 4, 5}
	assert.Equal(t, 5, At(slice, -1))
	assert.Equal(t, 4, At(slice, -2))
	assert.Equal(t, 5, Last(slice))

	SetAt(slice, -2, 7)
	assert.Equal(t, 7, slice[4])
	SetLast(slice, 9)
	assert.Equal(t, 9, slice[5])
}

func TestPop(t *testing.T) {
	slice := []int{0, 1, 2, 3, 4, 5}
	var got int
	got, slice = Pop(slice)
	assert.Equal(t, 5, got)
	assert.Len(t, slice, 5)

	got, slice = Pop(slice)
	assert.Equal(t, 4, got)
	assert.Len(t, slice, 4)
}

func TestConstructors(t *testing.T) {
	assert.Equal(t, []float64{3, 4}, Iota(3.0, 2))
	assert.Equal(t, []int32{0, 1, 2}, Iota(int32(0), 3))
	assert.Equal(t, []float32{1.5, 1.5, 1.5}, SliceWithValue(3, float32(1.5)))

	filled := make([]int, 100)
	FillSlice(filled, 7)
	for _, v := range filled {
		require.Equal(t, 7, v)
	}

	orig := []int{1, 2}
	dup := Copy(orig)
	dup[0] = 9
	assert.Equal(t, 1, orig[0])
	assert.Nil(t, Copy([]int(nil)))
}

func TestMinMaxAndKeys(t *testing.T) {
	assert.Equal(t, 8, Max([]int{3, 8, -1}))
	assert.Equal(t, -1, Min([]int{3, 8, -1}))
	assert.Equal(t, 0, Max([]int(nil)))

	m := map[string]int{"b": 1, "a": 2, "c": 3}
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(m))
	assert.Len(t, Keys(m), 3)
}

func TestSlicesInDelta(t *testing.T) {
	assert.True(t, SlicesInDelta(
		[][]float32{{1, 2}, {3, 4}},
		[][]float32{{1, 2}, {3, 4}}, 0))
	assert.True(t, SlicesInDelta(
		[][]float32{{1, 2}, {3, 4}},
		[][]float32{{1.00005, 2}, {3, 3.99995}}, 1e-3))
	assert.False(t, SlicesInDelta(
		[][]float32{{1, 2}, {3, 4}},
		[][]float32{{1.1, 2}, {3, 4}}, 1e-3))
	assert.False(t, SlicesInDelta(
		[][]float32{{1, 2}},
		[][]float32{{1, 2}, {3, 4}}, 1e-3))
	assert.False(t, SlicesInDelta(
		[]float32{1, 2},
		[]float64{1, 2}, 1e-3))
}

type StringerFloat float64

func (f StringerFloat) String() string {
	return fmt.Sprintf("%.02f", float64(f))
}

func TestSliceFlag(t *testing.T) {
	f1Ptr := Flag("f1", []int{2, 3}, "f1 flag test", strconv.Atoi)
	assert.Equal(t, []int{2, 3}, *f1Ptr)
	require.NoError(t, flag.Set("f1", "3,4,5"))
	assert.Equal(t, []int{3, 4, 5}, *f1Ptr)
	f1Flag := flag.Lookup("f1")
	require.NotNil(t, f1Flag)
	assert.Equal(t, "2,3", f1Flag.DefValue)

	f2Ptr := Flag("f2", []StringerFloat{2.0, 3.0}, "f2 flag test",
		func(v string) (StringerFloat, error) {
			f, err := strconv.ParseFloat(v, 64)
			return StringerFloat(f), err
		})
	assert.Equal(t, []StringerFloat{2, 3}, *f2Ptr)
	require.NoError(t, flag.Set("f2", "3,4,5"))
	assert.Equal(t, []StringerFloat{3, 4, 5}, *f2Ptr)
	f2Flag := flag.Lookup("f2")
	require.NotNil(t, f2Flag)
	assert.Equal(t, "2.00,3.00", f2Flag.DefValue)
}
