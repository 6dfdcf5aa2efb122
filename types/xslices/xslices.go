// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices complements the standard slices package with the helpers
// used throughout: negative indexing, generic map/fill/iota constructors and
// deep comparison of multidimensional slices for tests.
package xslices

import (
	"cmp"
	"flag"
	"fmt"
	"math"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/exp/constraints"
)

// At returns slice[index], where a negative index counts from the end.
func At[T any](slice []T, index int) T {
	if index < 0 {
		index = len(slice) + index
	}
	return slice[index]
}

// SetAt sets slice[index], where a negative index counts from the end.
func SetAt[T any](slice []T, index int, value T) {
	if index < 0 {
		index = len(slice) + index
	}
	slice[index] = value
}

// Last returns the last element of a slice.
func Last[T any](slice []T) T {
	return At(slice, -1)
}

// SetLast sets the last element of a slice.
func SetLast[T any](slice []T, value T) {
	SetAt(slice, -1, value)
}

// Copy returns a shallow copy of the slice, or nil for an empty one.
func Copy[T any](slice []T) []T {
	if len(slice) == 0 {
		return nil
	}
	slice2 := make([]T, len(slice))
	copy(slice2, slice)
	return slice2
}

// FillSlice sets every element of the slice to value. It doubles the filled
// prefix with copy, which beats a plain loop for large slices.
func FillSlice[T any](slice []T, value T) {
	if len(slice) == 0 {
		return
	}
	slice[0] = value
	for filled := 1; filled < len(slice); filled *= 2 {
		copy(slice[filled:], slice[:filled])
	}
}

// SliceWithValue creates a slice of the given size filled with value.
func SliceWithValue[T any](size int, value T) []T {
	s := make([]T, size)
	FillSlice(s, value)
	return s
}

// Iota returns a slice of length len with incremental values starting at
// start. Eg: Iota(3.0, 2) -> []float64{3.0, 4.0}.
func Iota[T interface {
	constraints.Integer | constraints.Float
}](start T, len int) (slice []T) {
	slice = make([]T, len)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}

// Keys returns the keys of a map as a slice, in map iteration order.
func Keys[K comparable, V any](m map[K]V) []K {
	s := make([]K, 0, len(m))
	for k := range m {
		s = append(s, k)
	}
	return s
}

// SortedKeys returns the keys of a map as a sorted slice.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	s := Keys(m)
	sort.Slice(s, func(i, j int) bool {
		return s[i] < s[j]
	})
	return s
}

// Map applies fn to every element of in, sequentially, returning the mapped
// slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// MapParallel applies fn to every element of in using up to runtime.NumCPU
// goroutines. Execution order is not guaranteed, but in the end
// out[ii] = fn(in[ii]) for every element.
func MapParallel[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	if len(in) <= 1 {
		return Map(in, fn)
	}
	out = make([]Out, len(in))
	goroutines := runtime.NumCPU()
	if goroutines > len(in) {
		goroutines = len(in)
	}
	indices := make(chan int, goroutines)
	var wg sync.WaitGroup
	for ii := 0; ii < goroutines; ii++ {
		wg.Add(1)
		go func() {
			for ii := range indices {
				out[ii] = fn(in[ii])
			}
			wg.Done()
		}()
	}
	for ii := 0; ii < len(in); ii++ {
		indices <- ii
	}
	close(indices)
	wg.Wait()
	return
}

// Max returns the largest value in the slice, or the zero value if empty.
func Max[T cmp.Ordered](slice []T) (max T) {
	if len(slice) == 0 {
		return
	}
	max = slice[0]
	for _, v := range slice {
		if max < v {
			max = v
		}
	}
	return
}

// Min returns the smallest value in the slice, or the zero value if empty.
func Min[T cmp.Ordered](slice []T) (min T) {
	if len(slice) == 0 {
		return
	}
	min = slice[0]
	for _, v := range slice {
		if v < min {
			min = v
		}
	}
	return
}

// Pop removes and returns the last element. An empty slice yields the zero
// value and is returned unchanged.
func Pop[T any](slice []T) (T, []T) {
	var value T
	if len(slice) > 0 {
		value = slice[len(slice)-1]
		slice = slice[:len(slice)-1]
	}
	return value, slice
}

// Epsilon is the default tolerance used by Close.
const Epsilon = 1e-4

// Close is a comparison function for DeepSliceCmp that accepts values within
// Epsilon of each other. NaN matches NaN.
func Close[T interface{ float32 | float64 }](e0, e1 any) bool {
	e0v, ok := e0.(T)
	if !ok {
		fmt.Printf("*** Close[T] given (e0) incompatible type value %v for expected type %T\n", e0, e0v)
		return false
	}
	e1v, ok := e1.(T)
	if !ok {
		fmt.Printf("*** Close[T] given (e1) incompatible type value %v for expected type %T\n", e1, e1v)
		return false
	}
	if math.IsNaN(float64(e0v)) && math.IsNaN(float64(e1v)) {
		return true
	}
	diff := e0v - e1v
	return diff < Epsilon && diff > -Epsilon
}

// SlicesInDelta checks that the multidimensional slices s0 and s1 have the
// same shape and that corresponding values differ by at most delta. A
// delta <= 0 requires exact equality.
func SlicesInDelta(s0, s1 any, delta float64) bool {
	cmpFn := func(e0, e1 any) bool {
		if reflect.TypeOf(e0).Kind() != reflect.TypeOf(e1).Kind() {
			return false
		}
		if reflect.DeepEqual(e0, e1) {
			return true
		}
		if delta <= 0 {
			return false
		}
		e0v := reflect.ValueOf(e0)
		e1v := reflect.ValueOf(e1)
		deltaType := reflect.TypeOf(delta)
		if !e0v.CanConvert(deltaType) {
			return false
		}
		e0Float := e0v.Convert(deltaType).Float()
		e1Float := e1v.Convert(deltaType).Float()
		return math.Abs(e0Float-e1Float) <= delta
	}
	return DeepSliceCmp(s0, s1, cmpFn)
}

// DeepSliceCmp returns false if the slices have different shapes or if cmpFn
// returns false for any pair of corresponding elements.
func DeepSliceCmp(s0, s1 any, cmpFn func(e0, e1 any) bool) bool {
	return recursiveDeepSliceCmp(reflect.ValueOf(s0), reflect.ValueOf(s1), cmpFn)
}

func recursiveDeepSliceCmp(s0, s1 reflect.Value, cmpFn func(e0, e1 any) bool) bool {
	if !s0.IsValid() || !s1.IsValid() {
		return false
	}
	if s0.Type().Kind() != s1.Type().Kind() {
		return false
	}
	if s0.Type().Kind() != reflect.Slice {
		return cmpFn(s0.Interface(), s1.Interface())
	}
	if s0.Len() != s1.Len() {
		return false
	}
	for ii := 0; ii < s0.Len(); ii++ {
		if !recursiveDeepSliceCmp(s0.Index(ii), s1.Index(ii), cmpFn) {
			return false
		}
	}
	return true
}

// Flag registers a flag for []T with the given name, usage and default,
// parsed from a comma-separated list with parserFn per element.
func Flag[T any](name string, defaultValue []T, usage string,
	parserFn func(valueStr string) (T, error)) *[]T {
	f := &genericSliceFlagImpl[T]{
		parsedSlice: defaultValue,
		parserFn:    parserFn,
	}
	flag.Var(f, name, usage)
	return &f.parsedSlice
}

type genericSliceFlagImpl[T any] struct {
	parsedSlice []T
	parserFn    func(valueStr string) (T, error)
}

func (f *genericSliceFlagImpl[T]) String() string {
	if len(f.parsedSlice) == 0 {
		return ""
	}
	parts := make([]string, len(f.parsedSlice))
	for ii, elem := range f.parsedSlice {
		v := reflect.ValueOf(elem)
		stringerType := reflect.TypeOf((*fmt.Stringer)(nil)).Elem()
		if v.CanConvert(stringerType) {
			parts[ii] = v.Convert(stringerType).Interface().(fmt.Stringer).String()
		} else {
			parts[ii] = fmt.Sprintf("%v", elem)
		}
	}
	return strings.Join(parts, ",")
}

func (f *genericSliceFlagImpl[T]) Set(listStr string) error {
	if listStr == "" {
		f.parsedSlice = make([]T, 0)
		return nil
	}
	parts := strings.Split(listStr, ",")
	f.parsedSlice = make([]T, len(parts))
	var err error
	for ii, part := range parts {
		f.parsedSlice[ii], err = f.parserFn(part)
		if err != nil {
			return err
		}
	}
	return nil
}
