// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

// Package layouts defines how a tensor's logical axes are ordered in memory.
//
// A Layout is a permutation of the logical axes from the slowest-varying
// ("major") to the fastest-varying ("minor"). The default for every tensor is
// RowMajor, where axis 0 is major and the last axis is minor. Convolution
// weights and activations may instead be kept ChannelsLast, where for the
// logical [batch, channels, height, width] shape the channels axis becomes
// minor, so per-pixel channel values are contiguous.
//
// Layouts describe physical placement only. The logical shape, and therefore
// all axis numbering seen by graph operations, is unchanged by the layout.
package layouts

import (
	"encoding/gob"
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Layout is the physical axis order of a tensor, major to minor.
//
// The zero value (nil MajorToMinor) is interpreted as row-major for whatever
// rank it is combined with, so tensors that never opt into a custom layout
// pay no allocation.
type Layout struct {
	// MajorToMinor lists the logical axes from slowest-varying to
	// fastest-varying. It is either nil (row-major) or a permutation of
	// [0, rank).
	MajorToMinor []int
}

// RowMajor returns the default layout for the given rank: axis 0 major, the
// last axis minor.
func RowMajor(rank int) Layout {
	if rank < 0 {
		exceptions.Panicf("layouts: RowMajor called with negative rank %d", rank)
	}
	return Layout{}
}

// ChannelsLast returns the layout that keeps the channels axis (logical axis
// 1 of a [batch, channels, spatial...] shape) fastest-varying. It requires
// rank >= 3, the smallest shape with a spatial axis.
func ChannelsLast(rank int) Layout {
	if rank < 3 {
		exceptions.Panicf("layouts: ChannelsLast requires rank >= 3, got rank %d", rank)
	}
	order := make([]int, 0, rank)
	order = append(order, 0)
	for axis := 2; axis < rank; axis++ {
		order = append(order, axis)
	}
	order = append(order, 1)
	return Layout{MajorToMinor: order}
}

// Make builds a layout from an explicit major-to-minor axis order. It panics
// if the order is not a permutation of [0, len(majorToMinor)).
func Make(majorToMinor ...int) Layout {
	l := Layout{MajorToMinor: majorToMinor}
	if err := l.Validate(len(majorToMinor)); err != nil {
		exceptions.Panicf("layouts: %v", err)
	}
	if l.isIdentity() {
		return Layout{}
	}
	return l
}

// Validate checks that the layout is usable with a tensor of the given rank.
func (l Layout) Validate(rank int) error {
	if l.MajorToMinor == nil {
		return nil
	}
	if len(l.MajorToMinor) != rank {
		return errors.Errorf("layout %s has %d axes, want %d", l, len(l.MajorToMinor), rank)
	}
	seen := make([]bool, rank)
	for _, axis := range l.MajorToMinor {
		if axis < 0 || axis >= rank {
			return errors.Errorf("layout %s refers to axis %d, valid range is [0, %d)", l, axis, rank)
		}
		if seen[axis] {
			return errors.Errorf("layout %s repeats axis %d", l, axis)
		}
		seen[axis] = true
	}
	return nil
}

func (l Layout) isIdentity() bool {
	for pos, axis := range l.MajorToMinor {
		if axis != pos {
			return false
		}
	}
	return true
}

// IsRowMajor reports whether the layout is the default row-major order.
func (l Layout) IsRowMajor() bool {
	return l.MajorToMinor == nil || l.isIdentity()
}

// Equal reports whether two layouts order axes identically. A nil
// MajorToMinor equals any identity permutation of the same rank.
func (l Layout) Equal(other Layout) bool {
	if l.IsRowMajor() || other.IsRowMajor() {
		return l.IsRowMajor() == other.IsRowMajor()
	}
	if len(l.MajorToMinor) != len(other.MajorToMinor) {
		return false
	}
	for pos, axis := range l.MajorToMinor {
		if other.MajorToMinor[pos] != axis {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the layout.
func (l Layout) Clone() Layout {
	if l.MajorToMinor == nil {
		return Layout{}
	}
	order := make([]int, len(l.MajorToMinor))
	copy(order, l.MajorToMinor)
	return Layout{MajorToMinor: order}
}

// Strides returns the element stride of each logical axis for a tensor with
// the given dimensions stored under this layout. Strides are counted in
// elements, not bytes. The minor axis always has stride 1.
func (l Layout) Strides(dimensions []int) []int {
	rank := len(dimensions)
	if l.MajorToMinor != nil && len(l.MajorToMinor) != rank {
		exceptions.Panicf("layouts: Strides of rank %d tensor with layout %s", rank, l)
	}
	strides := make([]int, rank)
	stride := 1
	for pos := rank - 1; pos >= 0; pos-- {
		axis := pos
		if l.MajorToMinor != nil {
			axis = l.MajorToMinor[pos]
		}
		strides[axis] = stride
		stride *= dimensions[axis]
	}
	return strides
}

// FlatIndex converts logical indices to the flat storage position of the
// element under this layout.
func (l Layout) FlatIndex(dimensions, indices []int) int {
	strides := l.Strides(dimensions)
	flat := 0
	for axis, idx := range indices {
		flat += idx * strides[axis]
	}
	return flat
}

// String implements fmt.Stringer. Named layouts print their name, others
// print the major-to-minor axis order.
func (l Layout) String() string {
	if l.IsRowMajor() {
		return "row-major"
	}
	if len(l.MajorToMinor) >= 3 && l.Equal(ChannelsLast(len(l.MajorToMinor))) {
		return "channels-last"
	}
	parts := make([]string, len(l.MajorToMinor))
	for pos, axis := range l.MajorToMinor {
		parts[pos] = fmt.Sprintf("%d", axis)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// GobSerialize layout in binary format.
func (l Layout) GobSerialize(encoder *gob.Encoder) (err error) {
	err = encoder.Encode(l.MajorToMinor)
	if err != nil {
		err = errors.Wrapf(err, "failed to serialize Layout")
	}
	return
}

// GobDeserialize a Layout. Returns new Layout or an error.
func GobDeserialize(decoder *gob.Decoder) (l Layout, err error) {
	err = decoder.Decode(&l.MajorToMinor)
	if err != nil {
		err = errors.Wrapf(err, "failed to deserialize Layout")
		return
	}
	if l.isIdentity() {
		l.MajorToMinor = nil
	}
	return
}
