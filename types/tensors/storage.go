// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gopjrt/dtypes"
)

// StorageID uniquely identifies a Storage allocation for its whole lifetime.
// Ids are never reused, so a StorageID can outlive its Storage and still be
// queried with StorageLive.
type StorageID uint64

// Storage is the flat buffer backing one or more Tensor handles. It is
// reference counted: every Tensor view holds one reference, and the buffer is
// freed when the last reference is released.
//
// The reference count is atomic because frozen artifacts may execute
// concurrently. Everything else about a Storage is immutable after creation,
// except flat, which is dropped exactly once when the count reaches zero.
type Storage struct {
	id    StorageID
	dtype dtypes.DType
	size  int // number of elements in flat.

	// flat is a []T slice of the dtype's corresponding Go type.
	// It becomes nil when the storage is freed.
	flat any

	refs atomic.Int32
}

var (
	nextStorageID atomic.Uint64

	// liveStorageMu guards liveStorage. The refcount itself is atomic; the
	// map only changes on allocation and on the final release.
	liveStorageMu sync.Mutex
	liveStorage   = make(map[StorageID]*Storage)
)

// newStorage allocates a zero-initialized buffer for size elements of dtype,
// registers it as live and returns it with one reference held.
func newStorage(dtype dtypes.DType, size int) *Storage {
	flatV := reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), size, size)
	s := &Storage{
		id:    StorageID(nextStorageID.Add(1)),
		dtype: dtype,
		size:  size,
		flat:  flatV.Interface(),
	}
	s.refs.Store(1)
	liveStorageMu.Lock()
	liveStorage[s.id] = s
	liveStorageMu.Unlock()
	return s
}

// newStorageFromFlat wraps an already-built flat slice, taking ownership of it.
func newStorageFromFlat(dtype dtypes.DType, flat any) *Storage {
	s := &Storage{
		id:    StorageID(nextStorageID.Add(1)),
		dtype: dtype,
		size:  reflect.ValueOf(flat).Len(),
		flat:  flat,
	}
	s.refs.Store(1)
	liveStorageMu.Lock()
	liveStorage[s.id] = s
	liveStorageMu.Unlock()
	return s
}

// ID returns the storage's unique id.
func (s *Storage) ID() StorageID { return s.id }

// DType of the elements stored.
func (s *Storage) DType() dtypes.DType { return s.dtype }

// Len returns the number of elements in the buffer.
func (s *Storage) Len() int { return s.size }

// acquire adds a reference. The caller must already hold one, so the count
// can never be observed at zero here.
func (s *Storage) acquire() {
	s.refs.Add(1)
}

// release drops one reference. At zero the buffer is freed and the storage
// stops being live.
func (s *Storage) release() {
	if s.refs.Add(-1) > 0 {
		return
	}
	liveStorageMu.Lock()
	delete(liveStorage, s.id)
	liveStorageMu.Unlock()
	s.flat = nil
}

// StorageLive reports whether the storage with the given id still holds its
// buffer. Once false it stays false: ids are never reused.
//
// This is the observability hook for parameter-deallocation checks: after a
// parameter is fully absorbed by freezing, its storage id must turn dead
// unless some view of it escaped.
func StorageLive(id StorageID) bool {
	liveStorageMu.Lock()
	defer liveStorageMu.Unlock()
	_, found := liveStorage[id]
	return found
}

// LiveStorageCount returns how many storage buffers are currently allocated.
// Useful to detect leaks in tests.
func LiveStorageCount() int {
	liveStorageMu.Lock()
	defer liveStorageMu.Unlock()
	return len(liveStorage)
}
