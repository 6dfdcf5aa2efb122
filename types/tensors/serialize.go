// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/gob"
	"os"
	"reflect"

	"github.com/cryograph/cryograph/types/layouts"
	"github.com/cryograph/cryograph/types/shapes"
	"github.com/pkg/errors"
)

// GobSerialize the tensor in binary format: shape, layout and the physical
// flat data. The layout survives the round-trip, so a channels-last tensor
// loads back channels-last.
//
// It returns an error for I/O errors.
func (t *Tensor) GobSerialize(encoder *gob.Encoder) error {
	if err := t.CheckValid(); err != nil {
		return err
	}
	if err := t.shape.GobSerialize(encoder); err != nil {
		return err
	}
	if err := t.layout.GobSerialize(encoder); err != nil {
		return err
	}
	var err error
	accessErr := t.ConstFlatData(func(flat any) {
		err = encoder.Encode(flat)
		if err != nil {
			err = errors.Wrapf(err, "failed to write Tensor data")
		}
	})
	if accessErr != nil {
		return accessErr
	}
	return err
}

// GobDeserialize a tensor from the decoder. Returns a new tensor owning fresh
// storage, or an error.
func GobDeserialize(decoder *gob.Decoder) (*Tensor, error) {
	shape, err := shapes.GobDeserialize(decoder)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to deserialize Tensor shape")
	}
	layout, err := layouts.GobDeserialize(decoder)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to deserialize Tensor layout")
	}
	if err = layout.Validate(shape.Rank()); err != nil {
		return nil, errors.WithMessagef(err, "deserialized Tensor layout does not fit shape %s", shape)
	}
	flatPtrV := reflect.New(reflect.SliceOf(shape.DType.GoType()))
	err = decoder.Decode(flatPtrV.Interface())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize Tensor data")
	}
	flat := flatPtrV.Elem().Interface()
	if reflect.ValueOf(flat).Len() != shape.Size() {
		return nil, errors.Errorf("deserialized Tensor data has %d elements, shape %s requires %d",
			reflect.ValueOf(flat).Len(), shape, shape.Size())
	}
	// Wrap the decoded slice directly, avoiding a copy.
	return fromStorage(shape, layout, newStorageFromFlat(shape.DType, flat), 0), nil
}

// Save the tensor to the given file path.
func (t *Tensor) Save(filePath string) error {
	if err := t.CheckValid(); err != nil {
		return err
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save tensor", filePath)
	}
	enc := gob.NewEncoder(f)
	err = t.GobSerialize(enc)
	if err != nil {
		return errors.WithMessagef(err, "saving Tensor to %q", filePath)
	}
	err = f.Close()
	if err != nil {
		return errors.Wrapf(err, "close file %q, where tensor was saved", filePath)
	}
	return nil
}

// Load a tensor from the given file path.
func Load(filePath string) (*Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q to load Tensor", filePath)
	}
	dec := gob.NewDecoder(f)
	t, err := GobDeserialize(dec)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading Tensor from %q", filePath)
	}
	_ = f.Close()
	return t, nil
}
