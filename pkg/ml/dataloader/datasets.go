// Copyright 2026 The go-accelerate Authors. SPDX-License-Identifier: Apache-2.0

package dataloader

import (
	"github.com/pkg/errors"
)

// sliceDataset is a Dataset backed by an in-memory slice.
type sliceDataset[T any] struct {
	name   string
	values []T
}

// FromSlice wraps an in-memory slice as a Dataset. Useful for tests and for small
// datasets provided inline.
func FromSlice[T any](name string, values []T) Dataset[T] {
	return &sliceDataset[T]{name: name, values: values}
}

// Name implements Dataset.
func (ds *sliceDataset[T]) Name() string { return ds.name }

// Len implements Dataset.
func (ds *sliceDataset[T]) Len() int { return len(ds.values) }

// At implements Dataset.
func (ds *sliceDataset[T]) At(index int) (value T, err error) {
	if index < 0 || index >= len(ds.values) {
		err = errors.Errorf("index %d out of range for dataset %q of length %d", index, ds.name, len(ds.values))
		return
	}
	return ds.values[index], nil
}

// rangeDataset is the integer sequence [0, length).
type rangeDataset struct {
	length int
}

// Range returns the Dataset of the integers [0, length): example i is the value i.
func Range(length int) Dataset[int] {
	return rangeDataset{length: length}
}

// Name implements Dataset.
func (ds rangeDataset) Name() string { return "range" }

// Len implements Dataset.
func (ds rangeDataset) Len() int { return ds.length }

// At implements Dataset.
func (ds rangeDataset) At(index int) (int, error) {
	if index < 0 || index >= ds.length {
		return 0, errors.Errorf("index %d out of range [0, %d)", index, ds.length)
	}
	return index, nil
}
