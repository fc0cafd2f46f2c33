// Copyright 2024 The Kestrel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memback defines the interface between the memory mapping subsystem
// and the objects that supply mapped content: open files and anonymous
// shared memory objects.
package memback

import (
	"context"
	"fmt"
	"io"

	"kestrelos.dev/kestrel/pkg/hostarch"
)

// FileRange is a range of byte offsets into a backing store. FileRange.End is
// exclusive.
type FileRange struct {
	Start uint64
	End   uint64
}

// WellFormed returns true if fr.Start <= fr.End.
func (fr FileRange) WellFormed() bool {
	return fr.Start <= fr.End
}

// Length returns the length of the range.
func (fr FileRange) Length() uint64 {
	return fr.End - fr.Start
}

// String implements fmt.Stringer.String.
func (fr FileRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", fr.Start, fr.End)
}

// Store is an open, reference-counted handle to a file or anonymous shared
// memory object that can back mapped sections.
//
// A Store is owned by the I/O layer, not by the mapping subsystem; sections
// hold counted references to it. All methods may be called concurrently.
type Store interface {
	// IncRef increments the reference count on the store.
	IncRef()

	// DecRef decrements the reference count on the store. The store is
	// destroyed when the last reference is dropped.
	DecRef()

	// Size returns the current size of the object in bytes.
	Size() (uint64, error)

	// Permissions returns the access with which the handle was opened.
	Permissions() hostarch.AccessType

	// Cacheable returns true if the object's contents are served from the
	// page cache. Only cacheable objects can back mapped sections.
	Cacheable() bool

	// Sync writes any cached data in fr back to the object. If async is
	// true, the writeback is scheduled but not waited for.
	//
	// Sync may block. Callers must not hold any mapping subsystem lock.
	// Syncing the same range more than once is harmless.
	Sync(ctx context.Context, fr FileRange, async bool) error

	// ReaderAt and WriterAt provide page-range I/O on the object. These are
	// consulted by page fault handling and writeback, outside this
	// subsystem.
	io.ReaderAt
	io.WriterAt
}

// Provider creates backing objects on behalf of the mapping subsystem.
type Provider interface {
	// CreateUnnamed creates an unnamed shared memory object of the given
	// size, opened with the given access. The object is unlinked on create:
	// it exists only as long as references to it do.
	CreateUnnamed(size uint64, access hostarch.AccessType) (Store, error)
}
