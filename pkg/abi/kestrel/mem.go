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

package kestrel

// Handle identifies an open I/O object in a process's handle table.
type Handle int32

// InvalidHandle is never a valid handle table entry.
const InvalidHandle Handle = -1

// Flags for the map system call and for set-memory-protection's new
// attributes.
const (
	// MapFlagRead requests read access to the mapping.
	MapFlagRead = 1 << iota

	// MapFlagWrite requests write access to the mapping.
	MapFlagWrite

	// MapFlagExecute requests execute access to the mapping.
	MapFlagExecute

	// MapFlagShared requests that modifications to the mapping be visible to
	// other mappings of the same object and carried through to the backing
	// store.
	MapFlagShared

	// MapFlagFixed requests that the mapping be placed at the supplied
	// address exactly, displacing anything already mapped there.
	MapFlagFixed

	// MapFlagAnonymous requests a mapping with no backing file. The handle
	// parameter is ignored.
	MapFlagAnonymous
)

// Flags for the flush memory system call.
const (
	// FlushFlagAsync requests that the flush be scheduled but not waited for.
	FlushFlagAsync = 1 << iota
)

// MapUnmapParams is the parameter block for the map-or-unmap-memory system
// call. On a successful map, Address holds the resulting mapping address on
// return.
type MapUnmapParams struct {
	// Map is true for a map operation, false for unmap.
	Map bool

	// Address is the requested address of the mapping, or zero for any.
	Address uintptr

	// Size is the size of the request in bytes.
	Size uint64

	// Offset is the offset into the backing object, in bytes.
	Offset uint64

	// Handle is the open handle backing the mapping. Ignored for anonymous
	// requests.
	Handle Handle

	// Flags is a bitfield of MapFlag* values.
	Flags uint32
}

// SetMemoryProtectionParams is the parameter block for the
// set-memory-protection system call.
type SetMemoryProtectionParams struct {
	// Address is the base address of the region to change.
	Address uintptr

	// Size is the size of the region to change, in bytes.
	Size uint64

	// NewAttributes is a bitfield of MapFlagRead, MapFlagWrite and
	// MapFlagExecute values.
	NewAttributes uint32
}

// FlushMemoryParams is the parameter block for the flush-memory system call.
type FlushMemoryParams struct {
	// Address is the base address of the region to flush.
	Address uintptr

	// Size is the size of the region to flush, in bytes.
	Size uint64

	// Flags is a bitfield of FlushFlag* values.
	Flags uint32
}
