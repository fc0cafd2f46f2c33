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

package mm

import (
	"fmt"
	"sync/atomic"

	"kestrelos.dev/kestrel/pkg/errors/kstatus"
	"kestrelos.dev/kestrel/pkg/hostarch"
	"kestrelos.dev/kestrel/pkg/memback"
)

// SectionFlags describe an image section. The bits are independent.
type SectionFlags uint32

const (
	// SectionReadable means the section is currently readable.
	SectionReadable SectionFlags = 1 << iota

	// SectionWritable means the section is currently writable.
	SectionWritable

	// SectionExecutable means the section is currently executable.
	SectionExecutable

	// SectionShared means writes propagate to the backing store, as opposed
	// to private copy-on-write.
	SectionShared

	// SectionAnonymous means the section has no named backing file.
	SectionAnonymous

	// SectionMapSyscall means the section was created by the map system
	// call, making it eligible for the flush system call.
	SectionMapSyscall

	// SectionPageCacheBacked means the section's backing object is served
	// from the page cache.
	SectionPageCacheBacked
)

// sectionAccessMask covers the flag bits a protection change may alter.
const sectionAccessMask = SectionReadable | SectionWritable | SectionExecutable

// Access returns the current access bits of f.
func (f SectionFlags) Access() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    f&SectionReadable != 0,
		Write:   f&SectionWritable != 0,
		Execute: f&SectionExecutable != 0,
	}
}

// AccessFlags returns the section flag bits corresponding to at.
func AccessFlags(at hostarch.AccessType) SectionFlags {
	var f SectionFlags
	if at.Read {
		f |= SectionReadable
	}
	if at.Write {
		f |= SectionWritable
	}
	if at.Execute {
		f |= SectionExecutable
	}
	return f
}

// ImageSection describes one mapped virtual memory region. Sections are
// created by AddImageSection, shared by reference count between the registry
// and in-flight operations, and destroyed when the last reference is dropped
// after unlinking.
type ImageSection struct {
	// refCount counts the registry's link plus any temporary references
	// taken to keep the section alive across a registry lock drop.
	refCount atomic.Int64

	// address and size delimit the mapped region. Page-aligned, size
	// nonzero. Guarded by the owning manager's registryMu (protection
	// changes and partial unmaps may narrow a linked section).
	address hostarch.Addr
	size    uint64

	// flags holds the section's current attribute bits. Guarded by the
	// owning manager's registryMu.
	flags SectionFlags

	// wasWritable is set when the section is created writable or later made
	// writable, and never cleared: flush eligibility depends on whether the
	// section could ever have been dirtied, not on its current protection.
	// Guarded by the owning manager's registryMu.
	wasWritable bool

	// backing is a counted reference to the section's backing store, or nil
	// for an anonymous private section. The reference is dropped when the
	// section is destroyed. Immutable.
	backing memback.Store

	// fileOffset is the offset into backing corresponding to address.
	// Guarded by the owning manager's registryMu (splits adjust it).
	fileOffset uint64

	// linked is true while the section is in its registry. Guarded by the
	// owning manager's registryMu.
	linked bool
}

// Range returns the section's address range.
func (s *ImageSection) Range() hostarch.AddrRange {
	end, _ := s.address.AddLength(s.size)
	return hostarch.AddrRange{Start: s.address, End: end}
}

// IncRef takes a reference on s, preventing its destruction until a matching
// DecRef.
func (s *ImageSection) IncRef() {
	if v := s.refCount.Add(1); v <= 1 {
		panic(fmt.Sprintf("mm: incrementing non-positive count %d on section %v", v-1, s.Range()))
	}
}

// DecRef drops a reference on s. The last reference after unlinking destroys
// the section and drops its backing reference.
func (s *ImageSection) DecRef() {
	switch v := s.refCount.Add(-1); {
	case v < 0:
		panic(fmt.Sprintf("mm: decrementing non-positive ref count on section %v", s.Range()))
	case v == 0:
		if s.linked {
			panic(fmt.Sprintf("mm: destroying section %v while still linked", s.Range()))
		}
		if s.backing != nil {
			s.backing.DecRef()
		}
	}
}

// AddImageSection constructs a section over [addr, addr+size) and links it
// into mm's registry with a reference count of one.
//
// Preconditions: the target range is page-aligned, does not wrap, and was
// already allocated from mm's accountant. If backing is non-nil it must grant
// read access, and write access if flags request a shared writable mapping.
func (mm *MemoryManager) AddImageSection(addr hostarch.Addr, size uint64, flags SectionFlags, backing memback.Store, fileOffset uint64) (*ImageSection, error) {
	ar, ok := addr.ToRange(size)
	if !ok || size == 0 || !ar.IsPageAligned() {
		panic(fmt.Sprintf("mm: malformed section range [%#x, +%#x)", uintptr(addr), size))
	}
	if backing != nil {
		perms := backing.Permissions()
		if !perms.Read {
			return nil, kstatus.AccessDenied
		}
		if flags&SectionShared != 0 && flags&SectionWritable != 0 && !perms.Write {
			return nil, kstatus.AccessDenied
		}
	}

	s := &ImageSection{
		address:     addr,
		size:        size,
		flags:       flags,
		wasWritable: flags&SectionWritable != 0,
		backing:     backing,
		fileOffset:  fileOffset,
	}
	s.refCount.Store(1)
	if backing != nil {
		backing.IncRef()
	}

	mm.registryMu.Lock()
	defer mm.registryMu.Unlock()
	mm.insertLocked(s)
	return s, nil
}

// isolateLocked narrows s to its intersection with ar, linking new sections
// for the parts of s outside ar. It returns s, which afterwards covers
// exactly s.Range() ∩ ar.
//
// Preconditions: mm.registryMu must be locked. s must be linked and overlap
// ar. ar must be page-aligned.
func (mm *MemoryManager) isolateLocked(s *ImageSection, ar hostarch.AddrRange) *ImageSection {
	mid := s.Range().Intersect(ar)
	if mid.Length() == 0 {
		panic(fmt.Sprintf("mm: isolating section %v against disjoint range %v", s.Range(), ar))
	}
	if mid == s.Range() {
		return s
	}

	old := s.Range()
	oldOffset := s.fileOffset

	// The registry is keyed by start address; take s out before mutating it.
	mm.removeLocked(s)
	s.address = mid.Start
	s.size = mid.Length()
	s.fileOffset = oldOffset + uint64(mid.Start-old.Start)
	mm.insertLocked(s)

	if old.Start < mid.Start {
		mm.insertLocked(s.splitTailLocked(hostarch.AddrRange{Start: old.Start, End: mid.Start}, oldOffset))
	}
	if mid.End < old.End {
		mm.insertLocked(s.splitTailLocked(hostarch.AddrRange{Start: mid.End, End: old.End}, oldOffset+uint64(mid.End-old.Start)))
	}
	return s
}

// splitTailLocked returns a new unlinked section sharing s's attributes and
// backing over ar.
func (s *ImageSection) splitTailLocked(ar hostarch.AddrRange, fileOffset uint64) *ImageSection {
	n := &ImageSection{
		address:     ar.Start,
		size:        ar.Length(),
		flags:       s.flags,
		wasWritable: s.wasWritable,
		backing:     s.backing,
		fileOffset:  fileOffset,
	}
	n.refCount.Store(1)
	if n.backing != nil {
		n.backing.IncRef()
	}
	return n
}
