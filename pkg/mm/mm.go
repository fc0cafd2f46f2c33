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

// Package mm implements the region-level bookkeeping of the virtual memory
// subsystem: address space accounting, image section lifecycle, mapping,
// protection changes, and writeback of shared sections.
//
// Lock order:
//
//	AddressSpace.mu
//	  MemoryManager.registryMu
//
// Neither lock is ever held across backing store I/O. FlushRegion drops
// registryMu around each Sync call and uses section reference counts plus the
// per-section linked bit to survive concurrent unmaps.
package mm

import (
	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"kestrelos.dev/kestrel/pkg/hostarch"
	"kestrelos.dev/kestrel/pkg/sync"
)

var log = logrus.StandardLogger().WithField("component", "mm")

// checkInvariants enables expensive sanity checks on registry mutation.
const checkInvariants = true

// MemoryManager manages the mapped regions of one address space: one per
// process, plus a single instance for kernel space constructed at boot.
type MemoryManager struct {
	// as is the accountant for the virtual address range this manager maps
	// into. Immutable.
	as *AddressSpace

	// kernelMM is the manager for kernel space, consulted when an operation
	// names a kernel address. nil iff this manager is the kernel's.
	// Immutable.
	kernelMM *MemoryManager

	// registryMu serializes mutation of and iteration over sections.
	registryMu sync.Mutex

	// sections is the section registry, keyed by section start address.
	// Sections never overlap.
	sections *btree.BTreeG[*ImageSection]
}

// NewMemoryManager returns a MemoryManager mapping into as. kernelMM must be
// the kernel-space manager, or nil if this manager is the kernel's own.
func NewMemoryManager(as *AddressSpace, kernelMM *MemoryManager) *MemoryManager {
	if (kernelMM == nil) != as.kernel {
		panic("mm: kernel address space and kernel manager must coincide")
	}
	return &MemoryManager{
		as:       as,
		kernelMM: kernelMM,
		sections: btree.NewG(8, func(a, b *ImageSection) bool {
			return a.address < b.address
		}),
	}
}

// AddressSpace returns the accountant this manager allocates from.
func (mm *MemoryManager) AddressSpace() *AddressSpace {
	return mm.as
}

// IsKernel returns true if mm manages kernel space.
func (mm *MemoryManager) IsKernel() bool {
	return mm.kernelMM == nil
}

// managerFor returns the manager owning addr: mm itself for addresses inside
// mm's space, the kernel manager for kernel addresses.
func (mm *MemoryManager) managerFor(addr hostarch.Addr) *MemoryManager {
	if mm.kernelMM != nil && addr >= mm.kernelMM.as.Range().Start {
		return mm.kernelMM
	}
	return mm
}

// insertLocked links s into the registry.
//
// Preconditions: mm.registryMu must be locked. s's range must not overlap any
// linked section.
func (mm *MemoryManager) insertLocked(s *ImageSection) {
	if checkInvariants {
		if c := mm.firstOverlappingLocked(s.Range()); c != nil {
			panic("mm: section " + s.Range().String() + " overlaps linked section " + c.Range().String())
		}
	}
	if _, replaced := mm.sections.ReplaceOrInsert(s); replaced {
		panic("mm: duplicate section at " + s.Range().String())
	}
	s.linked = true
}

// removeLocked unlinks s from the registry. s stays alive until its reference
// count drains.
//
// Preconditions: mm.registryMu must be locked. s must be linked.
func (mm *MemoryManager) removeLocked(s *ImageSection) {
	if _, found := mm.sections.Delete(s); !found {
		panic("mm: removing unlinked section " + s.Range().String())
	}
	s.linked = false
}

// firstOverlappingLocked returns the lowest-addressed section overlapping ar,
// or nil.
//
// Preconditions: mm.registryMu must be locked.
func (mm *MemoryManager) firstOverlappingLocked(ar hostarch.AddrRange) *ImageSection {
	probe := &ImageSection{address: ar.Start}
	var found *ImageSection
	mm.sections.DescendLessOrEqual(probe, func(s *ImageSection) bool {
		if s.Range().Overlaps(ar) {
			found = s
		}
		return false
	})
	if found != nil {
		return found
	}
	mm.sections.AscendGreaterOrEqual(probe, func(s *ImageSection) bool {
		if s.address < ar.End {
			found = s
		}
		return false
	})
	return found
}

// nextSectionLocked returns the linked section following s in address order,
// or nil.
//
// Preconditions: mm.registryMu must be locked. s must be linked.
func (mm *MemoryManager) nextSectionLocked(s *ImageSection) *ImageSection {
	probe := &ImageSection{address: s.address + 1}
	var next *ImageSection
	mm.sections.AscendGreaterOrEqual(probe, func(c *ImageSection) bool {
		next = c
		return false
	})
	return next
}

// SectionInfo describes one linked section at a quiescent point. It is a
// value snapshot used by diagnostics and tests.
type SectionInfo struct {
	Range       hostarch.AddrRange
	Flags       SectionFlags
	WasWritable bool
	FileOffset  uint64
}

// Sections returns a snapshot of the registry in address order.
func (mm *MemoryManager) Sections() []SectionInfo {
	mm.registryMu.Lock()
	defer mm.registryMu.Unlock()
	infos := make([]SectionInfo, 0, mm.sections.Len())
	mm.sections.Ascend(func(s *ImageSection) bool {
		infos = append(infos, SectionInfo{
			Range:       s.Range(),
			Flags:       s.flags,
			WasWritable: s.wasWritable,
			FileOffset:  s.fileOffset,
		})
		return true
	})
	return infos
}
