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
	"context"
	"fmt"

	"kestrelos.dev/kestrel/pkg/errors/kstatus"
	"kestrelos.dev/kestrel/pkg/hostarch"
	"kestrelos.dev/kestrel/pkg/memback"
)

// FlushRegion synchronizes the shared, dirty-capable sections overlapping
// [addr, addr+size) back to their backing stores. size is rounded up to a
// page multiple. Only sections created by the map system call participate.
//
// The registry lock is dropped around each writeback, with an extra reference
// keeping the section alive across the gap. If the section was unlinked while
// the lock was dropped, the scan restarts from the head of the region and the
// coverage accounting starts over; writeback of a given range is idempotent,
// so revisiting a section is harmless.
//
// FlushRegion fails with InvalidAddressRange if the accumulated overlap with
// eligible sections does not cover the entire rounded request, and with the
// backing store's error if any single writeback fails; remaining sections are
// then not flushed.
//
// Preconditions: addr is page-aligned; size is nonzero; the range does not
// wrap.
func (mm *MemoryManager) FlushRegion(ctx context.Context, addr hostarch.Addr, size uint64, async bool) error {
	if !addr.IsPageAligned() || size == 0 {
		panic(fmt.Sprintf("mm: flush of malformed region [%#x, +%#x)", uintptr(addr), size))
	}
	rounded, ok := hostarch.Addr(size).RoundUp()
	if !ok {
		panic(fmt.Sprintf("mm: flush size %#x wraps when rounded", size))
	}
	ar, ok := addr.ToRange(uint64(rounded))
	if !ok {
		panic(fmt.Sprintf("mm: flush range [%#x, +%#x) wraps", uintptr(addr), size))
	}

	// carried holds the reference taken for the previous writeback; it is
	// kept until the next candidate has been identified so that the current
	// scan position can never be freed underneath us.
	var carried *ImageSection
	mm.registryMu.Lock()
	locked := true
	defer func() {
		if locked {
			mm.registryMu.Unlock()
		}
		if carried != nil {
			carried.DecRef()
		}
	}()

	var total uint64
	s := mm.firstOverlappingLocked(ar)
	for s != nil && s.address < ar.End {
		if s.flags&SectionMapSyscall == 0 {
			s = mm.nextSectionLocked(s)
			continue
		}
		overlap := s.Range().Intersect(ar)
		if overlap.Length() == 0 {
			s = mm.nextSectionLocked(s)
			continue
		}
		total += overlap.Length()

		// Private sections and sections that were never writable have
		// nothing to synchronize.
		if s.flags&SectionShared == 0 || !s.wasWritable {
			s = mm.nextSectionLocked(s)
			continue
		}
		if checkInvariants {
			if s.flags&SectionPageCacheBacked == 0 || s.backing == nil {
				panic(fmt.Sprintf("mm: shared syscall section %v has no page cache backing", s.Range()))
			}
		}

		// Compute the backing range before leaving the registry: address and
		// fileOffset are registryMu-guarded and a concurrent split may move
		// them while the lock is dropped.
		fr := memback.FileRange{
			Start: s.fileOffset + uint64(overlap.Start-s.address),
			End:   s.fileOffset + uint64(overlap.End-s.address),
		}

		// Leave the registry for the writeback. The reference from the
		// previous iteration is dropped only now that the next candidate is
		// pinned.
		s.IncRef()
		mm.registryMu.Unlock()
		locked = false
		if carried != nil {
			carried.DecRef()
		}
		carried = s

		if err := s.backing.Sync(ctx, fr, async); err != nil {
			return err
		}

		mm.registryMu.Lock()
		locked = true
		if !s.linked {
			// The section was unmapped while the lock was dropped; the
			// successor we would have continued from may be gone too.
			// Restart the scan and the coverage count.
			total = 0
			s = mm.firstOverlappingLocked(ar)
			continue
		}
		s = mm.nextSectionLocked(s)
	}
	mm.registryMu.Unlock()
	locked = false

	if total != ar.Length() {
		// Part of the requested range was never mapped (or vanished before
		// the scan completed).
		return kstatus.InvalidAddressRange
	}
	return nil
}
