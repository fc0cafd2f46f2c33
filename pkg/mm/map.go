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

	"kestrelos.dev/kestrel/pkg/errors/kstatus"
	"kestrelos.dev/kestrel/pkg/hostarch"
	"kestrelos.dev/kestrel/pkg/memback"
)

// MapOpts specifies a MapFileSection request.
type MapOpts struct {
	// Backing is the object supplying the mapping's content, or nil for an
	// anonymous private mapping.
	Backing memback.Store

	// Offset is the offset into Backing where the mapping begins.
	Offset uint64

	// Length is the desired length of the mapping in bytes. Zero means
	// "until the end of Backing".
	Length uint64

	// Flags are the section attributes to map with.
	Flags SectionFlags

	// Addr is the requested virtual address. It is a hint for
	// PreferredAddress and an exact target for the fixed strategies; under a
	// reservation it may additionally carry a sub-page offset.
	Addr hostarch.Addr

	// Strategy selects how the address is chosen.
	Strategy AllocationStrategy

	// Reservation optionally names a reservation the mapping must land in.
	Reservation *Reservation
}

// MapFileSection maps a file, a portion of a file, or an anonymous object
// into mm's address space and returns the effective address of the mapping:
// the byte inside the page-aligned allocated range corresponding to
// opts.Offset.
//
// On failure nothing is left behind: a freshly allocated address range is
// always released before the error is returned.
func (mm *MemoryManager) MapFileSection(opts MapOpts) (hostarch.Addr, error) {
	// Clobbering kernel space is almost certain to be a disaster; no
	// internal caller may ask for it.
	if opts.Strategy == FixedAddressClobber && mm.IsKernel() {
		panic("mm: FixedAddressClobber mapping against kernel space")
	}

	if opts.Backing != nil {
		perms := opts.Backing.Permissions()
		if !perms.Read {
			return 0, kstatus.AccessDenied
		}
		if opts.Flags&SectionShared != 0 && opts.Flags&SectionWritable != 0 && !perms.Write {
			return 0, kstatus.AccessDenied
		}
	}

	// A zero length means "map to the end of the backing object".
	length := opts.Length
	if length == 0 {
		if opts.Backing == nil {
			return 0, kstatus.InvalidHandle
		}
		fileSize, err := opts.Backing.Size()
		if err != nil {
			return 0, err
		}
		if opts.Offset >= fileSize {
			return 0, kstatus.InvalidParameter
		}
		length = fileSize - opts.Offset
		if length > mm.as.Range().Length() {
			return 0, kstatus.NotSupported
		}
	}

	// Under a reservation with a fixed strategy the caller's address is
	// authoritative: truncate it to a page boundary, remember the sub-page
	// adjustment, and confirm the result stays inside the reservation.
	var (
		allocation hostarch.Addr
		adjustment uint64
		haveFixed  bool
	)
	if r := opts.Reservation; r != nil && (opts.Strategy == FixedAddress || opts.Strategy == FixedAddressClobber) {
		if r.mm != mm {
			panic("mm: reservation does not belong to this address space")
		}
		allocation = opts.Addr.RoundDown()
		adjustment = opts.Addr.PageOffset()
		if !r.ar.Contains(allocation) {
			return 0, kstatus.InvalidParameter
		}
		if end, ok := opts.Addr.AddLength(length); !ok || end > r.ar.End {
			length = uint64(r.ar.End - opts.Addr)
			if length == 0 {
				return 0, kstatus.InvalidParameter
			}
		}
		// The backing offset slides down by the adjustment; it cannot slide
		// past the start of the object.
		if opts.Offset < adjustment {
			return 0, kstatus.InvalidParameter
		}
		haveFixed = true
	}

	// Batch the remaining validation and the allocation under the accountant
	// lock for a process space. Kernel space allocations lock internally;
	// see AddressSpace.Allocate.
	lockHeld := false
	if !mm.IsKernel() {
		mm.as.mu.Lock()
		lockHeld = true
		defer mm.as.mu.Unlock()
	}

	if !haveFixed {
		adjustment = opts.Offset % hostarch.PageSize
	}
	if length+adjustment < length {
		return 0, kstatus.NotSupported
	}
	adjEnd, ok := hostarch.Addr(length + adjustment).RoundUp()
	if !ok {
		return 0, kstatus.NotSupported
	}
	allocSize := uint64(adjEnd)

	rangeAllocated := false
	if !haveFixed {
		var err error
		allocation, err = mm.as.Allocate(allocSize, hostarch.PageSize, opts.Strategy, opts.Addr.RoundDown(), lockHeld)
		if err != nil {
			return 0, err
		}
		rangeAllocated = true
	}

	// A clobbering map displaces whatever sections occupied the target; the
	// accountant already displaced their ranges above.
	if opts.Strategy == FixedAddressClobber {
		ar, _ := allocation.ToRange(allocSize)
		mm.UnmapImageRegion(ar)
	}

	_, err := mm.AddImageSection(allocation, allocSize, opts.Flags, opts.Backing, opts.Offset-adjustment)
	if err != nil {
		if rangeAllocated {
			if rerr := mm.as.Release(allocation, allocSize, lockHeld); rerr != nil {
				log.WithError(rerr).Warnf("rolling back mapping at %#x", uintptr(allocation))
			}
		}
		return 0, err
	}
	return allocation + hostarch.Addr(adjustment), nil
}

// UnmapFileSection unmaps [addr, addr+size) after rounding size up to a page
// multiple. The owning manager is selected by comparing addr against the
// kernel boundary, so a process manager can be asked to unmap a kernel
// mapping.
//
// If the mapping was created under a reservation, the same reservation must
// be supplied and the unmapped range stays reserved for the caller's reuse.
// Otherwise the range is released back to the accountant; a failure to record
// that release is logged and swallowed, since it cannot invalidate the unmap
// that already completed.
func (mm *MemoryManager) UnmapFileSection(addr hostarch.Addr, size uint64, r *Reservation) error {
	if !addr.IsPageAligned() {
		panic(fmt.Sprintf("mm: unmap of unaligned address %#x", uintptr(addr)))
	}
	rounded, ok := hostarch.Addr(size).RoundUp()
	if !ok || size == 0 {
		panic(fmt.Sprintf("mm: unmap of malformed size %#x", size))
	}
	size = uint64(rounded)
	ar, ok := addr.ToRange(size)
	if !ok {
		panic(fmt.Sprintf("mm: unmap range [%#x, +%#x) wraps", uintptr(addr), size))
	}

	target := mm.managerFor(addr)
	as := target.as
	lockHeld := false
	if !target.IsKernel() {
		as.mu.Lock()
		lockHeld = true
		defer as.mu.Unlock()
	}

	target.UnmapImageRegion(ar)

	if r == nil {
		if err := as.Release(addr, size, lockHeld); err != nil {
			// The region is already gone from the address map; surfacing a
			// bookkeeping failure now would wrongly suggest the mapping is
			// still usable. Keep the debt internal.
			log.WithError(err).Warnf("failed to release accounting range %v in %s", ar, as.name)
		}
	} else if r.mm != target || !r.ar.IsSupersetOf(ar) {
		panic(fmt.Sprintf("mm: unmap of %v does not match reservation %v", ar, r.ar))
	}
	return nil
}

// UnmapImageRegion removes every section overlapping ar from mm's registry,
// splitting sections that straddle the region's edges. Accounting is not
// touched; callers own the accountant interaction.
func (mm *MemoryManager) UnmapImageRegion(ar hostarch.AddrRange) {
	if !ar.WellFormed() || !ar.IsPageAligned() {
		panic(fmt.Sprintf("mm: unmap of malformed region %v", ar))
	}

	mm.registryMu.Lock()
	var dead []*ImageSection
	for s := mm.firstOverlappingLocked(ar); s != nil; s = mm.firstOverlappingLocked(ar) {
		s = mm.isolateLocked(s, ar)
		mm.removeLocked(s)
		dead = append(dead, s)
	}
	mm.registryMu.Unlock()

	// Destruction may drop the last backing store reference; do it outside
	// the registry lock.
	for _, s := range dead {
		s.DecRef()
	}
}

// CleanUp unmaps everything remaining in a process's space at exit and
// returns its accounting. The kernel manager lives for system uptime and is
// never cleaned up.
func (mm *MemoryManager) CleanUp() {
	if mm.IsKernel() {
		panic("mm: cleaning up the kernel memory manager")
	}
	ar := mm.as.Range()
	mm.UnmapImageRegion(ar)

	mm.registryMu.Lock()
	remaining := mm.sections.Len()
	mm.registryMu.Unlock()
	if remaining != 0 {
		panic(fmt.Sprintf("mm: %d sections survived teardown of %s", remaining, mm.as.name))
	}

	mm.as.mu.Lock()
	mm.as.removeUsedLocked(ar)
	mm.as.mu.Unlock()
}
