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

	"github.com/google/btree"

	"kestrelos.dev/kestrel/pkg/errors/kstatus"
	"kestrelos.dev/kestrel/pkg/hostarch"
	"kestrelos.dev/kestrel/pkg/sync"
)

// AllocationStrategy determines how Allocate chooses a virtual address.
type AllocationStrategy int

const (
	// AnyAddress picks any free range.
	AnyAddress AllocationStrategy = iota

	// PreferredAddress tries the supplied hint, falling back to any free
	// range on conflict.
	PreferredAddress

	// FixedAddress uses exactly the supplied hint, failing if the range is
	// occupied.
	FixedAddress

	// FixedAddressClobber uses exactly the supplied hint, displacing
	// whatever accounting occupies it. Never legal against kernel space.
	FixedAddressClobber
)

// String implements fmt.Stringer.String.
func (s AllocationStrategy) String() string {
	switch s {
	case AnyAddress:
		return "AnyAddress"
	case PreferredAddress:
		return "PreferredAddress"
	case FixedAddress:
		return "FixedAddress"
	case FixedAddressClobber:
		return "FixedAddressClobber"
	default:
		return fmt.Sprintf("AllocationStrategy(%d)", int(s))
	}
}

// AddressSpace is the accountant for one address space: the ledger of used
// virtual address ranges within the range the space owns. There is one per
// process and one for kernel space.
//
// The accountant's lock is the unit of mutual exclusion for allocation
// decisions. It is never held across blocking I/O.
type AddressSpace struct {
	// name identifies the space in logs.
	name string

	// kernel is true for the kernel address space.
	kernel bool

	// ar is the virtual address range this space owns. Immutable.
	ar hostarch.AddrRange

	mu sync.Mutex

	// used holds the allocated ranges, keyed by start address, never
	// overlapping. Guarded by mu.
	used *btree.BTreeG[hostarch.AddrRange]
}

// NewAddressSpace returns an empty accountant owning ar.
func NewAddressSpace(name string, ar hostarch.AddrRange, kernel bool) *AddressSpace {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
		panic(fmt.Sprintf("mm: malformed address space range %v", ar))
	}
	return &AddressSpace{
		name:   name,
		kernel: kernel,
		ar:     ar,
		used: btree.NewG(8, func(a, b hostarch.AddrRange) bool {
			return a.Start < b.Start
		}),
	}
}

// Range returns the virtual address range the space owns.
func (as *AddressSpace) Range() hostarch.AddrRange {
	return as.ar
}

// Allocate finds or confirms a free range of size bytes aligned to alignment,
// per strategy, records it as used, and returns its start address. hint is
// consulted only by the Preferred and Fixed strategies.
//
// If locked is true the caller already holds the accountant lock, batching a
// validate-then-allocate sequence atomically.
func (as *AddressSpace) Allocate(size, alignment uint64, strategy AllocationStrategy, hint hostarch.Addr, locked bool) (hostarch.Addr, error) {
	if size == 0 || size%hostarch.PageSize != 0 || alignment == 0 || alignment&(alignment-1) != 0 {
		panic(fmt.Sprintf("mm: malformed allocation of %#x bytes aligned to %#x", size, alignment))
	}
	if !locked {
		as.mu.Lock()
		defer as.mu.Unlock()
	}

	switch strategy {
	case AnyAddress:
		return as.findAnyLocked(size, alignment)

	case PreferredAddress:
		if ar, ok := hint.ToRange(size); ok &&
			uint64(hint)%alignment == 0 &&
			as.ar.IsSupersetOf(ar) &&
			!as.usedOverlapsLocked(ar) {
			as.used.ReplaceOrInsert(ar)
			return hint, nil
		}
		return as.findAnyLocked(size, alignment)

	case FixedAddress, FixedAddressClobber:
		if strategy == FixedAddressClobber && as.kernel {
			panic("mm: FixedAddressClobber against the kernel address space")
		}
		ar, ok := hint.ToRange(size)
		if !ok || uint64(hint)%alignment != 0 || !as.ar.IsSupersetOf(ar) {
			return 0, kstatus.InvalidParameter
		}
		if as.usedOverlapsLocked(ar) {
			if strategy == FixedAddress {
				return 0, kstatus.OutOfAddressSpace
			}
			as.removeUsedLocked(ar)
		}
		as.used.ReplaceOrInsert(ar)
		return hint, nil

	default:
		return 0, kstatus.InvalidParameter
	}
}

// Release returns [addr, addr+size) to the free pool. It reports an error if
// part of the range was not recorded as used; the rest of the range is still
// released. See UnmapFileSection for why such errors are not propagated to
// user mode.
func (as *AddressSpace) Release(addr hostarch.Addr, size uint64, locked bool) error {
	ar, ok := addr.ToRange(size)
	if !ok {
		return fmt.Errorf("released range [%#x, +%#x) wraps", uintptr(addr), size)
	}
	if !locked {
		as.mu.Lock()
		defer as.mu.Unlock()
	}
	if removed := as.removeUsedLocked(ar); removed != ar.Length() {
		return fmt.Errorf("released range %v had only %#x of %#x bytes recorded", ar, removed, ar.Length())
	}
	return nil
}

// findAnyLocked performs a first-fit search of the gaps between used ranges.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) findAnyLocked(size, alignment uint64) (hostarch.Addr, error) {
	gapStart := as.ar.Start
	var result hostarch.Addr
	found := false
	as.used.Ascend(func(r hostarch.AddrRange) bool {
		if addr, ok := fitGap(gapStart, r.Start, size, alignment); ok {
			result = addr
			found = true
			return false
		}
		gapStart = r.End
		return true
	})
	if !found {
		addr, ok := fitGap(gapStart, as.ar.End, size, alignment)
		if !ok {
			return 0, kstatus.OutOfAddressSpace
		}
		result = addr
	}
	end, _ := result.AddLength(size)
	as.used.ReplaceOrInsert(hostarch.AddrRange{Start: result, End: end})
	return result, nil
}

// fitGap returns the lowest aligned address in [start, end) at which size
// bytes fit, if any.
func fitGap(start, end hostarch.Addr, size, alignment uint64) (hostarch.Addr, bool) {
	addr, ok := start.AlignUp(alignment)
	if !ok || addr > end {
		return 0, false
	}
	if uint64(end-addr) < size {
		return 0, false
	}
	return addr, true
}

// usedOverlapsLocked returns true if any used range overlaps ar.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) usedOverlapsLocked(ar hostarch.AddrRange) bool {
	probe := hostarch.AddrRange{Start: ar.Start}
	conflict := false
	as.used.DescendLessOrEqual(probe, func(r hostarch.AddrRange) bool {
		conflict = r.Overlaps(ar)
		return false
	})
	if conflict {
		return true
	}
	as.used.AscendGreaterOrEqual(probe, func(r hostarch.AddrRange) bool {
		conflict = r.Start < ar.End
		return false
	})
	return conflict
}

// removeUsedLocked deletes ar from the used ledger, trimming used ranges that
// straddle its boundaries, and returns the number of previously used bytes it
// removed.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) removeUsedLocked(ar hostarch.AddrRange) uint64 {
	var overlapping []hostarch.AddrRange
	probe := hostarch.AddrRange{Start: ar.Start}
	as.used.DescendLessOrEqual(probe, func(r hostarch.AddrRange) bool {
		if r.Start < ar.Start && r.Overlaps(ar) {
			overlapping = append(overlapping, r)
		}
		return false
	})
	as.used.AscendGreaterOrEqual(probe, func(r hostarch.AddrRange) bool {
		if r.Start >= ar.End {
			return false
		}
		overlapping = append(overlapping, r)
		return true
	})

	var removed uint64
	for _, r := range overlapping {
		as.used.Delete(r)
		removed += r.Intersect(ar).Length()
		if r.Start < ar.Start {
			as.used.ReplaceOrInsert(hostarch.AddrRange{Start: r.Start, End: ar.Start})
		}
		if r.End > ar.End {
			as.used.ReplaceOrInsert(hostarch.AddrRange{Start: ar.End, End: r.End})
		}
	}
	return removed
}
