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
	"kestrelos.dev/kestrel/pkg/hostarch"
)

// Reservation is a caller-held allocation of contiguous address space, used
// when several related mappings must land in one region. A reservation
// outlives any single mapping placed in it; the caller owns its lifetime and
// must Release it explicitly.
type Reservation struct {
	// mm is the manager whose space the reservation was carved from.
	// Immutable.
	mm *MemoryManager

	// ar is the reserved range. Immutable.
	ar hostarch.AddrRange
}

// ReserveAddressRange allocates size bytes of address space per strategy and
// returns it as a reservation. Mappings placed in the reservation with a
// fixed strategy do not consume additional accounting, and unmapping them
// with the reservation supplied leaves the range reserved for reuse.
func (mm *MemoryManager) ReserveAddressRange(size uint64, strategy AllocationStrategy, hint hostarch.Addr) (*Reservation, error) {
	rounded := hostarch.Addr(size).MustRoundUp()
	addr, err := mm.as.Allocate(uint64(rounded), hostarch.PageSize, strategy, hint, false)
	if err != nil {
		return nil, err
	}
	end, _ := addr.AddLength(uint64(rounded))
	return &Reservation{
		mm: mm,
		ar: hostarch.AddrRange{Start: addr, End: end},
	}, nil
}

// Range returns the reserved address range.
func (r *Reservation) Range() hostarch.AddrRange {
	return r.ar
}

// Release returns the reserved range to the accountant. Any sections still
// mapped inside the reservation must have been unmapped first.
func (r *Reservation) Release() error {
	return r.mm.as.Release(r.ar.Start, r.ar.Length(), false)
}
