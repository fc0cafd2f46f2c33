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

package hostarch

import "fmt"

// Addr represents a generic virtual address.
type Addr uintptr

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
//
// Note: This function is usually used to get the end of an address range
// defined by its start address and length. Since an address range is
// considered to not include its "end" address, we do not require that start +
// length is strictly less than the maximum value of Addr.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// As of this writing (Go 1.25), addrAtMost64b is required to prevent an
	// invalid bounds check elimination on 32-bit platforms, where Addr is
	// half the width of uint64.
	ok = end >= v && length <= addrAtMost64b
	return
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("hostarch.Addr(%d).RoundUp() wraps", v))
	}
	return addr
}

// IsPageAligned returns true if v.RoundDown() == v.
func (v Addr) IsPageAligned() bool {
	return v.RoundDown() == v
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// AlignDown returns the address rounded down to the nearest multiple of
// alignment, which must be a power of 2.
func (v Addr) AlignDown(alignment uint64) Addr {
	return v & ^Addr(alignment-1)
}

// AlignUp returns the address rounded up to the nearest multiple of alignment,
// which must be a power of 2. ok is true iff rounding up did not wrap around.
func (v Addr) AlignUp(alignment uint64) (addr Addr, ok bool) {
	addr = Addr(v + Addr(alignment) - 1).AlignDown(alignment)
	ok = addr >= v
	return
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}
