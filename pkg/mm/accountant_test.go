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
	"testing"

	"kestrelos.dev/kestrel/pkg/errors/kstatus"
	"kestrelos.dev/kestrel/pkg/hostarch"
)

const (
	testSpaceStart = hostarch.Addr(0x10000)
	testSpaceEnd   = hostarch.Addr(0x10000000)
)

func testAddressSpace(t *testing.T) *AddressSpace {
	t.Helper()
	return NewAddressSpace("test", hostarch.AddrRange{Start: testSpaceStart, End: testSpaceEnd}, false)
}

func TestAllocateAnyAddress(t *testing.T) {
	as := testAddressSpace(t)
	a1, err := as.Allocate(3*hostarch.PageSize, hostarch.PageSize, AnyAddress, 0, false)
	if err != nil {
		t.Fatalf("Allocate: got error %v, wanted success", err)
	}
	if a1 != testSpaceStart {
		t.Errorf("first allocation: got %#x, wanted space start %#x", a1, testSpaceStart)
	}
	a2, err := as.Allocate(hostarch.PageSize, hostarch.PageSize, AnyAddress, 0, false)
	if err != nil {
		t.Fatalf("second Allocate: got error %v, wanted success", err)
	}
	if a2 != a1+3*hostarch.PageSize {
		t.Errorf("second allocation: got %#x, wanted %#x", a2, a1+3*hostarch.PageSize)
	}
}

func TestAllocateReusesReleasedRange(t *testing.T) {
	as := testAddressSpace(t)
	a1, err := as.Allocate(2*hostarch.PageSize, hostarch.PageSize, AnyAddress, 0, false)
	if err != nil {
		t.Fatalf("Allocate: got error %v, wanted success", err)
	}
	if _, err := as.Allocate(hostarch.PageSize, hostarch.PageSize, AnyAddress, 0, false); err != nil {
		t.Fatalf("Allocate: got error %v, wanted success", err)
	}
	if err := as.Release(a1, 2*hostarch.PageSize, false); err != nil {
		t.Fatalf("Release: got error %v, wanted success", err)
	}
	a3, err := as.Allocate(2*hostarch.PageSize, hostarch.PageSize, AnyAddress, 0, false)
	if err != nil {
		t.Fatalf("Allocate after release: got error %v, wanted success", err)
	}
	if a3 != a1 {
		t.Errorf("allocation after release: got %#x, wanted freed range %#x", a3, a1)
	}
}

func TestAllocatePreferredAddress(t *testing.T) {
	as := testAddressSpace(t)
	hint := testSpaceStart + 0x40000
	a1, err := as.Allocate(hostarch.PageSize, hostarch.PageSize, PreferredAddress, hint, false)
	if err != nil {
		t.Fatalf("Allocate: got error %v, wanted success", err)
	}
	if a1 != hint {
		t.Errorf("preferred allocation with free hint: got %#x, wanted %#x", a1, hint)
	}

	// An occupied hint falls back to any free range.
	a2, err := as.Allocate(hostarch.PageSize, hostarch.PageSize, PreferredAddress, hint, false)
	if err != nil {
		t.Fatalf("Allocate with occupied hint: got error %v, wanted success", err)
	}
	if a2 == hint {
		t.Errorf("preferred allocation with occupied hint: got the hint %#x back", a2)
	}
}

func TestAllocateFixedAddress(t *testing.T) {
	as := testAddressSpace(t)
	target := testSpaceStart + 0x100000
	a1, err := as.Allocate(2*hostarch.PageSize, hostarch.PageSize, FixedAddress, target, false)
	if err != nil {
		t.Fatalf("Allocate: got error %v, wanted success", err)
	}
	if a1 != target {
		t.Errorf("fixed allocation: got %#x, wanted %#x", a1, target)
	}
	if _, err := as.Allocate(hostarch.PageSize, hostarch.PageSize, FixedAddress, target, false); err != kstatus.OutOfAddressSpace {
		t.Errorf("fixed allocation over occupied range: got %v, wanted OutOfAddressSpace", err)
	}
	if _, err := as.Allocate(hostarch.PageSize, hostarch.PageSize, FixedAddress, testSpaceEnd, false); err != kstatus.InvalidParameter {
		t.Errorf("fixed allocation outside the space: got %v, wanted InvalidParameter", err)
	}
}

func TestAllocateFixedAddressClobber(t *testing.T) {
	as := testAddressSpace(t)
	target := testSpaceStart + 0x100000
	if _, err := as.Allocate(4*hostarch.PageSize, hostarch.PageSize, FixedAddress, target, false); err != nil {
		t.Fatalf("Allocate: got error %v, wanted success", err)
	}

	// Clobber the middle two pages; the outer pages stay accounted.
	a, err := as.Allocate(2*hostarch.PageSize, hostarch.PageSize, FixedAddressClobber, target+hostarch.PageSize, false)
	if err != nil {
		t.Fatalf("clobber Allocate: got error %v, wanted success", err)
	}
	if a != target+hostarch.PageSize {
		t.Errorf("clobber allocation: got %#x, wanted %#x", a, target+hostarch.PageSize)
	}
	if _, err := as.Allocate(hostarch.PageSize, hostarch.PageSize, FixedAddress, target, false); err != kstatus.OutOfAddressSpace {
		t.Errorf("allocation over surviving head page: got %v, wanted OutOfAddressSpace", err)
	}
	if _, err := as.Allocate(hostarch.PageSize, hostarch.PageSize, FixedAddress, target+3*hostarch.PageSize, false); err != kstatus.OutOfAddressSpace {
		t.Errorf("allocation over surviving tail page: got %v, wanted OutOfAddressSpace", err)
	}
}

func TestAllocateAlignment(t *testing.T) {
	as := testAddressSpace(t)
	if _, err := as.Allocate(hostarch.PageSize, hostarch.PageSize, AnyAddress, 0, false); err != nil {
		t.Fatalf("Allocate: got error %v, wanted success", err)
	}
	const align = 0x100000
	a, err := as.Allocate(hostarch.PageSize, align, AnyAddress, 0, false)
	if err != nil {
		t.Fatalf("aligned Allocate: got error %v, wanted success", err)
	}
	if uint64(a)%align != 0 {
		t.Errorf("aligned allocation: got %#x, wanted a multiple of %#x", a, align)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	as := NewAddressSpace("tiny", hostarch.AddrRange{Start: 0x1000, End: 0x4000}, false)
	if _, err := as.Allocate(3*hostarch.PageSize, hostarch.PageSize, AnyAddress, 0, false); err != nil {
		t.Fatalf("Allocate: got error %v, wanted success", err)
	}
	if _, err := as.Allocate(hostarch.PageSize, hostarch.PageSize, AnyAddress, 0, false); err != kstatus.OutOfAddressSpace {
		t.Errorf("allocation from full space: got %v, wanted OutOfAddressSpace", err)
	}
}

func TestReleasePartiallyUnknownRange(t *testing.T) {
	as := testAddressSpace(t)
	a, err := as.Allocate(2*hostarch.PageSize, hostarch.PageSize, AnyAddress, 0, false)
	if err != nil {
		t.Fatalf("Allocate: got error %v, wanted success", err)
	}
	// Releasing more than was allocated still frees the allocated part, but
	// reports the mismatch.
	if err := as.Release(a, 4*hostarch.PageSize, false); err == nil {
		t.Errorf("Release of partially unknown range: got success, wanted error")
	}
	a2, err := as.Allocate(2*hostarch.PageSize, hostarch.PageSize, FixedAddress, a, false)
	if err != nil || a2 != a {
		t.Errorf("reallocation of released range: got (%#x, %v), wanted (%#x, nil)", a2, err, a)
	}
}
