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

	"kestrelos.dev/kestrel/pkg/hostarch"
)

// ChangeRegionAccess applies access to every section overlapping ar. A
// section only partially inside ar is split first, so that only the
// overlapping sub-range's protection changes. Gaps in ar are ignored.
//
// Sections that were ever writable stay flush-eligible after a downgrade:
// the sticky wasWritable bit records dirty-capability, not current
// protection. Upgrading a shared section to writable is permitted regardless
// of the backing handle's permissions; the backing store rejects the
// writeback instead if it ever comes to that.
//
// Preconditions: ar is page-aligned, non-empty, and does not wrap.
func (mm *MemoryManager) ChangeRegionAccess(ar hostarch.AddrRange, access hostarch.AccessType) {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
		panic(fmt.Sprintf("mm: protection change on malformed region %v", ar))
	}
	newBits := AccessFlags(access)

	mm.registryMu.Lock()
	defer mm.registryMu.Unlock()
	for s := mm.firstOverlappingLocked(ar); s != nil; s = mm.nextSectionLocked(s) {
		if s.address >= ar.End {
			break
		}
		s = mm.isolateLocked(s, ar)
		s.flags = (s.flags &^ sectionAccessMask) | newBits
		if access.Write {
			s.wasWritable = true
		}
	}
}
