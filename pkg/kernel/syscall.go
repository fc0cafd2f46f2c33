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

package kernel

import (
	"context"

	"kestrelos.dev/kestrel/pkg/abi/kestrel"
	"kestrelos.dev/kestrel/pkg/errors/kstatus"
	"kestrelos.dev/kestrel/pkg/hostarch"
	"kestrelos.dev/kestrel/pkg/memback"
	"kestrelos.dev/kestrel/pkg/mm"
)

// mapAccess translates request flag bits into an access type. Write and
// execute each imply read: the hardware cannot express a page that can be
// written or fetched but not read.
func mapAccess(flags uint32) hostarch.AccessType {
	var at hostarch.AccessType
	if flags&kestrel.MapFlagRead != 0 {
		at.Read = true
	}
	if flags&kestrel.MapFlagWrite != 0 {
		at.Write = true
		at.Read = true
	}
	if flags&kestrel.MapFlagExecute != 0 {
		at.Execute = true
		at.Read = true
	}
	return at
}

// MapOrUnmapMemory implements the map-or-unmap-memory system call. On a
// successful map, args.Address is updated with the resulting address.
//
// All argument validation happens here, before any mutation: the region must
// be page-aligned, must not wrap, and must lie entirely below the kernel
// boundary.
func (p *Process) MapOrUnmapMemory(ctx context.Context, args *kestrel.MapUnmapParams) kestrel.Status {
	kernelStart := hostarch.Addr(p.k.cfg.Memory.KernelStart)

	rounded, ok := hostarch.Addr(args.Size).RoundUp()
	if !ok {
		return kestrel.StatusInvalidParameter
	}
	size := uint64(rounded)
	addr := hostarch.Addr(args.Address)
	end, ok := addr.AddLength(size)
	if !addr.IsPageAligned() || size == 0 || !ok || end >= kernelStart {
		return kestrel.StatusInvalidParameter
	}

	if !args.Map {
		if addr == 0 {
			return kestrel.StatusInvalidParameter
		}
		return kstatus.Status(p.mm.UnmapFileSection(addr, size, nil))
	}

	if args.Offset%hostarch.PageSize != 0 {
		return kestrel.StatusInvalidParameter
	}
	if args.Offset+size <= args.Offset {
		return kestrel.StatusInvalidParameter
	}

	access := mapAccess(args.Flags)
	flags := mm.AccessFlags(access) | mm.SectionMapSyscall
	if args.Flags&kestrel.MapFlagShared != 0 {
		flags |= mm.SectionShared
	}

	var (
		backing    memback.Store
		fileOffset uint64
	)
	if args.Flags&kestrel.MapFlagAnonymous == 0 {
		backing = p.getStore(args.Handle)
		if backing == nil {
			return kestrel.StatusInvalidHandle
		}
		defer backing.DecRef()
		if !backing.Cacheable() {
			return kestrel.StatusNoEligibleDevices
		}
		flags |= mm.SectionPageCacheBacked
		fileOffset = args.Offset
	} else {
		flags |= mm.SectionAnonymous
		// Shared anonymous sections are backed by an unnamed shared memory
		// object sized to the request; it vanishes with its last mapping.
		if args.Flags&kestrel.MapFlagShared != 0 {
			var err error
			backing, err = p.k.provider.CreateUnnamed(size, access)
			if err != nil {
				return kstatus.Status(err)
			}
			defer backing.DecRef()
			flags |= mm.SectionPageCacheBacked
		}
	}

	strategy := mm.AnyAddress
	if args.Flags&kestrel.MapFlagFixed != 0 {
		// A fixed request displaces whatever occupies the target, so a null
		// target would silently clobber the process's lowest mappings.
		if addr == 0 {
			return kestrel.StatusInvalidParameter
		}
		strategy = mm.FixedAddressClobber
	} else if addr != 0 {
		strategy = mm.PreferredAddress
	}

	result, err := p.mm.MapFileSection(mm.MapOpts{
		Backing:  backing,
		Offset:   fileOffset,
		Length:   size,
		Flags:    flags,
		Addr:     addr,
		Strategy: strategy,
	})
	if err != nil {
		return kstatus.Status(err)
	}
	args.Address = uintptr(result)
	return kestrel.StatusSuccess
}

// SetMemoryProtection implements the set-memory-protection system call.
//
// Unlike mapping, the new attributes are applied verbatim: write and execute
// do not imply read, so execute-only regions can be produced.
func (p *Process) SetMemoryProtection(args *kestrel.SetMemoryProtectionParams) kestrel.Status {
	kernelStart := hostarch.Addr(p.k.cfg.Memory.KernelStart)

	rounded, ok := hostarch.Addr(args.Size).RoundUp()
	if !ok {
		return kestrel.StatusInvalidParameter
	}
	size := uint64(rounded)
	addr := hostarch.Addr(args.Address)
	end, ok := addr.AddLength(size)
	if addr == 0 || !addr.IsPageAligned() || size == 0 || !ok || end >= kernelStart {
		return kestrel.StatusInvalidParameter
	}

	access := hostarch.AccessType{
		Read:    args.NewAttributes&kestrel.MapFlagRead != 0,
		Write:   args.NewAttributes&kestrel.MapFlagWrite != 0,
		Execute: args.NewAttributes&kestrel.MapFlagExecute != 0,
	}
	p.mm.ChangeRegionAccess(hostarch.AddrRange{Start: addr, End: end}, access)
	return kestrel.StatusSuccess
}

// FlushMemory implements the flush-memory system call.
func (p *Process) FlushMemory(ctx context.Context, args *kestrel.FlushMemoryParams) kestrel.Status {
	kernelStart := hostarch.Addr(p.k.cfg.Memory.KernelStart)

	addr := hostarch.Addr(args.Address)
	if addr == 0 || !addr.IsPageAligned() {
		return kestrel.StatusInvalidParameter
	}
	if args.Size == 0 {
		return kestrel.StatusInvalidParameter
	}
	// The boundary check happens before the size is rounded, so a range
	// ending exactly at the boundary is accepted here and then rejected by
	// coverage accounting if it reaches unmapped space.
	if end, ok := addr.AddLength(args.Size); !ok || end > kernelStart {
		return kestrel.StatusInvalidAddressRange
	}

	async := args.Flags&kestrel.FlushFlagAsync != 0
	return kstatus.Status(p.mm.FlushRegion(ctx, addr, args.Size, async))
}
