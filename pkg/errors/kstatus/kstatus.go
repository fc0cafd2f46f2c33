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

// Package kstatus contains the kernel status codes exported as error
// interface pointers. This allows for fast comparison and return operations.
// Errors are compared by identity, never unwrapped.
package kstatus

import (
	"kestrelos.dev/kestrel/pkg/abi/kestrel"
	"kestrelos.dev/kestrel/pkg/errors"
)

// The failure statuses a memory management operation can return. Internal
// contract violations are not represented here; those panic at the point of
// violation instead of propagating a status.
var (
	// InvalidParameter indicates a misaligned, null-where-forbidden,
	// overflowing, or otherwise malformed request.
	InvalidParameter = errors.New(kestrel.StatusInvalidParameter, "invalid parameter")

	// AccessDenied indicates the backing handle lacks a required read or
	// write permission.
	AccessDenied = errors.New(kestrel.StatusAccessDenied, "access denied")

	// InvalidHandle indicates the supplied handle does not name an open I/O
	// object.
	InvalidHandle = errors.New(kestrel.StatusInvalidHandle, "invalid handle")

	// NoEligibleDevices indicates the handle is not backed by the page cache
	// and cannot support mapped sections.
	NoEligibleDevices = errors.New(kestrel.StatusNoEligibleDevices, "no eligible devices")

	// InvalidAddressRange indicates a request that is not fully covered by
	// existing mappings, or that crosses into kernel space.
	InvalidAddressRange = errors.New(kestrel.StatusInvalidAddressRange, "invalid address range")

	// NotSupported indicates a mapping length beyond what an in-memory
	// mapping can represent.
	NotSupported = errors.New(kestrel.StatusNotSupported, "not supported")

	// OutOfAddressSpace indicates no free virtual address range could
	// satisfy an allocation.
	OutOfAddressSpace = errors.New(kestrel.StatusOutOfAddressSpace, "out of address space")

	// IOError indicates a backing store I/O failure.
	IOError = errors.New(kestrel.StatusIOError, "I/O error")
)

// Status returns the kestrel.Status corresponding to err. A nil error maps to
// StatusSuccess; an error that did not originate from this package maps to
// StatusIOError, the catch-all for collaborator failures.
func Status(err error) kestrel.Status {
	if err == nil {
		return kestrel.StatusSuccess
	}
	if e, ok := err.(*errors.Error); ok {
		return e.Status()
	}
	return kestrel.StatusIOError
}
