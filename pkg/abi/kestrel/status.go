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

package kestrel

// Status is the numeric status word returned to user mode by every system
// call. StatusSuccess is zero; all failures are nonzero.
type Status uint32

// Status codes returned by the memory management system calls.
const (
	StatusSuccess Status = iota
	StatusInvalidParameter
	StatusAccessDenied
	StatusInvalidHandle
	StatusNoEligibleDevices
	StatusInvalidAddressRange
	StatusNotSupported
	StatusOutOfAddressSpace
	StatusIOError
)

// String implements fmt.Stringer.String.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidParameter:
		return "invalid parameter"
	case StatusAccessDenied:
		return "access denied"
	case StatusInvalidHandle:
		return "invalid handle"
	case StatusNoEligibleDevices:
		return "no eligible devices"
	case StatusInvalidAddressRange:
		return "invalid address range"
	case StatusNotSupported:
		return "not supported"
	case StatusOutOfAddressSpace:
		return "out of address space"
	case StatusIOError:
		return "I/O error"
	default:
		return "unknown status"
	}
}
