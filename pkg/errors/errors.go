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

// Package errors holds the standardized error definition for Kestrel.
package errors

import (
	"kestrelos.dev/kestrel/pkg/abi/kestrel"
)

// Error represents a kernel status code with a descriptive message.
type Error struct {
	status  kestrel.Status
	message string
}

// New creates a new *Error.
func New(status kestrel.Status, message string) *Error {
	return &Error{
		status:  status,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Status returns the underlying kestrel.Status value.
func (e *Error) Status() kestrel.Status { return e.status }
