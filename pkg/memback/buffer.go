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

package memback

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"kestrelos.dev/kestrel/pkg/hostarch"
)

// Buffer is an in-memory Store. It backs anonymous shared memory objects and
// is the canonical test double for file stores.
type Buffer struct {
	refCount atomic.Int64

	perms     hostarch.AccessType
	cacheable bool

	mu      sync.Mutex
	data    []byte
	synced  []FileRange
	syncErr error
}

// NewBuffer returns a Buffer of the given size with an initial reference.
func NewBuffer(size uint64, perms hostarch.AccessType) *Buffer {
	b := &Buffer{
		perms:     perms,
		cacheable: true,
		data:      make([]byte, size),
	}
	b.refCount.Store(1)
	return b
}

// NewUncacheableBuffer returns a Buffer whose Cacheable method reports false,
// standing in for objects like device memory that cannot back sections.
func NewUncacheableBuffer(size uint64, perms hostarch.AccessType) *Buffer {
	b := NewBuffer(size, perms)
	b.cacheable = false
	return b
}

// IncRef implements Store.IncRef.
func (b *Buffer) IncRef() {
	if v := b.refCount.Add(1); v <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %d on memback.Buffer", v-1))
	}
}

// DecRef implements Store.DecRef.
func (b *Buffer) DecRef() {
	switch v := b.refCount.Add(-1); {
	case v < 0:
		panic("Decrementing non-positive ref count on memback.Buffer")
	case v == 0:
		b.mu.Lock()
		b.data = nil
		b.mu.Unlock()
	}
}

// Size implements Store.Size.
func (b *Buffer) Size() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.data)), nil
}

// Permissions implements Store.Permissions.
func (b *Buffer) Permissions() hostarch.AccessType {
	return b.perms
}

// Cacheable implements Store.Cacheable.
func (b *Buffer) Cacheable() bool {
	return b.cacheable
}

// Sync implements Store.Sync. Every call is recorded; see SyncedRanges.
func (b *Buffer) Sync(ctx context.Context, fr FileRange, async bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.syncErr; err != nil {
		return err
	}
	b.synced = append(b.synced, fr)
	return nil
}

// ReadAt implements io.ReaderAt.ReadAt.
func (b *Buffer) ReadAt(dst []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < 0 || off > int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(dst, b.data[off:])
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.WriteAt.
func (b *Buffer) WriteAt(src []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < 0 || off > int64(len(b.data)) {
		return 0, io.ErrShortWrite
	}
	n := copy(b.data[off:], src)
	if n < len(src) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// SetSyncError makes all future Sync calls fail with err.
func (b *Buffer) SetSyncError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncErr = err
}

// SyncedRanges returns the ranges passed to Sync so far, in call order.
func (b *Buffer) SyncedRanges() []FileRange {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]FileRange(nil), b.synced...)
}

// BufferProvider is a Provider that creates Buffers.
type BufferProvider struct{}

// CreateUnnamed implements Provider.CreateUnnamed.
func (BufferProvider) CreateUnnamed(size uint64, access hostarch.AccessType) (Store, error) {
	return NewBuffer(size, access), nil
}
