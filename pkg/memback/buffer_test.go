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
	"bytes"
	"context"
	"testing"

	"kestrelos.dev/kestrel/pkg/hostarch"
)

func TestBufferReadWrite(t *testing.T) {
	b := NewBuffer(0x2000, hostarch.ReadWrite)
	defer b.DecRef()

	payload := []byte("section contents")
	if n, err := b.WriteAt(payload, 0x100); err != nil || n != len(payload) {
		t.Fatalf("WriteAt: got (%d, %v), wanted (%d, nil)", n, err, len(payload))
	}
	got := make([]byte, len(payload))
	if n, err := b.ReadAt(got, 0x100); err != nil || n != len(payload) {
		t.Fatalf("ReadAt: got (%d, %v), wanted (%d, nil)", n, err, len(payload))
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("ReadAt: got %q, wanted %q", got, payload)
	}
	if n, _ := b.ReadAt(make([]byte, 16), 0x1ff8); n != 8 {
		t.Errorf("short ReadAt at end: got %d bytes, wanted 8", n)
	}
}

func TestBufferSyncRecording(t *testing.T) {
	b := NewBuffer(0x2000, hostarch.ReadWrite)
	defer b.DecRef()
	ctx := context.Background()

	if err := b.Sync(ctx, FileRange{0, 0x1000}, false); err != nil {
		t.Fatalf("Sync: got error %v, wanted success", err)
	}
	if err := b.Sync(ctx, FileRange{0x1000, 0x2000}, true); err != nil {
		t.Fatalf("async Sync: got error %v, wanted success", err)
	}
	got := b.SyncedRanges()
	if len(got) != 2 || got[0] != (FileRange{0, 0x1000}) || got[1] != (FileRange{0x1000, 0x2000}) {
		t.Errorf("SyncedRanges: got %v, wanted the two synced ranges in order", got)
	}
}

func TestBufferProvider(t *testing.T) {
	store, err := BufferProvider{}.CreateUnnamed(0x3000, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("CreateUnnamed: got error %v, wanted success", err)
	}
	defer store.DecRef()
	if size, err := store.Size(); err != nil || size != 0x3000 {
		t.Errorf("Size: got (%d, %v), wanted (12288, nil)", size, err)
	}
	if !store.Cacheable() {
		t.Errorf("Cacheable: got false, wanted true")
	}
	if got := store.Permissions(); got != hostarch.ReadWrite {
		t.Errorf("Permissions: got %v, wanted %v", got, hostarch.ReadWrite)
	}
}
