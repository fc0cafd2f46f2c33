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
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"kestrelos.dev/kestrel/pkg/hostarch"
)

var fileLog = logrus.StandardLogger().WithField("component", "memback")

// File is a Store backed by a host file. The File owns the *os.File and
// closes it when the last reference is dropped.
type File struct {
	refCount atomic.Int64

	f     *os.File
	perms hostarch.AccessType
}

// NewFile returns a File over f with an initial reference. perms must
// describe the access f was opened with.
func NewFile(f *os.File, perms hostarch.AccessType) *File {
	s := &File{
		f:     f,
		perms: perms,
	}
	s.refCount.Store(1)
	return s
}

// IncRef implements Store.IncRef.
func (s *File) IncRef() {
	if v := s.refCount.Add(1); v <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %d on memback.File", v-1))
	}
}

// DecRef implements Store.DecRef.
func (s *File) DecRef() {
	switch v := s.refCount.Add(-1); {
	case v < 0:
		panic("Decrementing non-positive ref count on memback.File")
	case v == 0:
		if err := s.f.Close(); err != nil {
			fileLog.WithError(err).Warnf("closing backing file %q", s.f.Name())
		}
	}
}

// Size implements Store.Size.
func (s *File) Size() (uint64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()), nil
}

// Permissions implements Store.Permissions.
func (s *File) Permissions() hostarch.AccessType {
	return s.perms
}

// Cacheable implements Store.Cacheable. Regular files are always served from
// the page cache.
func (s *File) Cacheable() bool {
	return true
}

// Sync implements Store.Sync. The async flag is advisory; the host's own
// writeback makes a synchronous fdatasync an acceptable over-approximation.
func (s *File) Sync(ctx context.Context, fr FileRange, async bool) error {
	return unix.Fdatasync(int(s.f.Fd()))
}

// ReadAt implements io.ReaderAt.ReadAt.
func (s *File) ReadAt(dst []byte, off int64) (int, error) {
	return s.f.ReadAt(dst, off)
}

// WriteAt implements io.WriterAt.WriteAt.
func (s *File) WriteAt(src []byte, off int64) (int, error) {
	return s.f.WriteAt(src, off)
}
