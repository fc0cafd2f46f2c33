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

// Package kernel ties the memory mapping subsystem to processes and exposes
// the system call entry points. It owns the kernel address space, the
// per-process handle tables, and the translation of untrusted request
// structures into mapping operations.
package kernel

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"kestrelos.dev/kestrel/pkg/abi/kestrel"
	"kestrelos.dev/kestrel/pkg/memback"
	"kestrelos.dev/kestrel/pkg/mm"
	"kestrelos.dev/kestrel/pkg/sync"
)

var log = logrus.StandardLogger().WithField("component", "kernel")

// Kernel is the explicitly constructed root of the system: the kernel
// address space and the collaborators shared by all processes. Its lifecycle
// spans system start to shutdown.
type Kernel struct {
	// cfg is the boot configuration. Immutable.
	cfg *Config

	// kernelMM manages kernel-space mappings. Immutable.
	kernelMM *mm.MemoryManager

	// provider creates unnamed shared memory objects for anonymous shared
	// mappings. Immutable.
	provider memback.Provider
}

// New constructs a Kernel from a validated configuration.
func New(cfg *Config, provider memback.Provider) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(level)

	kas := mm.NewAddressSpace("kernel", cfg.Memory.KernelRange(), true)
	k := &Kernel{
		cfg:      cfg,
		kernelMM: mm.NewMemoryManager(kas, nil),
		provider: provider,
	}
	log.WithFields(logrus.Fields{
		"user":   cfg.Memory.UserRange(),
		"kernel": cfg.Memory.KernelRange(),
	}).Info("kernel address layout initialized")
	return k, nil
}

// MemoryManager returns the kernel-space memory manager.
func (k *Kernel) MemoryManager() *mm.MemoryManager {
	return k.kernelMM
}

// Process is the kernel's view of one user process: its address space and
// its table of open I/O handles.
type Process struct {
	// k is the owning kernel. Immutable.
	k *Kernel

	// name identifies the process in logs. Immutable.
	name string

	// mm manages the process's mappings. Immutable.
	mm *mm.MemoryManager

	// mu guards the fields below.
	mu sync.Mutex

	// handles is the open handle table. Each entry holds one store
	// reference.
	handles map[kestrel.Handle]memback.Store

	// nextHandle is the lowest handle value never yet issued.
	nextHandle kestrel.Handle

	// images counts loaded executable images. Teardown requires the count
	// to have drained first.
	images int

	// exited is set by Exit; all operations on an exited process are
	// caller bugs.
	exited bool
}

// CreateProcess constructs a process with an empty address space and an
// empty handle table.
func (k *Kernel) CreateProcess(name string) *Process {
	pas := mm.NewAddressSpace(name, k.cfg.Memory.UserRange(), false)
	return &Process{
		k:       k,
		name:    name,
		mm:      mm.NewMemoryManager(pas, k.kernelMM),
		handles: make(map[kestrel.Handle]memback.Store),
	}
}

// Name returns the process name.
func (p *Process) Name() string {
	return p.name
}

// MemoryManager returns the process's memory manager.
func (p *Process) MemoryManager() *mm.MemoryManager {
	return p.mm
}

// AddHandle installs store in the process's handle table and returns its
// handle. The table takes its own reference on the store.
func (p *Process) AddHandle(store memback.Store) kestrel.Handle {
	store.IncRef()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		panic(fmt.Sprintf("kernel: handle installed in exited process %s", p.name))
	}
	h := p.nextHandle
	p.nextHandle++
	p.handles[h] = store
	return h
}

// CloseHandle removes h from the handle table and drops the table's store
// reference. Sections mapped through h keep their own references and stay
// valid.
func (p *Process) CloseHandle(h kestrel.Handle) error {
	p.mu.Lock()
	store, ok := p.handles[h]
	if ok {
		delete(p.handles, h)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("process %s has no handle %d", p.name, h)
	}
	store.DecRef()
	return nil
}

// getStore returns the store behind h with a reference taken for the
// caller, or nil.
func (p *Process) getStore(h kestrel.Handle) memback.Store {
	p.mu.Lock()
	defer p.mu.Unlock()
	store, ok := p.handles[h]
	if !ok {
		return nil
	}
	store.IncRef()
	return store
}

// ImageLoaded records that an executable image was loaded into the process.
func (p *Process) ImageLoaded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.images++
}

// ImageUnloaded records that a loaded image was torn down.
func (p *Process) ImageUnloaded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.images == 0 {
		panic(fmt.Sprintf("kernel: unloading image from process %s with none loaded", p.name))
	}
	p.images--
}

// Exit tears the process down: every remaining mapping is unmapped, the
// address space accounting is returned, and the handle table is drained.
//
// The loaded-image count must have drained before exit; a nonzero count
// means an image teardown was skipped, which would leak its sections.
func (p *Process) Exit() {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		panic(fmt.Sprintf("kernel: double exit of process %s", p.name))
	}
	if p.images != 0 {
		p.mu.Unlock()
		panic(fmt.Sprintf("kernel: process %s exiting with %d images still loaded", p.name, p.images))
	}
	p.exited = true
	handles := p.handles
	p.handles = nil
	p.mu.Unlock()

	p.mm.CleanUp()
	for _, store := range handles {
		store.DecRef()
	}
	log.WithField("process", p.name).Debug("process torn down")
}
