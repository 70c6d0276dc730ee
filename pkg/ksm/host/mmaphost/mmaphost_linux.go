//go:build linux
// +build linux

// Copyright 2021 Intel Corporation. All Rights Reserved.
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

// Package mmaphost is a real host.Host for a single process's own
// address space: every tracked page is an mmap(MAP_ANONYMOUS) region
// in the calling process, write-protected with mprotect(PROT_READ).
// It exists to give the engine something real to drive in an
// integration test; a production host embedding this engine into an
// actual kernel or hypervisor would implement host.Host against its
// own page tables instead.
package mmaphost

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/intel/ksm-engine/pkg/ksm/host"
)

// Page is an mmaphost.Page: one page-sized anonymous mapping owned by
// this process.
type Page struct {
	mu sync.Mutex

	mem      []byte
	refcount int
	mapcount int
	ksm      bool
	meta     interface{}
	prot     int
}

// NewPage mmaps a fresh page-sized anonymous, private region.
func NewPage(pageSize int) (*Page, error) {
	mem, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmaphost: mmap: %w", err)
	}
	return &Page{mem: mem, refcount: 1, mapcount: 1, prot: unix.PROT_READ | unix.PROT_WRITE}, nil
}

// Close releases the page's mapping. Not part of host.Page: the
// owning test or daemon calls it directly during teardown.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return err
}

func (p *Page) TryAcquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refcount <= 0 {
		return false
	}
	p.refcount++
	return true
}

func (p *Page) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refcount--
}

func (p *Page) Lock()              { p.mu.Lock() }
func (p *Page) TryLock() bool      { return p.mu.TryLock() }
func (p *Page) Unlock()            { p.mu.Unlock() }
func (p *Page) Refcount() int      { p.mu.Lock(); defer p.mu.Unlock(); return p.refcount }
func (p *Page) Mapcount() int      { p.mu.Lock(); defer p.mu.Unlock(); return p.mapcount }
func (p *Page) IsSwapCache() bool  { return false }
func (p *Page) IsAnonymous() bool  { return true }
func (p *Page) IsKSM() bool        { p.mu.Lock(); defer p.mu.Unlock(); return p.ksm }
func (p *Page) SetKSM(v bool)      { p.mu.Lock(); defer p.mu.Unlock(); p.ksm = v }
func (p *Page) Meta() interface{}  { p.mu.Lock(); defer p.mu.Unlock(); return p.meta }
func (p *Page) SetMeta(m interface{}) { p.mu.Lock(); defer p.mu.Unlock(); p.meta = m }

// ReadContent returns the live mapping. Caller must hold Lock.
func (p *Page) ReadContent() []byte { return p.mem }

func (p *Page) protect(prot int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prot == prot {
		return nil
	}
	if err := unix.Mprotect(p.mem, prot); err != nil {
		return fmt.Errorf("mmaphost: mprotect: %w", err)
	}
	p.prot = prot
	return nil
}

func (p *Page) addr() uintptr {
	return uintptr(unsafe.Pointer(&p.mem[0]))
}

// Host is a real mprotect-backed host.Host scoped to this process's
// own mappings.
type Host struct {
	pageSize int
	zero     *Page
}

// New mmaps the reserved zero-page frame and returns a ready Host.
func New(pageSize int) (*Host, error) {
	zero, err := NewPage(pageSize)
	if err != nil {
		return nil, err
	}
	if err := zero.protect(unix.PROT_READ); err != nil {
		return nil, err
	}
	return &Host{pageSize: pageSize, zero: zero}, nil
}

func (h *Host) WriteProtect(p host.Page) (host.WriteProtectStatus, uintptr) {
	mp, ok := p.(*Page)
	if !ok {
		return host.WPDrop, 0
	}
	if mp.Refcount() != mp.Mapcount()+1 {
		return host.WPTry, 0
	}
	if err := mp.protect(unix.PROT_READ); err != nil {
		return host.WPTry, 0
	}
	return host.WPOk, mp.addr()
}

func (h *Host) Replace(victim, winner host.Page, origPTE uintptr) host.ReplaceStatus {
	vp, ok := victim.(*Page)
	if !ok {
		return host.RSDrop
	}
	wp, ok := winner.(*Page)
	if !ok {
		return host.RSDrop
	}
	if vp.addr() != origPTE {
		return host.RSDrop
	}
	if wp != h.zero {
		wp.mu.Lock()
		wp.mapcount++
		wp.mu.Unlock()
	}
	vp.mu.Lock()
	vp.mapcount--
	vp.mu.Unlock()
	return host.RSOk
}

func (h *Host) ZeroPageFrame() host.Page { return h.zero }

func (h *Host) NeedsCopy(p host.Page) (host.Page, error) {
	mp, ok := p.(*Page)
	if !ok {
		return nil, fmt.Errorf("mmaphost: not an mmaphost page")
	}
	fresh, err := NewPage(h.pageSize)
	if err != nil {
		return nil, err
	}
	mp.mu.Lock()
	copy(fresh.mem, mp.mem)
	mp.mu.Unlock()
	return fresh, nil
}

// mapping is the single virtual-address mapping an mmaphost Identity
// tracks: the process's own view of the page it was handed at Track
// time.
type mapping struct {
	addr uintptr
}

func (m mapping) Address() uintptr { return m.addr }
func (m mapping) Eligible() bool   { return true }

// Identity is a one-mapping host.AnonIdentity: every mmaphost.Page
// tracked through the command prompt owns exactly one mapping, its own
// address, since this host has no notion of fork()-shared address
// spaces.
type Identity struct {
	id   string
	refs int32
	m    mapping
}

// NewIdentity returns an Identity naming the single mapping at p.
func NewIdentity(id string, p *Page) *Identity {
	return &Identity{id: id, m: mapping{addr: p.addr()}}
}

func (a *Identity) ID() string { return a.id }

func (a *Identity) ForEachMapping(fn func(host.Mapping) host.TTUStatus) host.TTUStatus {
	if status := fn(a.m); status != host.TTUAgain {
		return status
	}
	return host.TTUAgain
}

func (a *Identity) Retain()  { _ = a }
func (a *Identity) Release() { _ = a }
