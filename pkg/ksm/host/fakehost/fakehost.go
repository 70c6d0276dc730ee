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

// Package fakehost is an in-memory host.Host, used by pkg/ksm's own
// tests and safe to import from anyone else's tests too: nothing here
// touches real memory mappings.
package fakehost

import (
	"fmt"
	"sync"

	"github.com/intel/ksm-engine/pkg/ksm/host"
)

// Page is a fakehost-backed host.Page: a plain byte slice behind a
// mutex, with the bookkeeping fields the engine reads and writes.
type Page struct {
	mu sync.Mutex

	id       string
	data     []byte
	refcount int
	mapcount int
	swapped  bool
	anon     bool
	ksm      bool
	meta     interface{}

	pinned bool
	huge   bool
}

// NewPage creates an anonymous page carrying data (copied, and padded
// or truncated to pageSize).
func NewPage(id string, data []byte, pageSize int) *Page {
	buf := make([]byte, pageSize)
	copy(buf, data)
	return &Page{id: id, data: buf, refcount: 1, mapcount: 1, anon: true}
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

func (p *Page) Lock()          { p.mu.Lock() }
func (p *Page) TryLock() bool  { return p.mu.TryLock() }
func (p *Page) Unlock()        { p.mu.Unlock() }
func (p *Page) Refcount() int  { p.mu.Lock(); defer p.mu.Unlock(); return p.refcount }
func (p *Page) Mapcount() int  { p.mu.Lock(); defer p.mu.Unlock(); return p.mapcount }
func (p *Page) IsSwapCache() bool { p.mu.Lock(); defer p.mu.Unlock(); return p.swapped }
func (p *Page) IsAnonymous() bool { p.mu.Lock(); defer p.mu.Unlock(); return p.anon }
func (p *Page) IsKSM() bool       { p.mu.Lock(); defer p.mu.Unlock(); return p.ksm }
func (p *Page) SetKSM(v bool)     { p.mu.Lock(); defer p.mu.Unlock(); p.ksm = v }
func (p *Page) Meta() interface{} { p.mu.Lock(); defer p.mu.Unlock(); return p.meta }
func (p *Page) SetMeta(m interface{}) { p.mu.Lock(); defer p.mu.Unlock(); p.meta = m }

// ReadContent returns the live backing buffer. Caller must hold Lock.
func (p *Page) ReadContent() []byte { return p.data }

// SetPinned/SetHuge mark a page WPDrop-ineligible, for exercising the
// Non-mergeable boundary scenarios.
func (p *Page) SetPinned(v bool) { p.mu.Lock(); defer p.mu.Unlock(); p.pinned = v }
func (p *Page) SetHuge(v bool)   { p.mu.Lock(); defer p.mu.Unlock(); p.huge = v }

// Write overwrites the page's content, as a real write fault would.
func (p *Page) Write(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copy(p.data, data)
}

// mapping is a single fake virtual-address mapping.
type mapping struct {
	addr     uintptr
	eligible bool
}

func (m *mapping) Address() uintptr { return m.addr }
func (m *mapping) Eligible() bool   { return m.eligible }

// Identity is a fakehost-backed host.AnonIdentity: a named set of
// mappings with a plain reference count.
type Identity struct {
	mu       sync.Mutex
	id       string
	refs     int
	mappings []*mapping
}

// NewIdentity creates an identity with n eligible mappings at
// synthetic addresses.
func NewIdentity(id string, n int) *Identity {
	ms := make([]*mapping, n)
	for i := range ms {
		ms[i] = &mapping{addr: uintptr(0x1000 * (i + 1)), eligible: true}
	}
	return &Identity{id: id, mappings: ms}
}

func (a *Identity) ID() string { return a.id }

func (a *Identity) ForEachMapping(fn func(host.Mapping) host.TTUStatus) host.TTUStatus {
	for _, m := range a.mappings {
		if status := fn(m); status != host.TTUAgain {
			return status
		}
	}
	return host.TTUAgain
}

func (a *Identity) Retain() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refs++
}

func (a *Identity) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refs--
}

// Refs reports the current strong-reference count, for assertions.
func (a *Identity) Refs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refs
}

// Host is a fully in-memory host.Host: WriteProtect/Replace act purely
// on the fakehost.Page state above, no real page tables involved.
type Host struct {
	mu       sync.Mutex
	zero     *Page
	pageSize int
	nextPTE  uintptr
}

// New constructs a Host with the given page size and a freshly zeroed
// reserved frame.
func New(pageSize int) *Host {
	return &Host{
		zero:     NewPage("zero", make([]byte, pageSize), pageSize),
		pageSize: pageSize,
		nextPTE:  1,
	}
}

func (h *Host) WriteProtect(p host.Page) (host.WriteProtectStatus, uintptr) {
	fp, ok := p.(*Page)
	if !ok {
		return host.WPDrop, 0
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.pinned || fp.huge {
		return host.WPDrop, 0
	}
	if fp.refcount != fp.mapcount+1 {
		return host.WPTry, 0
	}
	h.mu.Lock()
	pte := h.nextPTE
	h.nextPTE++
	h.mu.Unlock()
	return host.WPOk, pte
}

func (h *Host) Replace(victim, winner host.Page, origPTE uintptr) host.ReplaceStatus {
	_ = origPTE
	vp, ok := victim.(*Page)
	if !ok {
		return host.RSDrop
	}
	wp, ok := winner.(*Page)
	if !ok {
		return host.RSDrop
	}
	vp.mu.Lock()
	wp.mu.Lock()
	if wp != h.zero {
		wp.mapcount++
	}
	vp.mapcount--
	vp.mu.Unlock()
	wp.mu.Unlock()
	return host.RSOk
}

func (h *Host) ZeroPageFrame() host.Page { return h.zero }

func (h *Host) NeedsCopy(p host.Page) (host.Page, error) {
	fp, ok := p.(*Page)
	if !ok {
		return nil, fmt.Errorf("fakehost: not a fakehost page")
	}
	fp.mu.Lock()
	data := make([]byte, len(fp.data))
	copy(data, fp.data)
	fp.mu.Unlock()
	return NewPage(fp.id+"-copy", data, h.pageSize), nil
}
