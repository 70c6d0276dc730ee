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

package ksm

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/intel/ksm-engine/pkg/ksm/host"
)

// rmapID is an arena index standing in for a raw pointer: it keeps the
// same intrusive linkage discipline (an rmap is linked into exactly one
// tree and one queue at a time) without pointer arithmetic.
type rmapID uint32

const nilRmap rmapID = 0

type color uint8

const (
	red color = iota
	black
)

// anchor is one (anonymous-memory identity, strong reference) pair
// held by a stable-tree node for each distinct mapping resolving
// through it.
type anchor struct {
	next, prev *anchor
	anon       host.AnonIdentity
}

// rmap is the unit of engine bookkeeping for a tracked page. It embeds
// both the tree linkage and the intake-queue linkage as plain fields
// rather than separate node structs: an rmap is a member of at most
// one tree and at most one queue at a time, so sharing the fields
// costs nothing and keeps the intrusive-list character of a kernel
// rmap_item.
type rmap struct {
	id    rmapID
	page  host.Page
	anon  host.AnonIdentity
	hash  uint32
	flags rmapFlags

	// tree linkage, shared between the stable and the unstable tree
	// since an rmap is never in both.
	parent, left, right rmapID
	color               color

	// checksum-list linkage (unstable tree members only).
	fifoNext, fifoPrev rmapID

	// intake-queue linkage (new/rescan/delete).
	qNext, qPrev rmapID

	// anchor list head (stable-tree members only); its length must
	// always equal the sharing counter below.
	anchorHead *anchor
	sharing    int32
}

func (r *rmap) setFlag(f rmapFlags)   { r.flags |= f }
func (r *rmap) clearFlag(f rmapFlags) { r.flags &^= f }

func (r *rmap) sharingCount() int {
	return int(atomic.LoadInt32(&r.sharing))
}

func (r *rmap) incSharing() { atomic.AddInt32(&r.sharing, 1) }

// decSharingWarnLimiter throttles the warning logged when decSharing
// clamps at zero, so a host reporting more unmaps than merges can't
// flood the log.
var decSharingWarnLimiter = rate.NewLimiter(rate.Every(time.Second), 1)

// decSharing is the decrement-only side effect the host's unmap hook
// triggers: it must never itself drop the anchor list, and the
// counter must never be allowed to go negative. A host that reports an
// unmap the engine never counted as a share would otherwise walk the
// counter negative, so this clamps at zero and logs instead.
func (r *rmap) decSharing() int32 {
	for {
		old := atomic.LoadInt32(&r.sharing)
		if old <= 0 {
			if decSharingWarnLimiter.Allow() {
				log.Warnf("rmap %d: unmap reported with sharing counter already at zero", r.id)
			}
			return 0
		}
		if atomic.CompareAndSwapInt32(&r.sharing, old, old-1) {
			return old - 1
		}
	}
}

// appendAnchor links a new anchor holding a strong reference to anon
// onto r's anchor list and bumps the sharing counter in lockstep.
func (r *rmap) appendAnchor(anon host.AnonIdentity) {
	anon.Retain()
	a := &anchor{anon: anon}
	if r.anchorHead == nil {
		r.anchorHead = a
		a.next, a.prev = a, a
	} else {
		last := r.anchorHead.prev
		a.next = r.anchorHead
		a.prev = last
		last.next = a
		r.anchorHead.prev = a
	}
	r.incSharing()
}

// removeAnchor unlinks and releases one anchor and decrements sharing.
func (r *rmap) removeAnchor(a *anchor) {
	if a.next == a {
		r.anchorHead = nil
	} else {
		a.prev.next = a.next
		a.next.prev = a.prev
		if r.anchorHead == a {
			r.anchorHead = a.next
		}
	}
	a.anon.Release()
	r.decSharing()
}

// forEachAnchor visits every anchor currently on r's list. It is safe
// for fn to call removeAnchor(a) on the anchor it was just given (the
// next pointer is captured before fn runs).
func (r *rmap) forEachAnchor(fn func(a *anchor)) {
	head := r.anchorHead
	if head == nil {
		return
	}
	a := head
	for {
		next := a.next
		fn(a)
		if a == head && next == head {
			break
		}
		a = next
		if a == head {
			break
		}
	}
}

// releaseAllAnchors drops every anchor's strong reference; used when
// reaping a dead rmap during the scanner's maintenance phase.
func (r *rmap) releaseAllAnchors() {
	for r.anchorHead != nil {
		r.removeAnchor(r.anchorHead)
	}
}

// arena is the slab-equivalent rmap allocator: a growable slice
// indexed by rmapID with a free list, so rmap
// identity survives as a stable integer instead of a pointer.
type arena struct {
	slots []*rmap
	free  []rmapID
}

func newArena() *arena {
	// slot 0 is reserved as nilRmap so the zero value of rmapID means
	// "no node", matching a nil pointer's meaning in the source.
	return &arena{slots: []*rmap{nil}}
}

func (a *arena) alloc(p host.Page, anon host.AnonIdentity) *rmap {
	var id rmapID
	if n := len(a.free); n > 0 {
		id = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		id = rmapID(len(a.slots))
		a.slots = append(a.slots, nil)
	}
	r := &rmap{id: id, page: p, anon: anon}
	a.slots[id] = r
	return r
}

func (a *arena) get(id rmapID) *rmap {
	if id == nilRmap || int(id) >= len(a.slots) {
		return nil
	}
	return a.slots[id]
}

func (a *arena) release(id rmapID) {
	if id == nilRmap || int(id) >= len(a.slots) {
		return
	}
	a.slots[id] = nil
	a.free = append(a.free, id)
}
