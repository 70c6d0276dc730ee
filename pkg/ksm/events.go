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

import "github.com/intel/ksm-engine/pkg/ksm/host"

// OnNewAnonymousPage registers p for deduplication. No work happens on
// the caller's goroutine beyond an arena allocation and a queue append
// under a short lock; hashing and merging are entirely the scanner's
// job.
func (e *Engine) OnNewAnonymousPage(p host.Page, anon host.AnonIdentity) error {
	if p.Meta() != nil {
		return host.ErrAlreadyTracked
	}
	if p.IsKSM() {
		return host.ErrAlreadyMerged
	}
	if !p.IsAnonymous() {
		return host.ErrNotAnonymous
	}

	n := e.arena.alloc(p, anon)
	n.setFlag(flagNew)
	p.SetMeta(n)
	e.intake.push(e.arena, queueNew, n.id)
	e.counters.incRmapItems()
	return nil
}

// OnPageRescan flags an already-tracked page for re-evaluation on the
// next tick, e.g. after the host observes a write to a page it had
// previously decided to leave alone. Idempotent: a page already queued
// for intake is left exactly where it is.
func (e *Engine) OnPageRescan(p host.Page) error {
	meta := p.Meta()
	n, ok := meta.(*rmap)
	if !ok || n == nil {
		return errNotTracked
	}
	if n.flags.has(flagDel | flagNew | flagRescan) {
		return nil
	}
	if n.flags.has(flagUnstable) {
		e.unstable.remove(e, n.id)
	}
	n.setFlag(flagRescan)
	e.intake.push(e.arena, queueRescan, n.id)
	return nil
}

// OnPageDestroy unregisters a tracked page whose owning VMA is going
// away. The rmap is flagged DEL immediately so any concurrent tree
// descent evicts it on next touch; full teardown happens on the
// scanner's maintenance phase so it never runs on the caller's
// goroutine.
func (e *Engine) OnPageDestroy(p host.Page) {
	meta := p.Meta()
	n, ok := meta.(*rmap)
	if !ok || n == nil {
		return
	}
	if n.flags.has(flagDel) {
		return
	}
	n.setFlag(flagDel)
	e.intake.push(e.arena, queueDelete, n.id)
}

// reapDeleted is the maintenance-phase counterpart of OnPageDestroy:
// it performs the actual teardown for every rmap drained off the
// delete queue.
func (e *Engine) reapDeleted(id rmapID) {
	n := e.arena.get(id)
	if n == nil {
		return
	}

	switch {
	case n.flags.has(flagStable):
		shared := n.sharingCount()
		n.releaseAllAnchors()
		e.stable.remove(e, id)
		e.counters.decStableNodes()
		e.counters.decShared()
		e.counters.addSharing(-int64(shared))
	case n.flags.has(flagUnstable):
		e.unstable.remove(e, id)
	case n.flags.has(flagNew | flagRescan):
		// Still only intake-queued, never entered a tree.
	}

	n.page.SetKSM(false)
	e.retireRmap(id)
}
