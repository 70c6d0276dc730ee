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

// unstableTree indexes unmerged candidate pages by content hash. Its
// invariant is stricter than the stable tree's: no node's hash may
// ever be known stale. A node leaves the tree the instant its stored
// hash is recomputed and found to differ, before the new hash is used
// for anything (including reinserting the node).
type unstableTree struct {
	contentTree
	fifoHead, fifoTail rmapID // checksum list, oldest first
	fifoLen            int
}

// searchOrInsert descends the unstable tree for a hash match. If one
// is found its rmap is returned for the caller to attempt a two-way
// merge with (without removing it from the tree -- that is the
// merge's job, since the merge might fail and leave the peer in
// place). If none is found, id is inserted fresh.
func (t *unstableTree) searchOrInsert(e *Engine, id rmapID, hash uint32) (peer rmapID, isNew bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	found := t.descend(e.arena, hash, func(cur rmapID) (matched bool, acquired bool) {
		n := e.arena.get(cur)
		if n.hash != hash {
			return false, true
		}
		if !n.page.TryAcquire() {
			return false, false
		}
		return true, true
	})
	if found != nilRmap {
		return found, false
	}

	n := e.arena.get(id)
	n.hash = hash
	t.contentTree.insert(e.arena, id)
	n.setFlag(flagUnstable)
	n.clearFlag(flagNew | flagRescan)
	t.pushFifo(e.arena, id)
	e.counters.incUnshared()
	return nilRmap, true
}

// remove unlinks id from both the tree and the checksum list -- the
// two must always move together.
func (t *unstableTree) remove(e *Engine, id rmapID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(e.arena, id)
	t.removeFifo(e.arena, id)
	n := e.arena.get(id)
	if n != nil && n.flags.has(flagUnstable) {
		n.clearFlag(flagUnstable | flagChecksumList)
		e.counters.decUnshared()
	}
}

func (t *unstableTree) pushFifo(a *arena, id rmapID) {
	n := a.get(id)
	n.setFlag(flagChecksumList)
	n.fifoPrev = t.fifoTail
	n.fifoNext = nilRmap
	if t.fifoTail != nilRmap {
		a.get(t.fifoTail).fifoNext = id
	} else {
		t.fifoHead = id
	}
	t.fifoTail = id
	t.fifoLen++
}

func (t *unstableTree) removeFifo(a *arena, id rmapID) {
	n := a.get(id)
	if n == nil || !n.flags.has(flagChecksumList) {
		return
	}
	if n.fifoPrev != nilRmap {
		a.get(n.fifoPrev).fifoNext = n.fifoNext
	} else {
		t.fifoHead = n.fifoNext
	}
	if n.fifoNext != nilRmap {
		a.get(n.fifoNext).fifoPrev = n.fifoPrev
	} else {
		t.fifoTail = n.fifoPrev
	}
	n.fifoNext, n.fifoPrev = nilRmap, nilRmap
	t.fifoLen--
}

// sample returns up to count rmap IDs from the head of the checksum
// list: the bounded sample the maintenance phase re-hashes each tick.
func (t *unstableTree) sample(a *arena, count int) []rmapID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]rmapID, 0, count)
	cur := t.fifoHead
	for cur != nilRmap && len(out) < count {
		out = append(out, cur)
		cur = a.get(cur).fifoNext
	}
	return out
}
