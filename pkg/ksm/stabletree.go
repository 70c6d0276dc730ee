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

// stableTree indexes merged (engine-owned, write-protected) pages by
// content hash. A hash match found here is only a hint: the merge step
// byte-compares before treating it as a genuine match.
type stableTree struct {
	contentTree
}

// stableSearch descends the stable tree by hash alone. It evicts and
// restarts past any node whose page can no longer be acquired -- a
// tree lock is never held across a blocked acquire. On a hash match it
// returns the node's page with a strong reference transferred to the
// caller; the byte-compare against the candidate's own content is
// deferred to the merge step (mergeWithStable), since the tree only
// promises "same hash", never "same content".
func (t *stableTree) search(e *Engine, hash uint32) (winnerID rmapID, winner host.Page) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.descend(e.arena, hash, func(cur rmapID) (matched bool, acquired bool) {
		n := e.arena.get(cur)
		if n.hash != hash {
			return false, true
		}
		if !n.page.TryAcquire() {
			return false, false
		}
		return true, true
	})
	if id == nilRmap {
		return nilRmap, nil
	}
	return id, e.arena.get(id).page
}

// insert links rmap r's page into the stable tree as a brand-new
// merged page. Returns false if a concurrent insert already claimed
// this exact hash slot, telling the caller to retry.
func (t *stableTree) insert(e *Engine, id rmapID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, inserted := t.contentTree.insert(e.arena, id); !inserted {
		return false
	}
	n := e.arena.get(id)
	n.setFlag(flagStable)
	n.clearFlag(flagUnstable | flagNew | flagRescan)
	n.page.SetMeta(n)
	n.page.SetKSM(true)
	return true
}

// remove unlinks id from the stable tree (used when a stable node's
// anchor list has drained to zero, or when the underlying page is
// destroyed).
func (t *stableTree) remove(e *Engine, id rmapID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(e.arena, id)
	if n := e.arena.get(id); n != nil {
		n.clearFlag(flagStable)
	}
}
