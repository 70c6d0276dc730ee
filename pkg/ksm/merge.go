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

// cmpAndMerge is the per-candidate body of the scanner's merge phase:
// zero-page fast path, then stable-tree match, then unstable-tree
// dedupe/insert. id must not currently be linked into either tree.
func (e *Engine) cmpAndMerge(id rmapID) outcome {
	n := e.arena.get(id)
	if n == nil {
		return outDrop
	}

	if !n.page.IsAnonymous() || n.page.IsSwapCache() {
		return outDrop
	}
	n.page.Lock()
	content := n.page.ReadContent()
	hash := e.hasher.hashBytes(content)
	zero := hash == e.hasher.zeroHash && isFullZero(content)
	n.page.Unlock()
	n.hash = hash

	if zero {
		return e.mergeWithZero(id)
	}

	if winnerID, winner := e.stable.search(e, hash); winnerID != nilRmap {
		return e.mergeWithStable(id, winnerID, winner, content)
	}

	peerID, isNew := e.unstable.searchOrInsert(e, id, hash)
	if isNew {
		return outKeep
	}
	return e.mergeTwoUnstable(id, peerID)
}

// mergeWithZero replaces n's sole mapping with the reserved zero-page
// frame. Zero-page sharers are never tracked by an anchor: they all
// resolve through the same reserved frame without needing reverse-map
// bookkeeping, so pages_zero_sharing is a plain counter, not a stable
// node.
func (e *Engine) mergeWithZero(id rmapID) outcome {
	n := e.arena.get(id)
	if !n.page.TryAcquire() {
		return outDrop
	}
	wp, origPTE := e.host.WriteProtect(n.page)
	switch wp {
	case host.WPTry:
		n.page.Release()
		return outTry
	case host.WPDrop:
		n.page.Release()
		return outDrop
	}
	zero := e.host.ZeroPageFrame()
	replaced := e.host.Replace(n.page, zero, origPTE)
	n.page.Release()
	switch replaced {
	case host.RSOk:
		e.counters.incZeroSharing()
		e.counters.addSharing(1)
		e.retireRmap(id)
		return outSuccess
	default:
		return outTry
	}
}

// mergeWithStable byte-compares n's content against winner -- the
// stable tree only promises a hash match, so the compare that decides
// whether this is a genuine match or a hash collision happens here,
// not in stableTree.search. On a mismatch the merge attempt simply
// fails with DROP: the candidate is not re-inserted anywhere, it will
// surface again on its own via the next event that rescans it. On a
// match, n's page is write-protected and its PTE swung over to winner;
// n's own rmap is retired, since it no longer owns a distinct page.
func (e *Engine) mergeWithStable(id, winnerID rmapID, winner host.Page, candidateContent []byte) outcome {
	n := e.arena.get(id)

	winner.Lock()
	winnerContent := winner.ReadContent()
	winner.Unlock()
	if !bytesEqual(winnerContent, candidateContent) {
		winner.Release()
		return outDrop
	}

	if !n.page.TryAcquire() {
		winner.Release()
		return outDrop
	}
	wp, origPTE := e.host.WriteProtect(n.page)
	if wp != host.WPOk {
		n.page.Release()
		winner.Release()
		if wp == host.WPTry {
			return outTry
		}
		return outDrop
	}

	replaced := e.host.Replace(n.page, winner, origPTE)
	n.page.Release()
	switch replaced {
	case host.RSOk:
		w := e.arena.get(winnerID)
		w.appendAnchor(n.anon)
		e.counters.addSharing(1)
		winner.Release()
		e.retireRmap(id)
		return outSuccess
	default:
		winner.Release()
		return outTry
	}
}

// mergeTwoUnstable attempts a two-way merge between id and peerID, an
// existing unstable-tree node with the same content hash. The hash is
// only a hint: a byte-compare happens here, deferred from
// unstableTree.searchOrInsert so the tree lock is never held across a
// page-content read.
func (e *Engine) mergeTwoUnstable(id, peerID rmapID) outcome {
	n := e.arena.get(id)
	peer := e.arena.get(peerID)
	if peer == nil {
		return outKeep
	}

	peer.page.Lock()
	peerContent := peer.page.ReadContent()
	peer.page.Unlock()

	n.page.Lock()
	content := n.page.ReadContent()
	n.page.Unlock()

	if !bytesEqual(content, peerContent) {
		// Hash collision: distinct content, same 32-bit hash. id was
		// never linked into any tree by searchOrInsert's found branch,
		// so there is nothing to hold onto here: drop it outright
		// rather than orphaning its rmap with no tree, no queue and no
		// path back to a future rescan.
		peer.page.Release()
		return outDrop
	}

	wpPeer, peerOrigPTE := e.host.WriteProtect(peer.page)
	if wpPeer != host.WPOk {
		peer.page.Release()
		if wpPeer == host.WPTry {
			return outTry
		}
		e.unstable.remove(e, peerID)
		e.retireRmap(peerID)
		return outTry
	}

	switch e.host.Replace(peer.page, n.page, peerOrigPTE) {
	case host.RSOk:
		peer.page.Release()
		e.unstable.remove(e, peerID)
		peerAnon := peer.anon
		e.retireRmap(peerID)

		if !e.stable.insert(e, id) {
			// Lost a race for this exact hash slot: fall back to
			// treating id as an unstable candidate again next tick.
			e.unstable.searchOrInsert(e, id, n.hash)
			return outTry
		}
		e.counters.incShared()
		e.counters.incStableNodes()
		w := e.arena.get(id)
		w.appendAnchor(n.anon)
		w.appendAnchor(peerAnon)
		e.counters.addSharing(2)
		return outSuccess
	default:
		peer.page.Release()
		return outTry
	}
}

// retireRmap drops a candidate rmap that no longer owns a distinct
// tracked page (its content merged away, or it was rejected outright).
// Caller must already have unlinked id from any tree, queue and fifo.
func (e *Engine) retireRmap(id rmapID) {
	n := e.arena.get(id)
	if n == nil {
		return
	}
	if n.flags.has(flagStable | flagUnstable) {
		invariantViolation("rmap %d retired while still linked into a tree (flags=%s)", id, n.flags)
	}
	n.page.SetMeta(nil)
	e.arena.release(id)
	e.counters.decRmapItems()
}
