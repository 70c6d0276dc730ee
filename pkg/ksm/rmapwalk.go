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

// OnMappingUnshared drops one mapping's share of a merged page without
// tearing down the rest of the stable node: the host calls this when a
// write fault forces it to give anon its own private copy (via
// Host.NeedsCopy) instead of continuing to resolve through the shared
// page.
//
// The now-empty stable node is not reaped here: it is left for the
// scanner's maintenance phase to collect, so a node that regains a
// sharer within the same tick never round-trips through the trees.
func (e *Engine) OnMappingUnshared(p host.Page, anon host.AnonIdentity) {
	meta := p.Meta()
	n, ok := meta.(*rmap)
	if !ok || n == nil || !n.flags.has(flagStable) {
		return
	}

	var found *anchor
	n.forEachAnchor(func(a *anchor) {
		if found == nil && a.anon.ID() == anon.ID() {
			found = a
		}
	})
	if found == nil {
		return
	}
	n.removeAnchor(found)
	e.counters.addSharing(-1)
}

// walkAnchors drives visit over every live virtual-address mapping
// resolving through n's anchor list, twice over: Linux KSM's own
// try_to_unmap_ksm/rmap_walk_ksm repeat their single pass across all
// anchors a second time ("again:") to pick up mappings created by a
// fork mid-walk, and stop immediately on any status other than
// TTUAgain rather than completing the remaining anchors or rounds.
func (e *Engine) walkAnchors(n *rmap, visit func(anonID string, addr uintptr) host.TTUStatus) host.TTUStatus {
	status := host.TTUAgain
	for round := 0; round < 2; round++ {
		n.forEachAnchor(func(a *anchor) {
			if status != host.TTUAgain {
				return
			}
			status = a.anon.ForEachMapping(func(m host.Mapping) host.TTUStatus {
				return visit(a.anon.ID(), m.Address())
			})
		})
		if status != host.TTUAgain {
			return status
		}
	}
	return status
}

// ReferenceWalk enumerates every live virtual-address mapping of a
// merged page by walking its stable node's anchor list and, for each
// anchor, the host's own per-identity mapping list. It is read-only
// and shares walkAnchors' two-round, early-stop discipline with
// UnmapWalk so a caller that only wants the first hit can return
// anything other than TTUAgain to cut the walk short.
func (e *Engine) ReferenceWalk(p host.Page, visit func(anonID string, addr uintptr) host.TTUStatus) host.TTUStatus {
	meta := p.Meta()
	n, ok := meta.(*rmap)
	if !ok || n == nil {
		return host.TTUFail
	}
	return e.walkAnchors(n, visit)
}

// UnmapWalk drives a host-supplied per-mapping unmap operation over
// every live mapping of a merged page, e.g. during page reclaim or
// migration. handle performs the actual host-side unmap of the one
// mapping it is given and reports TTUDone/TTUFail to stop the walk
// early, or TTUAgain to keep going; the walk always covers all anchors
// twice unless handle cuts it short, mirroring try_to_unmap_ksm.
func (e *Engine) UnmapWalk(p host.Page, handle func(anonID string, addr uintptr) host.TTUStatus) host.TTUStatus {
	meta := p.Meta()
	n, ok := meta.(*rmap)
	if !ok || n == nil || !n.flags.has(flagStable) {
		return host.TTUFail
	}
	return e.walkAnchors(n, handle)
}
