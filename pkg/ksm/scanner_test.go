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
	"testing"

	"github.com/intel/ksm-engine/pkg/ksm/host/fakehost"
)

func TestPhaseIntakeDrainsNewBeforeRescanInFifoOrder(t *testing.T) {
	e, _ := newTestEngine()
	var ids []rmapID
	for i := 0; i < 3; i++ {
		p := fakehost.NewPage("p", filledPage("p", byte(i)), pageSize)
		n := e.arena.alloc(p, fakehost.NewIdentity("a", 1))
		p.SetMeta(n)
		n.setFlag(flagNew)
		e.intake.push(e.arena, queueNew, n.id)
		ids = append(ids, n.id)
	}

	extra := e.arena.alloc(fakehost.NewPage("q", filledPage("q", 9), pageSize), fakehost.NewIdentity("b", 1))
	extra.setFlag(flagRescan)
	e.intake.push(e.arena, queueRescan, extra.id)

	candidates := e.phaseIntake(10)
	if len(candidates) != 4 {
		t.Fatalf("phaseIntake returned %d candidates, want 4", len(candidates))
	}
	for i, id := range ids {
		if candidates[i] != id {
			t.Fatalf("candidates[%d] = %d, want %d (new-queue FIFO order)", i, candidates[i], id)
		}
	}
	if candidates[3] != extra.id {
		t.Fatalf("candidates[3] = %d, want %d (rescan entries appended after new)", candidates[3], extra.id)
	}
}

func TestPhaseIntakeRespectsPerQueueBudget(t *testing.T) {
	e, _ := newTestEngine()
	for i := 0; i < 5; i++ {
		p := fakehost.NewPage("p", filledPage("p", byte(i)), pageSize)
		n := e.arena.alloc(p, fakehost.NewIdentity("a", 1))
		p.SetMeta(n)
		e.intake.push(e.arena, queueNew, n.id)
	}
	candidates := e.phaseIntake(2)
	if len(candidates) != 2 {
		t.Fatalf("phaseIntake(2) returned %d candidates, want 2", len(candidates))
	}
	if got := e.intake.depth(queueNew); got != 3 {
		t.Fatalf("queueNew depth after a budget-2 drain of 5 = %d, want 3", got)
	}
}

func TestPhaseMergeSkipsCandidatesFlaggedForDeletion(t *testing.T) {
	e, _ := newTestEngine()
	p := fakehost.NewPage("p", filledPage("p", 1), pageSize)
	n := e.arena.alloc(p, fakehost.NewIdentity("a", 1))
	p.SetMeta(n)
	n.setFlag(flagNew | flagDel)

	merged := e.phaseMerge([]rmapID{n.id})
	if merged != 0 {
		t.Fatalf("phaseMerge merged %d candidates, want 0 for a DEL-flagged node", merged)
	}
	// The node must be left exactly as reapDeleted (not phaseMerge) will
	// find it: still present in the arena, untouched by cmpAndMerge.
	if e.arena.get(n.id) == nil {
		t.Fatalf("phaseMerge must not retire a DEL-flagged candidate itself")
	}
}

func TestPhaseMaintenanceReapsStableNodeWithEmptyAnchorList(t *testing.T) {
	e, _ := newTestEngine()
	p := fakehost.NewPage("p", filledPage("p", 1), pageSize)
	n := e.arena.alloc(p, fakehost.NewIdentity("a", 1))
	p.SetMeta(n)
	n.hash = 0x55
	if !e.stable.insert(e, n.id) {
		t.Fatalf("setup: stable.insert failed")
	}
	e.counters.incStableNodes()
	e.counters.incShared()
	// No anchors ever appended: sharingCount() is already 0.

	e.phaseMaintenance(*DefaultEngineConfig())

	if e.stable.len() != 0 {
		t.Fatalf("phaseMaintenance must reap a stable node with an empty anchor list, stable len=%d", e.stable.len())
	}
	if e.arena.get(n.id) != nil {
		t.Fatalf("expected the reaped node's rmap to be retired")
	}
}

func TestPhaseMaintenanceDrainsDeleteQueue(t *testing.T) {
	e, _ := newTestEngine()
	p := fakehost.NewPage("p", filledPage("p", 1), pageSize)
	if err := e.OnNewAnonymousPage(p, fakehost.NewIdentity("a", 1)); err != nil {
		t.Fatalf("OnNewAnonymousPage failed: %v", err)
	}
	e.OnPageDestroy(p)

	e.phaseMaintenance(*DefaultEngineConfig())

	if e.intake.depth(queueDelete) != 0 {
		t.Fatalf("queueDelete depth after phaseMaintenance = %d, want 0", e.intake.depth(queueDelete))
	}
	if e.counters.RmapItems() != 0 {
		t.Fatalf("RmapItems() after phaseMaintenance = %d, want 0", e.counters.RmapItems())
	}
}

func TestTickAdvancesFullScansAndMergeRate(t *testing.T) {
	e, _ := newTestEngine()
	if e.counters.FullScans() != 0 {
		t.Fatalf("FullScans() before any tick = %d, want 0", e.counters.FullScans())
	}
	e.tick()
	if e.counters.FullScans() != 1 {
		t.Fatalf("FullScans() after one tick = %d, want 1", e.counters.FullScans())
	}
	e.tick()
	if e.counters.FullScans() != 2 {
		t.Fatalf("FullScans() after two ticks = %d, want 2", e.counters.FullScans())
	}
}
