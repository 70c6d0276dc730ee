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

	"github.com/intel/ksm-engine/pkg/ksm/host"
	"github.com/intel/ksm-engine/pkg/ksm/host/fakehost"
)

func TestOnMappingUnsharedDropsOneAnchor(t *testing.T) {
	e, _ := newTestEngine()
	p := fakehost.NewPage("p", filledPage("p", 6), pageSize)
	n := e.arena.alloc(p, nil)
	p.SetMeta(n)
	n.setFlag(flagStable)

	a1 := fakehost.NewIdentity("a1", 1)
	a2 := fakehost.NewIdentity("a2", 1)
	n.appendAnchor(a1)
	n.appendAnchor(a2)
	e.counters.addSharing(2)

	e.OnMappingUnshared(p, a1)

	if n.sharingCount() != 1 {
		t.Fatalf("sharingCount() after OnMappingUnshared = %d, want 1", n.sharingCount())
	}
	if got := e.counters.PagesSharing(); got != 1 {
		t.Fatalf("PagesSharing() after OnMappingUnshared = %d, want 1", got)
	}
	if a1.Refs() != 0 {
		t.Fatalf("expected a1's anchor to have released its strong reference")
	}
	if a2.Refs() != 1 {
		t.Fatalf("expected a2's anchor to be untouched")
	}
}

func TestOnMappingUnsharedIgnoresUntrackedOrNonStablePage(t *testing.T) {
	e, _ := newTestEngine()
	untracked := fakehost.NewPage("u", filledPage("u", 7), pageSize)
	// Meta is nil: must be a silent no-op, not a panic.
	e.OnMappingUnshared(untracked, fakehost.NewIdentity("a", 1))

	p := fakehost.NewPage("p", filledPage("p", 8), pageSize)
	n := e.arena.alloc(p, nil)
	p.SetMeta(n)
	n.setFlag(flagUnstable) // tracked, but not a stable node
	a := fakehost.NewIdentity("a", 1)
	n.appendAnchor(a)

	e.OnMappingUnshared(p, a)
	if n.sharingCount() != 1 {
		t.Fatalf("OnMappingUnshared must ignore a non-stable node's anchors")
	}
}

func TestOnMappingUnsharedIgnoresUnknownIdentity(t *testing.T) {
	e, _ := newTestEngine()
	p := fakehost.NewPage("p", filledPage("p", 9), pageSize)
	n := e.arena.alloc(p, nil)
	p.SetMeta(n)
	n.setFlag(flagStable)
	a := fakehost.NewIdentity("a", 1)
	n.appendAnchor(a)

	e.OnMappingUnshared(p, fakehost.NewIdentity("other", 1))
	if n.sharingCount() != 1 {
		t.Fatalf("OnMappingUnshared must not touch the anchor list when the identity doesn't match any anchor")
	}
}

func TestReferenceWalkVisitsEveryAnchorsMappingsTwice(t *testing.T) {
	e, _ := newTestEngine()
	p := fakehost.NewPage("p", filledPage("p", 10), pageSize)
	n := e.arena.alloc(p, nil)
	p.SetMeta(n)
	n.setFlag(flagStable)

	a1 := fakehost.NewIdentity("a1", 2)
	a2 := fakehost.NewIdentity("a2", 1)
	n.appendAnchor(a1)
	n.appendAnchor(a2)

	type visit struct {
		anonID string
		addr   uintptr
	}
	var visits []visit
	status := e.ReferenceWalk(p, func(anonID string, addr uintptr) host.TTUStatus {
		visits = append(visits, visit{anonID, addr})
		return host.TTUAgain
	})

	if status != host.TTUAgain {
		t.Fatalf("ReferenceWalk status = %v, want TTUAgain when visit never stops early", status)
	}
	// a1 has 2 mappings, a2 has 1; the walk covers every anchor twice.
	if len(visits) != 6 {
		t.Fatalf("ReferenceWalk visited %d mappings, want 6 (3 per round x 2 rounds)", len(visits))
	}
	seen := map[string]int{}
	for _, v := range visits {
		seen[v.anonID]++
	}
	if seen["a1"] != 4 || seen["a2"] != 2 {
		t.Fatalf("ReferenceWalk per-identity visit counts = %v, want a1=4 a2=2", seen)
	}
}

func TestReferenceWalkStopsEarlyOnNonAgainStatus(t *testing.T) {
	e, _ := newTestEngine()
	p := fakehost.NewPage("p", filledPage("p", 12), pageSize)
	n := e.arena.alloc(p, nil)
	p.SetMeta(n)
	n.setFlag(flagStable)

	a1 := fakehost.NewIdentity("a1", 2)
	a2 := fakehost.NewIdentity("a2", 1)
	n.appendAnchor(a1)
	n.appendAnchor(a2)

	visits := 0
	status := e.ReferenceWalk(p, func(anonID string, addr uintptr) host.TTUStatus {
		visits++
		return host.TTUDone
	})

	if status != host.TTUDone {
		t.Fatalf("ReferenceWalk status = %v, want TTUDone", status)
	}
	if visits != 1 {
		t.Fatalf("ReferenceWalk visited %d mappings after an early TTUDone, want 1", visits)
	}
}

func TestReferenceWalkNoopOnUntrackedPage(t *testing.T) {
	e, _ := newTestEngine()
	p := fakehost.NewPage("p", filledPage("p", 11), pageSize)
	called := false
	status := e.ReferenceWalk(p, func(string, uintptr) host.TTUStatus {
		called = true
		return host.TTUAgain
	})
	if called {
		t.Fatalf("ReferenceWalk must not invoke visit on an untracked page")
	}
	if status != host.TTUFail {
		t.Fatalf("ReferenceWalk status on an untracked page = %v, want TTUFail", status)
	}
}

func TestUnmapWalkVisitsEveryAnchorsMappingsTwice(t *testing.T) {
	e, _ := newTestEngine()
	p := fakehost.NewPage("p", filledPage("p", 13), pageSize)
	n := e.arena.alloc(p, nil)
	p.SetMeta(n)
	n.setFlag(flagStable)

	a := fakehost.NewIdentity("a", 2)
	n.appendAnchor(a)

	visits := 0
	status := e.UnmapWalk(p, func(anonID string, addr uintptr) host.TTUStatus {
		visits++
		return host.TTUAgain
	})

	if status != host.TTUAgain {
		t.Fatalf("UnmapWalk status = %v, want TTUAgain", status)
	}
	if visits != 4 { // 2 mappings x 2 rounds
		t.Fatalf("UnmapWalk visited %d mappings, want 4", visits)
	}
}

func TestUnmapWalkIgnoresNonStableNode(t *testing.T) {
	e, _ := newTestEngine()
	p := fakehost.NewPage("p", filledPage("p", 14), pageSize)
	n := e.arena.alloc(p, nil)
	p.SetMeta(n)
	n.setFlag(flagUnstable)
	a := fakehost.NewIdentity("a", 1)
	n.appendAnchor(a)

	called := false
	status := e.UnmapWalk(p, func(string, uintptr) host.TTUStatus {
		called = true
		return host.TTUAgain
	})
	if called {
		t.Fatalf("UnmapWalk must not invoke handle on a non-stable node")
	}
	if status != host.TTUFail {
		t.Fatalf("UnmapWalk status on a non-stable node = %v, want TTUFail", status)
	}
}
