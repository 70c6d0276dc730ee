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
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/ksm-engine/pkg/ksm/host"
	"github.com/intel/ksm-engine/pkg/ksm/host/fakehost"
)

func newTestEngine() (*Engine, *fakehost.Host) {
	h := fakehost.New(pageSize)
	e := NewEngine(h)
	return e, h
}

func filledPage(id string, b byte) []byte {
	buf := make([]byte, pageSize)
	for i := range buf {
		buf[i] = b
	}
	_ = id
	return buf
}

// TestTwoIdenticalPagesMergeToStableNode exercises the full unstable ->
// unstable collision -> stable promotion path: every stable node's
// anchor count matches its sharing counter, and merged pages resolve to
// one winner.
func TestTwoIdenticalPagesMergeToStableNode(t *testing.T) {
	e, _ := newTestEngine()
	content := filledPage("x", 0x41)

	p1 := fakehost.NewPage("p1", content, pageSize)
	p2 := fakehost.NewPage("p2", content, pageSize)
	anon1 := fakehost.NewIdentity("anon1", 1)
	anon2 := fakehost.NewIdentity("anon2", 1)

	require.NoError(t, e.OnNewAnonymousPage(p1, anon1))
	require.NoError(t, e.OnNewAnonymousPage(p2, anon2))

	e.tick() // p1 -> unstable tree (outKeep); p2 finds p1 as a hash peer -> two-way merge -> stable
	e.tick() // no candidates left; the stable node stays in place

	if e.stable.len() != 1 {
		t.Fatalf("stable tree len = %d, want 1", e.stable.len())
	}
	if e.unstable.len() != 0 {
		t.Fatalf("unstable tree len = %d, want 0", e.unstable.len())
	}
	if got := e.counters.PagesShared(); got != 1 {
		t.Fatalf("PagesShared() = %d, want 1", got)
	}
	if got := e.counters.StableNodes(); got != 1 {
		t.Fatalf("StableNodes() = %d, want 1", got)
	}
	if got := e.counters.PagesSharing(); got != 2 {
		t.Fatalf("PagesSharing() = %d, want 2", got)
	}
	if p1.IsKSM() == p2.IsKSM() {
		t.Fatalf("expected exactly one of the two pages to become the surviving KSM page")
	}
}

// TestThirdIdenticalPageMergesAgainstStableNode extends the above: once
// a stable node exists, a third matching page should merge directly
// against it rather than re-growing the unstable tree.
func TestThirdIdenticalPageMergesAgainstStableNode(t *testing.T) {
	e, _ := newTestEngine()
	content := filledPage("x", 0x7f)

	for i, name := range []string{"p1", "p2", "p3"} {
		p := fakehost.NewPage(name, content, pageSize)
		anon := fakehost.NewIdentity(name, 1)
		require.NoError(t, e.OnNewAnonymousPage(p, anon))
		_ = i
		e.tick()
	}

	if e.stable.len() != 1 {
		t.Fatalf("stable tree len = %d, want 1", e.stable.len())
	}
	if got := e.counters.PagesSharing(); got != 3 {
		t.Fatalf("PagesSharing() = %d, want 3", got)
	}
}

// TestZeroPageFastPath checks that an all-zero page never enters either
// tree and is counted as a zero-sharer instead.
func TestZeroPageFastPath(t *testing.T) {
	e, h := newTestEngine()
	zero := fakehost.NewPage("z", make([]byte, pageSize), pageSize)
	anon := fakehost.NewIdentity("z", 1)
	require.NoError(t, e.OnNewAnonymousPage(zero, anon))

	e.tick()

	if e.stable.len() != 0 || e.unstable.len() != 0 {
		t.Fatalf("zero page must not enter either tree: stable=%d unstable=%d", e.stable.len(), e.unstable.len())
	}
	if got := e.counters.PagesZeroSharing(); got != 1 {
		t.Fatalf("PagesZeroSharing() = %d, want 1", got)
	}
	if zero.Mapcount() != 0 {
		t.Fatalf("zero-merged page must have released its own mapping, mapcount=%d", zero.Mapcount())
	}
	_ = h
}

// TestHashCollisionDropsLoserNode simulates a 32-bit hash collision
// between two unstable candidates with different content: searchOrInsert
// never links the just-submitted candidate into any tree on its found
// branch, so a byte-compare mismatch here must drop that candidate
// outright rather than leave it dangling with no tree, no queue and no
// path back to a future rescan. cmpAndMerge always recomputes a
// candidate's hash from its real content, so the collision is forced one
// layer down, directly against unstableTree.searchOrInsert and
// mergeTwoUnstable.
func TestHashCollisionDropsLoserNode(t *testing.T) {
	e, _ := newTestEngine()
	const collidingHash uint32 = 0xdeadbeef

	pa := fakehost.NewPage("pa", filledPage("a", 0x10), pageSize)
	na := e.arena.alloc(pa, fakehost.NewIdentity("a", 1))
	pa.SetMeta(na)
	peer, isNew := e.unstable.searchOrInsert(e, na.id, collidingHash)
	if !isNew || peer != nilRmap {
		t.Fatalf("setup: expected the first node to insert fresh")
	}

	pb := fakehost.NewPage("pb", filledPage("b", 0x20), pageSize)
	nb := e.arena.alloc(pb, fakehost.NewIdentity("b", 1))
	pb.SetMeta(nb)

	peerID, isNew := e.unstable.searchOrInsert(e, nb.id, collidingHash)
	if isNew || peerID != na.id {
		t.Fatalf("expected the same-hash node to be found as a merge candidate")
	}

	outcome := e.mergeTwoUnstable(nb.id, peerID)
	if outcome != outDrop {
		t.Fatalf("mergeTwoUnstable outcome = %v, want DROP on content mismatch", outcome)
	}
	// mergeTwoUnstable itself never retires the DROP side; phaseMerge's
	// dispatch does that for every outDrop outcome (scanner.go), so the
	// unit test drives that same step explicitly here.
	e.retireRmap(nb.id)

	if e.arena.get(na.id) == nil {
		t.Fatalf("node a must survive a hash collision with different content")
	}
	if e.arena.get(nb.id) != nil {
		t.Fatalf("node b must be retired after a DROP outcome, not left dangling")
	}
	if e.unstable.len() != 1 {
		t.Fatalf("unstable tree len = %d, want 1 (node a only; b was never inserted)", e.unstable.len())
	}
}

func TestOnNewAnonymousPageRejectsDuplicateTracking(t *testing.T) {
	e, _ := newTestEngine()
	p := fakehost.NewPage("p", filledPage("p", 1), pageSize)
	anon := fakehost.NewIdentity("p", 1)
	require.NoError(t, e.OnNewAnonymousPage(p, anon))
	err := e.OnNewAnonymousPage(p, anon)
	if err != host.ErrAlreadyTracked {
		t.Fatalf("expected ErrAlreadyTracked, got %v", err)
	}
}

func TestOnNewAnonymousPageRejectsNonAnonymous(t *testing.T) {
	e, _ := newTestEngine()
	p := fakehost.NewPage("p", filledPage("p", 1), pageSize)
	// fakehost.Page defaults to anonymous; flip it off through a thin
	// wrapper rather than adding a second constructor to fakehost.
	np := &nonAnonPage{Page: p}
	err := e.OnNewAnonymousPage(np, fakehost.NewIdentity("p", 1))
	if err != host.ErrNotAnonymous {
		t.Fatalf("expected ErrNotAnonymous, got %v", err)
	}
}

// nonAnonPage wraps a fakehost.Page to force IsAnonymous() false,
// exercising the event-intake rejection path without adding a second
// constructor to fakehost itself.
type nonAnonPage struct {
	*fakehost.Page
}

func (p *nonAnonPage) IsAnonymous() bool { return false }

func TestOnPageRescanRejectsUntracked(t *testing.T) {
	e, _ := newTestEngine()
	p := fakehost.NewPage("p", filledPage("p", 1), pageSize)
	if err := e.OnPageRescan(p); err != errNotTracked {
		t.Fatalf("expected errNotTracked, got %v", err)
	}
}

func TestOnPageDestroyReapsStableNode(t *testing.T) {
	e, _ := newTestEngine()
	content := filledPage("x", 0x33)
	p1 := fakehost.NewPage("p1", content, pageSize)
	p2 := fakehost.NewPage("p2", content, pageSize)
	require.NoError(t, e.OnNewAnonymousPage(p1, fakehost.NewIdentity("a1", 1)))
	require.NoError(t, e.OnNewAnonymousPage(p2, fakehost.NewIdentity("a2", 1)))
	e.tick()
	e.tick()
	if e.stable.len() != 1 {
		t.Fatalf("setup: expected one stable node, got %d", e.stable.len())
	}

	e.OnPageDestroy(p1)
	e.OnPageDestroy(p2)
	e.tick() // phaseMaintenance drains queueDelete

	if e.stable.len() != 0 {
		t.Fatalf("stable tree len after destroying both mappings = %d, want 0", e.stable.len())
	}
	if e.counters.RmapItems() != 0 {
		t.Fatalf("RmapItems() after destroy = %d, want 0", e.counters.RmapItems())
	}
}

func TestStartStopRunState(t *testing.T) {
	e, _ := newTestEngine()
	if e.RunState() != RunStopped {
		t.Fatalf("initial RunState() = %v, want RunStopped", e.RunState())
	}
	require.NoError(t, e.Start())
	if e.RunState() != RunMerge {
		t.Fatalf("RunState() after Start() = %v, want RunMerge", e.RunState())
	}
	if err := e.Start(); err == nil {
		t.Fatalf("expected Start() to reject a second call while already running")
	}
	e.Stop()
	if e.RunState() != RunStopped {
		t.Fatalf("RunState() after Stop() = %v, want RunStopped", e.RunState())
	}
}

func TestStopUnmergesStableNodes(t *testing.T) {
	e, _ := newTestEngine()
	content := filledPage("x", 0x55)
	p1 := fakehost.NewPage("p1", content, pageSize)
	p2 := fakehost.NewPage("p2", content, pageSize)
	require.NoError(t, e.OnNewAnonymousPage(p1, fakehost.NewIdentity("a1", 1)))
	require.NoError(t, e.OnNewAnonymousPage(p2, fakehost.NewIdentity("a2", 1)))
	e.tick()
	e.tick()
	if e.stable.len() != 1 {
		t.Fatalf("setup: expected one stable node, got %d", e.stable.len())
	}

	require.NoError(t, e.Start())
	e.Stop()

	if e.stable.len() != 0 {
		t.Fatalf("stable tree len after Stop() = %d, want 0 (unmergeAll must drain it)", e.stable.len())
	}
}

func TestReseedHashOnlyWhileStopped(t *testing.T) {
	e, _ := newTestEngine()
	require.NoError(t, e.ReseedHash(7))
	require.NoError(t, e.Start())
	if err := e.ReseedHash(9); err == nil {
		t.Fatalf("expected ReseedHash to fail while running")
	}
	e.Stop()
}

func TestDumpReportsRunStateAndCounters(t *testing.T) {
	e, _ := newTestEngine()
	out := e.Dump()
	if out == "" {
		t.Fatalf("Dump() returned an empty string")
	}
	if !strings.Contains(out, "state=stopped") {
		t.Fatalf("Dump() = %q, want it to report state=stopped", out)
	}
	if !strings.Contains(out, "pages_shared=0") {
		t.Fatalf("Dump() = %q, want it to report pages_shared=0", out)
	}
}
