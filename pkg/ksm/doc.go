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

/*

	Package ksm implements a content-addressed anonymous-page
	deduplication engine: it observes a stream of page-creation and
	page-destroy events from a host memory manager and transparently
	merges pages with bit-identical content into a single shared,
	write-protected page.

	Component types

	1. The Engine (engine.go) is the single object that owns the
	process-wide state: both content trees, the three intake queues,
	the rmap arena, the counters and the permutation table. It is the
	entry point a host memory manager talks to (OnNewAnonymousPage,
	OnPageDestroy, ReferenceWalk, UnmapWalk).

	2. The Scanner (scanner.go) is the Engine's single background
	worker. Each tick runs three bounded phases: intake promotion,
	candidate merge attempts, and maintenance (delete-queue reaping
	and unstable-tree revalidation).

	3. The stable and unstable trees (tree.go) are hash-ordered
	indices over rmaps (rmap.go), the per-tracked-page bookkeeping
	record. Both trees share one arena-indexed red-black
	implementation; an rmap is linked into at most one of them at a
	time.

	4. hash.go implements the sampled rolling hash used as the tree
	key and the all-zero predicate used by the zero-page fast path.

	5. merge.go drives the merge and zero-page primitives against the
	host package's Host interface, which abstracts every host memory
	manager primitive the engine depends on (page locking,
	write-protect, PTE replace, reverse-mapping walks).

	Supporting modules

	1. host (host/) declares the Host/Page/AnonIdentity collaborator
	interfaces; host/fakehost and host/mmaphost provide an in-memory
	test double and a real mmap(2)/mprotect(2)-backed reference
	implementation, respectively.
	2. counters.go holds the read-only/read-write tunable surface.
	3. config.go is the JSON (de)serializable engine configuration.
	4. log.go is the package-local logging indirection, set by the
	embedding program via SetLogger.
*/
package ksm
