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
	"fmt"
	"sync/atomic"
)

// Counters is the engine's read-only observability surface:
// pages_shared, pages_sharing (includes zero sharers),
// pages_zero_sharing, pages_unshared, full_scans, stable_nodes,
// rmap_items. All fields are monotonic except pagesUnshared, which
// tracks the live unstable-tree size.
type Counters struct {
	pagesShared      int64
	pagesSharing     int64
	pagesZeroSharing int64
	pagesUnshared    int64
	fullScans        int64
	stableNodes      int64
	rmapItems        int64
}

func (c *Counters) incShared()        { atomic.AddInt64(&c.pagesShared, 1) }
func (c *Counters) decShared()        { atomic.AddInt64(&c.pagesShared, -1) }
func (c *Counters) addSharing(n int64) { atomic.AddInt64(&c.pagesSharing, n) }
func (c *Counters) incZeroSharing()   { atomic.AddInt64(&c.pagesZeroSharing, 1) }
func (c *Counters) incUnshared()      { atomic.AddInt64(&c.pagesUnshared, 1) }
func (c *Counters) decUnshared()      { atomic.AddInt64(&c.pagesUnshared, -1) }
func (c *Counters) incFullScans()     { atomic.AddInt64(&c.fullScans, 1) }
func (c *Counters) incStableNodes()   { atomic.AddInt64(&c.stableNodes, 1) }
func (c *Counters) decStableNodes()   { atomic.AddInt64(&c.stableNodes, -1) }
func (c *Counters) incRmapItems()     { atomic.AddInt64(&c.rmapItems, 1) }
func (c *Counters) decRmapItems()     { atomic.AddInt64(&c.rmapItems, -1) }

// PagesShared is the number of distinct stable-tree nodes (merged
// pages) currently tracked.
func (c *Counters) PagesShared() int64 { return atomic.LoadInt64(&c.pagesShared) }

// PagesSharing is the total number of mappings resolving through a
// stable node, plus the mappings merged onto the zero page.
func (c *Counters) PagesSharing() int64 { return atomic.LoadInt64(&c.pagesSharing) }

// PagesZeroSharing counts mappings resolved via the zero-page fast
// path rather than a stable-tree node.
func (c *Counters) PagesZeroSharing() int64 { return atomic.LoadInt64(&c.pagesZeroSharing) }

// PagesUnshared is the live size of the unstable tree.
func (c *Counters) PagesUnshared() int64 { return atomic.LoadInt64(&c.pagesUnshared) }

// FullScans counts completed scanner ticks.
func (c *Counters) FullScans() int64 { return atomic.LoadInt64(&c.fullScans) }

// StableNodes is the live size of the stable tree.
func (c *Counters) StableNodes() int64 { return atomic.LoadInt64(&c.stableNodes) }

// RmapItems is the number of live rmaps (tracked pages), across all
// queues and trees.
func (c *Counters) RmapItems() int64 { return atomic.LoadInt64(&c.rmapItems) }

func (c *Counters) String() string {
	return fmt.Sprintf(
		"pages_shared=%d pages_sharing=%d pages_zero_sharing=%d pages_unshared=%d full_scans=%d stable_nodes=%d rmap_items=%d",
		c.PagesShared(), c.PagesSharing(), c.PagesZeroSharing(), c.PagesUnshared(),
		c.FullScans(), c.StableNodes(), c.RmapItems())
}
