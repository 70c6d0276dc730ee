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
	"time"

	"github.com/hashicorp/go-multierror"
)

// loop is the scanner goroutine: a ticker-driven three-phase tick,
// stopped the way the other policy loops in this tree are -- send-
// then-wait on a control channel, never a context cancel, to keep the
// stop handshake synchronous with loop exit.
func (e *Engine) loop() {
	log.Debugf("scanner: online\n")
	defer log.Debugf("scanner: offline\n")

	e.hasher.reseed(time.Now().UnixNano())

	if e.deferred > 0 {
		time.Sleep(e.deferred)
	}

	cfg := e.getConfig()
	ticker := time.NewTicker(time.Duration(cfg.SleepMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-e.chLoop:
			if e.RunState() == RunUnmerge {
				e.unmergeAll()
			}
			e.chLoop <- struct{}{}
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// tick runs one intake-promotion / candidate-merge / maintenance pass.
func (e *Engine) tick() {
	cfg := e.getConfig()

	candidates := e.phaseIntake(cfg.ScanBudget)
	merged := e.phaseMerge(candidates)
	e.phaseMaintenance(cfg)

	e.mergeRate.Push(float64(merged))
	e.counters.incFullScans()
}

// phaseIntake drains the new and rescan queues into a single
// candidate batch, bounded by budget per queue.
func (e *Engine) phaseIntake(budget int) []rmapID {
	fresh := e.intake.drain(e.arena, queueNew, budget)
	rescan := e.intake.drain(e.arena, queueRescan, budget)
	candidates := make([]rmapID, 0, len(fresh)+len(rescan))
	candidates = append(candidates, fresh...)
	candidates = append(candidates, rescan...)
	return candidates
}

// phaseMerge runs cmpAndMerge over every candidate and dispatches on
// its outcome.
func (e *Engine) phaseMerge(candidates []rmapID) int {
	merged := 0
	for _, id := range candidates {
		n := e.arena.get(id)
		if n == nil {
			continue
		}
		if n.flags.has(flagDel) {
			continue
		}
		n.clearFlag(flagNew | flagRescan)

		switch e.cmpAndMerge(id) {
		case outSuccess:
			merged++
		case outKeep:
			// Freshly inserted into the unstable tree; resident there
			// until a future tick finds a peer or a stale hash.
		case outDrop:
			e.retireRmap(id)
		case outTry:
			n.setFlag(flagRescan)
			e.intake.push(e.arena, queueRescan, id)
		}
	}
	return merged
}

// phaseMaintenance reaps deleted rmaps, revalidates a bounded sample
// of the unstable tree's checksum list, and eagerly collects any
// stable node whose anchor list has drained to zero -- collected here,
// once per tick, never inline with the unshare that emptied it.
func (e *Engine) phaseMaintenance(cfg EngineConfig) {
	deleted := e.intake.drain(e.arena, queueDelete, cfg.ScanBudget)
	for _, id := range deleted {
		e.reapDeleted(id)
	}

	if cfg.RevalidatePeriodS > 0 {
		// Spread one pass over the whole unstable tree across
		// RevalidatePeriodS worth of ticks, capped by ScanBudget.
		sampleSize := e.counters.PagesUnshared() * int64(cfg.SleepMs) / (int64(cfg.RevalidatePeriodS) * 1000)
		if sampleSize > int64(cfg.ScanBudget) {
			sampleSize = int64(cfg.ScanBudget)
		}
		stale := e.unstable.sample(e.arena, int(sampleSize))
		for _, id := range stale {
			n := e.arena.get(id)
			if n == nil {
				continue
			}
			n.page.Lock()
			content := n.page.ReadContent()
			n.page.Unlock()
			freshHash := e.hasher.hashBytes(content)
			if freshHash != n.hash {
				e.unstable.remove(e, id)
				n.hash = freshHash
				n.setFlag(flagRescan)
				e.intake.push(e.arena, queueRescan, id)
			}
		}
	}

	var toReap []rmapID
	e.stable.forEach(e.arena, func(id rmapID) bool {
		n := e.arena.get(id)
		if n != nil && n.sharingCount() == 0 {
			toReap = append(toReap, id)
		}
		return true
	})
	for _, id := range toReap {
		n := e.arena.get(id)
		if n == nil {
			continue
		}
		e.stable.remove(e, id)
		e.counters.decStableNodes()
		e.counters.decShared()
		n.page.SetKSM(false)
		e.retireRmap(id)
	}
}

// unmergeAll drains the stable tree back to private pages before the
// scanner goroutine exits a RunUnmerge transition. Failures are
// aggregated rather than aborting the drain: one stuck page must never
// block every other page from being restored.
func (e *Engine) unmergeAll() {
	var errs *multierror.Error
	for {
		var next rmapID
		e.stable.forEach(e.arena, func(id rmapID) bool {
			next = id
			return false
		})
		if next == nilRmap {
			break
		}
		if err := e.unmergeOne(next); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		log.Errorf("unmerge: %v\n", err)
	}
}

// unmergeOne restores every mapping anchored on a single stable node
// to a private copy, via Host.NeedsCopy, then retires the node.
func (e *Engine) unmergeOne(id rmapID) error {
	n := e.arena.get(id)
	if n == nil {
		return nil
	}

	var errs *multierror.Error
	n.forEachAnchor(func(a *anchor) {
		if _, err := e.host.NeedsCopy(n.page); err != nil {
			errs = multierror.Append(errs, wrapHostErr("NeedsCopy", err))
			return
		}
		n.removeAnchor(a)
		e.counters.addSharing(-1)
	})

	e.stable.remove(e, id)
	e.counters.decStableNodes()
	e.counters.decShared()
	n.page.SetKSM(false)
	e.retireRmap(id)
	return errs.ErrorOrNil()
}
