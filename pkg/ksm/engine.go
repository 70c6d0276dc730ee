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
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/intel/ksm-engine/pkg/ksm/host"
	"github.com/intel/ksm-engine/pkg/metricsring"
)

// Engine is the top-level handle: one per host memory manager
// instance. All exported methods are safe for concurrent use.
type Engine struct {
	arena    *arena
	stable   stableTree
	unstable unstableTree
	intake   intakeQueues
	counters Counters
	hasher   *hasher
	host     host.Host

	configMu sync.Mutex
	config   *EngineConfig

	stateMu  sync.Mutex
	state    RunState
	chLoop   chan interface{}
	deferred time.Duration

	// mergeRate tracks merges-per-tick, smoothed the same way other
	// per-interval samples in this tree are.
	mergeRate metricsring.SampleBuffer
}

// NewEngine constructs an Engine bound to h. The engine starts in
// RunStopped; call Start to run the scanner.
func NewEngine(h host.Host) *Engine {
	return &Engine{
		arena:     newArena(),
		host:      h,
		hasher:    newHasher(1),
		config:    DefaultEngineConfig(),
		state:     RunStopped,
		mergeRate: metricsring.NewMetricsRing(16),
	}
}

// RunState reports the engine's current run state: stopped, merge,
// or unmerge.
func (e *Engine) RunState() RunState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// ReseedHash regenerates the sampled-word permutation table. Only
// legal while stopped: a live reseed would make every existing tree
// node's stored hash stale at once.
func (e *Engine) ReseedHash(seed int64) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.state != RunStopped {
		return errors.New("ksm: cannot reseed hash while running")
	}
	e.hasher.reseed(seed)
	return nil
}

// Start transitions RunStopped -> RunMerge and launches the scanner
// goroutine, using the same Start/loop/Stop channel handshake as the
// other policy loops in this tree.
func (e *Engine) Start() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.chLoop != nil {
		return errors.New("ksm: engine already started")
	}
	e.state = RunMerge
	e.chLoop = make(chan interface{})
	cfg := e.getConfig()
	e.deferred = time.Duration(cfg.DeferredTimerMs) * time.Millisecond
	go e.loop()
	log.Infof("engine started\n")
	return nil
}

// Stop transitions to RunUnmerge, draining the stable tree back to
// private pages before the scanner goroutine exits: stopping must
// fully undo merges, not just halt scanning.
func (e *Engine) Stop() {
	e.stateMu.Lock()
	loopCh := e.chLoop
	if loopCh == nil {
		e.stateMu.Unlock()
		return
	}
	e.state = RunUnmerge
	e.stateMu.Unlock()

	loopCh <- struct{}{}
	<-loopCh

	e.stateMu.Lock()
	e.chLoop = nil
	e.state = RunStopped
	e.stateMu.Unlock()
	log.Infof("engine stopped\n")
}

// Dump renders a human-readable snapshot of the engine's counters and
// run state in a plain key=value style.
func (e *Engine) Dump() string {
	return fmt.Sprintf("ksm: state=%s %s new=%d rescan=%d delete=%d merge_rate_ewma=%.2f",
		e.RunState(), e.counters.String(),
		e.intake.depth(queueNew), e.intake.depth(queueRescan), e.intake.depth(queueDelete),
		e.mergeRate.EWMA())
}
