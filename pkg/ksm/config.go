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
	"encoding/json"
	"fmt"
)

// EngineConfig is the engine's read-write tunable surface
// (sleep_ms, pages_to_scan, period_seconds, run, deferred_timer),
// (de)serialized the way every policy Config type in this tree is:
// plain encoding/json, set through SetConfigJson, read back through
// GetConfigJson.
type EngineConfig struct {
	// SleepMs is the delay between scanner ticks.
	SleepMs int
	// ScanBudget bounds how many candidates each of the three tick
	// phases drains per call ("pages_to_scan").
	ScanBudget int
	// RevalidatePeriodS is the unstable-tree refresh cadence used to
	// size the maintenance phase's re-checksum sample.
	RevalidatePeriodS int
	// DeferredTimerMs delays the first tick after a stopped -> merge
	// transition. The scanner reseeds the hash permutation table before
	// this delay starts; ReseedHash is rejected during it, since the
	// engine is no longer stopped.
	DeferredTimerMs int
}

const engineConfigDefaults = `{"SleepMs":20,"ScanBudget":100,"RevalidatePeriodS":60,"DeferredTimerMs":0}`

// DefaultEngineConfig returns the engine's built-in tunable defaults.
func DefaultEngineConfig() *EngineConfig {
	cfg := &EngineConfig{}
	_ = json.Unmarshal([]byte(engineConfigDefaults), cfg)
	return cfg
}

func (c *EngineConfig) validate() error {
	if c.SleepMs <= 0 {
		return fmt.Errorf("invalid SleepMs: %d, > 0 expected", c.SleepMs)
	}
	if c.ScanBudget <= 0 {
		return fmt.Errorf("invalid ScanBudget: %d, > 0 expected", c.ScanBudget)
	}
	if c.RevalidatePeriodS <= 0 {
		return fmt.Errorf("invalid RevalidatePeriodS: %d, > 0 expected", c.RevalidatePeriodS)
	}
	if c.DeferredTimerMs < 0 {
		return fmt.Errorf("invalid DeferredTimerMs: %d, >= 0 expected", c.DeferredTimerMs)
	}
	return nil
}

// SetConfigJson parses and applies a JSON-encoded EngineConfig.
func (e *Engine) SetConfigJson(configJSON string) error {
	cfg := DefaultEngineConfig()
	if err := json.Unmarshal([]byte(configJSON), cfg); err != nil {
		return err
	}
	return e.SetConfig(cfg)
}

// SetConfig validates and installs cfg. ScanBudget and
// RevalidatePeriodS take effect from the next tick; SleepMs and
// DeferredTimerMs are read only when the scanner starts, so a change
// to them applies from the next Start.
func (e *Engine) SetConfig(cfg *EngineConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	e.configMu.Lock()
	defer e.configMu.Unlock()
	e.config = cfg
	return nil
}

// GetConfigJson returns the engine's current tunables as JSON.
func (e *Engine) GetConfigJson() string {
	e.configMu.Lock()
	defer e.configMu.Unlock()
	b, err := json.Marshal(e.config)
	if err != nil {
		return ""
	}
	return string(b)
}

func (e *Engine) getConfig() EngineConfig {
	e.configMu.Lock()
	defer e.configMu.Unlock()
	return *e.config
}
