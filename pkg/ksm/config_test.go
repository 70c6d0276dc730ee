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

	"github.com/intel/ksm-engine/pkg/testutils"
)

func TestDefaultEngineConfigIsValid(t *testing.T) {
	cfg := DefaultEngineConfig()
	if err := cfg.validate(); err != nil {
		t.Fatalf("DefaultEngineConfig() failed its own validate(): %v", err)
	}
}

func TestEngineConfigValidateRejectsNonPositiveFields(t *testing.T) {
	base := *DefaultEngineConfig()

	cases := []struct {
		name string
		mut  func(c *EngineConfig)
	}{
		{"SleepMs zero", func(c *EngineConfig) { c.SleepMs = 0 }},
		{"SleepMs negative", func(c *EngineConfig) { c.SleepMs = -1 }},
		{"ScanBudget zero", func(c *EngineConfig) { c.ScanBudget = 0 }},
		{"RevalidatePeriodS zero", func(c *EngineConfig) { c.RevalidatePeriodS = 0 }},
		{"DeferredTimerMs negative", func(c *EngineConfig) { c.DeferredTimerMs = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mut(&cfg)
			if err := cfg.validate(); err == nil {
				t.Fatalf("validate() accepted an invalid config: %+v", cfg)
			}
		})
	}
}

func TestSetConfigRejectsInvalidAndLeavesPriorConfigInPlace(t *testing.T) {
	e, _ := newTestEngine()
	before := e.GetConfigJson()

	bad := DefaultEngineConfig()
	bad.ScanBudget = -5
	if err := e.SetConfig(bad); err == nil {
		t.Fatalf("expected SetConfig to reject a negative ScanBudget")
	}
	if got := e.GetConfigJson(); got != before {
		t.Fatalf("SetConfig must not install an invalid config: before=%s after=%s", before, got)
	}
}

func TestSetConfigJsonRoundTrip(t *testing.T) {
	e, _ := newTestEngine()
	if err := e.SetConfigJson(`{"SleepMs":5,"ScanBudget":7,"RevalidatePeriodS":11,"DeferredTimerMs":3}`); err != nil {
		t.Fatalf("SetConfigJson failed: %v", err)
	}
	got := e.getConfig()
	want := EngineConfig{SleepMs: 5, ScanBudget: 7, RevalidatePeriodS: 11, DeferredTimerMs: 3}
	testutils.VerifyDeepEqual(t, "config", want, got)
}

func TestSetConfigJsonRejectsMalformedInput(t *testing.T) {
	e, _ := newTestEngine()
	if err := e.SetConfigJson("not json"); err == nil {
		t.Fatalf("expected SetConfigJson to reject malformed JSON")
	}
}
