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
	"github.com/pkg/errors"
)

// errNotTracked is returned by event-intake methods given a page the
// engine never registered (or has already forgotten).
var errNotTracked = errors.New("ksm: page is not engine-tracked")

// outcome is the merge-path result: local to the scanner, never
// surfaced to a caller of the engine's public API.
type outcome int

const (
	outSuccess outcome = iota
	outKeep
	outDrop
	outTry
)

func (o outcome) String() string {
	switch o {
	case outSuccess:
		return "SUCCESS"
	case outKeep:
		return "KEEP"
	case outDrop:
		return "DROP"
	case outTry:
		return "TRY"
	default:
		return "UNKNOWN"
	}
}

// wrapHostErr converts a host-API error (allocation failure, missing
// VMA, page not anonymous, refcount race) into context-carrying form.
// The call site, not this helper, decides whether the condition is a
// DROP or a TRY.
func wrapHostErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, "host.%s", op)
}

// invariantViolation panics: unrecoverable invariant violations (e.g.
// an rmap linked into two trees at once) are asserted, not recovered.
// A kernel-resident dedup engine must abort loudly on these rather
// than silently corrupt its own bookkeeping.
func invariantViolation(format string, args ...interface{}) {
	panic(errors.Errorf("ksm: invariant violation: "+format, args...))
}
