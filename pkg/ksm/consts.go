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

import "os"

// rmapFlags is the dedicated flag word every rmap carries. Linux KSM
// packs these bits into the low bits of a pointer; without raw pointer
// arithmetic that trick buys nothing, so flags get their own field.
type rmapFlags uint32

const (
	flagNew rmapFlags = 1 << iota
	flagDel
	flagInKSM
	flagUnstable
	flagStable
	flagChecksumList
	flagInitChecksum
	flagRescan
)

func (f rmapFlags) has(bit rmapFlags) bool { return f&bit != 0 }

func (f rmapFlags) String() string {
	names := []struct {
		bit  rmapFlags
		name string
	}{
		{flagNew, "NEW"}, {flagDel, "DEL"}, {flagInKSM, "INKSM"},
		{flagUnstable, "UNSTABLE"}, {flagStable, "STABLE"},
		{flagChecksumList, "CHECKSUM_LIST"}, {flagInitChecksum, "INIT_CHECKSUM"},
		{flagRescan, "RESCAN"},
	}
	s := ""
	for _, n := range names {
		if f.has(n.bit) {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "NONE"
	}
	return s
}

// RunState is the scanner's coarse run mode, set through the
// EngineConfig tunable surface.
type RunState int32

const (
	// RunStopped parks the scanner; intake still accepts events.
	RunStopped RunState = iota
	// RunMerge is the normal three-phase scanning mode.
	RunMerge
	// RunUnmerge drains the stable tree back to private pages.
	RunUnmerge
)

func (r RunState) String() string {
	switch r {
	case RunStopped:
		return "stopped"
	case RunMerge:
		return "run"
	case RunUnmerge:
		return "unmerge"
	default:
		return "unknown"
	}
}

var pageSize = os.Getpagesize()

// wordsPerPage is the number of 32-bit words a page decomposes into;
// the permutation table in hash.go has exactly this many entries.
func wordsPerPage() int { return pageSize / 4 }

// samplesPerPage is the number of words folded into the rolling hash
// per page: wordsPerPage >> 4.
func samplesPerPage() int { return wordsPerPage() >> 4 }
