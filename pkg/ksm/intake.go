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

import "sync"

// queueKind identifies one of the three intake queues: new, rescan and
// delete. An rmap is a member of at most one at a time; the flag bits
// are the membership witness, this linked list is just the traversal
// order.
type queueKind int

const (
	queueNew queueKind = iota
	queueRescan
	queueDelete
)

// intakeQueues holds the three FIFOs non-scanner threads append to.
// Appends and the scanner's drains are both serialized by mu: no work
// is performed on the emitter's goroutine beyond appending to a queue
// under a short, low-contention mutex, never held across a blocking
// wait.
type intakeQueues struct {
	mu                   sync.Mutex
	newHead, newTail     rmapID
	rescanHead, rescanTail rmapID
	deleteHead, deleteTail rmapID
	counts               [3]int
}

func (q *intakeQueues) headTail(kind queueKind) (*rmapID, *rmapID) {
	switch kind {
	case queueNew:
		return &q.newHead, &q.newTail
	case queueRescan:
		return &q.rescanHead, &q.rescanTail
	default:
		return &q.deleteHead, &q.deleteTail
	}
}

// push appends id to the given queue. Caller must not be holding any
// tree or page lock.
func (q *intakeQueues) push(a *arena, kind queueKind, id rmapID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	head, tail := q.headTail(kind)
	n := a.get(id)
	n.qPrev = *tail
	n.qNext = nilRmap
	if *tail != nilRmap {
		a.get(*tail).qNext = id
	} else {
		*head = id
	}
	*tail = id
	q.counts[kind]++
}

// drain removes up to max entries from the head of kind, returning
// them in FIFO order. Used by the scanner's Phase 1.
func (q *intakeQueues) drain(a *arena, kind queueKind, max int) []rmapID {
	q.mu.Lock()
	defer q.mu.Unlock()
	head, tail := q.headTail(kind)
	out := make([]rmapID, 0, max)
	cur := *head
	for cur != nilRmap && len(out) < max {
		n := a.get(cur)
		next := n.qNext
		*head = next
		if next != nilRmap {
			a.get(next).qPrev = nilRmap
		} else {
			*tail = nilRmap
		}
		n.qNext, n.qPrev = nilRmap, nilRmap
		q.counts[kind]--
		out = append(out, cur)
		cur = next
	}
	return out
}

// remove unlinks id from kind wherever it currently sits in the list
// (not necessarily the head).
func (q *intakeQueues) remove(a *arena, kind queueKind, id rmapID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	head, tail := q.headTail(kind)
	n := a.get(id)
	if n.qPrev != nilRmap {
		a.get(n.qPrev).qNext = n.qNext
	} else if *head == id {
		*head = n.qNext
	}
	if n.qNext != nilRmap {
		a.get(n.qNext).qPrev = n.qPrev
	} else if *tail == id {
		*tail = n.qPrev
	}
	n.qNext, n.qPrev = nilRmap, nilRmap
	q.counts[kind]--
}

func (q *intakeQueues) depth(kind queueKind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts[kind]
}
