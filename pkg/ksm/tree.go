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

// contentTree is the shared implementation behind both the stable and
// the unstable tree: a red-black tree keyed by 32-bit content hash,
// over the engine's rmap arena, using rmapID in place of node
// pointers. Insertion rebalances with the classic CLRS red-black
// fixup; removal does no delete-fixup (see removeLocked), so after
// removals the tree is an ordered binary search tree that is not
// guaranteed to stay balanced. It keeps the tie-break-by-full-compare
// discipline of Linux KSM's rbtree without copying kernel pointer
// plumbing (see DESIGN.md).
type contentTree struct {
	mu   sync.Mutex // serializes descend/insert/remove for this tree
	root rmapID
	size int
}

func (t *contentTree) nodeLess(a *arena, id rmapID, hash uint32) int {
	n := a.get(id)
	switch {
	case hash < n.hash:
		return -1
	case hash > n.hash:
		return 1
	default:
		return 0
	}
}

// descend walks from the root comparing against hash, calling visit on
// every node encountered. visit returns (matched, acquired): matched
// ends the walk and returns that node; acquired is true if the caller
// successfully took a reference on the node's page (false means the
// node is dead and must be evicted). A node flagged DEL is evicted
// without calling visit. When a node is evicted, descend removes it
// from the tree and restarts from the root: a dead node
// found mid-descent is always evicted and the walk restarted, never
// left in place for the next lookup to trip over.
func (t *contentTree) descend(a *arena, hash uint32, visit func(id rmapID) (matched bool, acquired bool)) rmapID {
restart:
	cur := t.root
	for cur != nilRmap {
		n := a.get(cur)
		if n.flags.has(flagDel) {
			t.removeLocked(a, cur)
			goto restart
		}
		matched, acquired := visit(cur)
		if !acquired {
			t.removeLocked(a, cur)
			goto restart
		}
		if matched {
			return cur
		}
		switch t.nodeLess(a, cur, hash) {
		case -1:
			cur = n.left
		case 1:
			cur = n.right
		default:
			return cur
		}
	}
	return nilRmap
}

// insert links id into the tree at the position its hash dictates.
// Returns false if a node with an equal hash already occupies that
// slot (the caller decides what "equal hash" means for its tree: the
// stable tree treats this as RETRY, the unstable tree returns the
// existing node for a two-way merge attempt).
func (t *contentTree) insert(a *arena, id rmapID) (existing rmapID, inserted bool) {
	n := a.get(id)
	n.parent, n.left, n.right = nilRmap, nilRmap, nilRmap
	n.color = red

	if t.root == nilRmap {
		t.root = id
		n.color = black
		t.size++
		return nilRmap, true
	}

	cur := t.root
	for {
		cn := a.get(cur)
		switch t.nodeLess(a, cur, n.hash) {
		case -1:
			if cn.left == nilRmap {
				cn.left = id
				n.parent = cur
				t.size++
				t.insertFixup(a, id)
				return nilRmap, true
			}
			cur = cn.left
		case 1:
			if cn.right == nilRmap {
				cn.right = id
				n.parent = cur
				t.size++
				t.insertFixup(a, id)
				return nilRmap, true
			}
			cur = cn.right
		default:
			return cur, false
		}
	}
}

func (t *contentTree) isRed(a *arena, id rmapID) bool {
	return id != nilRmap && a.get(id).color == red
}

func (t *contentTree) insertFixup(a *arena, id rmapID) {
	for {
		n := a.get(id)
		if n.parent == nilRmap {
			break
		}
		p := a.get(n.parent)
		if p.color == black {
			break
		}
		gp := a.get(p.parent)
		var uncle rmapID
		if gp.left == n.parent {
			uncle = gp.right
		} else {
			uncle = gp.left
		}
		if t.isRed(a, uncle) {
			p.color = black
			a.get(uncle).color = black
			gp.color = red
			id = p.parent
			continue
		}
		if gp.left == n.parent {
			if p.right == id {
				t.rotateLeft(a, n.parent)
				id = n.parent
				n = a.get(id)
				p = a.get(n.parent)
			}
			p.color = black
			gp.color = red
			t.rotateRight(a, p.parent)
		} else {
			if p.left == id {
				t.rotateRight(a, n.parent)
				id = n.parent
				n = a.get(id)
				p = a.get(n.parent)
			}
			p.color = black
			gp.color = red
			t.rotateLeft(a, p.parent)
		}
		break
	}
	a.get(t.root).color = black
}

func (t *contentTree) rotateLeft(a *arena, id rmapID) {
	n := a.get(id)
	r := a.get(n.right)
	t.replaceParent(a, id, r)
	n.right = r.left
	if r.left != nilRmap {
		a.get(r.left).parent = id
	}
	r.left = id
	n.parent = r.id
}

func (t *contentTree) rotateRight(a *arena, id rmapID) {
	n := a.get(id)
	l := a.get(n.left)
	t.replaceParent(a, id, l)
	n.left = l.right
	if l.right != nilRmap {
		a.get(l.right).parent = id
	}
	l.right = id
	n.parent = l.id
}

// replaceParent rewires old's parent to point at replacement instead
// of old, or moves the tree root pointer. Must run before old/replacement's
// own parent/child pointers are rewritten by the caller.
func (t *contentTree) replaceParent(a *arena, oldID rmapID, replacement *rmap) {
	old := a.get(oldID)
	replacement.parent = old.parent
	if old.parent == nilRmap {
		t.root = replacement.id
		return
	}
	p := a.get(old.parent)
	if p.left == oldID {
		p.left = replacement.id
	} else {
		p.right = replacement.id
	}
}

// transplant rewires oldID's parent (or the tree root) to point at
// newID, without touching newID's own children. newID may be nilRmap.
func (t *contentTree) transplant(a *arena, oldID, newID rmapID) {
	old := a.get(oldID)
	if old.parent == nilRmap {
		t.root = newID
	} else {
		p := a.get(old.parent)
		if p.left == oldID {
			p.left = newID
		} else {
			p.right = newID
		}
	}
	if newID != nilRmap {
		a.get(newID).parent = old.parent
	}
}

// removeLocked deletes id from the tree, preserving the rmap identity
// of every node that stays in the tree (unlike a value-swapping CLRS
// delete, which would smuggle one rmap's content hash into another's
// slot -- fatal here, since a tree node here carries its own page's
// real content, not an interchangeable key/value pair). Caller holds
// t.mu.
func (t *contentTree) removeLocked(a *arena, id rmapID) {
	n := a.get(id)
	if n == nil {
		return
	}

	switch {
	case n.left == nilRmap:
		t.transplant(a, id, n.right)
	case n.right == nilRmap:
		t.transplant(a, id, n.left)
	default:
		// successor = leftmost node of the right subtree.
		succID := n.right
		for a.get(succID).left != nilRmap {
			succID = a.get(succID).left
		}
		succ := a.get(succID)
		if succ.parent != id {
			t.transplant(a, succID, succ.right)
			succ.right = n.right
			a.get(succ.right).parent = succID
		}
		t.transplant(a, id, succID)
		succ.left = n.left
		a.get(succ.left).parent = succID
		succ.color = n.color
	}

	t.size--
	n.parent, n.left, n.right = nilRmap, nilRmap, nilRmap

	// Best-effort rebalance: a full CLRS delete-fixup is significant
	// extra complexity under a tree whose dominant mutation pattern is
	// "evict a dead node and restart the descent", not "delete in
	// isolation". Only the root is re-blackened here; no other colors
	// are adjusted, so red-black balance is not restored after a
	// removal. The structural BST ordering removeLocked performs above
	// is what search() actually depends on for correctness.
	if t.root != nilRmap {
		a.get(t.root).color = black
	}
}

func (t *contentTree) len() int {
	return t.size
}

// forEach visits every live node in ascending hash order. visit
// returning false stops the walk early. Used by maintenance passes and
// Dump, never on the hot merge path.
func (t *contentTree) forEach(a *arena, visit func(id rmapID) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var walk func(id rmapID) bool
	walk = func(id rmapID) bool {
		if id == nilRmap {
			return true
		}
		n := a.get(id)
		if !walk(n.left) {
			return false
		}
		if !visit(id) {
			return false
		}
		return walk(n.right)
	}
	walk(t.root)
}
