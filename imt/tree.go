// Copyright 2025 The davinci-census Authors
// This file is part of the davinci-census library.
//
// The davinci-census library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The davinci-census library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the davinci-census library. If not, see <http://www.gnu.org/licenses/>.

// Package imt implements the Lean Incremental Merkle Tree used by the census
// contract.
//
// A Lean-IMT has no fixed depth and no padding leaves. Two siblings are
// combined as H(min(l, r), max(l, r)); a node without a right sibling is
// carried to the next level unchanged. The depth is ceil(log2(size)) and
// grows as leaves are appended. Removed members keep their slot with a zero
// leaf so that later indices never move.
package imt

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrIndexOutOfRange is returned when a leaf index is negative or not
	// below the current tree size.
	ErrIndexOutOfRange = errors.New("leaf index out of range")

	// ErrHash is returned when the hash primitive fails.
	ErrHash = errors.New("hash failure")

	// ErrInvalidLeaf is returned for nil or negative leaf values.
	ErrInvalidLeaf = errors.New("invalid leaf value")
)

// Tree is a Lean-IMT. The zero value is not usable, create trees with New or
// NewFromLeaves.
//
// Tree is not safe for concurrent mutation. Concurrent readers are fine as
// long as no writer is active.
type Tree struct {
	hasher Hasher

	// nodes[0] holds the leaves, nodes[Depth()] holds the root. Stored values
	// are never mutated in place, updates replace the pointer.
	nodes [][]*big.Int
}

// New creates an empty tree using the given hasher.
func New(hasher Hasher) *Tree {
	return &Tree{
		hasher: hasher,
		nodes:  [][]*big.Int{{}},
	}
}

// NewFromLeaves builds a tree holding the given leaves in order.
func NewFromLeaves(hasher Hasher, leaves []*big.Int) (*Tree, error) {
	t := New(hasher)
	if err := t.InsertMany(leaves); err != nil {
		return nil, err
	}
	return t, nil
}

// Hasher returns the hasher the tree was built with.
func (t *Tree) Hasher() Hasher {
	return t.hasher
}

// Size returns the number of leaf slots, tombstones included.
func (t *Tree) Size() int {
	return len(t.nodes[0])
}

// Depth returns the number of levels above the leaves.
func (t *Tree) Depth() int {
	return len(t.nodes) - 1
}

// IsEmpty reports whether the tree has no leaves.
func (t *Tree) IsEmpty() bool {
	return t.Size() == 0
}

// Root returns the current root. The root of an empty tree is zero, callers
// that need to tell "empty" from "zero root" should check IsEmpty.
func (t *Tree) Root() *big.Int {
	if t.IsEmpty() {
		return new(big.Int)
	}
	return new(big.Int).Set(t.nodes[t.Depth()][0])
}

// Leaf returns the leaf stored at index.
func (t *Tree) Leaf(index int) (*big.Int, error) {
	if index < 0 || index >= t.Size() {
		return nil, fmt.Errorf("%w: index %d, size %d", ErrIndexOutOfRange, index, t.Size())
	}
	return new(big.Int).Set(t.nodes[0][index]), nil
}

// Leaves returns a copy of all leaves in slot order.
func (t *Tree) Leaves() []*big.Int {
	out := make([]*big.Int, len(t.nodes[0]))
	for i, l := range t.nodes[0] {
		out[i] = new(big.Int).Set(l)
	}
	return out
}

// IndexOf returns the first slot holding leaf, or -1.
func (t *Tree) IndexOf(leaf *big.Int) int {
	if leaf == nil {
		return -1
	}
	for i, l := range t.nodes[0] {
		if l.Cmp(leaf) == 0 {
			return i
		}
	}
	return -1
}

// Copy returns an independent tree with the same content.
func (t *Tree) Copy() *Tree {
	cpy := &Tree{
		hasher: t.hasher,
		nodes:  make([][]*big.Int, len(t.nodes)),
	}
	for i, level := range t.nodes {
		cpy.nodes[i] = append([]*big.Int(nil), level...)
	}
	return cpy
}

// Insert appends a leaf at index Size() and recomputes its path to the root.
func (t *Tree) Insert(leaf *big.Int) error {
	return t.InsertMany([]*big.Int{leaf})
}

// InsertMany appends leaves in order. Every touched node is hashed once, which
// makes it considerably cheaper than repeated Insert calls for large batches.
// On failure the tree is left unchanged.
func (t *Tree) InsertMany(leaves []*big.Int) error {
	if len(leaves) == 0 {
		return nil
	}
	for i, leaf := range leaves {
		if err := checkLeaf(leaf); err != nil {
			return fmt.Errorf("leaf %d: %w", i, err)
		}
	}
	var (
		oldSize = t.Size()
		size    = oldSize + len(leaves)
		depth   = t.Depth()
	)
	for 1<<depth < size {
		depth++
	}
	// Only the right-hand suffix of each level changes: from[level] is the
	// first index that has to be recomputed, suffix[level] its new values.
	var (
		from   = make([]int, depth+1)
		suffix = make([][]*big.Int, depth+1)
	)
	suffix[0] = make([]*big.Int, len(leaves))
	for i, leaf := range leaves {
		suffix[0][i] = new(big.Int).Set(leaf)
	}
	from[0] = oldSize

	node := func(level, index int) *big.Int {
		if index >= from[level] {
			return suffix[level][index-from[level]]
		}
		return t.nodes[level][index]
	}
	width := size
	for level := 0; level < depth; level++ {
		parents := (width + 1) / 2
		from[level+1] = from[level] >> 1
		suffix[level+1] = make([]*big.Int, 0, parents-from[level+1])
		for i := from[level+1]; i < parents; i++ {
			left := node(level, 2*i)
			if 2*i+1 >= width {
				suffix[level+1] = append(suffix[level+1], left)
				continue
			}
			parent, err := hashPair(t.hasher, left, node(level, 2*i+1))
			if err != nil {
				return fmt.Errorf("level %d node %d: %w", level+1, i, err)
			}
			suffix[level+1] = append(suffix[level+1], parent)
		}
		width = parents
	}
	// Everything is computed, commit.
	for len(t.nodes) <= depth {
		t.nodes = append(t.nodes, []*big.Int{})
	}
	for level := 0; level <= depth; level++ {
		t.nodes[level] = append(t.nodes[level][:from[level]], suffix[level]...)
	}
	return nil
}

// Update replaces the leaf at index and recomputes its path to the root.
// Removing a member is an update to the zero leaf. On failure the tree is
// left unchanged.
func (t *Tree) Update(index int, leaf *big.Int) error {
	if index < 0 || index >= t.Size() {
		return fmt.Errorf("%w: index %d, size %d", ErrIndexOutOfRange, index, t.Size())
	}
	if err := checkLeaf(leaf); err != nil {
		return err
	}
	var (
		depth = t.Depth()
		path  = make([]*big.Int, depth+1)
		node  = new(big.Int).Set(leaf)
		idx   = index
		err   error
	)
	for level := 0; level < depth; level++ {
		path[level] = node
		if idx&1 == 1 {
			node, err = hashPair(t.hasher, t.nodes[level][idx-1], node)
		} else if idx+1 < len(t.nodes[level]) {
			node, err = hashPair(t.hasher, node, t.nodes[level][idx+1])
		}
		if err != nil {
			return fmt.Errorf("level %d: %w", level+1, err)
		}
		idx >>= 1
	}
	path[depth] = node

	idx = index
	for level := 0; level <= depth; level++ {
		t.nodes[level][idx] = path[level]
		idx >>= 1
	}
	return nil
}

func checkLeaf(leaf *big.Int) error {
	if leaf == nil {
		return fmt.Errorf("%w: nil", ErrInvalidLeaf)
	}
	if leaf.Sign() < 0 {
		return fmt.Errorf("%w: negative", ErrInvalidLeaf)
	}
	return nil
}
