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

package imt

import (
	"errors"
	"math/big"
	"testing"
)

// failingHasher fails on the n-th call and counts calls.
type failingHasher struct {
	failAt int
	calls  int
}

var errBoom = errors.New("boom")

func (h *failingHasher) Hash(a, b *big.Int) (*big.Int, error) {
	h.calls++
	if h.calls == h.failAt {
		return nil, errBoom
	}
	return PoseidonHasher.Hash(a, b)
}

func (h *failingHasher) Name() string { return "failing" }

func testLeaf(addr, weight int64) *big.Int {
	l := new(big.Int).Lsh(big.NewInt(addr), 88)
	return l.Or(l, big.NewInt(weight))
}

func mustHash(t *testing.T, a, b *big.Int) *big.Int {
	t.Helper()
	if a.Cmp(b) > 0 {
		a, b = b, a
	}
	h, err := PoseidonHasher.Hash(a, b)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	return h
}

// referenceRoot computes the Lean-IMT root level by level without any of the
// incremental bookkeeping.
func referenceRoot(t *testing.T, leaves []*big.Int) *big.Int {
	t.Helper()
	if len(leaves) == 0 {
		return new(big.Int)
	}
	level := leaves
	for len(level) > 1 {
		var next []*big.Int
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, mustHash(t, level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

func TestPoseidonVector(t *testing.T) {
	// circomlib poseidon([1, 2])
	want, _ := new(big.Int).SetString("7853200120776062878684798364095072458815029376092732009249414926327459813530", 10)
	got, err := PoseidonHasher.Hash(big.NewInt(1), big.NewInt(2))
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if got.Cmp(want) != 0 {
		t.Fatalf("poseidon mismatch: got %v want %v", got, want)
	}
	if PoseidonHasher.Name() != HasherName {
		t.Fatalf("unexpected hasher name %q", PoseidonHasher.Name())
	}
}

func TestEmptyTree(t *testing.T) {
	tree := New(PoseidonHasher)
	if !tree.IsEmpty() || tree.Size() != 0 || tree.Depth() != 0 {
		t.Fatalf("unexpected empty tree shape: size %d depth %d", tree.Size(), tree.Depth())
	}
	if tree.Root().Sign() != 0 {
		t.Fatalf("empty root should be zero, got %v", tree.Root())
	}
	if _, err := tree.GenerateProof(0); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestInsertUpdateScenario(t *testing.T) {
	var (
		b1   = testLeaf(0xb, 1)
		c1   = testLeaf(0xc, 1)
		b2   = testLeaf(0xb, 2)
		tree = New(PoseidonHasher)
	)
	if err := tree.Insert(b1); err != nil {
		t.Fatalf("insert B: %v", err)
	}
	if tree.Size() != 1 || tree.Root().Cmp(b1) != 0 {
		t.Fatalf("R1: size %d root %v, want leaf itself", tree.Size(), tree.Root())
	}
	if err := tree.Insert(c1); err != nil {
		t.Fatalf("insert C: %v", err)
	}
	r2 := mustHash(t, b1, c1)
	if tree.Size() != 2 || tree.Root().Cmp(r2) != 0 {
		t.Fatalf("R2: size %d root %v want %v", tree.Size(), tree.Root(), r2)
	}
	if err := tree.Update(0, b2); err != nil {
		t.Fatalf("update B: %v", err)
	}
	r3 := mustHash(t, b2, c1)
	if tree.Size() != 2 || tree.Root().Cmp(r3) != 0 {
		t.Fatalf("R3: size %d root %v want %v", tree.Size(), tree.Root(), r3)
	}
	if idx := tree.IndexOf(b2); idx != 0 {
		t.Fatalf("B moved to index %d", idx)
	}
}

func TestTombstoneKeepsIndices(t *testing.T) {
	tree := New(PoseidonHasher)
	for _, l := range []*big.Int{testLeaf(0xb, 1), testLeaf(0xc, 1)} {
		if err := tree.Insert(l); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := tree.Update(0, new(big.Int)); err != nil {
		t.Fatalf("remove B: %v", err)
	}
	a := testLeaf(0xa, 1)
	if err := tree.Insert(a); err != nil {
		t.Fatalf("insert A: %v", err)
	}
	if idx := tree.IndexOf(a); idx != 2 {
		t.Fatalf("A got index %d, want 2", idx)
	}
	want := referenceRoot(t, []*big.Int{new(big.Int), testLeaf(0xc, 1), a})
	if tree.Root().Cmp(want) != 0 {
		t.Fatalf("root mismatch: got %v want %v", tree.Root(), want)
	}
}

func TestRootMatchesReference(t *testing.T) {
	for size := 1; size <= 33; size++ {
		var leaves []*big.Int
		tree := New(PoseidonHasher)
		for i := 0; i < size; i++ {
			l := testLeaf(int64(i+1), int64(i%5))
			leaves = append(leaves, l)
			if err := tree.Insert(l); err != nil {
				t.Fatalf("size %d: insert %d: %v", size, i, err)
			}
		}
		want := referenceRoot(t, leaves)
		if tree.Root().Cmp(want) != 0 {
			t.Fatalf("size %d: incremental root %v, reference %v", size, tree.Root(), want)
		}
		bulk, err := NewFromLeaves(PoseidonHasher, leaves)
		if err != nil {
			t.Fatalf("size %d: bulk build: %v", size, err)
		}
		if bulk.Root().Cmp(want) != 0 || bulk.Depth() != tree.Depth() {
			t.Fatalf("size %d: bulk root %v depth %d, incremental depth %d", size, bulk.Root(), bulk.Depth(), tree.Depth())
		}
	}
}

func TestInsertManyAcrossBatches(t *testing.T) {
	var leaves []*big.Int
	for i := 0; i < 40; i++ {
		leaves = append(leaves, testLeaf(int64(1000+i), 7))
	}
	want := referenceRoot(t, leaves)

	for _, batch := range []int{1, 3, 7, 16, 40} {
		tree := New(PoseidonHasher)
		for start := 0; start < len(leaves); start += batch {
			end := min(start+batch, len(leaves))
			if err := tree.InsertMany(leaves[start:end]); err != nil {
				t.Fatalf("batch %d: %v", batch, err)
			}
		}
		if tree.Root().Cmp(want) != 0 {
			t.Errorf("batch %d: root %v want %v", batch, tree.Root(), want)
		}
	}
}

func TestUpdateStability(t *testing.T) {
	tree := New(PoseidonHasher)
	for i := 0; i < 11; i++ {
		if err := tree.Insert(testLeaf(int64(i+1), 1)); err != nil {
			t.Fatal(err)
		}
	}
	before := tree.Leaves()
	if err := tree.Update(6, testLeaf(7, 99)); err != nil {
		t.Fatal(err)
	}
	after := tree.Leaves()
	for i := range before {
		if i == 6 {
			continue
		}
		if before[i].Cmp(after[i]) != 0 {
			t.Fatalf("leaf %d changed by update of slot 6", i)
		}
	}
	if tree.Size() != 11 {
		t.Fatalf("size changed to %d", tree.Size())
	}
	if tree.Root().Cmp(referenceRoot(t, after)) != 0 {
		t.Fatalf("root does not match leaves after update")
	}
}

func TestUpdateOutOfRange(t *testing.T) {
	tree := New(PoseidonHasher)
	if err := tree.Insert(big.NewInt(1)); err != nil {
		t.Fatal(err)
	}
	for _, idx := range []int{-1, 1, 5} {
		if err := tree.Update(idx, big.NewInt(2)); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("index %d: expected ErrIndexOutOfRange, got %v", idx, err)
		}
		if _, err := tree.Leaf(idx); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("leaf %d: expected ErrIndexOutOfRange, got %v", idx, err)
		}
	}
}

func TestInvalidLeaf(t *testing.T) {
	tree := New(PoseidonHasher)
	if err := tree.Insert(nil); !errors.Is(err, ErrInvalidLeaf) {
		t.Fatalf("expected ErrInvalidLeaf for nil, got %v", err)
	}
	if err := tree.Insert(big.NewInt(-3)); !errors.Is(err, ErrInvalidLeaf) {
		t.Fatalf("expected ErrInvalidLeaf for negative, got %v", err)
	}
	if !tree.IsEmpty() {
		t.Fatalf("tree changed after rejected insert")
	}
}

func TestHashFailureLeavesTreeUnchanged(t *testing.T) {
	h := &failingHasher{}
	tree := New(h)
	for i := 0; i < 5; i++ {
		if err := tree.Insert(testLeaf(int64(i+1), 1)); err != nil {
			t.Fatal(err)
		}
	}
	var (
		root   = tree.Root()
		size   = tree.Size()
		leaves = tree.Leaves()
	)
	// Inserting the 6th leaf needs two hashes, fail on the second one.
	h.failAt = h.calls + 2
	err := tree.Insert(testLeaf(6, 1))
	if !errors.Is(err, ErrHash) {
		t.Fatalf("expected ErrHash, got %v", err)
	}
	if tree.Size() != size || tree.Root().Cmp(root) != 0 {
		t.Fatalf("tree mutated by failed insert")
	}
	h.failAt = h.calls + 2
	if err := tree.Update(2, testLeaf(3, 5)); !errors.Is(err, ErrHash) {
		t.Fatalf("expected ErrHash on update, got %v", err)
	}
	for i, l := range tree.Leaves() {
		if l.Cmp(leaves[i]) != 0 {
			t.Fatalf("leaf %d mutated by failed update", i)
		}
	}
	if tree.Root().Cmp(root) != 0 {
		t.Fatalf("root mutated by failed update")
	}
}

func TestCopyIsIndependent(t *testing.T) {
	tree, err := NewFromLeaves(PoseidonHasher, []*big.Int{big.NewInt(1), big.NewInt(2), big.NewInt(3)})
	if err != nil {
		t.Fatal(err)
	}
	cpy := tree.Copy()
	if err := cpy.Update(1, big.NewInt(9)); err != nil {
		t.Fatal(err)
	}
	if err := cpy.Insert(big.NewInt(4)); err != nil {
		t.Fatal(err)
	}
	if tree.Size() != 3 {
		t.Fatalf("original size changed to %d", tree.Size())
	}
	if l, _ := tree.Leaf(1); l.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("original leaf changed to %v", l)
	}
	if tree.Root().Cmp(cpy.Root()) == 0 {
		t.Fatalf("roots should differ")
	}
}
