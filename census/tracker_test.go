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

package census

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/vocdoni/davinci-census/imt"
	"github.com/vocdoni/davinci-census/leaf"
)

var (
	addrA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	addrB = common.HexToAddress("0x000000000000000000000000000000000000000b")
	addrC = common.HexToAddress("0x000000000000000000000000000000000000000c")
	addrD = common.HexToAddress("0x000000000000000000000000000000000000000d")
)

func event(addr common.Address, prev, next uint64, block uint64) WeightChangeEvent {
	return WeightChangeEvent{
		Account:        addr,
		PreviousWeight: uint256.NewInt(prev),
		NewWeight:      uint256.NewInt(next),
		Key:            EventKey{Block: block},
		Timestamp:      1000 + block,
	}
}

func mustPack(t *testing.T, addr common.Address, weight uint64) *big.Int {
	t.Helper()
	l, err := leaf.PackUint64(addr, weight)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return l
}

func replay(t *testing.T, events []WeightChangeEvent) (*Tracker, *imt.Tree) {
	t.Helper()
	tracker := NewTracker()
	tree := imt.New(imt.PoseidonHasher)
	for _, ev := range events {
		d, err := tracker.Apply(ev)
		if err != nil {
			t.Fatalf("apply %v: %v", ev.Key, err)
		}
		if err := ApplyTo(tree, d); err != nil {
			t.Fatalf("apply %v to tree: %v", ev.Key, err)
		}
	}
	return tracker, tree
}

func TestMonotonicSlots(t *testing.T) {
	tracker := NewTracker()
	steps := []struct {
		ev   WeightChangeEvent
		kind DecisionKind
		slot uint64
	}{
		{event(addrA, 0, 1, 1), FirstInsertion, 0},
		{event(addrB, 0, 1, 2), FirstInsertion, 1},
		{event(addrA, 1, 0, 3), Removal, 0},
		{event(addrC, 0, 1, 4), FirstInsertion, 2},
		{event(addrA, 0, 4, 5), FirstInsertion, 3},
		{event(addrB, 1, 2, 6), Update, 1},
		{event(addrD, 0, 0, 7), Noop, 0},
	}
	for i, step := range steps {
		d, err := tracker.Apply(step.ev)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if d.Kind != step.kind || d.Slot != step.slot {
			t.Fatalf("step %d: got %v at slot %d, want %v at slot %d", i, d.Kind, d.Slot, step.kind, step.slot)
		}
	}
	if tracker.NextSlot() != 4 {
		t.Fatalf("next slot %d, want 4", tracker.NextSlot())
	}
	acc, ok := tracker.Lookup(addrA)
	if !ok || acc.Slot != 3 || acc.Weight.Uint64() != 4 {
		t.Fatalf("unexpected account A: %+v", acc)
	}
	if acc.FirstInsertedBlock != 1 || acc.FirstInsertedAt != 1001 {
		t.Fatalf("first insertion overwritten by re-insertion: block %d time %d", acc.FirstInsertedBlock, acc.FirstInsertedAt)
	}
}

func TestRemovedAccountHasNoSlot(t *testing.T) {
	tracker := NewTracker()
	for _, ev := range []WeightChangeEvent{event(addrA, 0, 1, 1), event(addrA, 1, 0, 2)} {
		if _, err := tracker.Apply(ev); err != nil {
			t.Fatal(err)
		}
	}
	acc, ok := tracker.Lookup(addrA)
	if !ok || acc.Present() || acc.Slot != -1 {
		t.Fatalf("removed account still present: %+v", acc)
	}
}

func TestOrderingViolation(t *testing.T) {
	tests := []struct {
		name   string
		events []WeightChangeEvent
	}{
		{"equal key", []WeightChangeEvent{event(addrA, 0, 1, 5), event(addrB, 0, 1, 5)}},
		{"older key", []WeightChangeEvent{event(addrA, 0, 1, 5), event(addrB, 0, 1, 4)}},
		{"previous weight mismatch", []WeightChangeEvent{event(addrA, 0, 1, 1), event(addrA, 3, 4, 2)}},
		{"unknown account with weight", []WeightChangeEvent{event(addrA, 2, 3, 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker()
			var err error
			for _, ev := range tt.events {
				if _, err = tracker.Apply(ev); err != nil {
					break
				}
			}
			if !errors.Is(err, ErrOrderingViolation) {
				t.Fatalf("expected ErrOrderingViolation, got %v", err)
			}
		})
	}
}

func TestSameBlockLogIndexOrder(t *testing.T) {
	tracker := NewTracker()
	first := event(addrA, 0, 1, 9)
	second := event(addrB, 0, 1, 9)
	second.Key.LogIndex = 1
	if _, err := tracker.Apply(first); err != nil {
		t.Fatal(err)
	}
	if _, err := tracker.Apply(second); err != nil {
		t.Fatalf("later log index in same block rejected: %v", err)
	}
}

func TestWeightOverflow(t *testing.T) {
	tracker := NewTracker()
	ev := event(addrA, 0, 0, 1)
	ev.NewWeight = new(uint256.Int).Lsh(uint256.NewInt(1), leaf.WeightBits)
	if _, err := tracker.Apply(ev); !errors.Is(err, leaf.ErrEncoding) {
		t.Fatalf("expected ErrEncoding, got %v", err)
	}
	if tracker.NextSlot() != 0 || tracker.Len() != 0 {
		t.Fatalf("tracker changed by rejected event")
	}
}

func TestTrackerScenarios(t *testing.T) {
	// B=1, C=1, then B=2: B keeps index 0.
	_, tree := replay(t, []WeightChangeEvent{
		event(addrB, 0, 1, 1),
		event(addrC, 0, 1, 2),
		event(addrB, 1, 2, 3),
	})
	want, err := imt.NewFromLeaves(imt.PoseidonHasher, []*big.Int{mustPack(t, addrB, 2), mustPack(t, addrC, 1)})
	if err != nil {
		t.Fatal(err)
	}
	if tree.Size() != 2 || tree.Root().Cmp(want.Root()) != 0 {
		t.Fatalf("update scenario: size %d root %v want %v", tree.Size(), tree.Root(), want.Root())
	}

	// B=1, C=1, remove B, then A=1 lands on index 2.
	_, tree = replay(t, []WeightChangeEvent{
		event(addrB, 0, 1, 1),
		event(addrC, 0, 1, 2),
		event(addrB, 1, 0, 3),
		event(addrA, 0, 1, 4),
	})
	if idx := tree.IndexOf(mustPack(t, addrA, 1)); idx != 2 {
		t.Fatalf("A got index %d, want 2", idx)
	}
	if l, _ := tree.Leaf(0); !leaf.IsTombstone(l) {
		t.Fatalf("slot 0 is not a tombstone: %v", l)
	}
}

func TestReplayDeterminism(t *testing.T) {
	events := testHistory()
	_, a := replay(t, events)
	_, b := replay(t, events)
	if a.Root().Cmp(b.Root()) != 0 {
		t.Fatalf("replays disagree: %v vs %v", a.Root(), b.Root())
	}
}

func TestTrackerSnapshotRestore(t *testing.T) {
	events := testHistory()
	half := len(events) / 2

	full, _ := replay(t, events)
	partial, _ := replay(t, events[:half])

	blob, err := partial.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := RestoreTracker(blob)
	if err != nil {
		t.Fatal(err)
	}
	again, err := restored.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(blob, again) {
		t.Fatal("snapshot of restored tracker differs")
	}
	for _, ev := range events[half:] {
		if _, err := restored.Apply(ev); err != nil {
			t.Fatalf("restored tracker rejected %v: %v", ev.Key, err)
		}
	}
	want, _ := full.Snapshot()
	got, _ := restored.Snapshot()
	if !bytes.Equal(want, got) {
		t.Fatal("restored replay diverged from uninterrupted replay")
	}
	if _, err := restored.Apply(events[0]); !errors.Is(err, ErrOrderingViolation) {
		t.Fatalf("restored tracker lost its last key: %v", err)
	}
	if _, err := RestoreTracker([]byte{0x01, 0x02}); err == nil {
		t.Fatal("garbage snapshot accepted")
	}
}

func TestApplyToSlotMismatch(t *testing.T) {
	tree := imt.New(imt.PoseidonHasher)
	d := Decision{Kind: FirstInsertion, Account: addrA, Slot: 3, Weight: uint256.NewInt(1)}
	if err := ApplyTo(tree, d); !errors.Is(err, ErrOrderingViolation) {
		t.Fatalf("expected ErrOrderingViolation, got %v", err)
	}
	d = Decision{Kind: Update, Account: addrA, Slot: 0, Weight: uint256.NewInt(1)}
	if err := ApplyTo(tree, d); !errors.Is(err, imt.ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
}

// testHistory is a small history with a removal, a re-insertion and an
// update. Its final tree is [tombstone, B=3, C=1, D=5, A=2].
func testHistory() []WeightChangeEvent {
	return []WeightChangeEvent{
		event(addrA, 0, 1, 1),
		event(addrB, 0, 1, 2),
		event(addrC, 0, 1, 3),
		event(addrA, 1, 0, 4),
		event(addrD, 0, 5, 5),
		event(addrB, 1, 3, 6),
		event(addrA, 0, 2, 7),
	}
}
