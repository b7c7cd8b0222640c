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
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/vocdoni/davinci-census/imt"
	"github.com/vocdoni/davinci-census/leaf"
)

// DecisionKind is the tree operation an event translates to.
type DecisionKind uint8

const (
	Noop DecisionKind = iota
	FirstInsertion
	Update
	Removal
)

func (k DecisionKind) String() string {
	switch k {
	case FirstInsertion:
		return "insert"
	case Update:
		return "update"
	case Removal:
		return "remove"
	default:
		return "noop"
	}
}

// Decision is the outcome of applying one event.
type Decision struct {
	Kind    DecisionKind
	Account common.Address
	Slot    uint64       // Tree slot affected, unset for Noop
	Weight  *uint256.Int // Weight after the event
}

// Tracker replays weight changes and assigns tree slots in first insertion
// order. A slot is handed out the first time an account's weight becomes
// positive and is never reused; an account that drops to zero keeps its old
// slot as a tombstone and gets a new one if it comes back.
//
// Tracker is not safe for concurrent use.
type Tracker struct {
	accounts map[common.Address]*Account
	nextSlot uint64
	last     EventKey
	started  bool
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		accounts: make(map[common.Address]*Account),
	}
}

// NextSlot returns the slot the next first insertion will get, which equals
// the tree size.
func (t *Tracker) NextSlot() uint64 {
	return t.nextSlot
}

// LastKey returns the key of the last applied event.
func (t *Tracker) LastKey() (EventKey, bool) {
	return t.last, t.started
}

// Len returns the number of accounts ever seen.
func (t *Tracker) Len() int {
	return len(t.accounts)
}

// Lookup returns a copy of the tracked state of addr.
func (t *Tracker) Lookup(addr common.Address) (Account, bool) {
	acc, ok := t.accounts[addr]
	if !ok {
		return Account{}, false
	}
	cpy := *acc
	cpy.Weight = new(uint256.Int).Set(acc.Weight)
	return cpy, true
}

// Apply validates ev against the tracked state and records it.
func (t *Tracker) Apply(ev WeightChangeEvent) (Decision, error) {
	if t.started && ev.Key.Cmp(t.last) <= 0 {
		return Decision{}, fmt.Errorf("%w: event %v not after %v", ErrOrderingViolation, ev.Key, t.last)
	}
	var (
		prev = orZero(ev.PreviousWeight)
		next = orZero(ev.NewWeight)
	)
	if next.BitLen() > leaf.WeightBits {
		return Decision{}, fmt.Errorf("%w: weight %s of %v exceeds %d bits", leaf.ErrEncoding, next.Dec(), ev.Account, leaf.WeightBits)
	}
	acc, known := t.accounts[ev.Account]
	tracked := new(uint256.Int)
	if known {
		tracked = acc.Weight
	}
	if !tracked.Eq(prev) {
		return Decision{}, fmt.Errorf("%w: event %v for %v has previous weight %s, tracked %s", ErrOrderingViolation, ev.Key, ev.Account, prev.Dec(), tracked.Dec())
	}
	if !known {
		acc = &Account{Address: ev.Account, Weight: new(uint256.Int), Slot: -1}
		t.accounts[ev.Account] = acc
	}
	d := Decision{Account: ev.Account, Weight: new(uint256.Int).Set(next)}
	switch {
	case prev.IsZero() && next.IsZero():
		d.Kind = Noop
	case prev.IsZero():
		d.Kind = FirstInsertion
		d.Slot = t.nextSlot
		acc.Slot = int64(t.nextSlot)
		t.nextSlot++
		if acc.FirstInsertedBlock == 0 && acc.FirstInsertedAt == 0 {
			acc.FirstInsertedBlock = ev.Key.Block
			acc.FirstInsertedAt = ev.Timestamp
		}
	case next.IsZero():
		d.Kind = Removal
		d.Slot = uint64(acc.Slot)
		acc.Slot = -1
	default:
		d.Kind = Update
		d.Slot = uint64(acc.Slot)
	}
	acc.Weight = new(uint256.Int).Set(next)
	t.last = ev.Key
	t.started = true
	return d, nil
}

// ApplyTo performs the tree operation of d.
func ApplyTo(tree *imt.Tree, d Decision) error {
	switch d.Kind {
	case Noop:
		return nil
	case Removal:
		return tree.Update(int(d.Slot), new(big.Int))
	}
	value, err := leaf.Pack(d.Account, d.Weight)
	if err != nil {
		return err
	}
	if d.Kind == Update {
		return tree.Update(int(d.Slot), value)
	}
	if d.Slot != uint64(tree.Size()) {
		return fmt.Errorf("%w: slot %d assigned but tree holds %d leaves", ErrOrderingViolation, d.Slot, tree.Size())
	}
	return tree.Insert(value)
}

func orZero(w *uint256.Int) *uint256.Int {
	if w == nil {
		return new(uint256.Int)
	}
	return w
}

// trackerSnapshot is the persisted form of a Tracker. RLP has no signed
// integers, so presence is stored next to the slot.
type trackerSnapshot struct {
	NextSlot     uint64
	LastBlock    uint64
	LastLogIndex uint64
	Started      bool
	Accounts     []accountSnapshot
}

type accountSnapshot struct {
	Address            common.Address
	Weight             *uint256.Int
	Slot               uint64
	Present            bool
	FirstInsertedBlock uint64
	FirstInsertedAt    uint64
}

// Snapshot serializes the tracker. Accounts are sorted by address so equal
// trackers produce equal bytes.
func (t *Tracker) Snapshot() ([]byte, error) {
	snap := trackerSnapshot{
		NextSlot:     t.nextSlot,
		LastBlock:    t.last.Block,
		LastLogIndex: t.last.LogIndex,
		Started:      t.started,
		Accounts:     make([]accountSnapshot, 0, len(t.accounts)),
	}
	for _, acc := range t.accounts {
		as := accountSnapshot{
			Address:            acc.Address,
			Weight:             acc.Weight,
			Present:            acc.Present(),
			FirstInsertedBlock: acc.FirstInsertedBlock,
			FirstInsertedAt:    acc.FirstInsertedAt,
		}
		if as.Present {
			as.Slot = uint64(acc.Slot)
		}
		snap.Accounts = append(snap.Accounts, as)
	}
	sort.Slice(snap.Accounts, func(i, j int) bool {
		return bytes.Compare(snap.Accounts[i].Address[:], snap.Accounts[j].Address[:]) < 0
	})
	return rlp.EncodeToBytes(&snap)
}

// RestoreTracker rebuilds a tracker from Snapshot output.
func RestoreTracker(data []byte) (*Tracker, error) {
	var snap trackerSnapshot
	if err := rlp.DecodeBytes(data, &snap); err != nil {
		return nil, fmt.Errorf("invalid tracker snapshot: %w", err)
	}
	t := NewTracker()
	t.nextSlot = snap.NextSlot
	t.last = EventKey{Block: snap.LastBlock, LogIndex: snap.LastLogIndex}
	t.started = snap.Started
	for _, as := range snap.Accounts {
		if as.Present && as.Slot >= snap.NextSlot {
			return nil, fmt.Errorf("invalid tracker snapshot: slot %d of %v beyond %d", as.Slot, as.Address, snap.NextSlot)
		}
		acc := &Account{
			Address:            as.Address,
			Weight:             orZero(as.Weight),
			Slot:               -1,
			FirstInsertedBlock: as.FirstInsertedBlock,
			FirstInsertedAt:    as.FirstInsertedAt,
		}
		if as.Present {
			acc.Slot = int64(as.Slot)
		}
		t.accounts[as.Address] = acc
	}
	return t, nil
}
