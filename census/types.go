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

// Package census rebuilds the on-chain census tree off-chain.
//
// Two sources are supported. The accounts path reads the current members
// ordered by their tree slot and fills the slots of removed members with
// tombstones. The events path replays every weight change through a Tracker,
// which assigns slots exactly like the census contract does. Both paths
// persist their progress in a treecache.Store so an interrupted build resumes
// where it stopped, and both cross-check the result against the root reported
// by the contract.
package census

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrOrderingViolation is returned when events arrive out of order or do
	// not agree with the tracked state.
	ErrOrderingViolation = errors.New("event ordering violation")

	// ErrFeedUnavailable is returned when a feed keeps failing after all
	// retries.
	ErrFeedUnavailable = errors.New("feed unavailable")

	// ErrRootMismatch is returned when the rebuilt root differs from the
	// authoritative one.
	ErrRootMismatch = errors.New("census root mismatch")

	// ErrNotFound is returned for accounts that are not census members.
	ErrNotFound = errors.New("account not in census")
)

// FeedError is returned once a feed operation exhausted its retries.
type FeedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *FeedError) Unwrap() error { return e.Err }

func (e *FeedError) Is(target error) bool { return target == ErrFeedUnavailable }

// Account is the tracked state of one census member.
type Account struct {
	Address            common.Address
	Weight             *uint256.Int
	Slot               int64 // -1 while the account is not a member
	FirstInsertedBlock uint64
	FirstInsertedAt    uint64
}

// Present reports whether the account currently occupies a slot.
func (a *Account) Present() bool {
	return a.Slot >= 0
}

// EventKey orders weight change events.
type EventKey struct {
	Block    uint64
	LogIndex uint64
}

// Cmp returns -1, 0 or +1 depending on whether k is before, equal to or after o.
func (k EventKey) Cmp(o EventKey) int {
	switch {
	case k.Block < o.Block:
		return -1
	case k.Block > o.Block:
		return 1
	case k.LogIndex < o.LogIndex:
		return -1
	case k.LogIndex > o.LogIndex:
		return 1
	}
	return 0
}

func (k EventKey) String() string {
	return fmt.Sprintf("%d:%d", k.Block, k.LogIndex)
}

// WeightChangeEvent is one WeightChanged log of the census contract.
type WeightChangeEvent struct {
	Account        common.Address
	PreviousWeight *uint256.Int
	NewWeight      *uint256.Int
	Key            EventKey
	Timestamp      uint64
	TxHash         common.Hash
}

// AccountRecord is one current member as reported by an account feed.
type AccountRecord struct {
	Address            common.Address
	Weight             *uint256.Int
	Slot               uint64
	FirstInsertedBlock uint64
	FirstInsertedAt    uint64
}

// RootSource reports the authoritative census root.
type RootSource interface {
	// CurrentRoot returns the latest root. Zero means an empty census.
	CurrentRoot(ctx context.Context) (*big.Int, error)

	// RootBlock returns the block at which root became current, if known.
	RootBlock(ctx context.Context, root *big.Int) (uint64, bool, error)
}

// AccountFeed lists the current members ordered by slot.
type AccountFeed interface {
	SourceID() string

	// Accounts returns up to first members with a positive weight, skipping
	// the first skip ones, ordered by slot.
	Accounts(ctx context.Context, first, skip int) ([]AccountRecord, error)

	// SlotCount returns the number of slots ever assigned.
	SlotCount(ctx context.Context) (uint64, error)
}

// EventFeed lists weight change events ordered by (block, log index).
type EventFeed interface {
	SourceID() string
	WeightChangeEvents(ctx context.Context, first, skip int) ([]WeightChangeEvent, error)
}
