// Copyright 2025 The davinci-census Authors
// This file is part of davinci-census.
//
// davinci-census is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// davinci-census is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with davinci-census. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/vocdoni/davinci-census/census"
)

// DaemonPhase represents the daemon's operational phase.
type DaemonPhase string

const (
	PhaseInitializing   DaemonPhase = "initializing"
	PhaseReconstructing DaemonPhase = "reconstructing"
	PhaseSynced         DaemonPhase = "synced"
	PhaseDiverged       DaemonPhase = "diverged"
)

// PhaseTracker manages the daemon's operational phase transitions.
type PhaseTracker struct {
	mu          sync.Mutex
	current     DaemonPhase
	syncedRoot  *big.Int
	syncedSince time.Time
	lastErr     error
	failures    uint64 // Consecutive failed refreshes
}

// NewPhaseTracker creates a new PhaseTracker.
func NewPhaseTracker() *PhaseTracker {
	return &PhaseTracker{current: PhaseInitializing}
}

// diverging reports whether err means the feed disagrees with the chain, as
// opposed to being temporarily unreachable.
func diverging(err error) bool {
	return errors.Is(err, census.ErrRootMismatch) || errors.Is(err, census.ErrOrderingViolation)
}

// Begin marks the start of a refresh. A synced daemon keeps serving its last
// tree while refreshing.
func (pt *PhaseTracker) Begin() {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.current == PhaseSynced {
		return
	}
	pt.transition(PhaseReconstructing)
}

// Succeed records a census matching the authoritative root.
func (pt *PhaseTracker) Succeed(root *big.Int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.current != PhaseSynced || pt.syncedRoot == nil || pt.syncedRoot.Cmp(root) != 0 {
		pt.syncedSince = time.Now()
	}
	pt.syncedRoot = new(big.Int).Set(root)
	pt.lastErr = nil
	pt.failures = 0
	pt.transition(PhaseSynced)
}

// Fail records a failed refresh.
func (pt *PhaseTracker) Fail(err error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.lastErr = err
	pt.failures++
	if diverging(err) {
		pt.syncedSince = time.Time{}
		pt.transition(PhaseDiverged)
	}
}

func (pt *PhaseTracker) transition(to DaemonPhase) {
	if pt.current == to {
		return
	}
	if to == PhaseDiverged {
		log.Warn("Census daemon phase transition", "from", pt.current, "to", to, "err", pt.lastErr)
	} else {
		log.Info("Census daemon phase transition", "from", pt.current, "to", to)
	}
	pt.current = to
}

// Current returns the current daemon phase.
func (pt *PhaseTracker) Current() DaemonPhase {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.current
}

// SyncedRoot returns the root of the last successful refresh, or nil.
func (pt *PhaseTracker) SyncedRoot() *big.Int {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.syncedRoot == nil {
		return nil
	}
	return new(big.Int).Set(pt.syncedRoot)
}

// SyncedSince returns when the daemon started serving the synced root.
func (pt *PhaseTracker) SyncedSince() time.Time {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.syncedSince
}

// LastError returns the error of the last failed refresh since the last
// success.
func (pt *PhaseTracker) LastError() error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.lastErr
}

// Failures returns the number of consecutive failed refreshes.
func (pt *PhaseTracker) Failures() uint64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.failures
}
