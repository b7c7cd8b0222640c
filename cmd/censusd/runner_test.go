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
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/vocdoni/davinci-census/census"
	"go.uber.org/goleak"
)

func newTestRunner(t *testing.T, feed *staticFeed) *Runner {
	t.Helper()
	r := &Runner{
		cfg:     &Config{RefreshInterval: time.Second},
		backend: &Backend{recon: newTestReconstructor(t, feed, nil)},
		phase:   NewPhaseTracker(),
		stopCh:  make(chan struct{}),
	}
	r.refresh = r.reconstruct
	return r
}

func TestRunnerReconstruct(t *testing.T) {
	feed := newStaticFeed(t, 5)
	r := newTestRunner(t, feed)

	if err := r.reconstruct(context.Background()); err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if r.phase.Current() != PhaseSynced || r.phase.SyncedRoot().Cmp(feed.root) != 0 {
		t.Fatalf("phase %s root %v", r.phase.Current(), r.phase.SyncedRoot())
	}
}

func TestRunnerDiverged(t *testing.T) {
	feed := newStaticFeed(t, 5)
	feed.root = big.NewInt(12345)
	r := newTestRunner(t, feed)

	err := r.reconstruct(context.Background())
	if !errors.Is(err, census.ErrRootMismatch) {
		t.Fatalf("expected root mismatch, got %v", err)
	}
	if r.phase.Current() != PhaseDiverged {
		t.Fatalf("phase %s, want %s", r.phase.Current(), PhaseDiverged)
	}
}

func TestRunnerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := newTestRunner(t, newStaticFeed(t, 1))

	calls := make(chan error, 1)
	r.refresh = func(ctx context.Context) error {
		select {
		case calls <- ctx.Err():
		default:
		}
		return errors.New("feed offline")
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := r.Start(); err == nil {
		t.Fatal("second Start() succeeded")
	}
	select {
	case err := <-calls:
		if err != nil {
			t.Fatalf("refresh called with a done context: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("refresh never ran")
	}

	done := make(chan error, 1)
	go func() { done <- r.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop() failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return")
	}
	// Stopping twice is harmless.
	if err := r.Stop(); err != nil {
		t.Fatalf("second Stop() failed: %v", err)
	}
}

func TestVerifyMembers(t *testing.T) {
	feed := newStaticFeed(t, 7)
	recon := newTestReconstructor(t, feed, nil)
	c, err := recon.Reconstruct(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	verified, err := verifyMembers(c)
	if err != nil || verified != 7 {
		t.Fatalf("verified %d, err %v", verified, err)
	}
}
