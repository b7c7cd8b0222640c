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
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

const minRefreshBackoff = time.Second

// Runner manages the daemon lifecycle.
type Runner struct {
	cfg         *Config
	backend     *Backend
	phase       *PhaseTracker
	queryServer *QueryServer

	refresh func(ctx context.Context) error

	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRunner creates a new daemon runner.
func NewRunner(ctx context.Context, cfg *Config) (*Runner, error) {
	backend, err := NewBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:     cfg,
		backend: backend,
		phase:   NewPhaseTracker(),
		stopCh:  make(chan struct{}),
	}
	r.refresh = r.reconstruct
	return r, nil
}

// Start starts the daemon runner.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("already running")
	}
	// Start query server if enabled
	if r.cfg.QueryRPCEnabled {
		qs, err := NewQueryServer(r.cfg.QueryRPCListenAddr, NewQueryAPI(r.cfg, r.backend.Reconstructor(), r.phase))
		if err != nil {
			return fmt.Errorf("failed to start query server: %w", err)
		}
		r.queryServer = qs
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

// Stop stops the daemon runner.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return r.backend.Close()
	}
	close(r.stopCh)
	r.cancel()
	r.wg.Wait()
	r.running = false

	// Stop query server if running
	if r.queryServer != nil {
		if err := r.queryServer.Close(); err != nil {
			log.Error("Failed to close query server", "err", err)
		}
	}
	return r.backend.Close()
}

// loop refreshes the census every RefreshInterval, backing off while the
// refresh keeps failing.
func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	log.Info("Census refresh loop started", "interval", r.cfg.RefreshInterval)

	var backoff time.Duration
	for {
		wait := r.cfg.RefreshInterval
		if err := r.refresh(ctx); err != nil {
			if ctx.Err() != nil {
				log.Info("Census refresh loop stopped")
				return
			}
			if backoff == 0 {
				backoff = minRefreshBackoff
			} else {
				backoff *= 2
			}
			if backoff > r.cfg.RefreshInterval {
				backoff = r.cfg.RefreshInterval
			}
			wait = backoff
			log.Debug("Census refresh backoff", "err", err, "backoff", backoff)
		} else {
			backoff = 0
		}
		refreshBackoffGauge.Update(backoff.Milliseconds())

		select {
		case <-r.stopCh:
			log.Info("Census refresh loop stopped")
			return
		case <-time.After(wait):
		}
	}
}

// reconstruct brings the census up to the current authoritative root.
func (r *Runner) reconstruct(ctx context.Context) error {
	refreshTotal.Inc(1)
	start := time.Now()

	r.phase.Begin()
	c, err := r.backend.Reconstructor().Reconstruct(ctx)
	if err != nil {
		refreshErrorsTotal.Inc(1)
		if ctx.Err() == nil {
			r.phase.Fail(err)
		}
		if diverging(err) {
			divergedTotal.Inc(1)
			log.Error("Census diverged from the authoritative root", "err", err)
		} else if ctx.Err() == nil {
			log.Warn("Census refresh failed", "err", err)
		}
		return err
	}
	refreshLatency.UpdateSince(start)
	r.phase.Succeed(c.Root())
	log.Debug("Census refreshed", "root", common.BigToHash(c.Root()), "size", c.Size(), "elapsed", common.PrettyDuration(time.Since(start)))
	return nil
}
