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
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/vocdoni/davinci-census/imt"
	"github.com/vocdoni/davinci-census/leaf"
)

// RetryConfig bounds the exponential backoff used for feed calls and hash
// failures.
type RetryConfig struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

// DefaultRetryConfig matches the limits of the hosted indexer.
var DefaultRetryConfig = RetryConfig{
	Attempts:     3,
	InitialDelay: time.Second,
	MaxDelay:     10 * time.Second,
	Factor:       2,
}

func (c *RetryConfig) sanitize() {
	if c.Attempts <= 0 {
		c.Attempts = DefaultRetryConfig.Attempts
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = DefaultRetryConfig.InitialDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Factor < 1 {
		c.Factor = DefaultRetryConfig.Factor
	}
}

// retryable reports whether err can go away by trying again. Encoding, index
// and ordering problems are properties of the data and never are.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, leaf.ErrEncoding),
		errors.Is(err, imt.ErrIndexOutOfRange),
		errors.Is(err, imt.ErrInvalidLeaf),
		errors.Is(err, ErrOrderingViolation),
		errors.Is(err, ErrRootMismatch):
		return false
	}
	return true
}

// retry runs fn until it succeeds, fails permanently or runs out of attempts.
// Exhausted feed calls are reported as *FeedError, exhausted hash failures
// keep their ErrHash classification.
func retry[T any](ctx context.Context, cfg RetryConfig, op string, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		backoff = cfg.InitialDelay
		err     error
	)
	for attempt := 1; ; attempt++ {
		var out T
		if out, err = fn(ctx); err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !retryable(err) {
			return zero, err
		}
		if attempt >= cfg.Attempts {
			if errors.Is(err, imt.ErrHash) {
				return zero, err
			}
			return zero, &FeedError{Op: op, Attempts: attempt, Err: err}
		}
		log.Debug("Retrying census operation", "op", op, "attempt", attempt, "backoff", backoff, "err", err)
		retryCounter.Inc(1)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
		backoff = time.Duration(float64(backoff) * cfg.Factor)
		if backoff > cfg.MaxDelay {
			backoff = cfg.MaxDelay
		}
	}
}
