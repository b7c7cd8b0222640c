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
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/vocdoni/davinci-census/census"
)

const (
	rootSourceContract = "contract"
	rootSourceSubgraph = "subgraph"

	dbEngineLevelDB = "leveldb"
	dbEnginePebble  = "pebble"
)

// Config holds the censusd configuration.
type Config struct {
	SubgraphURL       string
	SubgraphRateLimit float64 // Requests per second against the subgraph (0 = unlimited)
	RootSource        string  // "contract" or "subgraph"
	RPCURL            string  // Execution node endpoint, required by the contract root source
	ContractAddress   string

	Mode               string // "accounts" or "events"
	PageSize           int
	FetchConcurrency   int
	CheckpointInterval int // Pages between persisted replay checkpoints (events mode)
	MemoryCacheSize    int

	DataDir       string // Empty keeps the tree cache in memory
	DBEngine      string // "leveldb" or "pebble"
	CacheTTL      time.Duration
	CacheCapacity int

	RefreshInterval    time.Duration
	QueryRPCEnabled    bool
	QueryRPCListenAddr string
	QueryRPCMaxBatch   uint64 // Max leaves returned by census_leaves

	Verbosity int
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.SubgraphURL == "" {
		return fmt.Errorf("subgraph-url is required")
	}
	switch c.RootSource {
	case rootSourceSubgraph:
	case rootSourceContract:
		if c.RPCURL == "" {
			return fmt.Errorf("rpc-url is required for the contract root source")
		}
		if !common.IsHexAddress(c.ContractAddress) {
			return fmt.Errorf("contract-address %q is not a valid address", c.ContractAddress)
		}
	default:
		return fmt.Errorf("root-source must be 'contract' or 'subgraph', got %q", c.RootSource)
	}
	if _, err := census.ParseMode(c.Mode); err != nil {
		return err
	}
	if c.PageSize <= 0 || c.PageSize > 1000 {
		return fmt.Errorf("page-size must be in [1, 1000], got %d", c.PageSize)
	}
	if c.FetchConcurrency <= 0 {
		return fmt.Errorf("fetch-concurrency must be > 0")
	}
	if c.DataDir != "" && c.DBEngine != dbEngineLevelDB && c.DBEngine != dbEnginePebble {
		return fmt.Errorf("db.engine must be 'leveldb' or 'pebble', got %q", c.DBEngine)
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("cache-capacity must be > 0")
	}
	if c.RefreshInterval < time.Second {
		return fmt.Errorf("refresh-interval must be at least 1s, got %v", c.RefreshInterval)
	}
	return nil
}

// reconstructorConfig derives the census library settings.
func (c *Config) reconstructorConfig() census.Config {
	mode, _ := census.ParseMode(c.Mode)

	cfg := census.DefaultConfig
	cfg.Mode = mode
	cfg.PageSize = c.PageSize
	cfg.FetchConcurrency = c.FetchConcurrency
	if c.CheckpointInterval > 0 {
		cfg.CheckpointInterval = c.CheckpointInterval
	}
	if c.MemoryCacheSize > 0 {
		cfg.MemoryCacheSize = c.MemoryCacheSize
	}
	return cfg
}

// effectiveMaxBatch returns the configured leaves batch cap, or the default if unset.
func (c *Config) effectiveMaxBatch() uint64 {
	if c.QueryRPCMaxBatch == 0 {
		return 1000
	}
	return c.QueryRPCMaxBatch
}

// parseRoot accepts a census root as a decimal or 0x-prefixed hex number.
func parseRoot(s string) (*big.Int, error) {
	root, ok := math.ParseBig256(s)
	if s == "" || !ok || root.Sign() < 0 {
		return nil, fmt.Errorf("invalid census root %q", s)
	}
	return root, nil
}
