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
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/ethdb/pebble"
	"github.com/ethereum/go-ethereum/log"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/vocdoni/davinci-census/census"
	"github.com/vocdoni/davinci-census/feed"
	"github.com/vocdoni/davinci-census/imt"
	"github.com/vocdoni/davinci-census/treecache"
)

const (
	cacheDBName      = "treecache"
	cacheDBNamespace = "censusd/treecache/"
	cacheDBMemory    = 16 // MiB
	cacheDBHandles   = 16
)

// Backend wires the census reconstructor to its feeds and tree cache.
type Backend struct {
	cfg      *Config
	db       ethdb.KeyValueStore
	store    *treecache.Store
	subgraph *feed.SubgraphClient
	contract *feed.ContractRootSource // Nil unless the contract is the root source
	recon    *census.Reconstructor
}

// openDatabase opens the key-value store backing the tree cache.
func openDatabase(cfg *Config, readonly bool) (ethdb.KeyValueStore, error) {
	if cfg.DataDir == "" {
		log.Warn("No data directory configured, tree cache kept in memory")
		return memorydb.New(), nil
	}
	path := filepath.Join(cfg.DataDir, cacheDBName)
	switch cfg.DBEngine {
	case dbEnginePebble:
		db, err := pebble.New(path, cacheDBMemory, cacheDBHandles, cacheDBNamespace, readonly)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		db, err := leveldb.NewCustom(path, cacheDBNamespace, func(options *opt.Options) {
			options.OpenFilesCacheCapacity = cacheDBHandles
			options.BlockCacheCapacity = cacheDBMemory / 2 * opt.MiB
			options.WriteBuffer = cacheDBMemory / 4 * opt.MiB
			options.ReadOnly = readonly
		})
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}

// openStore opens only the tree cache, for maintenance commands.
func openStore(cfg *Config, readonly bool) (*treecache.Store, ethdb.KeyValueStore, error) {
	db, err := openDatabase(cfg, readonly)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open tree cache: %w", err)
	}
	store := treecache.New(db, treecache.Config{
		TTL:       cfg.CacheTTL,
		Capacity:  cfg.CacheCapacity,
		ChunkSize: treecache.DefaultConfig.ChunkSize,
	})
	return store, db, nil
}

// NewBackend opens the tree cache and connects the configured feeds.
func NewBackend(ctx context.Context, cfg *Config) (*Backend, error) {
	subgraph, err := feed.NewSubgraphClient(feed.SubgraphConfig{
		Endpoint:  cfg.SubgraphURL,
		Timeout:   feed.DefaultSubgraphConfig.Timeout,
		RateLimit: cfg.SubgraphRateLimit,
		Burst:     feed.DefaultSubgraphConfig.Burst,
	})
	if err != nil {
		return nil, err
	}
	b := &Backend{cfg: cfg, subgraph: subgraph}

	src := census.Sources{
		Roots:    subgraph,
		Accounts: subgraph,
		Events:   subgraph,
	}
	if cfg.RootSource == rootSourceContract {
		contract, err := feed.DialContractRootSource(ctx, cfg.RPCURL, common.HexToAddress(cfg.ContractAddress))
		if err != nil {
			return nil, err
		}
		b.contract = contract
		src.Roots = contract
	}
	if b.store, b.db, err = openStore(cfg, false); err != nil {
		b.Close()
		return nil, err
	}
	if b.recon, err = census.NewReconstructor(cfg.reconstructorConfig(), imt.PoseidonHasher, src, b.store); err != nil {
		b.Close()
		return nil, err
	}
	log.Info("Census backend initialized", "source", b.recon.SourceID(), "roots", cfg.RootSource, "mode", cfg.Mode, "datadir", cfg.DataDir)
	return b, nil
}

// Reconstructor returns the census reconstructor.
func (b *Backend) Reconstructor() *census.Reconstructor {
	return b.recon
}

// Close releases the database and the node connection.
func (b *Backend) Close() error {
	if b.contract != nil {
		b.contract.Close()
	}
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
