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

// censusd reconstructs the voting census tree and serves inclusion proofs.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"github.com/vocdoni/davinci-census/census"
	"github.com/vocdoni/davinci-census/feed"
	"github.com/vocdoni/davinci-census/treecache"
)

var (
	// Feed flags
	subgraphURLFlag = &cli.StringFlag{
		Name:    "subgraph-url",
		Usage:   "GraphQL endpoint of the census subgraph",
		EnvVars: []string{"CENSUSD_SUBGRAPH_URL"},
	}
	subgraphRateLimitFlag = &cli.Float64Flag{
		Name:  "subgraph-rate-limit",
		Usage: "Maximum subgraph requests per second (0 = unlimited)",
		Value: feed.DefaultSubgraphConfig.RateLimit,
	}
	rootSourceFlag = &cli.StringFlag{
		Name:  "root-source",
		Usage: "Authoritative census root source (contract, subgraph)",
		Value: rootSourceSubgraph,
	}
	rpcURLFlag = &cli.StringFlag{
		Name:    "rpc-url",
		Usage:   "Execution node RPC endpoint used by the contract root source",
		EnvVars: []string{"CENSUSD_RPC_URL"},
	}
	contractAddressFlag = &cli.StringFlag{
		Name:  "contract-address",
		Usage: "Address of the census contract",
	}

	// Reconstruction flags
	modeFlag = &cli.StringFlag{
		Name:  "mode",
		Usage: "Reconstruction mode (accounts = current state, events = weight change replay)",
		Value: string(census.ModeAccounts),
	}
	pageSizeFlag = &cli.IntFlag{
		Name:  "page-size",
		Usage: "Records requested per feed query (max 1000)",
		Value: census.DefaultConfig.PageSize,
	}
	fetchConcurrencyFlag = &cli.IntFlag{
		Name:  "fetch-concurrency",
		Usage: "Feed pages fetched in parallel",
		Value: census.DefaultConfig.FetchConcurrency,
	}
	checkpointIntervalFlag = &cli.IntFlag{
		Name:  "checkpoint-interval",
		Usage: "Pages replayed between persisted checkpoints in events mode",
		Value: census.DefaultConfig.CheckpointInterval,
	}
	memoryCacheSizeFlag = &cli.IntFlag{
		Name:  "memory-cache-size",
		Usage: "Built census trees kept in memory",
		Value: census.DefaultConfig.MemoryCacheSize,
	}

	// Storage flags
	dataDirectoryFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the tree cache (empty = in memory)",
		Value: "./censusd-data",
	}
	dbEngineFlag = &cli.StringFlag{
		Name:  "db.engine",
		Usage: "Backing database implementation (leveldb, pebble)",
		Value: dbEngineLevelDB,
	}
	cacheTTLFlag = &cli.DurationFlag{
		Name:  "cache-ttl",
		Usage: "Lifetime of a cached census tree",
		Value: treecache.DefaultConfig.TTL,
	}
	cacheCapacityFlag = &cli.IntFlag{
		Name:  "cache-capacity",
		Usage: "Maximum number of census trees kept on disk",
		Value: treecache.DefaultConfig.Capacity,
	}

	// Daemon flags
	refreshIntervalFlag = &cli.DurationFlag{
		Name:  "refresh-interval",
		Usage: "Interval between authoritative root checks",
		Value: time.Minute,
	}
	queryRPCEnabledFlag = &cli.BoolFlag{
		Name:  "query-rpc-enabled",
		Usage: "Enable census query RPC server",
		Value: true,
	}
	queryRPCListenAddrFlag = &cli.StringFlag{
		Name:  "query-rpc-listen-addr",
		Usage: "Listen address for census query RPC server",
		Value: "localhost:8570",
	}
	queryRPCMaxBatchFlag = &cli.Uint64Flag{
		Name:  "query-rpc-max-batch",
		Usage: "Maximum number of leaves returned by census_leaves",
		Value: 1000,
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}

	// Command flags
	rootFlag = &cli.StringFlag{
		Name:  "root",
		Usage: "Census root to reconstruct, decimal or hex (default: current root)",
	}
	jsonFlag = &cli.BoolFlag{
		Name:  "json",
		Usage: "Print results as JSON",
	}
)

var app = &cli.App{
	Name:   "censusd",
	Usage:  "Voting census tree reconstruction daemon",
	Action: runDaemon,
	Flags: []cli.Flag{
		subgraphURLFlag,
		subgraphRateLimitFlag,
		rootSourceFlag,
		rpcURLFlag,
		contractAddressFlag,
		modeFlag,
		pageSizeFlag,
		fetchConcurrencyFlag,
		checkpointIntervalFlag,
		memoryCacheSizeFlag,
		dataDirectoryFlag,
		dbEngineFlag,
		cacheTTLFlag,
		cacheCapacityFlag,
		refreshIntervalFlag,
		queryRPCEnabledFlag,
		queryRPCListenAddrFlag,
		queryRPCMaxBatchFlag,
		verbosityFlag,
	},
	Before: setupLogging,
}

func init() {
	app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "Keep the census in sync and serve the query RPC (default)",
			Action: runDaemon,
		},
		{
			Name:   "reconstruct",
			Usage:  "Reconstruct a census tree once and print its summary",
			Flags:  []cli.Flag{rootFlag},
			Action: runReconstruct,
		},
		{
			Name:      "proof",
			Usage:     "Print the inclusion proof of an account",
			ArgsUsage: "<address>",
			Flags:     []cli.Flag{rootFlag},
			Action:    runProof,
		},
		{
			Name:   "verify",
			Usage:  "Reconstruct a census and check every member proof against its root",
			Flags:  []cli.Flag{rootFlag},
			Action: runVerify,
		},
		{
			Name:  "cache",
			Usage: "Inspect or clear the persistent tree cache",
			Subcommands: []*cli.Command{
				{
					Name:   "stats",
					Usage:  "Print cache statistics and entries",
					Flags:  []cli.Flag{jsonFlag},
					Action: runCacheStats,
				},
				{
					Name:   "clear",
					Usage:  "Remove every cached tree",
					Action: runCacheClear,
				},
			},
		},
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) error {
	level := log.FromLegacyLevel(ctx.Int(verbosityFlag.Name))
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, level, true)))
	return nil
}

func runDaemon(ctx *cli.Context) error {
	cfg := buildConfigFromCLI(ctx)

	// Validate config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Create and start runner
	runner, err := NewRunner(ctx.Context, cfg)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := runner.Start(); err != nil {
		runner.Stop()
		return fmt.Errorf("failed to start: %w", err)
	}

	log.Info("Census daemon started", "subgraph", cfg.SubgraphURL, "roots", cfg.RootSource, "datadir", cfg.DataDir)

	// Wait for signal
	sig := <-sigCh
	log.Info("Received signal, shutting down", "signal", sig)

	return runner.Stop()
}

// withCensus builds the backend and reconstructs the census selected by the
// root flag.
func withCensus(ctx *cli.Context, fn func(*Backend, *census.Census) error) error {
	cfg := buildConfigFromCLI(ctx)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	backend, err := NewBackend(ctx.Context, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	var c *census.Census
	if s := ctx.String(rootFlag.Name); s != "" {
		root, err := parseRoot(s)
		if err != nil {
			return err
		}
		c, err = backend.Reconstructor().ReconstructRoot(ctx.Context, root)
		if err != nil {
			return err
		}
	} else if c, err = backend.Reconstructor().Reconstruct(ctx.Context); err != nil {
		return err
	}
	return fn(backend, c)
}

func runReconstruct(ctx *cli.Context) error {
	return withCensus(ctx, func(_ *Backend, c *census.Census) error {
		fmt.Printf("root:         %v\n", c.Root())
		fmt.Printf("root (hex):   %v\n", common.BigToHash(c.Root()))
		fmt.Printf("size:         %d\n", c.Size())
		fmt.Printf("depth:        %d\n", c.Depth())
		fmt.Printf("members:      %d\n", c.Members())
		fmt.Printf("total weight: %v\n", c.TotalWeight().Dec())
		return nil
	})
}

func runProof(ctx *cli.Context) error {
	if ctx.NArg() != 1 || !common.IsHexAddress(ctx.Args().First()) {
		return fmt.Errorf("usage: censusd proof <address>")
	}
	addr := common.HexToAddress(ctx.Args().First())

	return withCensus(ctx, func(_ *Backend, c *census.Census) error {
		member, ok := c.Lookup(addr)
		if !ok {
			return fmt.Errorf("%w: %v", census.ErrNotFound, addr)
		}
		proof, err := c.ProofAt(member.Index)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(newProofResult(member, proof.Leaf, proof.Root, proof.Siblings), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	})
}

func runVerify(ctx *cli.Context) error {
	return withCensus(ctx, func(_ *Backend, c *census.Census) error {
		verified, err := verifyMembers(c)
		if err != nil {
			return err
		}
		fmt.Printf("census %v verified: %d member proofs, %d slots\n", common.BigToHash(c.Root()), verified, c.Size())
		return nil
	})
}

// verifyMembers checks the inclusion proof of every live slot of c.
func verifyMembers(c *census.Census) (int, error) {
	var verified int
	for i, l := range c.Leaves() {
		if l.Sign() == 0 {
			continue
		}
		proof, err := c.ProofAt(i)
		if err != nil {
			return verified, err
		}
		if !c.Verify(c.Root(), proof.Leaf, proof.Siblings) {
			return verified, fmt.Errorf("proof of slot %d does not verify against root %v", i, c.Root())
		}
		verified++
	}
	return verified, nil
}

func runCacheStats(ctx *cli.Context) error {
	cfg := buildConfigFromCLI(ctx)
	store, db, err := openStore(cfg, true)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := store.Stats()
	if err != nil {
		return err
	}
	entries, err := store.Entries()
	if err != nil {
		return err
	}
	if ctx.Bool(jsonFlag.Name) {
		out, err := json.MarshalIndent(map[string]any{"stats": cacheStatsResult(&stats), "entries": entries}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	fmt.Printf("entries:  %d/%d (%d complete, %d partial)\n", stats.Entries, stats.Capacity, stats.Complete, stats.Partial)
	fmt.Printf("leaves:   %d\n", stats.Leaves)
	fmt.Printf("ttl:      %v\n", stats.TTL)
	for _, e := range entries {
		fmt.Printf("  %v  %-8v %-8s size=%-8d offset=%-8d updated=%v\n",
			e.Root, e.State, e.Mode, e.Size, e.Offset, time.Unix(int64(e.UpdatedAt), 0).Format(time.RFC3339))
	}
	return nil
}

func runCacheClear(ctx *cli.Context) error {
	cfg := buildConfigFromCLI(ctx)
	store, db, err := openStore(cfg, false)
	if err != nil {
		return err
	}
	defer db.Close()

	removed, err := store.Clear()
	if err != nil {
		return err
	}
	fmt.Printf("removed %d cached census trees\n", removed)
	return nil
}

func buildConfigFromCLI(ctx *cli.Context) *Config {
	return &Config{
		SubgraphURL:        ctx.String(subgraphURLFlag.Name),
		SubgraphRateLimit:  ctx.Float64(subgraphRateLimitFlag.Name),
		RootSource:         ctx.String(rootSourceFlag.Name),
		RPCURL:             ctx.String(rpcURLFlag.Name),
		ContractAddress:    ctx.String(contractAddressFlag.Name),
		Mode:               ctx.String(modeFlag.Name),
		PageSize:           ctx.Int(pageSizeFlag.Name),
		FetchConcurrency:   ctx.Int(fetchConcurrencyFlag.Name),
		CheckpointInterval: ctx.Int(checkpointIntervalFlag.Name),
		MemoryCacheSize:    ctx.Int(memoryCacheSizeFlag.Name),
		DataDir:            ctx.String(dataDirectoryFlag.Name),
		DBEngine:           ctx.String(dbEngineFlag.Name),
		CacheTTL:           ctx.Duration(cacheTTLFlag.Name),
		CacheCapacity:      ctx.Int(cacheCapacityFlag.Name),
		RefreshInterval:    ctx.Duration(refreshIntervalFlag.Name),
		QueryRPCEnabled:    ctx.Bool(queryRPCEnabledFlag.Name),
		QueryRPCListenAddr: ctx.String(queryRPCListenAddrFlag.Name),
		QueryRPCMaxBatch:   ctx.Uint64(queryRPCMaxBatchFlag.Name),
		Verbosity:          ctx.Int(verbosityFlag.Name),
	}
}
