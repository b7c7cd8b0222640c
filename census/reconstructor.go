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
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/log"
	"github.com/vocdoni/davinci-census/imt"
	"github.com/vocdoni/davinci-census/leaf"
	"github.com/vocdoni/davinci-census/treecache"
	"golang.org/x/sync/errgroup"
)

// Mode selects the reconstruction path.
type Mode string

const (
	// ModeAccounts builds the tree from the current member list.
	ModeAccounts Mode = "accounts"

	// ModeEvents replays every weight change from the start.
	ModeEvents Mode = "events"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAccounts, ModeEvents:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown reconstruction mode %q", s)
}

// Config holds the reconstruction settings.
type Config struct {
	Mode               Mode
	PageSize           int // Records requested per feed call
	FetchConcurrency   int // Pages fetched in parallel
	MemoryCacheSize    int // Built trees kept in memory
	CheckpointInterval int // Pages between persisted replay checkpoints
	ProgressInterval   int // Pages between progress logs
	Retry              RetryConfig
}

// DefaultConfig contains the default reconstruction settings.
var DefaultConfig = Config{
	Mode:               ModeAccounts,
	PageSize:           100,
	FetchConcurrency:   4,
	MemoryCacheSize:    10,
	CheckpointInterval: 10,
	ProgressInterval:   10,
	Retry:              DefaultRetryConfig,
}

func (c *Config) sanitize() {
	if c.Mode == "" {
		c.Mode = DefaultConfig.Mode
	}
	if c.PageSize <= 0 {
		log.Warn("Sanitizing invalid page size", "provided", c.PageSize, "updated", DefaultConfig.PageSize)
		c.PageSize = DefaultConfig.PageSize
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = DefaultConfig.FetchConcurrency
	}
	if c.MemoryCacheSize <= 0 {
		c.MemoryCacheSize = DefaultConfig.MemoryCacheSize
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = DefaultConfig.CheckpointInterval
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultConfig.ProgressInterval
	}
	c.Retry.sanitize()
}

// Sources bundles the external collaborators of a Reconstructor. Only the
// feed of the configured mode is required.
type Sources struct {
	Roots    RootSource
	Accounts AccountFeed
	Events   EventFeed
}

// Stats describes the reconstructor state.
type Stats struct {
	Mode        Mode
	Source      string
	Hasher      string
	MemoryTrees int
	Builds      uint64
	Failures    uint64
	LatestRoot  *big.Int
	LatestSize  int
	Cache       *treecache.Stats
}

// Reconstructor rebuilds census trees and serves proofs from them. It is safe
// for concurrent use: builds of the same root are serialized, different roots
// proceed in parallel.
type Reconstructor struct {
	cfg    Config
	hasher imt.Hasher
	src    Sources
	store  *treecache.Store // Optional persistence
	memory *lru.Cache[common.Hash, *Census]

	lockMu sync.Mutex
	locks  map[common.Hash]*rootLock

	latest   atomic.Pointer[Census]
	builds   atomic.Uint64
	failures atomic.Uint64
}

type rootLock struct {
	mu   sync.Mutex
	refs int
}

// NewReconstructor creates a reconstructor. store may be nil to disable
// persistence.
func NewReconstructor(cfg Config, hasher imt.Hasher, src Sources, store *treecache.Store) (*Reconstructor, error) {
	cfg.sanitize()
	if hasher == nil {
		return nil, errors.New("census hasher is required")
	}
	if src.Roots == nil {
		return nil, errors.New("census root source is required")
	}
	switch cfg.Mode {
	case ModeAccounts:
		if src.Accounts == nil {
			return nil, errors.New("accounts mode requires an account feed")
		}
	case ModeEvents:
		if src.Events == nil {
			return nil, errors.New("events mode requires an event feed")
		}
	default:
		return nil, fmt.Errorf("unknown reconstruction mode %q", cfg.Mode)
	}
	return &Reconstructor{
		cfg:    cfg,
		hasher: hasher,
		src:    src,
		store:  store,
		memory: lru.NewCache[common.Hash, *Census](cfg.MemoryCacheSize),
		locks:  make(map[common.Hash]*rootLock),
	}, nil
}

// SourceID returns the identity of the active feed.
func (r *Reconstructor) SourceID() string {
	if r.cfg.Mode == ModeEvents {
		return r.src.Events.SourceID()
	}
	return r.src.Accounts.SourceID()
}

func (r *Reconstructor) identity() treecache.Identity {
	return treecache.Identity{
		Source: r.SourceID(),
		Hasher: r.hasher.Name(),
		Mode:   string(r.cfg.Mode),
	}
}

// Root returns the authoritative census root.
func (r *Reconstructor) Root(ctx context.Context) (*big.Int, error) {
	return retry(ctx, r.cfg.Retry, "current root", r.src.Roots.CurrentRoot)
}

// Latest returns the census of the most recently seen authoritative root, or
// nil. Builds of other roots never replace it.
func (r *Reconstructor) Latest() *Census {
	return r.latest.Load()
}

// Reconstruct returns the census matching the current authoritative root and
// publishes it as Latest.
func (r *Reconstructor) Reconstruct(ctx context.Context) (*Census, error) {
	root, err := r.Root(ctx)
	if err != nil {
		return nil, err
	}
	c, err := r.ReconstructRoot(ctx, root)
	if err != nil {
		return nil, err
	}
	r.latest.Store(c)
	censusSizeGauge.Update(int64(c.Size()))
	return c, nil
}

// ReconstructRoot returns the census with the given root, building it if it
// is neither in memory nor in the persistent cache. A failed build leaves
// previously built trees and valid cache entries untouched. The result is not
// published as Latest, since root may be a historical one.
func (r *Reconstructor) ReconstructRoot(ctx context.Context, root *big.Int) (*Census, error) {
	if root == nil || root.Sign() < 0 {
		return nil, fmt.Errorf("invalid census root %v", root)
	}
	key := common.BigToHash(root)
	if c, ok := r.memory.Get(key); ok {
		memoryHitMeter.Mark(1)
		return c, nil
	}
	unlock := r.lockRoot(key)
	defer unlock()

	// Somebody else may have finished the build while we waited.
	if c, ok := r.memory.Get(key); ok {
		memoryHitMeter.Mark(1)
		return c, nil
	}
	c, err := r.load(key, root)
	if err != nil {
		return nil, err
	}
	if c == nil {
		start := time.Now()
		if c, err = r.build(ctx, key, root); err != nil {
			r.failures.Add(1)
			buildFailCounter.Inc(1)
			return nil, err
		}
		buildTimer.UpdateSince(start)
		r.builds.Add(1)
		log.Info("Census tree reconstructed", "root", key, "size", c.Size(), "members", c.Members(), "elapsed", common.PrettyDuration(time.Since(start)))
	}
	r.memory.Add(key, c)
	return c, nil
}

// load serves root from the persistent cache. It returns nil on a miss.
func (r *Reconstructor) load(key common.Hash, root *big.Int) (*Census, error) {
	if r.store == nil {
		return nil, nil
	}
	entry, err := r.store.Lookup(key, r.identity())
	if errors.Is(err, treecache.ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tree, err := imt.NewFromLeaves(r.hasher, entry.Leaves)
	if err == nil && tree.Root().Cmp(root) != 0 {
		err = fmt.Errorf("%w: cached leaves hash to %x", ErrRootMismatch, tree.Root())
	}
	var c *Census
	if err == nil {
		c, err = newCensus(tree)
	}
	if err != nil {
		log.Warn("Discarding unusable cached census tree", "root", key, "err", err)
		if perr := r.store.Purge(key); perr != nil {
			return nil, perr
		}
		return nil, nil
	}
	log.Debug("Loaded census tree from cache", "root", key, "size", c.Size())
	return c, nil
}

func (r *Reconstructor) build(ctx context.Context, key common.Hash, root *big.Int) (*Census, error) {
	var (
		tree *imt.Tree
		err  error
	)
	if r.store != nil {
		defer r.store.Release(key)
	}
	switch r.cfg.Mode {
	case ModeEvents:
		tree, err = r.buildFromEvents(ctx, key, root)
	default:
		tree, err = r.buildFromAccounts(ctx, key, root)
	}
	if err != nil {
		return nil, err
	}
	return newCensus(tree)
}

// start opens or resumes the cache entry of key. Without a store it returns
// a fresh in-memory entry.
func (r *Reconstructor) start(key common.Hash) (*treecache.Entry, error) {
	if r.store == nil {
		return &treecache.Entry{Root: key, State: treecache.StateEmpty}, nil
	}
	entry, err := r.store.StartOrResume(key, r.identity())
	if err != nil {
		return nil, err
	}
	if entry.State != treecache.StateEmpty {
		resumeCounter.Inc(1)
		log.Info("Resuming census reconstruction", "root", key, "offset", entry.Offset, "leaves", entry.Size)
	}
	return entry, nil
}

// abandon handles a failed build. Progress is kept for a later resume unless
// nothing was ever fetched for this root.
func (r *Reconstructor) abandon(key common.Hash, fetched bool, cause error) error {
	if r.store != nil && !fetched {
		if err := r.store.Purge(key); err != nil {
			log.Warn("Failed to purge empty cache entry", "root", key, "err", err)
		}
	}
	return cause
}

// finish checks the built tree against the authoritative root and seals the
// cache entry. Callers only get here once the feed answered every query, so
// an empty tree is a confirmed empty census and not a failed fetch.
func (r *Reconstructor) finish(key common.Hash, root *big.Int, tree *imt.Tree) error {
	if got := tree.Root(); got.Cmp(root) != 0 {
		mismatchCounter.Inc(1)
		if r.store != nil {
			if err := r.store.Purge(key); err != nil {
				log.Warn("Failed to purge mismatching cache entry", "root", key, "err", err)
			}
		}
		return fmt.Errorf("%w: rebuilt %x, authoritative %x", ErrRootMismatch, got, root)
	}
	if r.store != nil {
		if _, err := r.store.MarkComplete(key); err != nil {
			return err
		}
	}
	return nil
}

// buildFromAccounts builds the tree from the members ordered by slot. Slots
// missing from the listing belong to removed members and become tombstones,
// trailing ones up to the reported slot count included.
func (r *Reconstructor) buildFromAccounts(ctx context.Context, key common.Hash, root *big.Int) (*imt.Tree, error) {
	feed := r.src.Accounts

	entry, err := r.start(key)
	if err != nil {
		return nil, err
	}
	tree, err := imt.NewFromLeaves(r.hasher, entry.Leaves)
	if err != nil {
		return nil, err
	}
	var (
		offset  = entry.Offset
		fetched = entry.Size > 0 || entry.Offset > 0
		pages   int
	)
	slots, err := retry(ctx, r.cfg.Retry, "slot count", feed.SlotCount)
	if err != nil {
		return nil, r.abandon(key, fetched, err)
	}
	for {
		batch, done, ferr := fetchPages(ctx, r.cfg, offset, feed.Accounts)
		for _, page := range batch {
			leaves, err := accountLeaves(uint64(tree.Size()), page)
			if err != nil {
				return nil, r.abandon(key, fetched, err)
			}
			if err := r.appendLeaves(ctx, key, tree, leaves, uint64(len(page))); err != nil {
				return nil, r.abandon(key, fetched, err)
			}
			offset += uint64(len(page))
			fetched = fetched || len(page) > 0
			pages++
			if pages%r.cfg.ProgressInterval == 0 {
				log.Info("Reconstructing census from accounts", "root", key, "accounts", offset, "leaves", tree.Size(), "slots", slots)
			}
		}
		if ferr != nil {
			return nil, r.abandon(key, fetched, ferr)
		}
		if done {
			break
		}
	}
	if uint64(tree.Size()) > slots {
		return nil, r.abandon(key, fetched, fmt.Errorf("%w: %d leaves but feed reports %d slots", ErrOrderingViolation, tree.Size(), slots))
	}
	if pad := slots - uint64(tree.Size()); pad > 0 {
		if err := r.appendLeaves(ctx, key, tree, tombstones(pad), 0); err != nil {
			return nil, r.abandon(key, fetched, err)
		}
	}
	if err := r.finish(key, root, tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// appendLeaves inserts leaves into tree and records them in the cache.
func (r *Reconstructor) appendLeaves(ctx context.Context, key common.Hash, tree *imt.Tree, leaves []*big.Int, consumed uint64) error {
	if _, err := retry(ctx, r.cfg.Retry, "insert leaves", func(context.Context) (struct{}, error) {
		return struct{}{}, tree.InsertMany(leaves)
	}); err != nil {
		return err
	}
	if r.store == nil {
		return nil
	}
	_, err := r.store.AppendBatch(key, leaves, consumed)
	return err
}

// buildFromEvents replays weight changes up to the block at which root was
// set, when the root source knows it.
func (r *Reconstructor) buildFromEvents(ctx context.Context, key common.Hash, root *big.Int) (*imt.Tree, error) {
	feed := r.src.Events

	entry, err := r.start(key)
	if err != nil {
		return nil, err
	}
	var (
		tracker = NewTracker()
		tree    = imt.New(r.hasher)
		offset  uint64
	)
	if entry.State != treecache.StateEmpty {
		tracker, tree, offset, err = r.restoreReplay(entry)
		if err != nil {
			log.Warn("Discarding unusable replay checkpoint", "root", key, "err", err)
			if err := r.store.Purge(key); err != nil {
				return nil, err
			}
			if _, err = r.start(key); err != nil {
				return nil, err
			}
			tracker, tree, offset = NewTracker(), imt.New(r.hasher), 0
		}
	}
	rootBlock, bounded, err := retry2(ctx, r.cfg.Retry, "root block", func(ctx context.Context) (uint64, bool, error) {
		return r.src.Roots.RootBlock(ctx, root)
	})
	if err != nil {
		return nil, r.abandon(key, offset > 0, err)
	}
	var (
		pages     int
		unsaved   int
		exhausted bool
	)
	checkpoint := func() error {
		if r.store == nil || unsaved == 0 {
			return nil
		}
		snap, err := tracker.Snapshot()
		if err != nil {
			return err
		}
		if _, err := r.store.Checkpoint(key, tree.Leaves(), offset, snap); err != nil {
			return err
		}
		unsaved = 0
		return nil
	}
	for !exhausted {
		batch, done, ferr := fetchPages(ctx, r.cfg, offset, feed.WeightChangeEvents)
		for _, page := range batch {
			for _, ev := range page {
				if bounded && ev.Key.Block > rootBlock {
					exhausted = true
					break
				}
				d, err := tracker.Apply(ev)
				if err != nil {
					return nil, r.abandon(key, offset > 0, err)
				}
				if _, err := retry(ctx, r.cfg.Retry, "apply event", func(context.Context) (struct{}, error) {
					return struct{}{}, ApplyTo(tree, d)
				}); err != nil {
					return nil, r.abandon(key, offset > 0, err)
				}
				offset++
				unsaved++
			}
			pages++
			if pages%r.cfg.ProgressInterval == 0 {
				log.Info("Replaying census events", "root", key, "events", offset, "leaves", tree.Size())
			}
			if pages%r.cfg.CheckpointInterval == 0 {
				if err := checkpoint(); err != nil {
					return nil, err
				}
			}
			if exhausted {
				break
			}
		}
		if ferr != nil && !exhausted {
			if err := checkpoint(); err != nil {
				log.Warn("Failed to checkpoint census replay", "root", key, "err", err)
			}
			return nil, r.abandon(key, offset > 0, ferr)
		}
		exhausted = exhausted || done
	}
	if err := checkpoint(); err != nil {
		return nil, err
	}
	if err := r.finish(key, root, tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func (r *Reconstructor) restoreReplay(entry *treecache.Entry) (*Tracker, *imt.Tree, uint64, error) {
	if entry.Tracker == nil {
		return nil, nil, 0, errors.New("checkpoint without replay snapshot")
	}
	tracker, err := RestoreTracker(entry.Tracker)
	if err != nil {
		return nil, nil, 0, err
	}
	tree, err := imt.NewFromLeaves(r.hasher, entry.Leaves)
	if err != nil {
		return nil, nil, 0, err
	}
	if uint64(tree.Size()) != tracker.NextSlot() {
		return nil, nil, 0, fmt.Errorf("checkpoint holds %d leaves, tracker expects %d", tree.Size(), tracker.NextSlot())
	}
	return tracker, tree, entry.Offset, nil
}

// ProofFor returns the inclusion proof of addr in the current census.
func (r *Reconstructor) ProofFor(ctx context.Context, addr common.Address) (*imt.Proof, error) {
	c, err := r.Reconstruct(ctx)
	if err != nil {
		return nil, err
	}
	return c.Proof(addr)
}

// SizeOf returns the number of slots of the census with the given root.
func (r *Reconstructor) SizeOf(ctx context.Context, root *big.Int) (int, error) {
	c, err := r.ReconstructRoot(ctx, root)
	if err != nil {
		return 0, err
	}
	return c.Size(), nil
}

// AllLeaves returns the leaves of the current census in slot order.
func (r *Reconstructor) AllLeaves(ctx context.Context) ([]*big.Int, error) {
	c, err := r.Reconstruct(ctx)
	if err != nil {
		return nil, err
	}
	return c.Leaves(), nil
}

// Verify checks an inclusion proof with the configured hasher.
func (r *Reconstructor) Verify(root, value *big.Int, siblings []*big.Int) bool {
	return imt.VerifyProof(r.hasher, root, value, siblings)
}

// Stats returns reconstructor and cache statistics.
func (r *Reconstructor) Stats() (Stats, error) {
	stats := Stats{
		Mode:        r.cfg.Mode,
		Source:      r.SourceID(),
		Hasher:      r.hasher.Name(),
		MemoryTrees: r.memory.Len(),
		Builds:      r.builds.Load(),
		Failures:    r.failures.Load(),
	}
	if c := r.latest.Load(); c != nil {
		stats.LatestRoot = c.Root()
		stats.LatestSize = c.Size()
	}
	if r.store != nil {
		cs, err := r.store.Stats()
		if err != nil {
			return stats, err
		}
		stats.Cache = &cs
	}
	return stats, nil
}

// ClearCache drops all built trees from memory and the persistent cache.
func (r *Reconstructor) ClearCache() error {
	r.memory.Purge()
	r.latest.Store(nil)
	if r.store == nil {
		return nil
	}
	_, err := r.store.Clear()
	return err
}

func (r *Reconstructor) lockRoot(key common.Hash) func() {
	r.lockMu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = new(rootLock)
		r.locks[key] = l
	}
	l.refs++
	r.lockMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		r.lockMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(r.locks, key)
		}
		r.lockMu.Unlock()
	}
}

// fetchPages fetches up to cfg.FetchConcurrency consecutive pages starting at
// offset. It returns the pages that arrived in order before the first failure
// and whether the feed ran out of records.
func fetchPages[T any](ctx context.Context, cfg Config, offset uint64, fetch func(ctx context.Context, first, skip int) ([]T, error)) ([][]T, bool, error) {
	var (
		results = make([][]T, cfg.FetchConcurrency)
		errs    = make([]error, cfg.FetchConcurrency)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.FetchConcurrency)
	for i := range cfg.FetchConcurrency {
		skip := int(offset) + i*cfg.PageSize
		g.Go(func() error {
			page, err := retry(gctx, cfg.Retry, "fetch page", func(ctx context.Context) ([]T, error) {
				return fetch(ctx, cfg.PageSize, skip)
			})
			results[i], errs[i] = page, err
			return err
		})
	}
	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	var pages [][]T
	for i := range results {
		if errs[i] != nil {
			return pages, false, err
		}
		pagesCounter.Inc(1)
		pages = append(pages, results[i])
		if len(results[i]) < cfg.PageSize {
			return pages, true, nil
		}
	}
	return pages, false, nil
}

// accountLeaves turns one page of members into leaves starting at slot next.
func accountLeaves(next uint64, page []AccountRecord) ([]*big.Int, error) {
	var leaves []*big.Int
	for _, acc := range page {
		if acc.Slot < next {
			return nil, fmt.Errorf("%w: slot %d of %v repeats or goes backwards (next %d)", ErrOrderingViolation, acc.Slot, acc.Address, next)
		}
		leaves = append(leaves, tombstones(acc.Slot-next)...)
		if acc.Weight == nil || acc.Weight.IsZero() {
			leaves = append(leaves, new(big.Int))
		} else {
			value, err := leaf.Pack(acc.Address, acc.Weight)
			if err != nil {
				return nil, err
			}
			leaves = append(leaves, value)
		}
		next = acc.Slot + 1
	}
	return leaves, nil
}

func tombstones(n uint64) []*big.Int {
	out := make([]*big.Int, n)
	for i := range out {
		out[i] = new(big.Int)
	}
	return out
}

type pair[A, B any] struct {
	a A
	b B
}

// retry2 is retry for operations returning two values.
func retry2[A, B any](ctx context.Context, cfg RetryConfig, op string, fn func(context.Context) (A, B, error)) (A, B, error) {
	p, err := retry(ctx, cfg, op, func(ctx context.Context) (pair[A, B], error) {
		a, b, err := fn(ctx)
		return pair[A, B]{a, b}, err
	})
	return p.a, p.b, err
}
