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

// Package treecache persists reconstructed census trees keyed by root.
//
// Each root moves through Empty -> Partial(offset) -> Complete. Partial
// entries can be resumed after an interruption; only complete entries are
// ever served as a cache hit. Every mutation writes the new leaf chunks and
// the entry header in one batch, so a crash leaves either the previous or the
// new version of an entry, never a mix.
package treecache

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
)

var (
	// ErrMiss is returned by Lookup when no usable complete entry exists.
	ErrMiss = errors.New("cache miss")

	// ErrIntegrity reports a stored entry whose leaves do not match its
	// checksum or whose encoding is broken.
	ErrIntegrity = errors.New("cache integrity failure")

	// ErrUnknownRoot is returned when mutating an entry that was never started.
	ErrUnknownRoot = errors.New("no cache entry for root")

	// ErrCompleted is returned when appending to an already complete entry.
	ErrCompleted = errors.New("cache entry already complete")
)

// State is the lifecycle state of a cache entry.
type State uint8

const (
	StateEmpty State = iota
	StatePartial
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StatePartial:
		return "partial"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Identity scopes an entry. A complete entry is only served to readers using
// the same source and hasher, a partial one is only resumed in the same mode.
type Identity struct {
	Source string
	Hasher string
	Mode   string
}

// Entry is the persisted header of a cached tree.
type Entry struct {
	Root       common.Hash
	State      State
	Mode       string
	Source     string
	Hasher     string
	Offset     uint64      // Feed records consumed so far
	Size       uint64      // Leaves stored, tombstones included
	Generation uint64      // Current generation of leaf chunks
	Chunks     uint64      // Number of chunks in the current generation
	ChainSum   common.Hash // Running checksum over the chunks in order
	Checksum   common.Hash // keccak256 over all leaves, set on completion
	HasTracker bool
	CreatedAt  uint64
	UpdatedAt  uint64

	Leaves  []*big.Int `rlp:"-"`
	Tracker []byte     `rlp:"-"`
}

func (e *Entry) servable(id Identity) bool {
	return e.Source == id.Source && e.Hasher == id.Hasher
}

func (e *Entry) resumable(id Identity) bool {
	return e.servable(id) && e.Mode == id.Mode
}

// Config holds the cache limits.
type Config struct {
	TTL       time.Duration // Entries older than this are dropped
	Capacity  int           // Maximum number of entries kept
	ChunkSize int           // Leaves per chunk written by Checkpoint
}

// DefaultConfig contains the default cache settings.
var DefaultConfig = Config{
	TTL:       24 * time.Hour,
	Capacity:  10,
	ChunkSize: 1024,
}

func (c *Config) sanitize() {
	if c.TTL <= 0 {
		log.Warn("Sanitizing invalid cache TTL", "provided", c.TTL, "updated", DefaultConfig.TTL)
		c.TTL = DefaultConfig.TTL
	}
	if c.Capacity <= 0 {
		log.Warn("Sanitizing invalid cache capacity", "provided", c.Capacity, "updated", DefaultConfig.Capacity)
		c.Capacity = DefaultConfig.Capacity
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultConfig.ChunkSize
	}
}

// Stats summarizes the cache content and its counters since startup.
type Stats struct {
	Entries           int
	Complete          int
	Partial           int
	Leaves            uint64
	Capacity          int
	TTL               time.Duration
	Hits              uint64
	Misses            uint64
	IntegrityFailures uint64
	Evictions         uint64
	Oldest            time.Time
	Newest            time.Time
}

// Store is the persistent tree cache. It is safe for concurrent use.
type Store struct {
	db  ethdb.KeyValueStore
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	active map[common.Hash]struct{} // Roots with a build in progress


	hits      atomic.Uint64
	misses    atomic.Uint64
	integrity atomic.Uint64
	evictions atomic.Uint64
}

// New creates a store on top of db.
func New(db ethdb.KeyValueStore, cfg Config) *Store {
	cfg.sanitize()
	return &Store{
		db:     db,
		cfg:    cfg,
		now:    time.Now,
		active: make(map[common.Hash]struct{}),
	}
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// Lookup returns the complete entry for root with its leaves loaded. Entries
// that are expired, built from another source or hasher, or fail their
// checksum are evicted and reported as ErrMiss.
func (s *Store) Lookup(root common.Hash, id Identity) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.readHeaderLocked(root)
	if err != nil {
		if errors.Is(err, ErrIntegrity) {
			return nil, s.missErr(err)
		}
		return nil, err
	}
	switch {
	case entry == nil:
		return nil, s.missErr(fmt.Errorf("%w: %x not cached", ErrMiss, root))
	case entry.State != StateComplete:
		return nil, s.missErr(fmt.Errorf("%w: %x is %s", ErrMiss, root, entry.State))
	case s.expired(entry):
		s.evictLocked(root, "expired")
		return nil, s.missErr(fmt.Errorf("%w: %x expired", ErrMiss, root))
	case !entry.servable(id):
		s.evictLocked(root, "identity mismatch")
		return nil, s.missErr(fmt.Errorf("%w: %x built from another source", ErrMiss, root))
	}
	if err := s.loadLocked(entry); err != nil {
		if errors.Is(err, ErrIntegrity) {
			s.evictLocked(root, "integrity")
			return nil, s.missErr(err)
		}
		return nil, err
	}
	s.hits.Add(1)
	cacheHitMeter.Mark(1)
	return entry, nil
}

// StartOrResume returns the resumable entry for root, loading its leaves and
// replay snapshot, or creates a fresh empty one. Unusable entries are dropped
// and replaced. The root counts as being built, and is therefore never evicted
// for capacity, until MarkComplete, Purge or Release.
func (s *Store) StartOrResume(root common.Hash, id Identity) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.readHeaderLocked(root)
	if err != nil {
		if !errors.Is(err, ErrIntegrity) {
			return nil, err
		}
		entry = nil
	}
	if entry != nil {
		switch {
		case s.expired(entry):
			s.evictLocked(root, "expired")
		case !entry.resumable(id):
			s.evictLocked(root, "identity mismatch")
		default:
			err := s.loadLocked(entry)
			if err == nil {
				log.Debug("Resuming cached census tree", "root", root, "state", entry.State, "offset", entry.Offset, "leaves", entry.Size)
				s.active[root] = struct{}{}
				return entry, nil
			}
			if !errors.Is(err, ErrIntegrity) {
				return nil, err
			}
			s.evictLocked(root, "integrity")
		}
	}
	if err := s.makeRoomLocked(); err != nil {
		return nil, err
	}
	now := uint64(s.now().Unix())
	entry = &Entry{
		Root:      root,
		State:     StateEmpty,
		Mode:      id.Mode,
		Source:    id.Source,
		Hasher:    id.Hasher,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := writeHeader(s.db, entry); err != nil {
		return nil, fmt.Errorf("failed to start cache entry: %w", err)
	}
	s.active[root] = struct{}{}
	s.updateGauge()
	return entry, nil
}

// Release ends the build of root without completing it. A partial entry stays
// resumable but becomes eligible for eviction again.
func (s *Store) Release(root common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, root)
}

// AppendBatch appends leaves to the current generation of root and advances
// the feed offset by consumed records. It never completes the entry.
func (s *Store) AppendBatch(root common.Hash, leaves []*big.Int, consumed uint64) (*Entry, error) {
	start := time.Now()
	defer cacheWriteTimer.UpdateSince(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.mutableLocked(root)
	if err != nil {
		return nil, err
	}
	batch := s.db.NewBatch()
	if len(leaves) > 0 {
		raw, err := encodeLeaves(leaves)
		if err != nil {
			return nil, err
		}
		if err := batch.Put(chunkKey(root, entry.Generation, entry.Chunks), raw); err != nil {
			return nil, err
		}
		entry.Chunks++
		entry.ChainSum = chainSum(entry.ChainSum, raw)
		entry.Size += uint64(len(leaves))
	}
	entry.Offset += consumed
	entry.State = StatePartial
	entry.UpdatedAt = uint64(s.now().Unix())
	if err := writeHeader(batch, entry); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("failed to append cache batch: %w", err)
	}
	return entry, nil
}

// Checkpoint replaces the stored leaves of root with a new generation and
// records offset and the replay snapshot. The previous generation stays in
// place until the new header is written.
func (s *Store) Checkpoint(root common.Hash, leaves []*big.Int, offset uint64, tracker []byte) (*Entry, error) {
	start := time.Now()
	defer cacheWriteTimer.UpdateSince(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.mutableLocked(root)
	if err != nil {
		return nil, err
	}
	var (
		prev  = entry.Generation
		next  = prev + 1
		batch = s.db.NewBatch()
		sum   common.Hash
		index uint64
	)
	for begin := 0; begin < len(leaves); begin += s.cfg.ChunkSize {
		end := min(begin+s.cfg.ChunkSize, len(leaves))
		raw, err := encodeLeaves(leaves[begin:end])
		if err != nil {
			return nil, err
		}
		if err := batch.Put(chunkKey(root, next, index), raw); err != nil {
			return nil, err
		}
		sum = chainSum(sum, raw)
		index++
	}
	if tracker != nil {
		if err := batch.Put(trackerKey(root, next), tracker); err != nil {
			return nil, err
		}
	}
	entry.Generation = next
	entry.Chunks = index
	entry.ChainSum = sum
	entry.Size = uint64(len(leaves))
	entry.Offset = offset
	entry.HasTracker = tracker != nil
	entry.State = StatePartial
	entry.UpdatedAt = uint64(s.now().Unix())
	if err := writeHeader(batch, entry); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("failed to write cache checkpoint: %w", err)
	}
	// The new generation is live, the old one is garbage.
	if err := deleteByPrefix(s.db, chunkGenerationPrefix(root, prev), nil); err != nil {
		log.Warn("Failed to drop superseded cache generation", "root", root, "generation", prev, "err", err)
	}
	if err := s.db.Delete(trackerKey(root, prev)); err != nil {
		log.Warn("Failed to drop superseded replay snapshot", "root", root, "generation", prev, "err", err)
	}
	return entry, nil
}

// MarkComplete seals the entry of root: the stored leaves are checked against
// the running checksum and the final leaf checksum is recorded.
func (s *Store) MarkComplete(root common.Hash) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.readHeaderLocked(root)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %x", ErrUnknownRoot, root)
	}
	raw, err := s.verifyChunksLocked(entry)
	if err != nil {
		return nil, err
	}
	entry.Checksum = leafSum(raw)
	entry.State = StateComplete
	entry.UpdatedAt = uint64(s.now().Unix())
	if err := writeHeader(s.db, entry); err != nil {
		return nil, fmt.Errorf("failed to complete cache entry: %w", err)
	}
	delete(s.active, root)
	log.Debug("Cached census tree completed", "root", root, "leaves", entry.Size)
	return entry, nil
}

// Purge removes root and all its data.
func (s *Store) Purge(root common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, root)
	return s.purgeLocked(root)
}

// EvictOldest removes the least recently updated entry that is not being
// built. It reports false when there is no such entry.
func (s *Store) EvictOldest() (common.Hash, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.entriesLocked()
	if err != nil {
		return common.Hash{}, false, err
	}
	var (
		oldest common.Hash
		found  bool
	)
	for i := range entries {
		if _, busy := s.active[entries[i].Root]; !busy {
			oldest, found = entries[i].Root, true
			break
		}
	}
	if !found {
		return common.Hash{}, false, nil
	}
	if err := s.purgeLocked(oldest); err != nil {
		return common.Hash{}, false, err
	}
	s.evictions.Add(1)
	cacheEvictCounter.Inc(1)
	return oldest, true, nil
}

// Entries lists all entry headers, least recently updated first.
func (s *Store) Entries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.entriesLocked()
}

// Stats returns the current cache statistics.
func (s *Store) Stats() (Stats, error) {
	entries, err := s.Entries()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Entries:           len(entries),
		Capacity:          s.cfg.Capacity,
		TTL:               s.cfg.TTL,
		Hits:              s.hits.Load(),
		Misses:            s.misses.Load(),
		IntegrityFailures: s.integrity.Load(),
		Evictions:         s.evictions.Load(),
	}
	for i, e := range entries {
		switch e.State {
		case StateComplete:
			stats.Complete++
		case StatePartial:
			stats.Partial++
		}
		stats.Leaves += e.Size
		if i == 0 {
			stats.Oldest = time.Unix(int64(e.UpdatedAt), 0)
		}
		stats.Newest = time.Unix(int64(e.UpdatedAt), 0)
	}
	return stats, nil
}

// Clear drops every entry and returns how many headers were removed.
func (s *Store) Clear() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.entriesLocked()
	if err != nil {
		return 0, err
	}
	for _, prefix := range [][]byte{headerPrefix, chunkPrefix, trackerPrefix} {
		if err := deleteByPrefix(s.db, prefix, nil); err != nil {
			return 0, err
		}
	}
	s.updateGauge()
	log.Info("Cleared census tree cache", "entries", len(entries))
	return len(entries), nil
}

func (s *Store) expired(e *Entry) bool {
	return s.now().Sub(time.Unix(int64(e.UpdatedAt), 0)) > s.cfg.TTL
}

func (s *Store) missErr(err error) error {
	s.misses.Add(1)
	cacheMissMeter.Mark(1)
	if errors.Is(err, ErrIntegrity) && !errors.Is(err, ErrMiss) {
		return fmt.Errorf("%w: %w", ErrMiss, err)
	}
	return err
}

// readHeaderLocked reads the header of root. An undecodable header is
// dropped together with its data and reported as ErrIntegrity.
func (s *Store) readHeaderLocked(root common.Hash) (*Entry, error) {
	entry, err := readHeader(s.db, root)
	if errors.Is(err, ErrIntegrity) {
		s.evictLocked(root, "undecodable header")
	}
	return entry, err
}

func (s *Store) mutableLocked(root common.Hash) (*Entry, error) {
	entry, err := s.readHeaderLocked(root)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %x", ErrUnknownRoot, root)
	}
	if entry.State == StateComplete {
		return nil, fmt.Errorf("%w: %x", ErrCompleted, root)
	}
	return entry, nil
}

// verifyChunksLocked reads the current generation of e, checks it against the
// running checksum and returns the concatenated leaves.
func (s *Store) verifyChunksLocked(e *Entry) ([]byte, error) {
	chunks, err := readChunks(s.db, e.Root, e.Generation)
	if err != nil {
		return nil, err
	}
	if uint64(len(chunks)) != e.Chunks {
		return nil, fmt.Errorf("%w: %x has %d chunks, header says %d", ErrIntegrity, e.Root, len(chunks), e.Chunks)
	}
	var (
		sum common.Hash
		raw = make([]byte, 0, e.Size*leafSize)
	)
	for _, chunk := range chunks {
		sum = chainSum(sum, chunk)
		raw = append(raw, chunk...)
	}
	if sum != e.ChainSum {
		return nil, fmt.Errorf("%w: %x chunk checksum mismatch", ErrIntegrity, e.Root)
	}
	if uint64(len(raw)) != e.Size*leafSize {
		return nil, fmt.Errorf("%w: %x holds %d bytes of leaves, want %d", ErrIntegrity, e.Root, len(raw), e.Size*leafSize)
	}
	return raw, nil
}

// loadLocked fills in the leaves and replay snapshot of e after checking them.
func (s *Store) loadLocked(e *Entry) error {
	raw, err := s.verifyChunksLocked(e)
	if err != nil {
		return err
	}
	if e.State == StateComplete && leafSum(raw) != e.Checksum {
		return fmt.Errorf("%w: %x leaf checksum mismatch", ErrIntegrity, e.Root)
	}
	if e.Leaves, err = decodeLeaves(raw); err != nil {
		return err
	}
	if e.HasTracker {
		blob, err := s.db.Get(trackerKey(e.Root, e.Generation))
		if err != nil {
			return fmt.Errorf("%w: %x replay snapshot missing: %v", ErrIntegrity, e.Root, err)
		}
		e.Tracker = blob
	}
	return nil
}

// makeRoomLocked evicts entries until a new one fits. Complete entries go
// before partial ones, oldest first. Entries being built are never evicted,
// so the cache may temporarily exceed its capacity.
func (s *Store) makeRoomLocked() error {
	entries, err := s.entriesLocked()
	if err != nil {
		return err
	}
	excess := len(entries) - s.cfg.Capacity + 1
	if excess <= 0 {
		return nil
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].State == StateComplete && entries[j].State != StateComplete
	})
	for i := 0; i < len(entries) && excess > 0; i++ {
		root := entries[i].Root
		if _, busy := s.active[root]; busy {
			continue
		}
		if err := s.purgeLocked(root); err != nil {
			return err
		}
		excess--
		s.evictions.Add(1)
		cacheEvictCounter.Inc(1)
		log.Debug("Evicted cached census tree", "root", root, "reason", "capacity")
	}
	if excess > 0 {
		log.Debug("Census tree cache over capacity", "capacity", s.cfg.Capacity, "building", len(s.active))
	}
	return nil
}

func (s *Store) evictLocked(root common.Hash, reason string) {
	if reason == "integrity" || reason == "undecodable header" {
		s.integrity.Add(1)
		cacheIntegrityCounter.Inc(1)
		log.Warn("Dropping corrupt cached census tree", "root", root, "reason", reason)
	} else {
		log.Debug("Evicting cached census tree", "root", root, "reason", reason)
	}
	if err := s.purgeLocked(root); err != nil {
		log.Error("Failed to evict cached census tree", "root", root, "err", err)
		return
	}
	s.evictions.Add(1)
	cacheEvictCounter.Inc(1)
}

func (s *Store) purgeLocked(root common.Hash) error {
	// Header first, so a partially purged entry is never visible.
	if err := s.db.Delete(headerKey(root)); err != nil {
		return err
	}
	if err := deleteByPrefix(s.db, chunkRootPrefix(root), nil); err != nil {
		return err
	}
	if err := deleteByPrefix(s.db, trackerRootPrefix(root), nil); err != nil {
		return err
	}
	s.updateGauge()
	return nil
}

// entriesLocked decodes all headers, sorted by UpdatedAt ascending.
func (s *Store) entriesLocked() ([]Entry, error) {
	it := s.db.NewIterator(headerPrefix, nil)
	defer it.Release()

	var entries []Entry
	for it.Next() {
		var e Entry
		if err := rlp.DecodeBytes(it.Value(), &e); err != nil {
			log.Warn("Skipping undecodable cache header", "key", common.Bytes2Hex(it.Key()), "err", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].UpdatedAt < entries[j].UpdatedAt
	})
	return entries, nil
}

func (s *Store) updateGauge() {
	it := s.db.NewIterator(headerPrefix, nil)
	defer it.Release()

	var n int64
	for it.Next() {
		n++
	}
	cacheEntriesGauge.Update(n)
}
