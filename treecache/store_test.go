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

package treecache

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
)

var testID = Identity{Source: "subgraph:test", Hasher: "test-hasher", Mode: "accounts"}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestStore(t *testing.T, cfg Config) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	s := New(memorydb.New(), cfg)
	s.now = clock.now
	return s, clock
}

func bigs(vals ...int64) []*big.Int {
	out := make([]*big.Int, len(vals))
	for i, v := range vals {
		out[i] = big.NewInt(v)
	}
	return out
}

func checkLeaves(t *testing.T, got, want []*big.Int) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("leaf count mismatch: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Cmp(want[i]) != 0 {
			t.Fatalf("leaf %d mismatch: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestLifecycle(t *testing.T) {
	s, _ := newTestStore(t, DefaultConfig)
	root := common.HexToHash("0x01")

	entry, err := s.StartOrResume(root, testID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if entry.State != StateEmpty || entry.Offset != 0 || len(entry.Leaves) != 0 {
		t.Fatalf("unexpected fresh entry: %+v", entry)
	}
	if _, err := s.Lookup(root, testID); !errors.Is(err, ErrMiss) {
		t.Fatalf("empty entry served: %v", err)
	}
	if _, err := s.AppendBatch(root, bigs(1, 2, 3), 3); err != nil {
		t.Fatalf("append: %v", err)
	}
	entry, err = s.AppendBatch(root, bigs(0, 5), 1)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if entry.State != StatePartial || entry.Offset != 4 || entry.Size != 5 {
		t.Fatalf("unexpected partial entry: state %v offset %d size %d", entry.State, entry.Offset, entry.Size)
	}
	if _, err := s.Lookup(root, testID); !errors.Is(err, ErrMiss) {
		t.Fatalf("partial entry served: %v", err)
	}
	if _, err := s.MarkComplete(root); err != nil {
		t.Fatalf("complete: %v", err)
	}
	hit, err := s.Lookup(root, testID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	checkLeaves(t, hit.Leaves, bigs(1, 2, 3, 0, 5))
	if _, err := s.AppendBatch(root, bigs(6), 1); !errors.Is(err, ErrCompleted) {
		t.Fatalf("expected ErrCompleted, got %v", err)
	}
	stats, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 || stats.Complete != 1 || stats.Hits != 1 || stats.Leaves != 5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestResumePartial(t *testing.T) {
	s, _ := newTestStore(t, DefaultConfig)
	root := common.HexToHash("0x02")

	if _, err := s.StartOrResume(root, testID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendBatch(root, bigs(7, 8), 2); err != nil {
		t.Fatal(err)
	}
	entry, err := s.StartOrResume(root, testID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != StatePartial || entry.Offset != 2 {
		t.Fatalf("unexpected resumed entry: state %v offset %d", entry.State, entry.Offset)
	}
	checkLeaves(t, entry.Leaves, bigs(7, 8))

	// A different mode can not resume the offset.
	other := testID
	other.Mode = "events"
	entry, err = s.StartOrResume(root, other)
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != StateEmpty || len(entry.Leaves) != 0 {
		t.Fatalf("entry from another mode resumed: %+v", entry)
	}
}

func TestLookupIdentityMismatch(t *testing.T) {
	s, _ := newTestStore(t, DefaultConfig)
	root := common.HexToHash("0x03")
	if _, err := s.StartOrResume(root, testID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendBatch(root, bigs(1), 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkComplete(root); err != nil {
		t.Fatal(err)
	}
	other := testID
	other.Hasher = "other"
	if _, err := s.Lookup(root, other); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	// The mismatching entry is evicted.
	if _, err := s.Lookup(root, testID); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected evicted entry, got %v", err)
	}
}

func TestIntegrityFailure(t *testing.T) {
	s, _ := newTestStore(t, DefaultConfig)
	root := common.HexToHash("0x04")
	if _, err := s.StartOrResume(root, testID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendBatch(root, bigs(1, 2), 2); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkComplete(root); err != nil {
		t.Fatal(err)
	}
	corrupt, _ := encodeLeaves(bigs(1, 3))
	if err := s.db.Put(chunkKey(root, 0, 0), corrupt); err != nil {
		t.Fatal(err)
	}
	_, err := s.Lookup(root, testID)
	if !errors.Is(err, ErrMiss) || !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected integrity miss, got %v", err)
	}
	stats, _ := s.Stats()
	if stats.IntegrityFailures != 1 || stats.Entries != 0 {
		t.Fatalf("unexpected stats after corruption: %+v", stats)
	}
	if has, _ := s.db.Has(chunkKey(root, 0, 0)); has {
		t.Fatal("corrupt chunk not purged")
	}
}

func TestCorruptPartialRestarts(t *testing.T) {
	s, _ := newTestStore(t, DefaultConfig)
	root := common.HexToHash("0x05")
	if _, err := s.StartOrResume(root, testID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendBatch(root, bigs(1, 2), 2); err != nil {
		t.Fatal(err)
	}
	if err := s.db.Delete(chunkKey(root, 0, 0)); err != nil {
		t.Fatal(err)
	}
	entry, err := s.StartOrResume(root, testID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != StateEmpty || entry.Offset != 0 {
		t.Fatalf("corrupt partial entry resumed: %+v", entry)
	}
}

func TestExpiry(t *testing.T) {
	s, clock := newTestStore(t, Config{TTL: time.Hour, Capacity: 10})
	root := common.HexToHash("0x06")
	if _, err := s.StartOrResume(root, testID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkComplete(root); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Lookup(root, testID); err != nil {
		t.Fatalf("fresh entry missed: %v", err)
	}
	clock.t = clock.t.Add(2 * time.Hour)
	if _, err := s.Lookup(root, testID); !errors.Is(err, ErrMiss) {
		t.Fatalf("expired entry served: %v", err)
	}
}

func TestCapacityEviction(t *testing.T) {
	s, clock := newTestStore(t, Config{TTL: time.Hour, Capacity: 2})
	roots := []common.Hash{common.HexToHash("0x10"), common.HexToHash("0x11"), common.HexToHash("0x12")}
	for _, root := range roots {
		if _, err := s.StartOrResume(root, testID); err != nil {
			t.Fatal(err)
		}
		s.Release(root)
		clock.t = clock.t.Add(time.Second)
	}
	entries, err := s.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Root != roots[1] || entries[1].Root != roots[2] {
		t.Fatalf("unexpected entries after eviction: %+v", entries)
	}
	evicted, ok, err := s.EvictOldest()
	if err != nil || !ok || evicted != roots[1] {
		t.Fatalf("evict oldest: %x %v %v", evicted, ok, err)
	}
}

func TestCapacitySparesActiveBuilds(t *testing.T) {
	s, _ := newTestStore(t, Config{TTL: time.Hour, Capacity: 1})
	a, b := common.HexToHash("0x0a"), common.HexToHash("0x0b")

	if _, err := s.StartOrResume(a, testID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendBatch(a, bigs(1, 2), 2); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartOrResume(b, testID); err != nil {
		t.Fatal(err)
	}
	// Both builds proceed although the cache is over capacity.
	if _, err := s.AppendBatch(a, bigs(3), 1); err != nil {
		t.Fatalf("append to concurrent build: %v", err)
	}
	if _, err := s.AppendBatch(b, bigs(4), 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkComplete(a); err != nil {
		t.Fatalf("complete concurrent build: %v", err)
	}
	hit, err := s.Lookup(a, testID)
	if err != nil {
		t.Fatal(err)
	}
	checkLeaves(t, hit.Leaves, bigs(1, 2, 3))

	// Once released, an idle partial entry is evictable again.
	s.Release(b)
	if evicted, ok, err := s.EvictOldest(); err != nil || !ok {
		t.Fatalf("evict oldest: %x %v %v", evicted, ok, err)
	}
	if evicted, ok, err := s.EvictOldest(); err != nil || !ok {
		t.Fatalf("evict oldest: %x %v %v", evicted, ok, err)
	}
	if _, ok, _ := s.EvictOldest(); ok {
		t.Fatal("evicted from an empty cache")
	}
}

func TestCapacityEvictsCompleteFirst(t *testing.T) {
	s, clock := newTestStore(t, Config{TTL: time.Hour, Capacity: 2})
	partial, complete, next := common.HexToHash("0x30"), common.HexToHash("0x31"), common.HexToHash("0x32")

	if _, err := s.StartOrResume(partial, testID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendBatch(partial, bigs(1), 1); err != nil {
		t.Fatal(err)
	}
	s.Release(partial)
	clock.t = clock.t.Add(time.Second)

	if _, err := s.StartOrResume(complete, testID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkComplete(complete); err != nil {
		t.Fatal(err)
	}
	clock.t = clock.t.Add(time.Second)

	if _, err := s.StartOrResume(next, testID); err != nil {
		t.Fatal(err)
	}
	entries, err := s.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Root != partial || entries[1].Root != next {
		t.Fatalf("unexpected entries after eviction: %+v", entries)
	}
}

func TestCheckpointGenerations(t *testing.T) {
	s, _ := newTestStore(t, Config{TTL: time.Hour, Capacity: 10, ChunkSize: 2})
	root := common.HexToHash("0x20")
	if _, err := s.StartOrResume(root, testID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Checkpoint(root, bigs(1, 2, 3), 3, []byte("snap-1")); err != nil {
		t.Fatal(err)
	}
	entry, err := s.Checkpoint(root, bigs(1, 0, 3, 4, 5), 6, []byte("snap-2"))
	if err != nil {
		t.Fatal(err)
	}
	if entry.Generation != 2 || entry.Chunks != 3 {
		t.Fatalf("unexpected generation %d chunks %d", entry.Generation, entry.Chunks)
	}
	if has, _ := s.db.Has(chunkKey(root, 1, 0)); has {
		t.Fatal("superseded generation not dropped")
	}
	if has, _ := s.db.Has(trackerKey(root, 1)); has {
		t.Fatal("superseded snapshot not dropped")
	}
	resumed, err := s.StartOrResume(root, testID)
	if err != nil {
		t.Fatal(err)
	}
	checkLeaves(t, resumed.Leaves, bigs(1, 0, 3, 4, 5))
	if string(resumed.Tracker) != "snap-2" || resumed.Offset != 6 {
		t.Fatalf("unexpected resume state: tracker %q offset %d", resumed.Tracker, resumed.Offset)
	}
}

func TestPurgeAndClear(t *testing.T) {
	s, _ := newTestStore(t, DefaultConfig)
	for i := 0; i < 3; i++ {
		root := common.BigToHash(big.NewInt(int64(100 + i)))
		if _, err := s.StartOrResume(root, testID); err != nil {
			t.Fatal(err)
		}
		if _, err := s.AppendBatch(root, bigs(1, 2), 2); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Purge(common.BigToHash(big.NewInt(100))); err != nil {
		t.Fatal(err)
	}
	n, err := s.Clear()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("cleared %d entries, want 2", n)
	}
	it := s.db.NewIterator(nil, nil)
	defer it.Release()
	if it.Next() {
		t.Fatalf("leftover key %x", it.Key())
	}
	if _, err := s.AppendBatch(common.BigToHash(big.NewInt(101)), bigs(1), 1); !errors.Is(err, ErrUnknownRoot) {
		t.Fatalf("expected ErrUnknownRoot, got %v", err)
	}
}
