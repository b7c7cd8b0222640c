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
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"
)

// leafSize is the encoded width of one leaf.
const leafSize = 32

// readHeader loads the entry header of root. It returns nil without error when
// no entry exists.
func readHeader(db ethdb.KeyValueReader, root common.Hash) (*Entry, error) {
	has, err := db.Has(headerKey(root))
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, nil
	}
	data, err := db.Get(headerKey(root))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := rlp.DecodeBytes(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: header of %x: %v", ErrIntegrity, root, err)
	}
	return &entry, nil
}

func writeHeader(db ethdb.KeyValueWriter, entry *Entry) error {
	data, err := rlp.EncodeToBytes(entry)
	if err != nil {
		return err
	}
	return db.Put(headerKey(entry.Root), data)
}

// encodeLeaves serializes leaves as fixed width big-endian words.
func encodeLeaves(leaves []*big.Int) ([]byte, error) {
	out := make([]byte, len(leaves)*leafSize)
	for i, l := range leaves {
		if l == nil || l.Sign() < 0 || l.BitLen() > leafSize*8 {
			return nil, fmt.Errorf("leaf %d not encodable", i)
		}
		l.FillBytes(out[i*leafSize : (i+1)*leafSize])
	}
	return out, nil
}

func decodeLeaves(data []byte) ([]*big.Int, error) {
	if len(data)%leafSize != 0 {
		return nil, fmt.Errorf("%w: chunk length %d", ErrIntegrity, len(data))
	}
	out := make([]*big.Int, len(data)/leafSize)
	for i := range out {
		out[i] = new(big.Int).SetBytes(data[i*leafSize : (i+1)*leafSize])
	}
	return out, nil
}

// readChunks returns the raw leaf chunks of one generation in index order.
func readChunks(db ethdb.Iteratee, root common.Hash, generation uint64) ([][]byte, error) {
	var (
		chunks [][]byte
		it     = db.NewIterator(chunkGenerationPrefix(root, generation), nil)
	)
	defer it.Release()

	for it.Next() {
		chunks = append(chunks, common.CopyBytes(it.Value()))
	}
	return chunks, it.Error()
}

// deleteByPrefix removes every key under prefix. The skip callback can keep
// selected keys.
func deleteByPrefix(db ethdb.KeyValueStore, prefix []byte, skip func(key []byte) bool) error {
	it := db.NewIterator(prefix, nil)
	defer it.Release()

	batch := db.NewBatch()
	for it.Next() {
		key := it.Key()
		if skip != nil && skip(key) {
			continue
		}
		if err := batch.Delete(common.CopyBytes(key)); err != nil {
			return err
		}
		if batch.ValueSize() >= ethdb.IdealBatchSize {
			if err := batch.Write(); err != nil {
				return err
			}
			batch.Reset()
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	return batch.Write()
}

// chainSum extends the running checksum of a partial entry with one chunk.
func chainSum(prev common.Hash, chunk []byte) common.Hash {
	return crypto.Keccak256Hash(prev.Bytes(), chunk)
}

// leafSum is the checksum of a complete entry: keccak256 over all encoded
// leaves in slot order.
func leafSum(raw []byte) common.Hash {
	return crypto.Keccak256Hash(raw)
}
