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
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// Database layout. Every key starts with a root so that one entry can be
// dropped with a prefix scan.
//
//	headerPrefix  + root                      -> RLP(Entry)
//	chunkPrefix   + root + generation + index -> 32 byte big-endian leaves
//	trackerPrefix + root + generation         -> opaque replay snapshot
var (
	headerPrefix  = []byte("census-cache-h")
	chunkPrefix   = []byte("census-cache-c")
	trackerPrefix = []byte("census-cache-t")
)

func encodeUint64(n uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, n)
	return enc
}

func headerKey(root common.Hash) []byte {
	return append(append([]byte{}, headerPrefix...), root.Bytes()...)
}

func chunkRootPrefix(root common.Hash) []byte {
	return append(append([]byte{}, chunkPrefix...), root.Bytes()...)
}

func chunkGenerationPrefix(root common.Hash, generation uint64) []byte {
	return append(chunkRootPrefix(root), encodeUint64(generation)...)
}

func chunkKey(root common.Hash, generation, index uint64) []byte {
	return append(chunkGenerationPrefix(root, generation), encodeUint64(index)...)
}

func trackerRootPrefix(root common.Hash) []byte {
	return append(append([]byte{}, trackerPrefix...), root.Bytes()...)
}

func trackerKey(root common.Hash, generation uint64) []byte {
	return append(trackerRootPrefix(root), encodeUint64(generation)...)
}
