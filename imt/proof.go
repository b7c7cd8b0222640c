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

package imt

import (
	"fmt"
	"math/big"
)

// Proof is a Lean-IMT inclusion proof.
//
// Siblings only holds entries for the levels where the node had a sibling,
// so its length may be smaller than the tree depth.
type Proof struct {
	Root     *big.Int
	Leaf     *big.Int
	Index    int
	Siblings []*big.Int
}

// GenerateProof builds the inclusion proof for the leaf at index.
func (t *Tree) GenerateProof(index int) (*Proof, error) {
	if index < 0 || index >= t.Size() {
		return nil, fmt.Errorf("%w: index %d, size %d", ErrIndexOutOfRange, index, t.Size())
	}
	var (
		siblings []*big.Int
		idx      = index
	)
	for level := 0; level < t.Depth(); level++ {
		nodes := t.nodes[level]
		if idx&1 == 1 {
			siblings = append(siblings, new(big.Int).Set(nodes[idx-1]))
		} else if idx+1 < len(nodes) {
			siblings = append(siblings, new(big.Int).Set(nodes[idx+1]))
		}
		idx >>= 1
	}
	return &Proof{
		Root:     t.Root(),
		Leaf:     new(big.Int).Set(t.nodes[0][index]),
		Index:    index,
		Siblings: siblings,
	}, nil
}

// Verify checks the proof against its own root.
func (p *Proof) Verify(h Hasher) bool {
	if p == nil {
		return false
	}
	return VerifyProof(h, p.Root, p.Leaf, p.Siblings)
}
