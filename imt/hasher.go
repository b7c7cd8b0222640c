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
	"errors"
	"fmt"
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"
)

// HasherName identifies the exact hash instantiation the census contract
// verifies against: circomlib Poseidon over the BN254 scalar field with
// width t=3 (two inputs), 8 full rounds and 57 partial rounds. Any other
// parameterization yields plausible looking but wrong roots, so the name is
// recorded next to every persisted tree and compared on load.
const HasherName = "poseidon-bn254-circom-t3"

// Hasher is the two-input compression function used to combine tree nodes.
type Hasher interface {
	// Hash returns H(a, b). Implementations must be deterministic.
	Hash(a, b *big.Int) (*big.Int, error)

	// Name returns the pinned identifier of the instantiation.
	Name() string
}

type poseidonHasher struct{}

// PoseidonHasher is the census hasher, matching poseidon2 in circomlib and
// PoseidonT3 on chain.
var PoseidonHasher Hasher = poseidonHasher{}

func (poseidonHasher) Hash(a, b *big.Int) (*big.Int, error) {
	h, err := poseidon.Hash([]*big.Int{a, b})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHash, err)
	}
	return h, nil
}

func (poseidonHasher) Name() string { return HasherName }

// hashPair combines two sibling nodes in an order independent way.
func hashPair(h Hasher, a, b *big.Int) (*big.Int, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("%w: nil operand", ErrHash)
	}
	if a.Cmp(b) > 0 {
		a, b = b, a
	}
	out, err := h.Hash(a, b)
	if err != nil {
		if errors.Is(err, ErrHash) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrHash, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: hasher returned nil", ErrHash)
	}
	return out, nil
}
