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

// Package leaf implements the census leaf encoding.
//
// A leaf packs an account address and its voting weight into one BN254
// scalar field element: (address << 88) | weight. The weight occupies the low
// 88 bits and the 160 bit address the bits above it, which leaves the packed
// value below 2^248 and therefore always inside the field for valid inputs.
package leaf

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// WeightBits is the width of the weight part of a leaf.
const WeightBits = 88

// ErrEncoding is returned for weights or leaves that cannot be represented.
var ErrEncoding = errors.New("leaf encoding error")

var (
	// MaxWeight is the largest encodable weight, 2^88 - 1.
	MaxWeight = new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), WeightBits), 1)

	modulus    = fr.Modulus()
	weightMask = MaxWeight.ToBig()
)

// Modulus returns the BN254 scalar field modulus every leaf must stay below.
func Modulus() *big.Int {
	return new(big.Int).Set(modulus)
}

// Pack encodes addr and weight into a leaf.
func Pack(addr common.Address, weight *uint256.Int) (*big.Int, error) {
	if weight == nil {
		return nil, fmt.Errorf("%w: nil weight", ErrEncoding)
	}
	if weight.BitLen() > WeightBits {
		return nil, fmt.Errorf("%w: weight %s exceeds %d bits", ErrEncoding, weight.Dec(), WeightBits)
	}
	out := new(big.Int).SetBytes(addr.Bytes())
	out.Lsh(out, WeightBits)
	out.Or(out, weight.ToBig())
	if out.Cmp(modulus) >= 0 {
		return nil, fmt.Errorf("%w: leaf not below field modulus", ErrEncoding)
	}
	return out, nil
}

// PackUint64 is Pack for small weights.
func PackUint64(addr common.Address, weight uint64) (*big.Int, error) {
	return Pack(addr, uint256.NewInt(weight))
}

// Unpack splits a leaf back into its address and weight.
func Unpack(leaf *big.Int) (common.Address, *uint256.Int, error) {
	if leaf == nil {
		return common.Address{}, nil, fmt.Errorf("%w: nil leaf", ErrEncoding)
	}
	if leaf.Sign() < 0 {
		return common.Address{}, nil, fmt.Errorf("%w: negative leaf", ErrEncoding)
	}
	if leaf.Cmp(modulus) >= 0 {
		return common.Address{}, nil, fmt.Errorf("%w: leaf not below field modulus", ErrEncoding)
	}
	account := new(big.Int).Rsh(leaf, WeightBits)
	if account.BitLen() > common.AddressLength*8 {
		return common.Address{}, nil, fmt.Errorf("%w: account part exceeds %d bits", ErrEncoding, common.AddressLength*8)
	}
	weight, _ := uint256.FromBig(new(big.Int).And(leaf, weightMask))
	return common.BigToAddress(account), weight, nil
}

// ParseWeight parses a decimal weight as reported by the indexer and checks
// that it is encodable.
func ParseWeight(s string) (*uint256.Int, error) {
	w, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: weight %q: %v", ErrEncoding, s, err)
	}
	if w.BitLen() > WeightBits {
		return nil, fmt.Errorf("%w: weight %s exceeds %d bits", ErrEncoding, s, WeightBits)
	}
	return w, nil
}

// IsTombstone reports whether leaf marks a removed member.
func IsTombstone(leaf *big.Int) bool {
	return leaf != nil && leaf.Sign() == 0
}
