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

import "math/big"

// VerifyProof folds leaf with siblings and compares the result with root.
// Since parents hash the ordered pair, the leaf index is not needed. Malformed
// input or a failing hasher yields false.
func VerifyProof(h Hasher, root, leaf *big.Int, siblings []*big.Int) bool {
	if h == nil || root == nil || leaf == nil {
		return false
	}
	node := leaf
	for _, sibling := range siblings {
		next, err := hashPair(h, node, sibling)
		if err != nil {
			return false
		}
		node = next
	}
	return node.Cmp(root) == 0
}
