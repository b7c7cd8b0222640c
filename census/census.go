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
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/vocdoni/davinci-census/imt"
	"github.com/vocdoni/davinci-census/leaf"
)

// Member is a live census member as seen in a built tree.
type Member struct {
	Address common.Address
	Weight  *uint256.Int
	Index   int
}

// Census is an immutable snapshot of a reconstructed tree. It is safe for
// concurrent use.
type Census struct {
	tree    *imt.Tree
	root    *big.Int
	members map[common.Address]Member
	weight  *uint256.Int
	builtAt time.Time
}

// newCensus indexes the members of tree. The tree must not be modified
// afterwards.
func newCensus(tree *imt.Tree) (*Census, error) {
	c := &Census{
		tree:    tree,
		root:    tree.Root(),
		members: make(map[common.Address]Member),
		weight:  new(uint256.Int),
		builtAt: time.Now(),
	}
	for i, l := range tree.Leaves() {
		if leaf.IsTombstone(l) {
			continue
		}
		addr, weight, err := leaf.Unpack(l)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		if prev, dup := c.members[addr]; dup {
			return nil, fmt.Errorf("%w: %v occupies slots %d and %d", ErrOrderingViolation, addr, prev.Index, i)
		}
		c.members[addr] = Member{Address: addr, Weight: weight, Index: i}
		c.weight.Add(c.weight, weight)
	}
	return c, nil
}

// Root returns the tree root.
func (c *Census) Root() *big.Int { return new(big.Int).Set(c.root) }

// Size returns the number of slots, tombstones included.
func (c *Census) Size() int { return c.tree.Size() }

// Depth returns the tree depth.
func (c *Census) Depth() int { return c.tree.Depth() }

// Members returns the number of live members.
func (c *Census) Members() int { return len(c.members) }

// TotalWeight returns the sum of all member weights.
func (c *Census) TotalWeight() *uint256.Int { return new(uint256.Int).Set(c.weight) }

// BuiltAt returns when the snapshot was created.
func (c *Census) BuiltAt() time.Time { return c.builtAt }

// Leaves returns all leaves in slot order.
func (c *Census) Leaves() []*big.Int { return c.tree.Leaves() }

// Lookup returns the member entry of addr.
func (c *Census) Lookup(addr common.Address) (Member, bool) {
	m, ok := c.members[addr]
	if !ok {
		return Member{}, false
	}
	m.Weight = new(uint256.Int).Set(m.Weight)
	return m, true
}

// Proof returns the inclusion proof of addr.
func (c *Census) Proof(addr common.Address) (*imt.Proof, error) {
	m, ok := c.members[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, addr)
	}
	proofCounter.Inc(1)
	return c.tree.GenerateProof(m.Index)
}

// ProofAt returns the inclusion proof of the leaf at index.
func (c *Census) ProofAt(index int) (*imt.Proof, error) {
	proofCounter.Inc(1)
	return c.tree.GenerateProof(index)
}

// Verify checks a proof against this census' hasher.
func (c *Census) Verify(root, value *big.Int, siblings []*big.Int) bool {
	return imt.VerifyProof(c.tree.Hasher(), root, value, siblings)
}
