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

package feed

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/vocdoni/davinci-census/census"
)

// censusABI covers the read-only root accessors of the census contract.
const censusABI = `[
	{"type":"function","name":"getCensusRoot","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"getRootBlockNumber","inputs":[{"name":"root","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}
]`

// ContractCaller executes read-only calls. *ethclient.Client implements it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ContractRootSource reads the authoritative census root from the contract.
type ContractRootSource struct {
	caller  ContractCaller
	address common.Address
	abi     abi.ABI
	client  *ethclient.Client // Set when dialed by this package
}

// DialContractRootSource connects to an execution node and binds the census
// contract at address.
func DialContractRootSource(ctx context.Context, rpcURL string, address common.Address) (*ContractRootSource, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	src, err := NewContractRootSource(client, address)
	if err != nil {
		client.Close()
		return nil, err
	}
	src.client = client
	return src, nil
}

// NewContractRootSource binds the census contract at address.
func NewContractRootSource(caller ContractCaller, address common.Address) (*ContractRootSource, error) {
	parsed, err := abi.JSON(strings.NewReader(censusABI))
	if err != nil {
		return nil, err
	}
	return &ContractRootSource{caller: caller, address: address, abi: parsed}, nil
}

// Address returns the bound contract address.
func (s *ContractRootSource) Address() common.Address {
	return s.address
}

// Close releases the connection if the source dialed it.
func (s *ContractRootSource) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

func (s *ContractRootSource) call(ctx context.Context, method string, args ...any) (*big.Int, error) {
	input, err := s.abi.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	output, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &s.address, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	values, err := s.abi.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s: expected one value, got %d", method, len(values))
	}
	n, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result type %T", method, values[0])
	}
	return n, nil
}

// CurrentRoot returns the root the contract currently holds.
func (s *ContractRootSource) CurrentRoot(ctx context.Context) (*big.Int, error) {
	return s.call(ctx, "getCensusRoot")
}

// RootBlock returns the block at which root was set. The contract reports
// zero for roots it does not know.
func (s *ContractRootSource) RootBlock(ctx context.Context, root *big.Int) (uint64, bool, error) {
	block, err := s.call(ctx, "getRootBlockNumber", root)
	if err != nil {
		return 0, false, err
	}
	if block.Sign() == 0 {
		return 0, false, nil
	}
	if !block.IsUint64() {
		return 0, false, fmt.Errorf("getRootBlockNumber: block %v out of range", block)
	}
	return block.Uint64(), true, nil
}

var _ census.RootSource = (*ContractRootSource)(nil)
