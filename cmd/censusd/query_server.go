// Copyright 2025 The davinci-census Authors
// This file is part of davinci-census.
//
// davinci-census is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// davinci-census is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with davinci-census. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/vocdoni/davinci-census/census"
	"github.com/vocdoni/davinci-census/treecache"
)

// QueryAPI provides read-only census queries under the census namespace.
type QueryAPI struct {
	cfg   *Config
	recon *census.Reconstructor
	phase *PhaseTracker
}

// NewQueryAPI creates a new QueryAPI instance.
func NewQueryAPI(cfg *Config, recon *census.Reconstructor, phase *PhaseTracker) *QueryAPI {
	return &QueryAPI{cfg: cfg, recon: recon, phase: phase}
}

// ProofResult is the JSON form of an inclusion proof.
type ProofResult struct {
	Address  common.Address `json:"address"`
	Weight   *hexutil.U256  `json:"weight"`
	Index    hexutil.Uint64 `json:"index"`
	Leaf     *hexutil.Big   `json:"leaf"`
	Root     *hexutil.Big   `json:"root"`
	Siblings []*hexutil.Big `json:"siblings"`
}

// current returns the census served by the daemon, building it on demand
// before the first refresh has completed.
func (api *QueryAPI) current(ctx context.Context) (*census.Census, error) {
	if c := api.recon.Latest(); c != nil {
		return c, nil
	}
	return api.recon.Reconstruct(ctx)
}

// Root returns the root of the served census.
func (api *QueryAPI) Root(ctx context.Context) (*hexutil.Big, error) {
	c, err := api.current(ctx)
	if err != nil {
		return nil, err
	}
	return (*hexutil.Big)(c.Root()), nil
}

// Size returns the number of slots of the census with the given root, or of
// the served census if root is omitted.
func (api *QueryAPI) Size(ctx context.Context, root *hexutil.Big) (hexutil.Uint64, error) {
	if root == nil {
		c, err := api.current(ctx)
		if err != nil {
			return 0, err
		}
		return hexutil.Uint64(c.Size()), nil
	}
	size, err := api.recon.SizeOf(ctx, root.ToInt())
	if err != nil {
		return 0, err
	}
	return hexutil.Uint64(size), nil
}

// Proof returns the inclusion proof of addr in the served census.
func (api *QueryAPI) Proof(ctx context.Context, addr common.Address) (*ProofResult, error) {
	queryProofTotal.Inc(1)

	c, err := api.current(ctx)
	if err != nil {
		return nil, err
	}
	member, ok := c.Lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %v", census.ErrNotFound, addr)
	}
	proof, err := c.ProofAt(member.Index)
	if err != nil {
		return nil, err
	}
	return newProofResult(member, proof.Leaf, proof.Root, proof.Siblings), nil
}

func newProofResult(member census.Member, value, root *big.Int, siblings []*big.Int) *ProofResult {
	res := &ProofResult{
		Address:  member.Address,
		Weight:   (*hexutil.U256)(member.Weight),
		Index:    hexutil.Uint64(member.Index),
		Leaf:     (*hexutil.Big)(value),
		Root:     (*hexutil.Big)(root),
		Siblings: make([]*hexutil.Big, len(siblings)),
	}
	for i, s := range siblings {
		res.Siblings[i] = (*hexutil.Big)(s)
	}
	return res
}

// Verify checks an inclusion proof. It needs no census, only the hasher.
func (api *QueryAPI) Verify(root *hexutil.Big, value *hexutil.Big, siblings []*hexutil.Big) (bool, error) {
	if root == nil || value == nil {
		return false, errors.New("root and leaf are required")
	}
	path := make([]*big.Int, len(siblings))
	for i, s := range siblings {
		if s == nil {
			return false, fmt.Errorf("sibling %d is null", i)
		}
		path[i] = s.ToInt()
	}
	return api.recon.Verify(root.ToInt(), value.ToInt(), path), nil
}

// Leaves returns up to limit leaves of the served census starting at slot
// start. Both arguments are optional.
func (api *QueryAPI) Leaves(ctx context.Context, start *hexutil.Uint64, limit *hexutil.Uint64) ([]*hexutil.Big, error) {
	queryLeavesTotal.Inc(1)

	c, err := api.current(ctx)
	if err != nil {
		return nil, err
	}
	var (
		from  uint64
		count = api.cfg.effectiveMaxBatch()
	)
	if start != nil {
		from = uint64(*start)
	}
	if limit != nil {
		if uint64(*limit) > count {
			return nil, fmt.Errorf("limit %d exceeds maximum batch size %d", uint64(*limit), count)
		}
		count = uint64(*limit)
	}
	leaves := c.Leaves()
	if from >= uint64(len(leaves)) {
		return []*hexutil.Big{}, nil
	}
	end := min(from+count, uint64(len(leaves)))

	out := make([]*hexutil.Big, 0, end-from)
	for _, l := range leaves[from:end] {
		out = append(out, (*hexutil.Big)(l))
	}
	return out, nil
}

// Status reports the daemon phase and the served census.
func (api *QueryAPI) Status(ctx context.Context) (map[string]any, error) {
	stats, err := api.recon.Stats()
	if err != nil {
		return nil, err
	}
	result := map[string]any{
		"mode":     string(stats.Mode),
		"source":   stats.Source,
		"hasher":   stats.Hasher,
		"builds":   stats.Builds,
		"failures": stats.Failures,
		"inMemory": stats.MemoryTrees,
	}
	if c := api.recon.Latest(); c != nil {
		result["root"] = (*hexutil.Big)(c.Root())
		result["size"] = c.Size()
		result["depth"] = c.Depth()
		result["members"] = c.Members()
		result["totalWeight"] = c.TotalWeight().Dec()
		result["builtAt"] = c.BuiltAt().Unix()
	}
	if api.phase != nil {
		result["phase"] = string(api.phase.Current())
		result["consecutiveFailures"] = api.phase.Failures()
		if since := api.phase.SyncedSince(); !since.IsZero() {
			result["syncedSince"] = since.Unix()
		}
		if err := api.phase.LastError(); err != nil {
			result["lastError"] = err.Error()
		}
	}
	return result, nil
}

// CacheStats reports the persistent tree cache content.
func (api *QueryAPI) CacheStats() (map[string]any, error) {
	stats, err := api.recon.Stats()
	if err != nil {
		return nil, err
	}
	if stats.Cache == nil {
		return map[string]any{"enabled": false}, nil
	}
	return cacheStatsResult(stats.Cache), nil
}

func cacheStatsResult(cs *treecache.Stats) map[string]any {
	result := map[string]any{
		"enabled":           true,
		"entries":           cs.Entries,
		"complete":          cs.Complete,
		"partial":           cs.Partial,
		"leaves":            cs.Leaves,
		"capacity":          cs.Capacity,
		"ttl":               cs.TTL.String(),
		"hits":              cs.Hits,
		"misses":            cs.Misses,
		"integrityFailures": cs.IntegrityFailures,
		"evictions":         cs.Evictions,
	}
	if !cs.Oldest.IsZero() {
		result["oldest"] = cs.Oldest.Unix()
		result["newest"] = cs.Newest.Unix()
	}
	return result
}

// ClearCache drops every built tree from memory and disk.
func (api *QueryAPI) ClearCache() error {
	log.Info("Clearing census tree cache")
	return api.recon.ClearCache()
}

// QueryServer serves the census API over HTTP JSON-RPC.
type QueryServer struct {
	server   *rpc.Server
	listener net.Listener
	httpSrv  *http.Server
}

// NewQueryServer creates and starts a query RPC server.
func NewQueryServer(listenAddr string, api *QueryAPI) (*QueryServer, error) {
	server := rpc.NewServer()
	if err := server.RegisterName("census", api); err != nil {
		return nil, fmt.Errorf("failed to register census query API: %w", err)
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}

	httpSrv := &http.Server{Handler: server}

	go func() {
		if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("Census query server error", "err", err)
		}
	}()

	log.Info("Census query server started", "addr", listener.Addr())

	return &QueryServer{
		server:   server,
		listener: listener,
		httpSrv:  httpSrv,
	}, nil
}

// Addr returns the address the server listens on.
func (s *QueryServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops the query server.
func (s *QueryServer) Close() error {
	s.server.Stop()
	return s.httpSrv.Close()
}
