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

// Package feed implements the census data sources: the GraphQL indexer that
// tracks the census contract and the contract itself.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/vocdoni/davinci-census/census"
	"github.com/vocdoni/davinci-census/leaf"
	"golang.org/x/time/rate"
)

// SubgraphConfig configures a SubgraphClient.
type SubgraphConfig struct {
	Endpoint  string
	Timeout   time.Duration // Per request timeout
	RateLimit float64       // Requests per second, zero disables limiting
	Burst     int
}

// DefaultSubgraphConfig contains the default client settings.
var DefaultSubgraphConfig = SubgraphConfig{
	Timeout:   30 * time.Second,
	RateLimit: 10,
	Burst:     4,
}

// SubgraphClient queries the census indexer. It implements
// census.RootSource, census.AccountFeed and census.EventFeed.
type SubgraphClient struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter

	accountCursors cursorIndex
	eventCursors   cursorIndex
}

// NewSubgraphClient creates a client for the given configuration.
func NewSubgraphClient(cfg SubgraphConfig) (*SubgraphClient, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("subgraph endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSubgraphConfig.Timeout
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &SubgraphClient{
		endpoint:   cfg.Endpoint,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
	}, nil
}

// SourceID identifies the indexer in cache entries.
func (c *SubgraphClient) SourceID() string {
	return "subgraph:" + c.endpoint
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

func (c *SubgraphClient) query(ctx context.Context, query string, variables map[string]any, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	subgraphRequestTimer.UpdateSince(start)
	if resp.StatusCode != http.StatusOK {
		subgraphErrorCounter.Inc(1)
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, truncate(data, 256))
	}
	var gqlResp graphQLResponse
	if err := json.Unmarshal(data, &gqlResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		subgraphErrorCounter.Inc(1)
		msgs := make([]string, len(gqlResp.Errors))
		for i, e := range gqlResp.Errors {
			msgs[i] = e.Message
		}
		return fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}
	if err := json.Unmarshal(gqlResp.Data, result); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

type accountJSON struct {
	ID                 string `json:"id"`
	Address            string `json:"address"`
	Weight             string `json:"weight"`
	TreeIndex          string `json:"treeIndex"`
	FirstInsertedBlock string `json:"firstInsertedBlock"`
	FirstInsertedAt    string `json:"firstInsertedAt"`
}

func (a *accountJSON) record() (census.AccountRecord, error) {
	if !common.IsHexAddress(a.Address) {
		return census.AccountRecord{}, fmt.Errorf("invalid account address %q", a.Address)
	}
	weight, err := leaf.ParseWeight(a.Weight)
	if err != nil {
		return census.AccountRecord{}, err
	}
	slot, err := parseUint(a.TreeIndex, "treeIndex")
	if err != nil {
		return census.AccountRecord{}, err
	}
	block, err := parseUint(a.FirstInsertedBlock, "firstInsertedBlock")
	if err != nil {
		return census.AccountRecord{}, err
	}
	at, err := parseUint(a.FirstInsertedAt, "firstInsertedAt")
	if err != nil {
		return census.AccountRecord{}, err
	}
	return census.AccountRecord{
		Address:            common.HexToAddress(a.Address),
		Weight:             weight,
		Slot:               slot,
		FirstInsertedBlock: block,
		FirstInsertedAt:    at,
	}, nil
}

const accountFields = `
	id
	address
	weight
	treeIndex
	firstInsertedBlock
	firstInsertedAt
`

// Accounts returns members with a positive weight ordered by tree slot.
// A listing restarts at skip zero, which drops the cursors of the previous
// one since the member set may have changed in between.
func (c *SubgraphClient) Accounts(ctx context.Context, first, skip int) ([]census.AccountRecord, error) {
	if skip == 0 {
		c.accountCursors.reset()
	}
	return paged(ctx, &c.accountCursors, first, skip, c.accountsAfter)
}

// accountsAfter lists members with a slot above after. The returned cursor
// points past the last record.
func (c *SubgraphClient) accountsAfter(ctx context.Context, after string, first, skip int) ([]census.AccountRecord, *cursor, error) {
	if after == "" {
		after = "-1"
	}
	query := `
		query GetAccounts($first: Int!, $skip: Int!, $after: BigInt!) {
			accounts(
				first: $first
				skip: $skip
				orderBy: treeIndex
				orderDirection: asc
				where: { weight_gt: "0", treeIndex_gt: $after }
			) {` + accountFields + `}
		}
	`
	var result struct {
		Accounts []accountJSON `json:"accounts"`
	}
	if err := c.query(ctx, query, map[string]any{"first": first, "skip": skip, "after": after}, &result); err != nil {
		return nil, nil, err
	}
	out := make([]census.AccountRecord, 0, len(result.Accounts))
	for i := range result.Accounts {
		rec, err := result.Accounts[i].record()
		if err != nil {
			return nil, nil, fmt.Errorf("account %s: %w", result.Accounts[i].ID, err)
		}
		out = append(out, rec)
	}
	if len(out) == 0 {
		return out, nil, nil
	}
	last := &cursor{offset: len(out), after: strconv.FormatUint(out[len(out)-1].Slot, 10)}
	return out, last, nil
}

// Account returns the indexed state of one account, or nil if the indexer
// never saw it.
func (c *SubgraphClient) Account(ctx context.Context, addr common.Address) (*census.AccountRecord, error) {
	query := `
		query GetAccount($id: ID!) {
			account(id: $id) {` + accountFields + `}
		}
	`
	var result struct {
		Account *accountJSON `json:"account"`
	}
	if err := c.query(ctx, query, map[string]any{"id": strings.ToLower(addr.Hex())}, &result); err != nil {
		return nil, err
	}
	if result.Account == nil {
		return nil, nil
	}
	rec, err := result.Account.record()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

type globalStatsJSON struct {
	CurrentRoot   string `json:"currentRoot"`
	NextTreeIndex string `json:"nextTreeIndex"`
	TotalPledges  string `json:"totalPledges"`
}

// GlobalStats summarizes the indexed census.
type GlobalStats struct {
	CurrentRoot  *big.Int
	SlotCount    uint64
	TotalPledges uint64
}

// GlobalStats returns the indexer totals. A census the indexer has never seen
// any activity for reports zero everywhere.
func (c *SubgraphClient) GlobalStats(ctx context.Context) (*GlobalStats, error) {
	query := `
		query GetGlobalStats {
			globalStats(id: "global") {
				currentRoot
				nextTreeIndex
				totalPledges
			}
		}
	`
	var result struct {
		GlobalStats *globalStatsJSON `json:"globalStats"`
	}
	if err := c.query(ctx, query, nil, &result); err != nil {
		return nil, err
	}
	stats := &GlobalStats{CurrentRoot: new(big.Int)}
	if result.GlobalStats == nil {
		return stats, nil
	}
	var err error
	if stats.CurrentRoot, err = parseBig(result.GlobalStats.CurrentRoot, "currentRoot"); err != nil {
		return nil, err
	}
	if stats.SlotCount, err = parseUint(result.GlobalStats.NextTreeIndex, "nextTreeIndex"); err != nil {
		return nil, err
	}
	if result.GlobalStats.TotalPledges != "" {
		if stats.TotalPledges, err = parseUint(result.GlobalStats.TotalPledges, "totalPledges"); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// SlotCount returns the number of tree slots ever assigned.
func (c *SubgraphClient) SlotCount(ctx context.Context) (uint64, error) {
	stats, err := c.GlobalStats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.SlotCount, nil
}

// CurrentRoot returns the latest root seen by the indexer.
func (c *SubgraphClient) CurrentRoot(ctx context.Context) (*big.Int, error) {
	stats, err := c.GlobalStats(ctx)
	if err != nil {
		return nil, err
	}
	return stats.CurrentRoot, nil
}

// RootRecord is one CensusRootUpdated event.
type RootRecord struct {
	Root      *big.Int
	Block     uint64
	Timestamp uint64
	TxHash    common.Hash
}

type censusRootJSON struct {
	Root            string `json:"root"`
	BlockNumber     string `json:"blockNumber"`
	BlockTimestamp  string `json:"blockTimestamp"`
	TransactionHash string `json:"transactionHash"`
}

func (r *censusRootJSON) record() (RootRecord, error) {
	root, err := parseBig(r.Root, "root")
	if err != nil {
		return RootRecord{}, err
	}
	block, err := parseUint(r.BlockNumber, "blockNumber")
	if err != nil {
		return RootRecord{}, err
	}
	ts, err := parseUint(r.BlockTimestamp, "blockTimestamp")
	if err != nil {
		return RootRecord{}, err
	}
	return RootRecord{Root: root, Block: block, Timestamp: ts, TxHash: common.HexToHash(r.TransactionHash)}, nil
}

// CensusRoots returns the most recent root updates, newest first.
func (c *SubgraphClient) CensusRoots(ctx context.Context, first int) ([]RootRecord, error) {
	query := `
		query GetCensusRoots($first: Int!) {
			censusRoots(first: $first, orderBy: blockNumber, orderDirection: desc) {
				root
				blockNumber
				blockTimestamp
				transactionHash
			}
		}
	`
	var result struct {
		CensusRoots []censusRootJSON `json:"censusRoots"`
	}
	if err := c.query(ctx, query, map[string]any{"first": first}, &result); err != nil {
		return nil, err
	}
	out := make([]RootRecord, 0, len(result.CensusRoots))
	for i := range result.CensusRoots {
		rec, err := result.CensusRoots[i].record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// RootBlock returns the block of the first update that set root.
func (c *SubgraphClient) RootBlock(ctx context.Context, root *big.Int) (uint64, bool, error) {
	query := `
		query GetCensusRoot($root: BigInt!) {
			censusRoots(first: 1, where: { root: $root }, orderBy: blockNumber, orderDirection: asc) {
				root
				blockNumber
				blockTimestamp
				transactionHash
			}
		}
	`
	var result struct {
		CensusRoots []censusRootJSON `json:"censusRoots"`
	}
	if err := c.query(ctx, query, map[string]any{"root": root.String()}, &result); err != nil {
		return 0, false, err
	}
	if len(result.CensusRoots) == 0 {
		return 0, false, nil
	}
	rec, err := result.CensusRoots[0].record()
	if err != nil {
		return 0, false, err
	}
	return rec.Block, true, nil
}

type weightChangeJSON struct {
	ID      string `json:"id"`
	Account struct {
		ID      string `json:"id"`
		Address string `json:"address"`
	} `json:"account"`
	PreviousWeight  string `json:"previousWeight"`
	NewWeight       string `json:"newWeight"`
	BlockNumber     string `json:"blockNumber"`
	BlockTimestamp  string `json:"blockTimestamp"`
	TransactionHash string `json:"transactionHash"`
	LogIndex        string `json:"logIndex"`
}

func (e *weightChangeJSON) event() (census.WeightChangeEvent, error) {
	addr := e.Account.Address
	if addr == "" {
		addr = e.Account.ID
	}
	if !common.IsHexAddress(addr) {
		return census.WeightChangeEvent{}, fmt.Errorf("invalid account address %q", addr)
	}
	prev, err := leaf.ParseWeight(e.PreviousWeight)
	if err != nil {
		return census.WeightChangeEvent{}, err
	}
	next, err := leaf.ParseWeight(e.NewWeight)
	if err != nil {
		return census.WeightChangeEvent{}, err
	}
	block, err := parseUint(e.BlockNumber, "blockNumber")
	if err != nil {
		return census.WeightChangeEvent{}, err
	}
	logIndex, err := parseUint(e.LogIndex, "logIndex")
	if err != nil {
		return census.WeightChangeEvent{}, err
	}
	ts, err := parseUint(e.BlockTimestamp, "blockTimestamp")
	if err != nil {
		return census.WeightChangeEvent{}, err
	}
	return census.WeightChangeEvent{
		Account:        common.HexToAddress(addr),
		PreviousWeight: prev,
		NewWeight:      next,
		Key:            census.EventKey{Block: block, LogIndex: logIndex},
		Timestamp:      ts,
		TxHash:         common.HexToHash(e.TransactionHash),
	}, nil
}

// WeightChangeEvents returns weight changes in chronological order. The
// indexer can only sort by one field, so events of the same block are put in
// log order here.
func (c *SubgraphClient) WeightChangeEvents(ctx context.Context, first, skip int) ([]census.WeightChangeEvent, error) {
	return paged(ctx, &c.eventCursors, first, skip, c.weightChangesFrom)
}

// weightChangesFrom lists weight changes from block after on. The returned
// cursor points at the first event of the last block that starts inside the
// page, if any.
func (c *SubgraphClient) weightChangesFrom(ctx context.Context, after string, first, skip int) ([]census.WeightChangeEvent, *cursor, error) {
	if after == "" {
		after = "0"
	}
	query := `
		query GetWeightChangeEvents($first: Int!, $skip: Int!, $after: BigInt!) {
			weightChangeEvents(
				first: $first
				skip: $skip
				orderBy: blockNumber
				orderDirection: asc
				where: { blockNumber_gte: $after }
			) {
				id
				account {
					id
					address
				}
				previousWeight
				newWeight
				blockNumber
				blockTimestamp
				transactionHash
				logIndex
			}
		}
	`
	var result struct {
		WeightChangeEvents []weightChangeJSON `json:"weightChangeEvents"`
	}
	if err := c.query(ctx, query, map[string]any{"first": first, "skip": skip, "after": after}, &result); err != nil {
		return nil, nil, err
	}
	out := make([]census.WeightChangeEvent, 0, len(result.WeightChangeEvents))
	for i := range result.WeightChangeEvents {
		ev, err := result.WeightChangeEvents[i].event()
		if err != nil {
			return nil, nil, fmt.Errorf("event %s: %w", result.WeightChangeEvents[i].ID, err)
		}
		out = append(out, ev)
	}
	var last *cursor
	for i := len(out) - 1; i > 0; i-- {
		if out[i].Key.Block != out[i-1].Key.Block {
			last = &cursor{offset: i, after: strconv.FormatUint(out[i].Key.Block, 10)}
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Key.Cmp(out[j].Key) < 0
	})
	log.Trace("Fetched weight change events", "after", after, "skip", skip, "count", len(out))
	return out, last, nil
}

// The indexer rejects skip values above maxSkip. Deeper pages are addressed
// relative to a cursor: a known offset together with the filter value that
// selects exactly the records from that offset on.
const (
	maxSkip     = 5000
	maxPageSize = 1000
)

var errPastEnd = errors.New("offset past the end of the listing")

type cursor struct {
	offset int
	after  string // Filter value, empty at offset zero
}

// cursorIndex remembers the cursors seen while paging through one listing.
type cursorIndex struct {
	mu     sync.Mutex
	points []cursor // Sorted by offset
}

// nearest returns the cursor with the highest offset not above offset.
func (x *cursorIndex) nearest(offset int) cursor {
	x.mu.Lock()
	defer x.mu.Unlock()

	i := sort.Search(len(x.points), func(i int) bool { return x.points[i].offset > offset })
	if i == 0 {
		return cursor{}
	}
	return x.points[i-1]
}

func (x *cursorIndex) add(c cursor) {
	x.mu.Lock()
	defer x.mu.Unlock()

	i := sort.Search(len(x.points), func(i int) bool { return x.points[i].offset >= c.offset })
	if i < len(x.points) && x.points[i].offset == c.offset {
		x.points[i] = c
		return
	}
	x.points = slices.Insert(x.points, i, c)
}

func (x *cursorIndex) reset() {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.points = nil
}

// pageFetcher fetches first records from cursor value after on, skipping
// skip of them. The cursor it returns is relative to the page start.
type pageFetcher[T any] func(ctx context.Context, after string, first, skip int) ([]T, *cursor, error)

// paged fetches the page at an absolute offset, walking forward in full pages
// when no known cursor is within maxSkip of it.
func paged[T any](ctx context.Context, idx *cursorIndex, first, skip int, fetch pageFetcher[T]) ([]T, error) {
	base, err := seek(ctx, idx, skip, fetch)
	if errors.Is(err, errPastEnd) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out, last, err := fetch(ctx, base.after, first, skip-base.offset)
	if err != nil {
		return nil, err
	}
	if last != nil {
		idx.add(cursor{offset: skip + last.offset, after: last.after})
	}
	return out, nil
}

func seek[T any](ctx context.Context, idx *cursorIndex, offset int, fetch pageFetcher[T]) (cursor, error) {
	base := idx.nearest(offset)
	for offset-base.offset > maxSkip {
		page, last, err := fetch(ctx, base.after, maxPageSize, 0)
		if err != nil {
			return cursor{}, err
		}
		if len(page) < maxPageSize {
			return cursor{}, errPastEnd
		}
		if last == nil || last.offset == 0 {
			return cursor{}, fmt.Errorf("no cursor within %d records after offset %d", maxPageSize, base.offset)
		}
		base = cursor{offset: base.offset + last.offset, after: last.after}
		idx.add(base)
		log.Trace("Advanced subgraph cursor", "offset", base.offset, "after", base.after, "target", offset)
	}
	return base, nil
}

func parseUint(s, field string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return n, nil
}

func parseBig(s, field string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s %q", field, s)
	}
	return n, nil
}

var (
	_ census.RootSource  = (*SubgraphClient)(nil)
	_ census.AccountFeed = (*SubgraphClient)(nil)
	_ census.EventFeed   = (*SubgraphClient)(nil)
)
