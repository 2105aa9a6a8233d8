// Package tally derives per-election vote counts from the finalized ledger.
// The tally state is never mutated directly: it is rebuilt from genesis or
// folded forward block by block, and is always reproducible by replay.
package tally

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.vocdoni.io/dvote/log"

	"github.com/tallyforge/ballotchain/ledger"
	"github.com/tallyforge/ballotchain/types"
)

var (
	// ErrNoBallots is returned when a winner is requested for an election
	// without any counted ballot.
	ErrNoBallots = errors.New("election has no counted ballots")
)

// Result is a read-only tally snapshot for one election.
type Result struct {
	ElectionID types.HexBytes    `json:"electionId"`
	Counts     map[string]uint64 `json:"counts"`
	Total      uint64            `json:"totalBallots"`
	// Height is the last finalized height folded into the counts.
	Height uint64 `json:"height"`
}

// Aggregator folds finalized blocks into per-election counts. It is safe for
// concurrent use: the consensus engine feeds it on commit while API readers
// take snapshots.
type Aggregator struct {
	mu     sync.RWMutex
	chain  *ledger.Ledger
	counts map[string]map[string]uint64 // election id -> choice -> count
	totals map[string]uint64
	folded uint64
}

// New creates an aggregator over the given ledger and replays the finalized
// chain to build the initial state.
func New(chain *ledger.Ledger) (*Aggregator, error) {
	a := &Aggregator{chain: chain}
	if err := a.Recompute(); err != nil {
		return nil, err
	}
	return a, nil
}

// Recompute discards the running state and replays the full finalized ledger
// from genesis.
func (a *Aggregator) Recompute() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts = make(map[string]map[string]uint64)
	a.totals = make(map[string]uint64)
	a.folded = 0
	var failed error
	if err := a.chain.Iterate(0, func(block *types.Block) bool {
		if err := a.foldLocked(block); err != nil {
			failed = err
			return false
		}
		return true
	}); err != nil {
		return err
	}
	if failed != nil {
		return failed
	}
	log.Infow("tally recomputed", "height", a.folded, "elections", len(a.counts))
	return nil
}

// Update incrementally folds newly finalized blocks into the running state.
// Folding is idempotent: blocks at or below the already-folded height are
// skipped, so replaying the same block twice never double-counts.
func (a *Aggregator) Update(blocks ...*types.Block) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].Header.Height < blocks[j].Header.Height
	})
	for _, block := range blocks {
		if err := a.foldLocked(block); err != nil {
			return err
		}
	}
	return nil
}

// foldLocked counts one block's ballots. Caller holds the write lock.
func (a *Aggregator) foldLocked(block *types.Block) error {
	h := block.Header.Height
	if h == 0 {
		return nil // genesis carries no ballots
	}
	if h <= a.folded {
		return nil // already counted
	}
	if h != a.folded+1 {
		return fmt.Errorf("tally fold gap: got height %d after %d", h, a.folded)
	}
	for _, b := range block.Ballots {
		eid := b.ElectionID.String()
		if a.counts[eid] == nil {
			a.counts[eid] = make(map[string]uint64)
		}
		a.counts[eid][b.Choice]++
		a.totals[eid]++
	}
	a.folded = h
	return nil
}

// FoldedHeight returns the last height folded into the counts.
func (a *Aggregator) FoldedHeight() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.folded
}

// Snapshot returns a copy of the current counts for one election. An election
// with no counted ballots yields an empty (not nil) count map.
func (a *Aggregator) Snapshot(electionID types.HexBytes) *Result {
	a.mu.RLock()
	defer a.mu.RUnlock()
	eid := electionID.String()
	counts := make(map[string]uint64, len(a.counts[eid]))
	for choice, n := range a.counts[eid] {
		counts[choice] = n
	}
	return &Result{
		ElectionID: electionID,
		Counts:     counts,
		Total:      a.totals[eid],
		Height:     a.folded,
	}
}

// Winner returns the leading choice of an election and its count. Ties break
// to the lexicographically smallest choice so every replayer agrees on the
// result.
func (a *Aggregator) Winner(electionID types.HexBytes) (string, uint64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	counts := a.counts[electionID.String()]
	if len(counts) == 0 {
		return "", 0, ErrNoBallots
	}
	var winner string
	var best uint64
	for choice, n := range counts {
		if n > best || (n == best && (winner == "" || choice < winner)) {
			winner, best = choice, n
		}
	}
	return winner, best, nil
}
