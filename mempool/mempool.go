// Package mempool holds validated but not yet ordered ballots, deduplicated
// by nullifier. Draining is deterministic so a proposer cannot reorder the
// batch unnoticed.
package mempool

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.vocdoni.io/dvote/log"

	"github.com/tallyforge/ballotchain/identity"
	"github.com/tallyforge/ballotchain/types"
)

// ErrPoolFull is returned when the pool is at capacity and every resident
// ballot is reserved by an in-flight proposal.
var ErrPoolFull = errors.New("mempool full")

// DefaultCapacity bounds the number of pending ballots when no explicit
// capacity is configured.
const DefaultCapacity = 8192

type entry struct {
	ballot   *types.Ballot
	seq      uint64 // arrival order
	reserved bool   // part of a proposed block awaiting finalization
}

// Pool is a capacity-bounded mempool. All methods are safe for concurrent
// use.
type Pool struct {
	mu       sync.Mutex
	verifier identity.Verifier
	entries  map[string]*entry // keyed by nullifier
	capacity int
	nextSeq  uint64
}

// New creates a pool that admits ballots through the given verifier. A
// capacity <= 0 selects DefaultCapacity.
func New(verifier identity.Verifier, capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pool{
		verifier: verifier,
		entries:  make(map[string]*entry),
		capacity: capacity,
	}
}

// Submit validates the ballot and inserts it if its nullifier is unique.
// When the pool is full the oldest unreserved ballot is evicted first.
func (p *Pool) Submit(b *types.Ballot) error {
	if err := p.verifier.Verify(b); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := string(b.Nullifier)
	if _, exists := p.entries[key]; exists {
		return fmt.Errorf("%w: %s", identity.ErrDuplicateNullifier, b.Nullifier)
	}
	if len(p.entries) >= p.capacity {
		if !p.evictOldest() {
			return ErrPoolFull
		}
	}
	p.entries[key] = &entry{ballot: b, seq: p.nextSeq}
	p.nextSeq++
	return nil
}

// evictOldest removes the oldest-by-arrival unreserved ballot. Reserved
// ballots are part of a block awaiting finalization and are never evicted.
// Caller must hold the lock.
func (p *Pool) evictOldest() bool {
	var oldestKey string
	var oldest *entry
	for key, e := range p.entries {
		if e.reserved {
			continue
		}
		if oldest == nil || e.seq < oldest.seq {
			oldest = e
			oldestKey = key
		}
	}
	if oldest == nil {
		return false
	}
	log.Debugw("evicting ballot from full mempool",
		"nullifier", oldest.ballot.Nullifier.String(), "seq", oldest.seq)
	delete(p.entries, oldestKey)
	return true
}

// DrainCandidates returns up to max ballots for the next proposal and marks
// them reserved. The ordering is deterministic: by arrival, ties broken by
// nullifier.
func (p *Pool) DrainCandidates(max int) []*types.Ballot {
	p.mu.Lock()
	defer p.mu.Unlock()
	var picked []*entry
	for _, e := range p.entries {
		if e.reserved {
			continue
		}
		picked = append(picked, e)
	}
	sort.Slice(picked, func(i, j int) bool {
		if picked[i].seq != picked[j].seq {
			return picked[i].seq < picked[j].seq
		}
		return bytes.Compare(picked[i].ballot.Nullifier, picked[j].ballot.Nullifier) < 0
	})
	if max > 0 && len(picked) > max {
		picked = picked[:max]
	}
	out := make([]*types.Ballot, len(picked))
	for i, e := range picked {
		e.reserved = true
		out[i] = e.ballot
	}
	return out
}

// Unreserve releases the reservation of the given ballots, e.g. after a
// round failed and its proposal was discarded.
func (p *Pool) Unreserve(ballots []*types.Ballot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range ballots {
		if e, ok := p.entries[string(b.Nullifier)]; ok {
			e.reserved = false
		}
	}
}

// RemoveFinalized purges ballots that are now committed in the ledger.
func (p *Pool) RemoveFinalized(ballots []*types.Ballot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range ballots {
		delete(p.entries, string(b.Nullifier))
	}
}

// HasNullifier implements identity.NullifierSource.
func (p *Pool) HasNullifier(nullifier types.HexBytes) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[string(nullifier)]
	return ok, nil
}

// Size returns the number of resident ballots.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
