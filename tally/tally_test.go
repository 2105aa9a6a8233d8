package tally

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"go.vocdoni.io/dvote/db/metadb"

	"github.com/tallyforge/ballotchain/crypto/ethereum"
	"github.com/tallyforge/ballotchain/ledger"
	"github.com/tallyforge/ballotchain/types"
)

type testChain struct {
	ledger *ledger.Ledger
	keys   []*ethereum.SignKeys
	vset   *types.ValidatorSet
}

func newTestChain(t *testing.T) *testChain {
	t.Helper()
	c := qt.New(t)
	tc := &testChain{}
	var vals []types.Validator
	for i := 0; i < 4; i++ {
		k := ethereum.NewSignKeys()
		c.Assert(k.Generate(), qt.IsNil)
		tc.keys = append(tc.keys, k)
		vals = append(vals, types.Validator{
			Address: types.AddressFromCommon(k.Address()),
			PubKey:  k.PublicKey(),
			Weight:  1,
		})
	}
	tc.vset = types.NewValidatorSet(0, vals)
	l, err := ledger.New(metadb.NewTest(t), ledger.NewGenesisBlock(time.Now().Unix()))
	c.Assert(err, qt.IsNil)
	tc.ledger = l
	return tc
}

// appendBlock certifies and appends a batch of ballots, returning the block.
func (tc *testChain) appendBlock(t *testing.T, ballots []*types.Ballot) *types.Block {
	t.Helper()
	c := qt.New(t)
	tip := tc.ledger.Tip()
	block := &types.Block{
		Header: types.BlockHeader{
			Height:       tip.Header.Height + 1,
			PreviousHash: tip.Hash(),
			BallotRoot:   types.ComputeBallotRoot(ballots),
			Timestamp:    time.Now().Unix(),
		},
		Ballots: ballots,
	}
	cert := &types.CommitCertificate{
		Height:    block.Header.Height,
		BlockHash: block.Hash(),
	}
	msg := types.VoteSignBytes(types.VoteTypePrecommit, cert.Height, cert.Round, cert.BlockHash)
	for _, k := range tc.keys[:3] {
		sig, err := k.SignEthereum(msg)
		c.Assert(err, qt.IsNil)
		cert.Signatures = append(cert.Signatures, types.CommitSignature{
			Validator: types.AddressFromCommon(k.Address()),
			Signature: sig,
		})
	}
	block.Certificate = cert
	c.Assert(tc.ledger.Append(block, tc.vset), qt.IsNil)
	return block
}

func ballotFor(election types.HexBytes, choice, nullifier string) *types.Ballot {
	return &types.Ballot{
		ElectionID: election,
		Choice:     choice,
		Nullifier:  types.HexBytes(nullifier),
	}
}

var electionA = types.HexBytes{0xaa, 0x01}

func TestSnapshotCountsFinalizedBallots(t *testing.T) {
	c := qt.New(t)
	tc := newTestChain(t)

	// three voters, options {A, A, B}
	tc.appendBlock(t, []*types.Ballot{
		ballotFor(electionA, "A", "n-1"),
		ballotFor(electionA, "A", "n-2"),
		ballotFor(electionA, "B", "n-3"),
	})

	agg, err := New(tc.ledger)
	c.Assert(err, qt.IsNil)

	snap := agg.Snapshot(electionA)
	c.Assert(snap.Counts, qt.DeepEquals, map[string]uint64{"A": 2, "B": 1})
	c.Assert(snap.Total, qt.Equals, uint64(3))
	c.Assert(snap.Height, qt.Equals, uint64(1))

	winner, votes, err := agg.Winner(electionA)
	c.Assert(err, qt.IsNil)
	c.Assert(winner, qt.Equals, "A")
	c.Assert(votes, qt.Equals, uint64(2))
}

func TestUpdateIsIdempotent(t *testing.T) {
	c := qt.New(t)
	tc := newTestChain(t)

	agg, err := New(tc.ledger)
	c.Assert(err, qt.IsNil)

	block := tc.appendBlock(t, []*types.Ballot{
		ballotFor(electionA, "A", "n-1"),
		ballotFor(electionA, "B", "n-2"),
	})
	c.Assert(agg.Update(block), qt.IsNil)
	// folding the same block again must not double-count
	c.Assert(agg.Update(block), qt.IsNil)

	snap := agg.Snapshot(electionA)
	c.Assert(snap.Counts, qt.DeepEquals, map[string]uint64{"A": 1, "B": 1})
	c.Assert(snap.Total, qt.Equals, uint64(2))
}

func TestUpdateMatchesRecompute(t *testing.T) {
	c := qt.New(t)
	tc := newTestChain(t)

	agg, err := New(tc.ledger)
	c.Assert(err, qt.IsNil)

	electionB := types.HexBytes{0xbb, 0x02}
	b1 := tc.appendBlock(t, []*types.Ballot{
		ballotFor(electionA, "A", "n-1"),
		ballotFor(electionB, "X", "n-2"),
	})
	b2 := tc.appendBlock(t, []*types.Ballot{
		ballotFor(electionA, "B", "n-3"),
		ballotFor(electionB, "X", "n-4"),
	})
	c.Assert(agg.Update(b1, b2), qt.IsNil)

	incremental := agg.Snapshot(electionB)

	// a fresh aggregator replaying from genesis must agree
	replayed, err := New(tc.ledger)
	c.Assert(err, qt.IsNil)
	c.Assert(replayed.Snapshot(electionB).Counts, qt.DeepEquals, incremental.Counts)
	c.Assert(replayed.FoldedHeight(), qt.Equals, agg.FoldedHeight())
}

func TestUpdateRejectsGaps(t *testing.T) {
	c := qt.New(t)
	tc := newTestChain(t)

	agg, err := New(tc.ledger)
	c.Assert(err, qt.IsNil)

	tc.appendBlock(t, []*types.Ballot{ballotFor(electionA, "A", "n-1")})
	skipped := tc.appendBlock(t, []*types.Ballot{ballotFor(electionA, "A", "n-2")})

	// feeding height 2 without height 1 is a fold gap
	c.Assert(agg.Update(skipped), qt.IsNotNil)

	// recompute repairs the state from the ledger
	c.Assert(agg.Recompute(), qt.IsNil)
	c.Assert(agg.FoldedHeight(), qt.Equals, uint64(2))
	c.Assert(agg.Snapshot(electionA).Total, qt.Equals, uint64(2))
}

func TestWinnerTieBreaksDeterministically(t *testing.T) {
	c := qt.New(t)
	tc := newTestChain(t)

	tc.appendBlock(t, []*types.Ballot{
		ballotFor(electionA, "B", "n-1"),
		ballotFor(electionA, "A", "n-2"),
	})
	agg, err := New(tc.ledger)
	c.Assert(err, qt.IsNil)

	winner, votes, err := agg.Winner(electionA)
	c.Assert(err, qt.IsNil)
	c.Assert(winner, qt.Equals, "A")
	c.Assert(votes, qt.Equals, uint64(1))

	_, _, err = agg.Winner(types.HexBytes{0xde, 0xad})
	c.Assert(err, qt.ErrorIs, ErrNoBallots)
}
