package consensus

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/tallyforge/ballotchain/types"
)

func TestVoteSetQuorum(t *testing.T) {
	c := qt.New(t)
	keys, vset := newTestSet(t, 4)
	hash := types.HexBytes("agreed-block-hash")

	vs := newVoteSet(MsgPrevote, vset)
	vote := func(i int, h types.HexBytes) *Message {
		m := &Message{Type: MsgPrevote, Height: 1, BlockHash: h}
		c.Assert(m.Sign(keys[i]), qt.IsNil)
		return m
	}

	c.Assert(vs.add(vote(0, hash)), qt.IsTrue)
	c.Assert(vs.add(vote(1, hash)), qt.IsTrue)
	_, ok := vs.quorum()
	c.Assert(ok, qt.IsFalse) // 2 of 4 is below the threshold of 3

	c.Assert(vs.add(vote(2, hash)), qt.IsTrue)
	got, ok := vs.quorum()
	c.Assert(ok, qt.IsTrue)
	c.Assert(got, qt.DeepEquals, hash)
	c.Assert(distinctWeight(vset, vs), qt.Equals, uint64(3))
}

func TestVoteSetNilQuorum(t *testing.T) {
	c := qt.New(t)
	keys, vset := newTestSet(t, 4)

	vs := newVoteSet(MsgPrecommit, vset)
	for i := 0; i < 3; i++ {
		m := &Message{Type: MsgPrecommit, Height: 1}
		c.Assert(m.Sign(keys[i]), qt.IsNil)
		c.Assert(vs.add(m), qt.IsTrue)
	}
	hash, ok := vs.quorum()
	c.Assert(ok, qt.IsTrue)
	c.Assert(hash, qt.HasLen, 0) // quorum agreed on no block
}

func TestVoteSetEquivocation(t *testing.T) {
	c := qt.New(t)
	keys, vset := newTestSet(t, 4)

	vs := newVoteSet(MsgPrevote, vset)
	first := &Message{Type: MsgPrevote, Height: 1, BlockHash: types.HexBytes("block-a")}
	c.Assert(first.Sign(keys[0]), qt.IsNil)
	c.Assert(vs.add(first), qt.IsTrue)

	// a conflicting vote from the same validator never counts
	second := &Message{Type: MsgPrevote, Height: 1, BlockHash: types.HexBytes("block-b")}
	c.Assert(second.Sign(keys[0]), qt.IsNil)
	c.Assert(vs.add(second), qt.IsFalse)
	c.Assert(distinctWeight(vset, vs), qt.Equals, uint64(1))

	// votes from outside the validator set are ignored
	outsiderKeys, _ := newTestSet(t, 1)
	outside := &Message{Type: MsgPrevote, Height: 1, BlockHash: types.HexBytes("block-a")}
	c.Assert(outside.Sign(outsiderKeys[0]), qt.IsNil)
	c.Assert(vs.add(outside), qt.IsFalse)
}

func TestVoteSetWeightedQuorum(t *testing.T) {
	c := qt.New(t)
	keys, _ := newTestSet(t, 3)
	// one heavy validator and two light ones: total 6, threshold 5
	var vals []types.Validator
	weights := []uint64{4, 1, 1}
	for i, k := range keys {
		vals = append(vals, types.Validator{
			Address: types.AddressFromCommon(k.Address()),
			PubKey:  k.PublicKey(),
			Weight:  weights[i],
		})
	}
	vset := types.NewValidatorSet(0, vals)
	hash := types.HexBytes("weighted-hash")

	vs := newVoteSet(MsgPrecommit, vset)
	m := &Message{Type: MsgPrecommit, Height: 1, BlockHash: hash}
	c.Assert(m.Sign(keys[0]), qt.IsNil)
	c.Assert(vs.add(m), qt.IsTrue)
	_, ok := vs.quorum()
	c.Assert(ok, qt.IsFalse) // weight 4 of 6 is below 2/3+1

	m = &Message{Type: MsgPrecommit, Height: 1, BlockHash: hash}
	c.Assert(m.Sign(keys[1]), qt.IsNil)
	c.Assert(vs.add(m), qt.IsTrue)
	got, ok := vs.quorum()
	c.Assert(ok, qt.IsTrue)
	c.Assert(got, qt.DeepEquals, hash)

	sigs := vs.signatures(hash)
	c.Assert(sigs, qt.HasLen, 2)
}

func TestDistinctWeightCountsValidatorsOnce(t *testing.T) {
	c := qt.New(t)
	keys, vset := newTestSet(t, 4)
	hash := types.HexBytes("future-round-hash")

	prevotes := newVoteSet(MsgPrevote, vset)
	precommits := newVoteSet(MsgPrecommit, vset)

	// the same validator voting in both sets carries its weight once
	pv := &Message{Type: MsgPrevote, Height: 1, Round: 7, BlockHash: hash}
	c.Assert(pv.Sign(keys[0]), qt.IsNil)
	c.Assert(prevotes.add(pv), qt.IsTrue)
	pc := &Message{Type: MsgPrecommit, Height: 1, Round: 7, BlockHash: hash}
	c.Assert(pc.Sign(keys[0]), qt.IsNil)
	c.Assert(precommits.add(pc), qt.IsTrue)
	c.Assert(distinctWeight(vset, prevotes, precommits), qt.Equals, uint64(1))

	// a second validator adds its weight
	pv2 := &Message{Type: MsgPrevote, Height: 1, Round: 7, BlockHash: hash}
	c.Assert(pv2.Sign(keys[1]), qt.IsNil)
	c.Assert(prevotes.add(pv2), qt.IsTrue)
	c.Assert(distinctWeight(vset, prevotes, precommits), qt.Equals, uint64(2))

	// a missing set is simply skipped
	c.Assert(distinctWeight(vset, nil, precommits), qt.Equals, uint64(1))
}
