package consensus

import (
	"go.vocdoni.io/dvote/log"

	"github.com/tallyforge/ballotchain/types"
)

// voteSet accumulates the weighted votes of one kind (prevote or precommit)
// for a single height and round. The empty block hash tallies nil votes.
type voteSet struct {
	voteType MsgType
	vset     *types.ValidatorSet
	bySender map[string]*Message // one vote per validator
	weights  map[string]uint64   // accumulated weight per block hash
}

func newVoteSet(voteType MsgType, vset *types.ValidatorSet) *voteSet {
	return &voteSet{
		voteType: voteType,
		vset:     vset,
		bySender: make(map[string]*Message),
		weights:  make(map[string]uint64),
	}
}

// add records a vote. Conflicting votes from the same validator
// (equivocation) are dropped and logged; they never count twice.
func (s *voteSet) add(msg *Message) bool {
	sender := msg.Sender.String()
	if prev, ok := s.bySender[sender]; ok {
		if !prev.BlockHash.Equals(msg.BlockHash) {
			log.Warnw("equivocating vote dropped",
				"type", msg.Type.String(),
				"height", msg.Height,
				"round", msg.Round,
				"sender", sender)
		}
		return false
	}
	val := s.vset.ByAddress(msg.Sender)
	if val == nil {
		return false
	}
	s.bySender[sender] = msg
	s.weights[msg.BlockHash.String()] += val.Weight
	return true
}

// quorum returns the block hash that reached the quorum threshold, if any.
// The second return distinguishes "quorum on nil" (ok with empty hash) from
// "no quorum yet".
func (s *voteSet) quorum() (types.HexBytes, bool) {
	threshold := s.vset.QuorumThreshold()
	for hash, weight := range s.weights {
		if weight >= threshold {
			h := types.HexBytes{}
			if hash != "" {
				if err := h.SetString(hash); err != nil {
					continue
				}
			}
			return h, true
		}
	}
	return nil, false
}

// distinctWeight sums the weight of the distinct validators that voted across
// the given vote sets, regardless of hash. A validator present in several
// sets counts once.
func distinctWeight(vset *types.ValidatorSet, sets ...*voteSet) uint64 {
	seen := make(map[string]bool)
	var weight uint64
	for _, s := range sets {
		if s == nil {
			continue
		}
		for sender, msg := range s.bySender {
			if seen[sender] {
				continue
			}
			seen[sender] = true
			if val := vset.ByAddress(msg.Sender); val != nil {
				weight += val.Weight
			}
		}
	}
	return weight
}

// signatures collects the commit signatures of the votes for the given hash,
// the raw material of a commit certificate.
func (s *voteSet) signatures(hash types.HexBytes) []types.CommitSignature {
	var sigs []types.CommitSignature
	for _, msg := range s.bySender {
		if msg.BlockHash.Equals(hash) {
			sigs = append(sigs, types.CommitSignature{
				Validator: msg.Sender,
				Signature: msg.Signature,
			})
		}
	}
	return sigs
}
