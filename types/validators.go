package types

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Validator is a member of the consensus validator set, identified by its
// ethereum-style address (derived from the secp256k1 public key).
type Validator struct {
	Address HexBytes `json:"address" cbor:"0,keyasint,omitempty"`
	PubKey  HexBytes `json:"pubKey"  cbor:"1,keyasint,omitempty"`
	Weight  uint64   `json:"weight"  cbor:"2,keyasint"`
	Name    string   `json:"name"    cbor:"3,keyasint,omitempty"`
}

// ValidatorSet is the epoch-versioned set of validators and their voting
// weights. It is passed explicitly into each consensus round, never held as
// hidden global state. Validators are kept sorted by address so proposer
// selection is deterministic across nodes.
type ValidatorSet struct {
	Epoch      uint64      `json:"epoch"      cbor:"0,keyasint"`
	Validators []Validator `json:"validators" cbor:"1,keyasint,omitempty"`
}

// NewValidatorSet returns a validator set with the validators sorted by
// address.
func NewValidatorSet(epoch uint64, validators []Validator) *ValidatorSet {
	vs := make([]Validator, len(validators))
	copy(vs, validators)
	sort.Slice(vs, func(i, j int) bool {
		return bytes.Compare(vs[i].Address, vs[j].Address) < 0
	})
	return &ValidatorSet{Epoch: epoch, Validators: vs}
}

// TotalWeight returns the accumulated weight of all validators.
func (s *ValidatorSet) TotalWeight() uint64 {
	var total uint64
	for _, v := range s.Validators {
		total += v.Weight
	}
	return total
}

// QuorumThreshold returns the minimum accumulated weight needed to finalize a
// block, the weighted equivalent of 2f+1 out of 3f+1 validators.
func (s *ValidatorSet) QuorumThreshold() uint64 {
	return s.TotalWeight()*2/3 + 1
}

// MaxFaulty returns f, the maximum tolerated faulty weight.
func (s *ValidatorSet) MaxFaulty() uint64 {
	return (s.TotalWeight() - 1) / 3
}

// ByAddress returns the validator with the given address, or nil if it is not
// part of the set.
func (s *ValidatorSet) ByAddress(addr HexBytes) *Validator {
	for i := range s.Validators {
		if s.Validators[i].Address.Equals(addr) {
			return &s.Validators[i]
		}
	}
	return nil
}

// Contains reports whether addr belongs to the set.
func (s *ValidatorSet) Contains(addr HexBytes) bool {
	return s.ByAddress(addr) != nil
}

// Proposer returns the proposer for the given height and round, rotating
// round-robin over the address-sorted validators. Incrementing the round on a
// view change elects the next leader.
func (s *ValidatorSet) Proposer(height uint64, round uint32) (*Validator, error) {
	if len(s.Validators) == 0 {
		return nil, fmt.Errorf("empty validator set")
	}
	idx := (height + uint64(round)) % uint64(len(s.Validators))
	return &s.Validators[idx], nil
}

// AddressFromCommon converts a go-ethereum address to HexBytes.
func AddressFromCommon(addr common.Address) HexBytes {
	return HexBytes(addr.Bytes())
}
