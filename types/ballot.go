package types

import (
	"encoding/json"
)

// CensusProof is a merkle proof of inclusion in an election census tree. It is
// generated against the census root published with the election and proves
// that Address is a registered voter with the given Weight.
type CensusProof struct {
	Root     HexBytes `json:"root"     cbor:"0,keyasint,omitempty"`
	Address  HexBytes `json:"address"  cbor:"1,keyasint,omitempty"`
	Weight   HexBytes `json:"weight"   cbor:"2,keyasint,omitempty"`
	Siblings HexBytes `json:"siblings" cbor:"3,keyasint,omitempty"`
}

// Ballot is a signed vote transaction. The Nullifier is a unique tag derived
// from the voter identity and the election; it never reveals the identity but
// guarantees that two ballots from the same voter collide. A Ballot is
// immutable once signed.
type Ballot struct {
	ElectionID HexBytes    `json:"electionId" cbor:"0,keyasint,omitempty"`
	Choice     string      `json:"choice"     cbor:"1,keyasint,omitempty"`
	Nullifier  HexBytes    `json:"nullifier"  cbor:"2,keyasint,omitempty"`
	Proof      CensusProof `json:"proof"      cbor:"3,keyasint,omitempty"`
	Timestamp  int64       `json:"timestamp"  cbor:"4,keyasint,omitempty"`
	Signature  HexBytes    `json:"signature"  cbor:"5,keyasint,omitempty"`
}

func (b *Ballot) String() string {
	data, err := json.Marshal(b)
	if err != nil {
		return ""
	}
	return string(data)
}
