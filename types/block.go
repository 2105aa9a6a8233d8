package types

import (
	"encoding/json"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/fxamacker/cbor/v2"
)

// BlockHeader carries the consensus metadata of a block. BallotRoot commits to
// the ordered ballot batch, so the block hash covers the ballots without
// re-encoding them.
type BlockHeader struct {
	Height       uint64   `json:"height"       cbor:"0,keyasint"`
	PreviousHash HexBytes `json:"previousHash" cbor:"1,keyasint,omitempty"`
	BallotRoot   HexBytes `json:"ballotRoot"   cbor:"2,keyasint,omitempty"`
	Proposer     HexBytes `json:"proposer"     cbor:"3,keyasint,omitempty"`
	Round        uint32   `json:"round"        cbor:"4,keyasint"`
	Timestamp    int64    `json:"timestamp"    cbor:"5,keyasint"`
}

// CommitSignature is a single validator signature over a block hash, part of a
// commit certificate.
type CommitSignature struct {
	Validator HexBytes `json:"validator" cbor:"0,keyasint,omitempty"`
	Signature HexBytes `json:"signature" cbor:"1,keyasint,omitempty"`
}

// CommitCertificate aggregates the precommit signatures that finalized a
// block. A certificate is valid when the signers' accumulated weight reaches
// the quorum threshold of the validator set active at that height. The genesis
// block carries no certificate.
type CommitCertificate struct {
	Height     uint64            `json:"height"     cbor:"0,keyasint"`
	Round      uint32            `json:"round"      cbor:"1,keyasint"`
	BlockHash  HexBytes          `json:"blockHash"  cbor:"2,keyasint,omitempty"`
	Signatures []CommitSignature `json:"signatures" cbor:"3,keyasint,omitempty"`
}

// Block is a batch of ordered ballots agreed on by the validator set. Blocks
// are immutable and exclusively owned by the ledger once appended.
type Block struct {
	Header      BlockHeader        `json:"header"      cbor:"0,keyasint"`
	Ballots     []*Ballot          `json:"ballots"     cbor:"1,keyasint,omitempty"`
	Certificate *CommitCertificate `json:"certificate" cbor:"2,keyasint,omitempty"`
}

// Hash returns the keccak256 hash of the canonical header encoding. The
// certificate is excluded: it attests to this very hash.
func (b *Block) Hash() HexBytes {
	data, err := canonicalMarshal(b.Header)
	if err != nil {
		panic(err)
	}
	return ethcrypto.Keccak256(data)
}

// ComputeBallotRoot returns the keccak256 hash over the canonical encoding of
// the ordered ballot batch.
func ComputeBallotRoot(ballots []*Ballot) HexBytes {
	data, err := canonicalMarshal(ballots)
	if err != nil {
		panic(err)
	}
	return ethcrypto.Keccak256(data)
}

func (b *Block) String() string {
	data, err := json.Marshal(b)
	if err != nil {
		return ""
	}
	return string(data)
}

var canonicalEncMode cbor.EncMode

func init() {
	var err error
	canonicalEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// canonicalMarshal encodes v with deterministic CBOR, so hashing and signing
// are unambiguous across nodes.
func canonicalMarshal(v any) ([]byte, error) {
	return canonicalEncMode.Marshal(v)
}

// CanonicalMarshal exposes the deterministic encoder used for hashes and
// signatures.
func CanonicalMarshal(v any) ([]byte, error) {
	return canonicalMarshal(v)
}
