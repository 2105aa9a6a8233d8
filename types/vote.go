package types

// Consensus vote kinds. A nil prevote or precommit carries an empty block
// hash.
const (
	VoteTypePrevote   uint8 = 0x01
	VoteTypePrecommit uint8 = 0x02
)

type voteSignPayload struct {
	Type      uint8    `cbor:"0,keyasint"`
	Height    uint64   `cbor:"1,keyasint"`
	Round     uint32   `cbor:"2,keyasint"`
	BlockHash HexBytes `cbor:"3,keyasint,omitempty"`
}

// VoteSignBytes returns the canonical payload a validator signs when voting
// for a block hash at a height and round. Commit certificates embed precommit
// signatures over exactly this payload, so certificate verification does not
// depend on consensus internals.
func VoteSignBytes(voteType uint8, height uint64, round uint32, blockHash HexBytes) []byte {
	data, err := canonicalMarshal(voteSignPayload{
		Type:      voteType,
		Height:    height,
		Round:     round,
		BlockHash: blockHash,
	})
	if err != nil {
		panic(err)
	}
	return data
}
