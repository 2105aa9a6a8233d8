package types

const (
	// BallotVersion is the current version of the canonical ballot encoding.
	BallotVersion = 0x01
	// CensusTreeMaxLevels is the maximum number of levels in the census merkle tree.
	CensusTreeMaxLevels = 160
	// MaxChoicesPerElection is the maximum number of choices an election can offer.
	MaxChoicesPerElection = 100
	// MaxBallotsPerBlock is the maximum number of ballots a proposer may batch
	// into a single block.
	MaxBallotsPerBlock = 256
	// HashLen is the length in bytes of block and ballot hashes (keccak256).
	HashLen = 32
)
