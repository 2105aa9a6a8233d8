package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/tallyforge/ballotchain/types"
)

// NewCensus is the response to a new census creation request.
type NewCensus struct {
	Census uuid.UUID `json:"census"`
}

// CensusRoot is the response to a census root request.
type CensusRoot struct {
	Root types.HexBytes `json:"root"`
}

// CensusParticipant is a voter in a census.
type CensusParticipant struct {
	Key    types.HexBytes `json:"key"`
	Weight uint64         `json:"weight,omitempty"`
}

// CensusParticipants is a list of voters to add to a census.
type CensusParticipants struct {
	Participants []*CensusParticipant `json:"participants"`
}

// BallotReceipt is the response to an accepted ballot submission.
type BallotReceipt struct {
	Accepted  bool           `json:"accepted"`
	Nullifier types.HexBytes `json:"nullifier"`
}

// ChainTip describes the last finalized block.
type ChainTip struct {
	Height    uint64         `json:"height"`
	Hash      types.HexBytes `json:"hash"`
	Timestamp int64          `json:"timestamp"`
	Ballots   int            `json:"ballots"`
}

// NewElection is the request body for registering an election. A missing ID
// is generated server-side.
type NewElection struct {
	ID         types.HexBytes `json:"id,omitempty"`
	Choices    []string       `json:"choices"`
	CensusRoot types.HexBytes `json:"censusRoot"`
	StartTime  time.Time      `json:"startTime"`
	EndTime    time.Time      `json:"endTime"`
}

// ElectionTally is the response to a tally snapshot request.
type ElectionTally struct {
	ElectionID types.HexBytes    `json:"electionId"`
	Counts     map[string]uint64 `json:"counts"`
	Total      uint64            `json:"totalBallots"`
	Height     uint64            `json:"height"`
	Winner     string            `json:"winner,omitempty"`
}
