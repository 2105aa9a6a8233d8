package storage

import (
	"errors"
	"fmt"

	"github.com/tallyforge/ballotchain/types"
)

var (
	// ErrElectionExists is returned when creating an election whose id is
	// already registered.
	ErrElectionExists = errors.New("election already exists")
)

// SetElection registers a new election. The id must be unused and the offered
// choices must be at least two and at most MaxChoicesPerElection.
func (s *Storage) SetElection(e *types.Election) error {
	if e == nil || len(e.ID) == 0 {
		return fmt.Errorf("missing election id")
	}
	if len(e.Choices) < 2 {
		return fmt.Errorf("an election needs at least two choices")
	}
	if len(e.Choices) > types.MaxChoicesPerElection {
		return fmt.Errorf("too many choices: %d, maximum is %d",
			len(e.Choices), types.MaxChoicesPerElection)
	}
	if !e.EndTime.After(e.StartTime) {
		return fmt.Errorf("voting window ends before it starts")
	}
	if _, err := s.Election(e.ID); err == nil {
		return fmt.Errorf("%w: %s", ErrElectionExists, e.ID)
	}
	return s.setArtifact(electionPrefix, e.ID, e)
}

// Election retrieves an election by id. It returns ErrNotFound if the
// election is not registered. Implements identity.ElectionSource.
func (s *Storage) Election(id types.HexBytes) (*types.Election, error) {
	e := &types.Election{}
	if err := s.getArtifact(electionPrefix, id, e); err != nil {
		return nil, err
	}
	return e, nil
}

// CloseElection marks an election as closed; further ballots for it are
// rejected. Closing is idempotent.
func (s *Storage) CloseElection(id types.HexBytes) error {
	e, err := s.Election(id)
	if err != nil {
		return err
	}
	if e.Closed {
		return nil
	}
	e.Closed = true
	return s.setArtifact(electionPrefix, id, e)
}

// ListElections returns the ids of all registered elections.
func (s *Storage) ListElections() ([]types.HexBytes, error) {
	keys, err := s.listArtifactKeys(electionPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]types.HexBytes, len(keys))
	for i, k := range keys {
		ids[i] = types.HexBytes(k)
	}
	return ids, nil
}
