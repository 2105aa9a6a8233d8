package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tallyforge/ballotchain/storage"
	"github.com/tallyforge/ballotchain/types"
)

// newElection registers a new election in the local registry.
// POST /elections
func (a *API) newElection(w http.ResponseWriter, r *http.Request) {
	var req NewElection
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrMalformedBody.Withf("could not decode request body: %v", err).Write(w)
		return
	}
	id := req.ID
	if len(id) == 0 {
		u := uuid.New()
		id = types.HexBytes(u[:])
	}
	election := &types.Election{
		ID:         id,
		Choices:    req.Choices,
		CensusRoot: req.CensusRoot,
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
	}
	if err := a.storage.SetElection(election); err != nil {
		if errors.Is(err, storage.ErrElectionExists) {
			ErrDuplicateElection.WithErr(err).Write(w)
			return
		}
		ErrMalformedBody.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, election)
}

// getElection returns the election configuration.
// GET /elections/{electionId}
func (a *API) getElection(w http.ResponseWriter, r *http.Request) {
	id, ok := electionIDParam(w, r)
	if !ok {
		return
	}
	election, err := a.storage.Election(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			ErrElectionNotFound.Withf("%s", id).Write(w)
			return
		}
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, election)
}

// closeElection marks an election as closed; further ballots are rejected.
// POST /elections/{electionId}/close
func (a *API) closeElection(w http.ResponseWriter, r *http.Request) {
	id, ok := electionIDParam(w, r)
	if !ok {
		return
	}
	if err := a.storage.CloseElection(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			ErrElectionNotFound.Withf("%s", id).Write(w)
			return
		}
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteOK(w)
}

// getElectionTally returns the current tally snapshot for an election. The
// winner is only reported once the election is closed.
// GET /elections/{electionId}/tally
func (a *API) getElectionTally(w http.ResponseWriter, r *http.Request) {
	id, ok := electionIDParam(w, r)
	if !ok {
		return
	}
	election, err := a.storage.Election(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			ErrElectionNotFound.Withf("%s", id).Write(w)
			return
		}
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	snap := a.tally.Snapshot(id)
	result := &ElectionTally{
		ElectionID: snap.ElectionID,
		Counts:     snap.Counts,
		Total:      snap.Total,
		Height:     snap.Height,
	}
	if election.Closed {
		if winner, _, err := a.tally.Winner(id); err == nil {
			result.Winner = winner
		}
	}
	httpWriteJSON(w, result)
}

func electionIDParam(w http.ResponseWriter, r *http.Request) (types.HexBytes, bool) {
	var id types.HexBytes
	if err := id.SetString(chi.URLParam(r, ElectionURLParam)); err != nil || len(id) == 0 {
		ErrMalformedElectionID.Write(w)
		return nil, false
	}
	return id, true
}
