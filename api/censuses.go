package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tallyforge/ballotchain/census"
	"github.com/tallyforge/ballotchain/types"
)

// newCensus creates an empty voter census.
// POST /censuses
func (a *API) newCensus(w http.ResponseWriter, r *http.Request) {
	censusID := uuid.New()
	if _, err := a.censusDB.New(censusID); err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, &NewCensus{Census: censusID})
}

// addCensusParticipants adds voter keys with their weights to a census.
// POST /censuses/{censusId}/participants
func (a *API) addCensusParticipants(w http.ResponseWriter, r *http.Request) {
	ref, ok := a.censusParam(w, r)
	if !ok {
		return
	}
	var participants CensusParticipants
	if err := json.NewDecoder(r.Body).Decode(&participants); err != nil {
		ErrMalformedBody.WithErr(err).Write(w)
		return
	}
	if len(participants.Participants) == 0 {
		ErrMalformedBody.WithErr(fmt.Errorf("no participants provided")).Write(w)
		return
	}
	for _, p := range participants.Participants {
		weight := p.Weight
		if weight == 0 {
			weight = 1
		}
		if err := ref.Add(p.Key, weight); err != nil {
			ErrMalformedBody.WithErr(err).Write(w)
			return
		}
	}
	httpWriteOK(w)
}

// getCensusRoot returns the census merkle root, the value an election is
// configured with.
// GET /censuses/{censusId}/root
func (a *API) getCensusRoot(w http.ResponseWriter, r *http.Request) {
	ref, ok := a.censusParam(w, r)
	if !ok {
		return
	}
	root, err := ref.Root()
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, &CensusRoot{Root: root})
}

// getCensusProof returns the inclusion proof for a voter key.
// GET /censuses/{censusId}/proof?key=<hex>
func (a *API) getCensusProof(w http.ResponseWriter, r *http.Request) {
	ref, ok := a.censusParam(w, r)
	if !ok {
		return
	}
	var key types.HexBytes
	if err := key.SetString(r.URL.Query().Get("key")); err != nil || len(key) == 0 {
		ErrMalformedBody.Withf("could not decode voter key").Write(w)
		return
	}
	proof, err := ref.GenProof(key)
	if err != nil {
		if errors.Is(err, census.ErrKeyNotFound) {
			ErrResourceNotFound.WithErr(err).Write(w)
			return
		}
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, proof)
}

func (a *API) censusParam(w http.ResponseWriter, r *http.Request) (*census.Census, bool) {
	censusID, err := uuid.Parse(chi.URLParam(r, CensusURLParam))
	if err != nil {
		ErrInvalidCensusID.WithErr(err).Write(w)
		return nil, false
	}
	ref, err := a.censusDB.Load(censusID)
	if err != nil {
		ErrCensusNotFound.WithErr(err).Write(w)
		return nil, false
	}
	return ref, true
}
