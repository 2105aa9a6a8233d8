package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/tallyforge/ballotchain/ballot"
	"github.com/tallyforge/ballotchain/identity"
	"github.com/tallyforge/ballotchain/mempool"
)

// maxBallotBodySize bounds the accepted request body for a single ballot.
const maxBallotBodySize = 1 << 20

// submitBallot accepts a canonical-encoded signed ballot and admits it into
// the mempool.
// POST /ballots
func (a *API) submitBallot(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBallotBodySize))
	if err != nil {
		ErrMalformedBody.Withf("could not read request body: %v", err).Write(w)
		return
	}
	b, err := ballot.Decode(body)
	if err != nil {
		ErrMalformedBallot.WithErr(err).Write(w)
		return
	}
	if err := a.pool.Submit(b); err != nil {
		submissionError(err).Write(w)
		return
	}
	httpWriteJSON(w, &BallotReceipt{Accepted: true, Nullifier: b.Nullifier})
}

// submissionError maps a mempool admission failure to its API error.
func submissionError(err error) Error {
	switch {
	case errors.Is(err, identity.ErrInvalidSignature):
		return ErrInvalidSignature.WithErr(err)
	case errors.Is(err, identity.ErrIneligibleVoter):
		return ErrIneligibleVoter.WithErr(err)
	case errors.Is(err, identity.ErrDuplicateNullifier):
		return ErrDuplicateNullifier.WithErr(err)
	case errors.Is(err, identity.ErrElectionClosed):
		return ErrElectionClosed.WithErr(err)
	case errors.Is(err, identity.ErrInvalidNullifier),
		errors.Is(err, identity.ErrInvalidChoice):
		return ErrMalformedBallot.WithErr(err)
	case errors.Is(err, mempool.ErrPoolFull):
		return ErrMempoolFull.WithErr(err)
	}
	return ErrGenericInternalServerError.WithErr(err)
}
