package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tallyforge/ballotchain/ledger"
)

// getBlock returns a finalized block by height.
// GET /blocks/{height}
func (a *API) getBlock(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(chi.URLParam(r, HeightURLParam), 10, 64)
	if err != nil {
		ErrMalformedBody.Withf("could not parse height: %v", err).Write(w)
		return
	}
	block, err := a.ledger.Get(height)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			ErrBlockNotFound.Withf("height %d", height).Write(w)
			return
		}
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, block)
}

// getChainTip returns the last finalized block summary.
// GET /chain/tip
func (a *API) getChainTip(w http.ResponseWriter, r *http.Request) {
	tip := a.ledger.Tip()
	httpWriteJSON(w, &ChainTip{
		Height:    tip.Header.Height,
		Hash:      tip.Hash(),
		Timestamp: tip.Header.Timestamp,
		Ballots:   len(tip.Ballots),
	})
}
