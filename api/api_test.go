package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"go.vocdoni.io/dvote/db/metadb"
	"go.vocdoni.io/dvote/log"

	"github.com/tallyforge/ballotchain/ballot"
	"github.com/tallyforge/ballotchain/census"
	"github.com/tallyforge/ballotchain/crypto/ethereum"
	"github.com/tallyforge/ballotchain/identity"
	"github.com/tallyforge/ballotchain/ledger"
	"github.com/tallyforge/ballotchain/mempool"
	"github.com/tallyforge/ballotchain/storage"
	"github.com/tallyforge/ballotchain/tally"
	"github.com/tallyforge/ballotchain/types"
)

func TestMain(m *testing.M) {
	log.Init(log.LogLevelInfo, "stdout", nil)
	os.Exit(m.Run())
}

type testAPI struct {
	api    *API
	server *httptest.Server
	stg    *storage.Storage
	chain  *ledger.Ledger
	pool   *mempool.Pool
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	c := qt.New(t)

	database := metadb.NewTest(t)
	stg := storage.New(metadb.NewTest(t))
	censusDB := census.NewCensusDB(database)
	chain, err := ledger.New(metadb.NewTest(t), ledger.NewGenesisBlock(time.Now().Unix()))
	c.Assert(err, qt.IsNil)
	agg, err := tally.New(chain)
	c.Assert(err, qt.IsNil)

	verifier := &identity.CensusVerifier{Elections: stg, Ledger: chain}
	pool := mempool.New(verifier, 128)
	verifier.Pool = pool

	a := &API{
		pool:     pool,
		ledger:   chain,
		tally:    agg,
		storage:  stg,
		censusDB: censusDB,
	}
	a.initRouter()
	server := httptest.NewServer(a.Router())
	t.Cleanup(server.Close)
	return &testAPI{api: a, server: server, stg: stg, chain: chain, pool: pool}
}

func (ta *testAPI) request(t *testing.T, method, path string, body []byte) (int, []byte) {
	t.Helper()
	c := qt.New(t)
	req, err := http.NewRequest(method, ta.server.URL+path, bytes.NewReader(body))
	c.Assert(err, qt.IsNil)
	resp, err := http.DefaultClient.Do(req)
	c.Assert(err, qt.IsNil)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	c.Assert(err, qt.IsNil)
	return resp.StatusCode, data
}

func (ta *testAPI) requestJSON(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	c := qt.New(t)
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		c.Assert(err, qt.IsNil)
	}
	status, data := ta.request(t, method, path, payload)
	if out != nil && status == http.StatusOK {
		c.Assert(json.Unmarshal(data, out), qt.IsNil, qt.Commentf("body: %s", data))
	}
	return status
}

// setupElection walks the full flow a gateway would: census, voters, election.
func (ta *testAPI) setupElection(t *testing.T, keys []*ethereum.SignKeys, choices []string) (types.HexBytes, string) {
	t.Helper()
	c := qt.New(t)

	var newCensus NewCensus
	status := ta.requestJSON(t, http.MethodPost, CensusesEndpoint, nil, &newCensus)
	c.Assert(status, qt.Equals, http.StatusOK)
	censusPath := fmt.Sprintf("/censuses/%s", newCensus.Census)

	participants := &CensusParticipants{}
	for _, k := range keys {
		participants.Participants = append(participants.Participants, &CensusParticipant{
			Key:    types.AddressFromCommon(k.Address()),
			Weight: 1,
		})
	}
	status = ta.requestJSON(t, http.MethodPost, censusPath+"/participants", participants, nil)
	c.Assert(status, qt.Equals, http.StatusOK)

	var root CensusRoot
	status = ta.requestJSON(t, http.MethodGet, censusPath+"/root", nil, &root)
	c.Assert(status, qt.Equals, http.StatusOK)

	electionID := types.HexBytes{0xe1, 0x01}
	var created types.Election
	status = ta.requestJSON(t, http.MethodPost, ElectionsEndpoint, &NewElection{
		ID:         electionID,
		Choices:    choices,
		CensusRoot: root.Root,
		StartTime:  time.Now().Add(-time.Hour),
		EndTime:    time.Now().Add(time.Hour),
	}, &created)
	c.Assert(status, qt.Equals, http.StatusOK)
	c.Assert(created.ID, qt.DeepEquals, electionID)
	return electionID, censusPath
}

// signedBallot builds and signs a canonical ballot for the given voter.
func signedBallot(t *testing.T, ta *testAPI, censusPath string, key *ethereum.SignKeys,
	electionID types.HexBytes, choice string) []byte {
	t.Helper()
	c := qt.New(t)

	addr := types.AddressFromCommon(key.Address())
	var proof types.CensusProof
	status := ta.requestJSON(t, http.MethodGet,
		fmt.Sprintf("%s/proof?key=%s", censusPath, addr), nil, &proof)
	c.Assert(status, qt.Equals, http.StatusOK)

	b := &types.Ballot{
		ElectionID: electionID,
		Choice:     choice,
		Nullifier:  identity.ComputeNullifier(addr, electionID),
		Proof:      proof,
		Timestamp:  time.Now().Unix(),
	}
	msg, err := ballot.SigningBytes(b)
	c.Assert(err, qt.IsNil)
	b.Signature, err = key.SignEthereum(msg)
	c.Assert(err, qt.IsNil)
	data, err := ballot.Encode(b)
	c.Assert(err, qt.IsNil)
	return data
}

func apiErrorCode(t *testing.T, body []byte) int {
	t.Helper()
	var e struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("not an API error body: %s", body)
	}
	return e.Code
}

func TestBallotSubmissionFlow(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t)

	voter := ethereum.NewSignKeys()
	c.Assert(voter.Generate(), qt.IsNil)
	electionID, censusPath := ta.setupElection(t, []*ethereum.SignKeys{voter}, []string{"A", "B"})

	data := signedBallot(t, ta, censusPath, voter, electionID, "A")
	status, body := ta.request(t, http.MethodPost, BallotsEndpoint, data)
	c.Assert(status, qt.Equals, http.StatusOK, qt.Commentf("body: %s", body))

	var receipt BallotReceipt
	c.Assert(json.Unmarshal(body, &receipt), qt.IsNil)
	c.Assert(receipt.Accepted, qt.IsTrue)
	c.Assert(ta.pool.Size(), qt.Equals, 1)

	// the same voter cannot cast a second counted ballot
	status, body = ta.request(t, http.MethodPost, BallotsEndpoint, data)
	c.Assert(status, qt.Equals, http.StatusConflict)
	c.Assert(apiErrorCode(t, body), qt.Equals, ErrDuplicateNullifier.Code)
	c.Assert(ta.pool.Size(), qt.Equals, 1)
}

func TestBallotRejections(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t)

	voter := ethereum.NewSignKeys()
	c.Assert(voter.Generate(), qt.IsNil)
	electionID, censusPath := ta.setupElection(t, []*ethereum.SignKeys{voter}, []string{"A", "B"})

	// garbage bytes
	status, body := ta.request(t, http.MethodPost, BallotsEndpoint, []byte{0xff, 0x00, 0x01})
	c.Assert(status, qt.Equals, http.StatusBadRequest)
	c.Assert(apiErrorCode(t, body), qt.Equals, ErrMalformedBallot.Code)

	// choice outside the election's options
	data := signedBallot(t, ta, censusPath, voter, electionID, "Z")
	status, body = ta.request(t, http.MethodPost, BallotsEndpoint, data)
	c.Assert(status, qt.Equals, http.StatusBadRequest)
	c.Assert(apiErrorCode(t, body), qt.Equals, ErrMalformedBallot.Code)

	// voter outside the census
	stranger := ethereum.NewSignKeys()
	c.Assert(stranger.Generate(), qt.IsNil)
	addr := types.AddressFromCommon(stranger.Address())
	b := &types.Ballot{
		ElectionID: electionID,
		Choice:     "A",
		Nullifier:  identity.ComputeNullifier(addr, electionID),
		Timestamp:  time.Now().Unix(),
	}
	msg, err := ballot.SigningBytes(b)
	c.Assert(err, qt.IsNil)
	b.Signature, err = stranger.SignEthereum(msg)
	c.Assert(err, qt.IsNil)
	raw, err := ballot.Encode(b)
	c.Assert(err, qt.IsNil)
	status, body = ta.request(t, http.MethodPost, BallotsEndpoint, raw)
	c.Assert(status, qt.Equals, http.StatusBadRequest)
	c.Assert(apiErrorCode(t, body), qt.Equals, ErrInvalidSignature.Code)

	// unknown election
	other := &types.Ballot{
		ElectionID: types.HexBytes{0xde, 0xad},
		Choice:     "A",
		Nullifier:  identity.ComputeNullifier(types.AddressFromCommon(voter.Address()), types.HexBytes{0xde, 0xad}),
		Timestamp:  time.Now().Unix(),
	}
	msg, err = ballot.SigningBytes(other)
	c.Assert(err, qt.IsNil)
	other.Signature, err = voter.SignEthereum(msg)
	c.Assert(err, qt.IsNil)
	raw, err = ballot.Encode(other)
	c.Assert(err, qt.IsNil)
	status, body = ta.request(t, http.MethodPost, BallotsEndpoint, raw)
	c.Assert(status, qt.Equals, http.StatusForbidden)
	c.Assert(apiErrorCode(t, body), qt.Equals, ErrElectionClosed.Code)
}

func TestClosedElectionRejectsBallots(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t)

	voter := ethereum.NewSignKeys()
	c.Assert(voter.Generate(), qt.IsNil)
	electionID, censusPath := ta.setupElection(t, []*ethereum.SignKeys{voter}, []string{"A", "B"})

	status := ta.requestJSON(t, http.MethodPost,
		fmt.Sprintf("/elections/%s/close", electionID), nil, nil)
	c.Assert(status, qt.Equals, http.StatusOK)

	data := signedBallot(t, ta, censusPath, voter, electionID, "A")
	status, body := ta.request(t, http.MethodPost, BallotsEndpoint, data)
	c.Assert(status, qt.Equals, http.StatusForbidden)
	c.Assert(apiErrorCode(t, body), qt.Equals, ErrElectionClosed.Code)
}

func TestDuplicateElectionRejected(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t)

	voter := ethereum.NewSignKeys()
	c.Assert(voter.Generate(), qt.IsNil)
	electionID, _ := ta.setupElection(t, []*ethereum.SignKeys{voter}, []string{"A", "B"})

	// registering the same election id again is a conflict, not a bad body
	payload, err := json.Marshal(&NewElection{
		ID:        electionID,
		Choices:   []string{"A", "B"},
		StartTime: time.Now().Add(-time.Hour),
		EndTime:   time.Now().Add(time.Hour),
	})
	c.Assert(err, qt.IsNil)
	status, body := ta.request(t, http.MethodPost, ElectionsEndpoint, payload)
	c.Assert(status, qt.Equals, http.StatusConflict)
	c.Assert(apiErrorCode(t, body), qt.Equals, ErrDuplicateElection.Code)
}

func TestChainReadEndpoints(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t)

	var tip ChainTip
	status := ta.requestJSON(t, http.MethodGet, ChainTipEndpoint, nil, &tip)
	c.Assert(status, qt.Equals, http.StatusOK)
	c.Assert(tip.Height, qt.Equals, uint64(0))
	c.Assert(tip.Hash, qt.DeepEquals, ta.chain.Tip().Hash())

	var genesis types.Block
	status = ta.requestJSON(t, http.MethodGet, "/blocks/0", nil, &genesis)
	c.Assert(status, qt.Equals, http.StatusOK)
	c.Assert(genesis.Header.Height, qt.Equals, uint64(0))

	status, body := ta.request(t, http.MethodGet, "/blocks/42", nil)
	c.Assert(status, qt.Equals, http.StatusNotFound)
	c.Assert(apiErrorCode(t, body), qt.Equals, ErrBlockNotFound.Code)
}

func TestTallyEndpoint(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t)

	voter := ethereum.NewSignKeys()
	c.Assert(voter.Generate(), qt.IsNil)
	electionID, _ := ta.setupElection(t, []*ethereum.SignKeys{voter}, []string{"A", "B"})

	var result ElectionTally
	status := ta.requestJSON(t, http.MethodGet,
		fmt.Sprintf("/elections/%s/tally", electionID), nil, &result)
	c.Assert(status, qt.Equals, http.StatusOK)
	c.Assert(result.Total, qt.Equals, uint64(0))
	c.Assert(result.Winner, qt.Equals, "")

	status, body := ta.request(t, http.MethodGet, "/elections/beef/tally", nil)
	c.Assert(status, qt.Equals, http.StatusNotFound)
	c.Assert(apiErrorCode(t, body), qt.Equals, ErrElectionNotFound.Code)
}
