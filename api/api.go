// Package api exposes the node's external HTTP interfaces: ballot
// submission for the gateway collaborator and read-only ledger, tally and
// election endpoints for audit and UI collaborators. All read endpoints are
// safe for concurrent external polling; they only touch the finalized prefix.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.vocdoni.io/dvote/log"

	"github.com/tallyforge/ballotchain/census"
	"github.com/tallyforge/ballotchain/ledger"
	"github.com/tallyforge/ballotchain/mempool"
	"github.com/tallyforge/ballotchain/storage"
	"github.com/tallyforge/ballotchain/tally"
)

// APIConfig represents the configuration for the API HTTP server.
type APIConfig struct {
	Host     string
	Port     int
	Pool     *mempool.Pool
	Ledger   *ledger.Ledger
	Tally    *tally.Aggregator
	Storage  *storage.Storage
	CensusDB *census.CensusDB
}

// API is the HTTP server for the node's external interfaces.
type API struct {
	router   *chi.Mux
	pool     *mempool.Pool
	ledger   *ledger.Ledger
	tally    *tally.Aggregator
	storage  *storage.Storage
	censusDB *census.CensusDB
}

// New creates a new API instance with the given configuration and starts the
// HTTP server.
func New(conf *APIConfig) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	if conf.Pool == nil || conf.Ledger == nil || conf.Tally == nil ||
		conf.Storage == nil || conf.CensusDB == nil {
		return nil, fmt.Errorf("missing API dependencies")
	}
	a := &API{
		pool:     conf.Pool,
		ledger:   conf.Ledger,
		tally:    conf.Tally,
		storage:  conf.Storage,
		censusDB: conf.CensusDB,
	}
	a.initRouter()
	go func() {
		log.Infow("starting API server", "host", conf.Host, "port", conf.Port)
		if err := http.ListenAndServe(fmt.Sprintf("%s:%d", conf.Host, conf.Port), a.router); err != nil {
			log.Fatalf("failed to start the API server: %v", err)
		}
	}()
	return a, nil
}

// Router returns the chi router for testing purposes.
func (a *API) Router() *chi.Mux {
	return a.router
}

// registerHandlers registers all the API handlers.
func (a *API) registerHandlers() {
	log.Infow("register handler", "endpoint", PingEndpoint, "method", "GET")
	a.router.Get(PingEndpoint, func(w http.ResponseWriter, r *http.Request) {
		httpWriteOK(w)
	})
	log.Infow("register handler", "endpoint", BallotsEndpoint, "method", "POST")
	a.router.Post(BallotsEndpoint, a.submitBallot)
	log.Infow("register handler", "endpoint", BlockEndpoint, "method", "GET")
	a.router.Get(BlockEndpoint, a.getBlock)
	log.Infow("register handler", "endpoint", ChainTipEndpoint, "method", "GET")
	a.router.Get(ChainTipEndpoint, a.getChainTip)
	log.Infow("register handler", "endpoint", ElectionsEndpoint, "method", "POST")
	a.router.Post(ElectionsEndpoint, a.newElection)
	log.Infow("register handler", "endpoint", ElectionEndpoint, "method", "GET")
	a.router.Get(ElectionEndpoint, a.getElection)
	log.Infow("register handler", "endpoint", ElectionCloseEndpoint, "method", "POST")
	a.router.Post(ElectionCloseEndpoint, a.closeElection)
	log.Infow("register handler", "endpoint", ElectionTallyEndpoint, "method", "GET")
	a.router.Get(ElectionTallyEndpoint, a.getElectionTally)
	log.Infow("register handler", "endpoint", CensusesEndpoint, "method", "POST")
	a.router.Post(CensusesEndpoint, a.newCensus)
	log.Infow("register handler", "endpoint", CensusParticipantsEndpoint, "method", "POST")
	a.router.Post(CensusParticipantsEndpoint, a.addCensusParticipants)
	log.Infow("register handler", "endpoint", CensusRootEndpoint, "method", "GET")
	a.router.Get(CensusRootEndpoint, a.getCensusRoot)
	log.Infow("register handler", "endpoint", CensusProofEndpoint, "method", "GET")
	a.router.Get(CensusProofEndpoint, a.getCensusProof)
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() {
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}).Handler)
	a.router.Use(middleware.Logger)
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Throttle(100))
	a.router.Use(middleware.ThrottleBacklog(5000, 40000, 60*time.Second))
	a.router.Use(middleware.Timeout(45 * time.Second))

	a.registerHandlers()
}
