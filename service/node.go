// Package service wires the node together: storage, ledger, mempool,
// consensus engine, tally and the HTTP API, with a start/stop lifecycle.
package service

import (
	"context"
	"fmt"
	"time"

	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/log"

	"github.com/tallyforge/ballotchain/api"
	"github.com/tallyforge/ballotchain/census"
	"github.com/tallyforge/ballotchain/consensus"
	"github.com/tallyforge/ballotchain/crypto/ethereum"
	"github.com/tallyforge/ballotchain/identity"
	"github.com/tallyforge/ballotchain/ledger"
	"github.com/tallyforge/ballotchain/mempool"
	"github.com/tallyforge/ballotchain/storage"
	"github.com/tallyforge/ballotchain/tally"
	"github.com/tallyforge/ballotchain/types"
)

// NodeConfig collects everything a validator node needs to run.
type NodeConfig struct {
	// Database backs the ledger, the census trees and the configuration
	// artifacts, each under its own key prefix.
	Database db.Database
	Signer   *ethereum.SignKeys
	// Validators is the consensus group. When nil the latest stored epoch
	// snapshot is used; when set it is persisted as a snapshot.
	Validators *types.ValidatorSet
	// Network is the validator-to-validator transport.
	Network consensus.Network
	// GenesisTime stamps the height-0 block; all validators of a chain must
	// agree on it.
	GenesisTime int64

	APIHost string
	APIPort int

	BaseTimeout     time.Duration
	BlockInterval   time.Duration
	MaxBlockBallots int
	PoolCapacity    int
}

// Node is a fully wired validator node.
type Node struct {
	cfg       NodeConfig
	storage   *storage.Storage
	censusDB  *census.CensusDB
	chain     *ledger.Ledger
	pool      *mempool.Pool
	tally     *tally.Aggregator
	engine    *consensus.Engine
	consensus *ConsensusService
	api       *api.API
}

// NewNode builds a node from its configuration. Nothing runs until Start.
func NewNode(cfg NodeConfig) (*Node, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("missing database")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("missing signer")
	}
	if cfg.Network == nil {
		return nil, fmt.Errorf("missing consensus network")
	}

	stg := storage.New(cfg.Database)
	vset := cfg.Validators
	if vset == nil {
		var err error
		vset, err = stg.LatestValidatorSet()
		if err != nil {
			return nil, fmt.Errorf("no validator set configured or stored: %w", err)
		}
	} else if err := stg.SetValidatorSet(vset); err != nil {
		return nil, fmt.Errorf("persist validator set: %w", err)
	}

	chain, err := ledger.New(cfg.Database, ledger.NewGenesisBlock(cfg.GenesisTime))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	agg, err := tally.New(chain)
	if err != nil {
		return nil, fmt.Errorf("build tally: %w", err)
	}

	// The submission verifier checks nullifiers against both the ledger and
	// the pool; the proposal verifier must skip the pool, since proposed
	// ballots legitimately live there.
	submitVerifier := &identity.CensusVerifier{Elections: stg, Ledger: chain}
	pool := mempool.New(submitVerifier, cfg.PoolCapacity)
	submitVerifier.Pool = pool
	blockVerifier := &identity.CensusVerifier{Elections: stg, Ledger: chain}

	engine, err := consensus.NewEngine(consensus.Config{
		Signer:          cfg.Signer,
		ValidatorSet:    vset,
		BaseTimeout:     cfg.BaseTimeout,
		BlockInterval:   cfg.BlockInterval,
		MaxBlockBallots: cfg.MaxBlockBallots,
	}, chain, pool, blockVerifier, cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("build consensus engine: %w", err)
	}

	n := &Node{
		cfg:       cfg,
		storage:   stg,
		censusDB:  census.NewCensusDB(cfg.Database),
		chain:     chain,
		pool:      pool,
		tally:     agg,
		engine:    engine,
		consensus: NewConsensus(engine),
	}
	engine.OnCommit(n.onCommit)
	return n, nil
}

// onCommit folds every finalized block into the tally. A fold gap means the
// aggregator missed a block (e.g. a sync catch-up); a full replay repairs it.
func (n *Node) onCommit(block *types.Block) {
	if err := n.tally.Update(block); err != nil {
		log.Warnw("tally fold failed, recomputing", "err", err.Error())
		if err := n.tally.Recompute(); err != nil {
			log.Errorw(err, "tally recompute failed")
		}
	}
}

// Start launches the consensus engine and, when an API port is configured,
// the HTTP server.
func (n *Node) Start(ctx context.Context) error {
	if err := n.consensus.Start(ctx); err != nil {
		return err
	}
	if n.cfg.APIPort > 0 {
		var err error
		n.api, err = api.New(&api.APIConfig{
			Host:     n.cfg.APIHost,
			Port:     n.cfg.APIPort,
			Pool:     n.pool,
			Ledger:   n.chain,
			Tally:    n.tally,
			Storage:  n.storage,
			CensusDB: n.censusDB,
		})
		if err != nil {
			n.consensus.Stop()
			return fmt.Errorf("start API: %w", err)
		}
	}
	log.Infow("node started",
		"validator", n.engine.Address().String(),
		"height", n.chain.Height())
	return nil
}

// Stop halts the node's background services.
func (n *Node) Stop() {
	n.consensus.Stop()
}

// Pool returns the node's mempool.
func (n *Node) Pool() *mempool.Pool { return n.pool }

// Ledger returns the node's finalized chain.
func (n *Node) Ledger() *ledger.Ledger { return n.chain }

// Tally returns the node's tally aggregator.
func (n *Node) Tally() *tally.Aggregator { return n.tally }

// Storage returns the node's configuration artifact store.
func (n *Node) Storage() *storage.Storage { return n.storage }

// CensusDB returns the node's census registry.
func (n *Node) CensusDB() *census.CensusDB { return n.censusDB }
