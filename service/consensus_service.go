package service

import (
	"context"
	"fmt"
	"sync"

	"go.vocdoni.io/dvote/log"

	"github.com/tallyforge/ballotchain/consensus"
)

// ConsensusService runs the BFT engine in the background.
type ConsensusService struct {
	engine *consensus.Engine
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewConsensus creates a new ConsensusService instance.
func NewConsensus(engine *consensus.Engine) *ConsensusService {
	return &ConsensusService{engine: engine}
}

// Start begins the consensus engine. It returns an error if the service is
// already running.
func (cs *ConsensusService) Start(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.cancel != nil {
		return fmt.Errorf("service already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	cs.cancel = cancel

	go func() {
		if err := cs.engine.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorw(err, "consensus engine stopped")
		}
	}()
	return nil
}

// Stop halts the consensus engine.
func (cs *ConsensusService) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.cancel != nil {
		cs.cancel()
		cs.cancel = nil
	}
}
