// Package consensus runs the Byzantine fault tolerant agreement protocol that
// orders ballot batches into blocks. The engine is a three-phase state
// machine (propose, prevote, precommit) per height, tolerant of up to f
// faulty validators out of 3f+1 total weight, with round-robin leader
// rotation and exponential timeout backoff on view changes.
//
// The engine is single-threaded per height: peer messages and round timeouts
// are handed into one serialized inbox and consumed by a single goroutine, so
// a validator can never emit conflicting votes concurrently.
package consensus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.vocdoni.io/dvote/log"

	"github.com/tallyforge/ballotchain/crypto/ethereum"
	"github.com/tallyforge/ballotchain/identity"
	"github.com/tallyforge/ballotchain/ledger"
	"github.com/tallyforge/ballotchain/mempool"
	"github.com/tallyforge/ballotchain/types"
)

// Step is the engine's position inside a round.
type Step uint8

const (
	// StepPropose waits for the round leader's proposal.
	StepPropose Step = iota
	// StepPrevote waits for a quorum of prevotes.
	StepPrevote
	// StepPrecommit waits for a quorum of precommits.
	StepPrecommit
)

func (s Step) String() string {
	switch s {
	case StepPropose:
		return "propose"
	case StepPrevote:
		return "prevote"
	case StepPrecommit:
		return "precommit"
	}
	return "unknown"
}

const (
	// DefaultBaseTimeout is the round timeout before backoff.
	DefaultBaseTimeout = 3 * time.Second
	// DefaultMaxTimeout caps the exponential backoff.
	DefaultMaxTimeout = time.Minute
	// DefaultBlockInterval paces block production when the pool is quiet.
	DefaultBlockInterval = 2 * time.Second
	syncThrottle         = 500 * time.Millisecond
)

// Config parameterizes a consensus engine.
type Config struct {
	Signer *ethereum.SignKeys
	// ValidatorSet is the epoch-versioned set used for this consensus group.
	ValidatorSet *types.ValidatorSet
	// BaseTimeout is the phase timeout at round 0; it doubles every round.
	BaseTimeout time.Duration
	// MaxTimeout caps the backoff.
	MaxTimeout time.Duration
	// BlockInterval is how long the round-0 leader waits before proposing,
	// pacing block production. Must stay below BaseTimeout or the other
	// validators give up on the round first.
	BlockInterval time.Duration
	// MaxBlockBallots limits how many ballots a proposal batches.
	MaxBlockBallots int
}

type timeoutInfo struct {
	height uint64
	round  uint32
	step   Step
}

// Engine drives consensus for one validator. All state mutation happens in
// the Run goroutine.
type Engine struct {
	cfg  Config
	addr types.HexBytes
	vset *types.ValidatorSet

	chain    *ledger.Ledger
	pool     *mempool.Pool
	verifier identity.Verifier // ballot re-verification, ledger-backed nullifier source

	net      Network
	timeoutC chan timeoutInfo
	timer    *time.Timer

	// round state, destroyed when the height finalizes or a view change
	// discards it
	height     uint64
	round      uint32
	step       Step
	proposals  map[uint32]*types.Block
	prevotes   map[uint32]*voteSet
	precommits map[uint32]*voteSet

	lockedBlock *types.Block
	lockedRound int32

	// last emitted messages, replayed to peers reconstructing round state
	lastProposal  *Message
	lastPrevote   *Message
	lastPrecommit *Message

	proposedBallots []*types.Ballot
	lastSyncReq     time.Time

	onCommit func(*types.Block)
}

// NewEngine creates a consensus engine. The verifier must check ballots
// against the ledger only (not the mempool), since proposed ballots
// legitimately live in the pool.
func NewEngine(cfg Config, chain *ledger.Ledger, pool *mempool.Pool,
	verifier identity.Verifier, net Network) (*Engine, error) {
	if cfg.Signer == nil {
		return nil, fmt.Errorf("missing signer")
	}
	if cfg.ValidatorSet == nil || len(cfg.ValidatorSet.Validators) == 0 {
		return nil, fmt.Errorf("missing validator set")
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = DefaultBaseTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultMaxTimeout
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = DefaultBlockInterval
	}
	if cfg.BlockInterval >= cfg.BaseTimeout {
		cfg.BlockInterval = cfg.BaseTimeout / 2
	}
	if cfg.MaxBlockBallots <= 0 {
		cfg.MaxBlockBallots = types.MaxBallotsPerBlock
	}
	addr := types.AddressFromCommon(cfg.Signer.Address())
	if !cfg.ValidatorSet.Contains(addr) {
		return nil, fmt.Errorf("signer %s is not in the validator set", addr)
	}
	return &Engine{
		cfg:      cfg,
		addr:     addr,
		vset:     cfg.ValidatorSet,
		chain:    chain,
		pool:     pool,
		verifier: verifier,
		net:      net,
		timeoutC: make(chan timeoutInfo, 4),
	}, nil
}

// OnCommit registers a callback invoked from the engine goroutine after each
// block is durably appended to the ledger.
func (e *Engine) OnCommit(fn func(*types.Block)) {
	e.onCommit = fn
}

// Run starts the engine and blocks until ctx is cancelled. On startup the
// engine reconstructs its position from the ledger tip and asks peers for the
// finalized blocks and current-round messages it may have missed.
func (e *Engine) Run(ctx context.Context) error {
	e.startHeight()
	e.requestSync()
	for {
		select {
		case <-ctx.Done():
			e.cancelTimer()
			return ctx.Err()
		case msg := <-e.net.Receive():
			e.handleMessage(msg)
		case ti := <-e.timeoutC:
			e.handleTimeout(ti)
		}
	}
}

// startHeight resets round state for the height following the ledger tip.
func (e *Engine) startHeight() {
	e.height = e.chain.Height() + 1
	e.proposals = make(map[uint32]*types.Block)
	e.prevotes = make(map[uint32]*voteSet)
	e.precommits = make(map[uint32]*voteSet)
	e.lockedBlock = nil
	e.lockedRound = -1
	e.lastProposal, e.lastPrevote, e.lastPrecommit = nil, nil, nil
	e.startRound(0)
}

// startRound enters the given round at the current height. The previous
// round's proposal is discarded; its ballots return to the pool unless we are
// locked on them.
func (e *Engine) startRound(round uint32) {
	if round > 0 && len(e.proposedBallots) > 0 && e.lockedBlock == nil {
		e.pool.Unreserve(e.proposedBallots)
		e.proposedBallots = nil
	}
	e.round = round
	e.step = StepPropose
	e.lastPrevote, e.lastPrecommit = nil, nil

	proposer, err := e.vset.Proposer(e.height, round)
	if err != nil {
		log.Errorw(err, "no proposer for round")
		return
	}
	log.Debugw("entering round",
		"height", e.height, "round", round,
		"proposer", proposer.Address.String(), "self", e.addr.String())

	height := e.height
	switch {
	case proposer.Address.Equals(e.addr) && round == 0:
		// pace block production: the propose timeout doubles as the
		// proposal trigger for the leader
		e.scheduleTimeoutIn(e.cfg.BlockInterval, StepPropose)
		return
	case proposer.Address.Equals(e.addr):
		e.propose()
	default:
		if block, ok := e.proposals[round]; ok {
			// the proposal arrived before we entered the round
			e.evaluateProposal(block)
		}
	}
	// handling our own proposal may already have advanced the step (or even
	// the height); only arm the propose timer if we are still waiting
	if e.height == height && e.round == round && e.step == StepPropose {
		e.scheduleTimeout(StepPropose)
	}
}

// propose builds a candidate block from the mempool, signs it and broadcasts
// it. A locked engine re-proposes the locked ballot batch.
func (e *Engine) propose() {
	var ballots []*types.Ballot
	if e.lockedBlock != nil {
		ballots = e.lockedBlock.Ballots
	} else {
		ballots = e.pool.DrainCandidates(e.cfg.MaxBlockBallots)
		e.proposedBallots = ballots
	}
	tip := e.chain.Tip()
	block := &types.Block{
		Header: types.BlockHeader{
			Height:       e.height,
			PreviousHash: tip.Hash(),
			BallotRoot:   types.ComputeBallotRoot(ballots),
			Proposer:     e.addr,
			Round:        e.round,
			Timestamp:    time.Now().Unix(),
		},
		Ballots: ballots,
	}
	msg := &Message{
		Type:      MsgProposal,
		Height:    e.height,
		Round:     e.round,
		BlockHash: block.Hash(),
		Block:     block,
	}
	e.broadcast(msg)
	e.lastProposal = msg
	log.Infow("proposed block",
		"height", e.height, "round", e.round,
		"ballots", len(ballots), "hash", block.Hash().String())
	e.handleProposal(msg)
}

// handleMessage authenticates and dispatches one inbox message. Invalid or
// stale messages are dropped locally and never crash the node.
func (e *Engine) handleMessage(msg *Message) {
	if err := msg.Verify(e.vset); err != nil {
		log.Warnw("dropping consensus message",
			"type", msg.Type.String(), "err", err.Error())
		return
	}
	switch msg.Type {
	case MsgSyncRequest:
		e.handleSyncRequest(msg)
		return
	case MsgSyncResponse:
		e.handleSyncResponse(msg)
		return
	}
	if msg.Height < e.height {
		return // stale height
	}
	if msg.Height > e.height {
		// we fell behind; ask peers for the missing finalized blocks
		e.maybeRequestSync()
		return
	}
	switch msg.Type {
	case MsgProposal:
		e.handleProposal(msg)
	case MsgPrevote:
		e.handlePrevote(msg)
	case MsgPrecommit:
		e.handlePrecommit(msg)
	}
}

func (e *Engine) handleProposal(msg *Message) {
	if msg.Round < e.round {
		return
	}
	proposer, err := e.vset.Proposer(e.height, msg.Round)
	if err != nil || !proposer.Address.Equals(msg.Sender) {
		log.Warnw("proposal from wrong leader",
			"height", e.height, "round", msg.Round, "sender", msg.Sender.String())
		return
	}
	if _, ok := e.proposals[msg.Round]; ok {
		return // first proposal wins; duplicates dropped
	}
	e.proposals[msg.Round] = msg.Block
	if msg.Round == e.round && e.step == StepPropose {
		e.evaluateProposal(msg.Block)
	}
}

// evaluateProposal verifies the candidate block and emits a prevote for its
// hash, or a nil prevote if the block is invalid.
func (e *Engine) evaluateProposal(block *types.Block) {
	var voteHash types.HexBytes
	if err := e.validateProposal(block); err != nil {
		log.Warnw("invalid proposal, prevoting nil",
			"height", e.height, "round", e.round, "err", err.Error())
	} else {
		voteHash = block.Hash()
	}
	e.step = StepPrevote
	e.lastPrevote = e.voteBroadcast(MsgPrevote, voteHash)
	e.scheduleTimeout(StepPrevote)
	e.handlePrevote(e.lastPrevote)
}

// validateProposal re-runs every check an honest validator must do before
// prevoting: chain link, batch commitment, per-ballot verification and
// intra-batch nullifier uniqueness, plus lock consistency.
func (e *Engine) validateProposal(block *types.Block) error {
	if block.Header.Height != e.height {
		return fmt.Errorf("height mismatch")
	}
	tip := e.chain.Tip()
	if !block.Header.PreviousHash.Equals(tip.Hash()) {
		return fmt.Errorf("stale previous hash %s, tip is %s",
			block.Header.PreviousHash, tip.Hash())
	}
	if !block.Header.BallotRoot.Equals(types.ComputeBallotRoot(block.Ballots)) {
		return fmt.Errorf("ballot root does not commit to the batch")
	}
	if len(block.Ballots) > e.cfg.MaxBlockBallots {
		return fmt.Errorf("oversized batch: %d ballots", len(block.Ballots))
	}
	seen := make(map[string]bool, len(block.Ballots))
	for i, b := range block.Ballots {
		if seen[string(b.Nullifier)] {
			return fmt.Errorf("nullifier collision inside the batch at index %d", i)
		}
		seen[string(b.Nullifier)] = true
		if err := e.verifier.Verify(b); err != nil {
			return fmt.Errorf("ballot %d: %w", i, err)
		}
	}
	if e.lockedBlock != nil &&
		!block.Header.BallotRoot.Equals(e.lockedBlock.Header.BallotRoot) {
		return fmt.Errorf("locked on a different batch since round %d", e.lockedRound)
	}
	return nil
}

func (e *Engine) handlePrevote(msg *Message) {
	vs, ok := e.prevotes[msg.Round]
	if !ok {
		vs = newVoteSet(MsgPrevote, e.vset)
		e.prevotes[msg.Round] = vs
	}
	if !vs.add(msg) {
		return
	}
	if msg.Round > e.round {
		e.maybeSkipToRound(msg.Round)
		return
	}
	if msg.Round != e.round || e.step != StepPrevote {
		return
	}
	hash, ok := vs.quorum()
	if !ok {
		return
	}
	// Quorum of prevotes observed: precommit the winning hash if we hold the
	// matching proposal, otherwise precommit nil.
	var commitHash types.HexBytes
	if len(hash) > 0 {
		if block, ok := e.proposals[e.round]; ok && block.Hash().Equals(hash) {
			commitHash = hash
			e.lockedBlock = block
			e.lockedRound = int32(e.round)
		}
	}
	e.step = StepPrecommit
	e.lastPrecommit = e.voteBroadcast(MsgPrecommit, commitHash)
	e.scheduleTimeout(StepPrecommit)
	e.handlePrecommit(e.lastPrecommit)
}

func (e *Engine) handlePrecommit(msg *Message) {
	vs, ok := e.precommits[msg.Round]
	if !ok {
		vs = newVoteSet(MsgPrecommit, e.vset)
		e.precommits[msg.Round] = vs
	}
	if !vs.add(msg) {
		return
	}
	hash, ok := vs.quorum()
	if ok && len(hash) > 0 {
		e.commit(msg.Round, hash)
		return
	}
	if msg.Round > e.round {
		e.maybeSkipToRound(msg.Round)
		return
	}
	if ok && len(hash) == 0 && msg.Round == e.round && e.step == StepPrecommit {
		// quorum agreed this round is dead: view change
		e.viewChange()
	}
}

// maybeSkipToRound fast-forwards when more than f weight is already voting in
// a later round, so a node isolated during a partition catches up with the
// majority after healing. Each validator counts once even when it has both a
// prevote and a precommit in the round, so no single faulty validator can
// drag honest nodes to an arbitrary round.
func (e *Engine) maybeSkipToRound(round uint32) {
	weight := distinctWeight(e.vset, e.prevotes[round], e.precommits[round])
	if weight > e.vset.MaxFaulty() {
		log.Infow("skipping to round with majority activity",
			"height", e.height, "from", e.round, "to", round)
		e.cancelTimer()
		e.startRound(round)
	}
}

// commit finalizes the block with the aggregated precommit certificate and
// moves to the next height.
func (e *Engine) commit(round uint32, hash types.HexBytes) {
	block, ok := e.proposals[round]
	if !ok || !block.Hash().Equals(hash) {
		// a quorum finalized a block we never received; fetch it
		log.Warnw("commit quorum for unknown block, requesting sync",
			"height", e.height, "round", round, "hash", hash.String())
		e.maybeRequestSync()
		return
	}
	committed := *block
	committed.Certificate = &types.CommitCertificate{
		Height:     e.height,
		Round:      round,
		BlockHash:  hash,
		Signatures: e.precommits[round].signatures(hash),
	}
	e.finalize(&committed)
}

// finalize appends a certified block, prunes the pool and enters the next
// height. The append is durable before the block is acknowledged anywhere.
func (e *Engine) finalize(block *types.Block) {
	if err := e.chain.Append(block, e.vset); err != nil {
		if errors.Is(err, ledger.ErrInvalidChainLink) || errors.Is(err, ledger.ErrInsufficientQuorum) {
			log.Errorw(err, "refusing to finalize block")
			e.maybeRequestSync()
			return
		}
		log.Errorw(err, "ledger append failed")
		return
	}
	e.pool.RemoveFinalized(block.Ballots)
	// ballots we reserved for our own proposal that did not make the
	// committed block must return to the pool
	e.pool.Unreserve(e.proposedBallots)
	e.proposedBallots = nil
	e.cancelTimer()
	if e.onCommit != nil {
		e.onCommit(block)
	}
	e.startHeight()
}

// viewChange abandons the current round and elects the next leader with a
// doubled timeout.
func (e *Engine) viewChange() {
	log.Infow("view change", "height", e.height, "round", e.round, "next", e.round+1)
	e.cancelTimer()
	e.startRound(e.round + 1)
}

func (e *Engine) handleTimeout(ti timeoutInfo) {
	if ti.height != e.height || ti.round != e.round || ti.step != e.step {
		return // stale timer from a finished phase
	}
	log.Debugw("round phase timed out",
		"height", e.height, "round", e.round, "step", e.step.String())
	switch e.step {
	case StepPropose:
		if proposer, err := e.vset.Proposer(e.height, e.round); err == nil &&
			proposer.Address.Equals(e.addr) && e.lastProposal == nil {
			// our paced proposal slot
			e.propose()
			return
		}
		// no valid proposal in time: prevote nil and await the votes
		e.step = StepPrevote
		e.lastPrevote = e.voteBroadcast(MsgPrevote, nil)
		e.scheduleTimeout(StepPrevote)
		e.handlePrevote(e.lastPrevote)
	case StepPrevote:
		e.step = StepPrecommit
		e.lastPrecommit = e.voteBroadcast(MsgPrecommit, nil)
		e.scheduleTimeout(StepPrecommit)
		e.handlePrecommit(e.lastPrecommit)
	case StepPrecommit:
		e.viewChange()
	}
}

// voteBroadcast signs and broadcasts a vote for the given hash (nil vote when
// the hash is empty) and returns the message for self-tallying.
func (e *Engine) voteBroadcast(voteType MsgType, hash types.HexBytes) *Message {
	msg := &Message{
		Type:      voteType,
		Height:    e.height,
		Round:     e.round,
		BlockHash: hash,
	}
	e.broadcast(msg)
	return msg
}

func (e *Engine) broadcast(msg *Message) {
	if err := msg.Sign(e.cfg.Signer); err != nil {
		log.Errorw(err, "cannot sign consensus message")
		return
	}
	if err := e.net.Broadcast(msg); err != nil {
		log.Warnw("broadcast failed", "type", msg.Type.String(), "err", err.Error())
	}
}

// handleSyncRequest serves finalized blocks to a peer that fell behind, and
// replays our current-round messages so a restarted peer can reconstruct the
// round.
func (e *Engine) handleSyncRequest(msg *Message) {
	if msg.Height <= e.chain.Height() {
		block, err := e.chain.Get(msg.Height)
		if err != nil {
			log.Warnw("cannot serve sync request", "height", msg.Height, "err", err.Error())
			return
		}
		resp := &Message{
			Type:      MsgSyncResponse,
			Height:    block.Header.Height,
			BlockHash: block.Hash(),
			Block:     block,
		}
		e.broadcast(resp)
	}
	if msg.Height == e.height {
		for _, m := range []*Message{e.lastProposal, e.lastPrevote, e.lastPrecommit} {
			if m != nil {
				if err := e.net.Broadcast(m); err != nil {
					log.Warnw("replay broadcast failed", "err", err.Error())
				}
			}
		}
	}
}

// handleSyncResponse applies a finalized block we were missing. The embedded
// certificate carries the quorum proof, so the ledger append performs the
// full validation.
func (e *Engine) handleSyncResponse(msg *Message) {
	block := msg.Block
	if block.Header.Height != e.height || block.Certificate == nil {
		return
	}
	log.Infow("applying synced block", "height", block.Header.Height)
	before := e.chain.Height()
	e.finalize(block)
	if e.chain.Height() > before {
		// keep pulling until we reach the tip; peers stop answering once we
		// ask past their height
		e.requestSync()
	}
}

func (e *Engine) requestSync() {
	e.lastSyncReq = time.Now()
	e.broadcast(&Message{Type: MsgSyncRequest, Height: e.height})
}

func (e *Engine) maybeRequestSync() {
	if time.Since(e.lastSyncReq) < syncThrottle {
		return
	}
	e.requestSync()
}

// scheduleTimeout arms the phase timer, cancelling any pending one. The
// timeout doubles with every round, the standard partial-synchrony backoff:
// once the unknown network delay bound is exceeded by the timeout, a round
// with an honest leader finalizes.
func (e *Engine) scheduleTimeout(step Step) {
	d := e.cfg.BaseTimeout << e.round
	if d > e.cfg.MaxTimeout || d <= 0 {
		d = e.cfg.MaxTimeout
	}
	e.scheduleTimeoutIn(d, step)
}

func (e *Engine) scheduleTimeoutIn(d time.Duration, step Step) {
	e.cancelTimer()
	ti := timeoutInfo{height: e.height, round: e.round, step: step}
	e.timer = time.AfterFunc(d, func() {
		select {
		case e.timeoutC <- ti:
		default:
		}
	})
}

func (e *Engine) cancelTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Address returns the validator address this engine signs with.
func (e *Engine) Address() types.HexBytes {
	return bytes.Clone(e.addr)
}
