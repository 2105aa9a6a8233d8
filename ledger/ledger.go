// Package ledger implements the append-only, hash-linked block store. Every
// append is durably committed before it is acknowledged; reads of the
// finalized prefix proceed concurrently with the single writer.
//
// The persisted layout uses prefixed key spaces on a single key-value
// database:
//   - 'b/' block by big-endian height
//   - 'h/' height by block hash
//   - 'n/' finalized nullifier index (nullifier -> height)
//   - 'm/' metadata (tip height)
package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/prefixeddb"
	"go.vocdoni.io/dvote/log"

	"github.com/tallyforge/ballotchain/crypto/ethereum"
	"github.com/tallyforge/ballotchain/types"
)

var (
	// ErrInvalidChainLink is returned when a block's previous hash or height
	// does not extend the current tip.
	ErrInvalidChainLink = errors.New("invalid chain link")
	// ErrInsufficientQuorum is returned when a block's commit certificate
	// does not reach the quorum threshold of the validator set.
	ErrInsufficientQuorum = errors.New("insufficient quorum")
	// ErrNotFound is returned when a block is not in the ledger.
	ErrNotFound = errors.New("block not found")
)

var (
	blockPrefix = []byte("b/")
	hashPrefix  = []byte("h/")
	nullPrefix  = []byte("n/")
	metaPrefix  = []byte("m/")

	tipKey = []byte("tip")
)

// Ledger exclusively owns the ordered block sequence. Appends are serialized;
// reads are safe for concurrent use against the finalized prefix.
type Ledger struct {
	writeMu sync.Mutex
	db      db.Database
	tip     *types.Block
	tipMu   sync.RWMutex
}

// New opens a ledger on the given database, bootstrapping the genesis block
// if the store is empty. If the store already has a chain, genesis must match
// the stored block at height 0.
func New(database db.Database, genesis *types.Block) (*Ledger, error) {
	if genesis == nil {
		return nil, fmt.Errorf("missing genesis block")
	}
	if genesis.Header.Height != 0 {
		return nil, fmt.Errorf("genesis block height must be 0, got %d", genesis.Header.Height)
	}
	l := &Ledger{db: database}

	tipHeight, err := l.storedTipHeight()
	switch {
	case err == nil:
		tip, err := l.Get(tipHeight)
		if err != nil {
			return nil, fmt.Errorf("load tip block %d: %w", tipHeight, err)
		}
		stored, err := l.Get(0)
		if err != nil {
			return nil, fmt.Errorf("load genesis: %w", err)
		}
		if !stored.Hash().Equals(genesis.Hash()) {
			return nil, fmt.Errorf("stored genesis does not match the configured one")
		}
		l.tip = tip
		log.Infow("ledger opened", "height", tipHeight, "tip", tip.Hash().String())
	case errors.Is(err, db.ErrKeyNotFound):
		if err := l.writeBlock(genesis); err != nil {
			return nil, fmt.Errorf("bootstrap genesis: %w", err)
		}
		l.tip = genesis
		log.Infow("ledger bootstrapped", "genesis", genesis.Hash().String())
	default:
		return nil, err
	}
	return l, nil
}

// NewGenesisBlock builds the height-0 block. It carries no ballots and no
// certificate.
func NewGenesisBlock(timestamp int64) *types.Block {
	return &types.Block{
		Header: types.BlockHeader{
			Height:       0,
			PreviousHash: make(types.HexBytes, types.HashLen),
			Timestamp:    timestamp,
		},
	}
}

// Append validates the chain link and the commit certificate of the block and
// durably stores it. The block is only acknowledged as finalized after the
// database commit returns.
func (l *Ledger) Append(block *types.Block, vset *types.ValidatorSet) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	tip := l.Tip()
	if block.Header.Height != tip.Header.Height+1 {
		return fmt.Errorf("%w: height %d does not extend tip %d",
			ErrInvalidChainLink, block.Header.Height, tip.Header.Height)
	}
	if !block.Header.PreviousHash.Equals(tip.Hash()) {
		return fmt.Errorf("%w: previous hash %s does not match tip %s",
			ErrInvalidChainLink, block.Header.PreviousHash, tip.Hash())
	}
	if !block.Header.BallotRoot.Equals(types.ComputeBallotRoot(block.Ballots)) {
		return fmt.Errorf("%w: ballot root does not commit to the batch", ErrInvalidChainLink)
	}
	if err := VerifyCertificate(block.Certificate, vset, block.Hash(), block.Header.Height); err != nil {
		return err
	}

	if err := l.writeBlock(block); err != nil {
		return fmt.Errorf("persist block %d: %w", block.Header.Height, err)
	}
	l.setTip(block)
	log.Infow("block finalized",
		"height", block.Header.Height,
		"hash", block.Hash().String(),
		"ballots", len(block.Ballots),
		"round", block.Header.Round)
	return nil
}

// VerifyCertificate checks that the certificate proves agreement of a quorum
// of the validator set on the given block hash.
func VerifyCertificate(cert *types.CommitCertificate, vset *types.ValidatorSet,
	blockHash types.HexBytes, height uint64) error {
	if cert == nil {
		return fmt.Errorf("%w: missing certificate", ErrInsufficientQuorum)
	}
	if cert.Height != height || !cert.BlockHash.Equals(blockHash) {
		return fmt.Errorf("%w: certificate does not match block", ErrInsufficientQuorum)
	}
	msg := types.VoteSignBytes(types.VoteTypePrecommit, cert.Height, cert.Round, cert.BlockHash)
	seen := make(map[string]bool, len(cert.Signatures))
	var weight uint64
	for _, cs := range cert.Signatures {
		if seen[cs.Validator.String()] {
			return fmt.Errorf("%w: duplicate signer %s", ErrInsufficientQuorum, cs.Validator)
		}
		seen[cs.Validator.String()] = true
		val := vset.ByAddress(cs.Validator)
		if val == nil {
			return fmt.Errorf("%w: unknown signer %s", ErrInsufficientQuorum, cs.Validator)
		}
		addr, err := ethereum.AddrFromSignature(msg, cs.Signature)
		if err != nil {
			return fmt.Errorf("%w: bad signature from %s: %v", ErrInsufficientQuorum, cs.Validator, err)
		}
		if !types.AddressFromCommon(addr).Equals(cs.Validator) {
			return fmt.Errorf("%w: signature from %s recovers to %x", ErrInsufficientQuorum, cs.Validator, addr)
		}
		weight += val.Weight
	}
	if weight < vset.QuorumThreshold() {
		return fmt.Errorf("%w: weight %d below threshold %d", ErrInsufficientQuorum,
			weight, vset.QuorumThreshold())
	}
	return nil
}

// writeBlock persists the block with all its indexes in a single transaction.
func (l *Ledger) writeBlock(block *types.Block) error {
	data, err := types.CanonicalMarshal(block)
	if err != nil {
		return err
	}
	wTx := l.db.WriteTx()
	defer wTx.Discard()

	heightK := heightKey(block.Header.Height)
	if err := prefixeddb.NewPrefixedWriteTx(wTx, blockPrefix).Set(heightK, data); err != nil {
		return err
	}
	if err := prefixeddb.NewPrefixedWriteTx(wTx, hashPrefix).Set(block.Hash(), heightK); err != nil {
		return err
	}
	nullTx := prefixeddb.NewPrefixedWriteTx(wTx, nullPrefix)
	for _, b := range block.Ballots {
		if err := nullTx.Set(b.Nullifier, heightK); err != nil {
			return err
		}
	}
	if err := prefixeddb.NewPrefixedWriteTx(wTx, metaPrefix).Set(tipKey, heightK); err != nil {
		return err
	}
	return wTx.Commit()
}

// Get returns the block at the given height.
func (l *Ledger) Get(height uint64) (*types.Block, error) {
	data, err := prefixeddb.NewPrefixedReader(l.db, blockPrefix).Get(heightKey(height))
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: height %d", ErrNotFound, height)
	}
	if err != nil {
		return nil, err
	}
	block := &types.Block{}
	if err := cbor.Unmarshal(data, block); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", height, err)
	}
	return block, nil
}

// GetByHash returns the block with the given hash.
func (l *Ledger) GetByHash(hash types.HexBytes) (*types.Block, error) {
	heightK, err := prefixeddb.NewPrefixedReader(l.db, hashPrefix).Get(hash)
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: hash %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	return l.Get(binary.BigEndian.Uint64(heightK))
}

// Tip returns the last finalized block.
func (l *Ledger) Tip() *types.Block {
	l.tipMu.RLock()
	defer l.tipMu.RUnlock()
	return l.tip
}

// Height returns the height of the last finalized block.
func (l *Ledger) Height() uint64 {
	return l.Tip().Header.Height
}

func (l *Ledger) setTip(block *types.Block) {
	l.tipMu.Lock()
	l.tip = block
	l.tipMu.Unlock()
}

// HasNullifier implements identity.NullifierSource over the finalized chain.
func (l *Ledger) HasNullifier(nullifier types.HexBytes) (bool, error) {
	_, err := prefixeddb.NewPrefixedReader(l.db, nullPrefix).Get(nullifier)
	if errors.Is(err, db.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// VerifyChain recomputes hash links and certificate validity over the height
// range [from, to]. Used for state sync and audits.
func (l *Ledger) VerifyChain(from, to uint64, vset *types.ValidatorSet) error {
	if from > to {
		return fmt.Errorf("invalid range %d..%d", from, to)
	}
	prev, err := l.Get(from)
	if err != nil {
		return err
	}
	for h := from + 1; h <= to; h++ {
		block, err := l.Get(h)
		if err != nil {
			return err
		}
		if !block.Header.PreviousHash.Equals(prev.Hash()) {
			return fmt.Errorf("%w: block %d does not link to %d", ErrInvalidChainLink, h, h-1)
		}
		if !block.Header.BallotRoot.Equals(types.ComputeBallotRoot(block.Ballots)) {
			return fmt.Errorf("%w: block %d ballot root mismatch", ErrInvalidChainLink, h)
		}
		if err := VerifyCertificate(block.Certificate, vset, block.Hash(), h); err != nil {
			return fmt.Errorf("block %d: %w", h, err)
		}
		prev = block
	}
	return nil
}

// Iterate walks the finalized chain from the given height to the tip,
// invoking fn for each block until it returns false. Safe for concurrent use.
func (l *Ledger) Iterate(from uint64, fn func(*types.Block) bool) error {
	tip := l.Height()
	for h := from; h <= tip; h++ {
		block, err := l.Get(h)
		if err != nil {
			return err
		}
		if !fn(block) {
			return nil
		}
	}
	return nil
}

func (l *Ledger) storedTipHeight() (uint64, error) {
	data, err := prefixeddb.NewPrefixedReader(l.db, metaPrefix).Get(tipKey)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(data), nil
}

func heightKey(height uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, height)
	return key
}
