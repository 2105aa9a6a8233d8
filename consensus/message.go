package consensus

import (
	"errors"
	"fmt"

	"github.com/tallyforge/ballotchain/crypto/ethereum"
	"github.com/tallyforge/ballotchain/types"
)

// MsgType identifies a validator-to-validator protocol message.
type MsgType uint8

const (
	// MsgProposal carries the leader's candidate block for a round.
	MsgProposal MsgType = 0x10
	// MsgPrevote and MsgPrecommit carry a vote for a block hash, or a nil
	// vote when the hash is empty.
	MsgPrevote   MsgType = MsgType(types.VoteTypePrevote)
	MsgPrecommit MsgType = MsgType(types.VoteTypePrecommit)
	// MsgSyncRequest asks peers for the finalized block at a height, and for
	// a replay of current-round votes. Sent after a restart or when a node
	// detects it fell behind.
	MsgSyncRequest MsgType = 0x20
	// MsgSyncResponse carries a finalized block (with its certificate) in
	// reply to a sync request.
	MsgSyncResponse MsgType = 0x21
)

func (t MsgType) String() string {
	switch t {
	case MsgProposal:
		return "proposal"
	case MsgPrevote:
		return "prevote"
	case MsgPrecommit:
		return "precommit"
	case MsgSyncRequest:
		return "sync-request"
	case MsgSyncResponse:
		return "sync-response"
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

var (
	// ErrUnauthenticated is returned for messages whose signature does not
	// recover to the claimed sender, or whose sender is not a validator.
	ErrUnauthenticated = errors.New("unauthenticated consensus message")
	// ErrMalformedMessage is returned when a message payload is inconsistent
	// with its type.
	ErrMalformedMessage = errors.New("malformed consensus message")
)

// Message is a signed validator-to-validator protocol message. Proposals and
// sync responses carry a full block; votes carry only the block hash.
type Message struct {
	Type      MsgType        `cbor:"0,keyasint"`
	Height    uint64         `cbor:"1,keyasint"`
	Round     uint32         `cbor:"2,keyasint"`
	BlockHash types.HexBytes `cbor:"3,keyasint,omitempty"`
	Block     *types.Block   `cbor:"4,keyasint,omitempty"`
	Sender    types.HexBytes `cbor:"5,keyasint,omitempty"`
	Signature types.HexBytes `cbor:"6,keyasint,omitempty"`
}

// SignBytes returns the canonical payload covered by the message signature.
// Vote messages sign the same payload the ledger verifies in commit
// certificates, so precommit signatures double as certificate signatures.
func (m *Message) SignBytes() []byte {
	return types.VoteSignBytes(uint8(m.Type), m.Height, m.Round, m.BlockHash)
}

// Sign sets Sender and Signature using the given keys.
func (m *Message) Sign(signer *ethereum.SignKeys) error {
	m.Sender = types.AddressFromCommon(signer.Address())
	sig, err := signer.SignEthereum(m.SignBytes())
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// Verify authenticates the message against the validator set: the signature
// must recover to Sender and Sender must be a validator. Messages failing
// this check are rejected outright, with no partial processing.
func (m *Message) Verify(vset *types.ValidatorSet) error {
	if !vset.Contains(m.Sender) {
		return fmt.Errorf("%w: sender %s is not a validator", ErrUnauthenticated, m.Sender)
	}
	addr, err := ethereum.AddrFromSignature(m.SignBytes(), m.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !types.AddressFromCommon(addr).Equals(m.Sender) {
		return fmt.Errorf("%w: signature recovers to %x, claimed %s",
			ErrUnauthenticated, addr, m.Sender)
	}
	switch m.Type {
	case MsgProposal, MsgSyncResponse:
		if m.Block == nil {
			return fmt.Errorf("%w: %s without block", ErrMalformedMessage, m.Type)
		}
		if m.Type == MsgProposal && !m.Block.Hash().Equals(m.BlockHash) {
			return fmt.Errorf("%w: proposal block does not match announced hash", ErrMalformedMessage)
		}
	case MsgPrevote, MsgPrecommit, MsgSyncRequest:
		if m.Block != nil {
			return fmt.Errorf("%w: %s carrying a block", ErrMalformedMessage, m.Type)
		}
	default:
		return fmt.Errorf("%w: type 0x%02x", ErrMalformedMessage, uint8(m.Type))
	}
	return nil
}

// IsNilVote reports whether a vote message votes for no block.
func (m *Message) IsNilVote() bool {
	return len(m.BlockHash) == 0
}

// Network is the authenticated reliable point-to-point channel abstraction
// the consensus engine runs on. Broadcast delivers the message to every other
// validator; the engine handles its own messages directly.
type Network interface {
	Broadcast(msg *Message) error
	Receive() <-chan *Message
}
