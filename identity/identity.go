// Package identity verifies voter eligibility and ballot authenticity. The
// Verifier interface is pluggable: the shipped CensusVerifier combines a
// secp256k1 signature with a census merkle inclusion proof and an
// address-bound nullifier. A zero-knowledge eligibility scheme can replace it
// behind the same interface.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/tallyforge/ballotchain/ballot"
	"github.com/tallyforge/ballotchain/census"
	"github.com/tallyforge/ballotchain/crypto/ethereum"
	"github.com/tallyforge/ballotchain/types"
)

var (
	// ErrInvalidSignature is returned when the ballot signature does not
	// recover to the eligibility proof's address.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrIneligibleVoter is returned when the census proof does not verify
	// against the election census root.
	ErrIneligibleVoter = errors.New("ineligible voter")
	// ErrDuplicateNullifier is returned when the nullifier is already present
	// in the ledger or the mempool.
	ErrDuplicateNullifier = errors.New("duplicate nullifier")
	// ErrElectionClosed is returned when the election is unknown, closed, or
	// outside its voting window.
	ErrElectionClosed = errors.New("election closed")
	// ErrInvalidNullifier is returned when the nullifier is not the one
	// derived from the voter identity and the election.
	ErrInvalidNullifier = errors.New("invalid nullifier")
	// ErrInvalidChoice is returned when the chosen option is not offered by
	// the election.
	ErrInvalidChoice = errors.New("invalid choice")
)

// Verifier decides whether a ballot is admissible. Verify is a pure check
// with no side effects; the caller decides admission.
type Verifier interface {
	Verify(b *types.Ballot) error
}

// NullifierSource reports whether a nullifier has been seen already.
type NullifierSource interface {
	HasNullifier(nullifier types.HexBytes) (bool, error)
}

// ElectionSource resolves election configuration by ID.
type ElectionSource interface {
	Election(id types.HexBytes) (*types.Election, error)
}

// CensusVerifier verifies ballots against registered-key censuses. Ledger and
// pool are consulted for nullifier duplicates; either may be nil.
type CensusVerifier struct {
	Elections ElectionSource
	Ledger    NullifierSource
	Pool      NullifierSource
	Now       func() time.Time // defaults to time.Now
}

var _ Verifier = (*CensusVerifier)(nil)

// Verify runs the full admission check: signature, eligibility, nullifier
// binding, election window and nullifier uniqueness.
func (v *CensusVerifier) Verify(b *types.Ballot) error {
	election, err := v.Elections.Election(b.ElectionID)
	if err != nil {
		return fmt.Errorf("%w: unknown election %s", ErrElectionClosed, b.ElectionID)
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if !election.IsOpen(now()) {
		return fmt.Errorf("%w: %s", ErrElectionClosed, b.ElectionID)
	}
	if !election.HasChoice(b.Choice) {
		return fmt.Errorf("%w: %q", ErrInvalidChoice, b.Choice)
	}

	// The signature must recover to the census proof's address.
	msg, err := ballot.SigningBytes(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	addr, err := ethereum.AddrFromSignature(msg, b.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !b.Proof.Address.Equals(types.AddressFromCommon(addr)) {
		return fmt.Errorf("%w: signer %x is not the proven voter", ErrInvalidSignature, addr)
	}

	// Eligibility: census proof against the election census root.
	if !b.Proof.Root.Equals(election.CensusRoot) {
		return fmt.Errorf("%w: census root mismatch", ErrIneligibleVoter)
	}
	if !census.VerifyProof(&b.Proof) {
		return fmt.Errorf("%w: census proof does not verify", ErrIneligibleVoter)
	}

	// The nullifier must be the one bound to this voter and election, so a
	// voter cannot mint fresh nullifiers to vote twice.
	if !b.Nullifier.Equals(ComputeNullifier(b.Proof.Address, b.ElectionID)) {
		return ErrInvalidNullifier
	}

	for _, src := range []NullifierSource{v.Ledger, v.Pool} {
		if src == nil {
			continue
		}
		seen, err := src.HasNullifier(b.Nullifier)
		if err != nil {
			return fmt.Errorf("nullifier lookup: %w", err)
		}
		if seen {
			return fmt.Errorf("%w: %s", ErrDuplicateNullifier, b.Nullifier)
		}
	}
	return nil
}

// ComputeNullifier derives the unique per-voter per-election tag. With the
// registered-key scheme the tag is the keccak256 hash of the voter address
// and the election ID.
func ComputeNullifier(address, electionID types.HexBytes) types.HexBytes {
	return ethereum.HashRaw(append(append([]byte("nullifier/"), address...), electionID...))
}
