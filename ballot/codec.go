// Package ballot implements the canonical ballot codec. A ballot always
// serializes to the same bytes, with a fixed field order, so hashing and
// signing are unambiguous across nodes. The encoding is a single version byte
// followed by deterministic CBOR (RFC 8949 core deterministic encoding).
package ballot

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/tallyforge/ballotchain/crypto/ethereum"
	"github.com/tallyforge/ballotchain/types"
)

var (
	// ErrMalformedBallot is returned when the payload is truncated or the
	// structure cannot be decoded.
	ErrMalformedBallot = errors.New("malformed ballot")
	// ErrUnsupportedVersion is returned when the leading version byte is
	// unknown.
	ErrUnsupportedVersion = errors.New("unsupported ballot version")
)

var decMode cbor.DecMode

func init() {
	// Reject unknown fields and enforce sane limits on attacker-supplied input.
	opts := cbor.DecOptions{
		MaxArrayElements: 1024,
		MaxMapPairs:      1024,
		IndefLength:      cbor.IndefLengthForbidden,
	}
	var err error
	decMode, err = opts.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes the ballot to its canonical byte encoding.
func Encode(b *types.Ballot) ([]byte, error) {
	data, err := types.CanonicalMarshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode ballot: %w", err)
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, types.BallotVersion)
	return append(out, data...), nil
}

// Decode parses a canonical byte encoding back into a ballot.
func Decode(data []byte) (*types.Ballot, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedBallot, len(data))
	}
	if data[0] != types.BallotVersion {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedVersion, data[0])
	}
	b := &types.Ballot{}
	if err := decMode.Unmarshal(data[1:], b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBallot, err)
	}
	return b, nil
}

// Hash returns the keccak256 hash of the canonical encoding, used as the
// ballot identity on the wire.
func Hash(b *types.Ballot) (types.HexBytes, error) {
	data, err := Encode(b)
	if err != nil {
		return nil, err
	}
	return ethereum.HashRaw(data), nil
}

// SigningBytes returns the canonical encoding of the ballot with the
// signature stripped. This is the message the voter signs.
func SigningBytes(b *types.Ballot) ([]byte, error) {
	unsigned := *b
	unsigned.Signature = nil
	return Encode(&unsigned)
}
