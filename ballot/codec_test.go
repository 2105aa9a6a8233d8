package ballot

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/tallyforge/ballotchain/crypto/ethereum"
	"github.com/tallyforge/ballotchain/types"
)

func testBallot() *types.Ballot {
	return &types.Ballot{
		ElectionID: types.HexBytes{0x01, 0x02, 0x03},
		Choice:     "A",
		Nullifier:  types.HexBytes{0xaa, 0xbb, 0xcc, 0xdd},
		Proof: types.CensusProof{
			Root:    types.HexBytes{0x10},
			Address: types.HexBytes{0x20},
			Weight:  types.HexBytes{0x01},
		},
		Timestamp: time.Unix(1700000000, 0).Unix(),
	}
}

func TestEncodeDeterministic(t *testing.T) {
	c := qt.New(t)

	b := testBallot()
	enc1, err := Encode(b)
	c.Assert(err, qt.IsNil)
	enc2, err := Encode(b)
	c.Assert(err, qt.IsNil)
	c.Assert(enc1, qt.DeepEquals, enc2)

	// Same logical ballot built independently must produce identical bytes.
	enc3, err := Encode(testBallot())
	c.Assert(err, qt.IsNil)
	c.Assert(enc3, qt.DeepEquals, enc1)

	c.Assert(enc1[0], qt.Equals, uint8(types.BallotVersion))
}

func TestDecodeRoundTrip(t *testing.T) {
	c := qt.New(t)

	b := testBallot()
	enc, err := Encode(b)
	c.Assert(err, qt.IsNil)

	dec, err := Decode(enc)
	c.Assert(err, qt.IsNil)
	c.Assert(dec, qt.DeepEquals, b)
}

func TestDecodeErrors(t *testing.T) {
	c := qt.New(t)

	// truncated payloads
	_, err := Decode(nil)
	c.Assert(err, qt.ErrorIs, ErrMalformedBallot)
	_, err = Decode([]byte{types.BallotVersion})
	c.Assert(err, qt.ErrorIs, ErrMalformedBallot)

	// unknown version byte
	_, err = Decode([]byte{0xff, 0x00, 0x01})
	c.Assert(err, qt.ErrorIs, ErrUnsupportedVersion)

	// garbage after a valid version byte
	_, err = Decode([]byte{types.BallotVersion, 0xff, 0xff, 0xff})
	c.Assert(err, qt.ErrorIs, ErrMalformedBallot)
}

func TestSigningBytesExcludesSignature(t *testing.T) {
	c := qt.New(t)

	b := testBallot()
	unsigned, err := SigningBytes(b)
	c.Assert(err, qt.IsNil)

	signer := ethereum.NewSignKeys()
	c.Assert(signer.Generate(), qt.IsNil)
	sig, err := signer.SignEthereum(unsigned)
	c.Assert(err, qt.IsNil)
	b.Signature = sig

	// Signing bytes must not change after the signature is attached.
	unsigned2, err := SigningBytes(b)
	c.Assert(err, qt.IsNil)
	c.Assert(unsigned2, qt.DeepEquals, unsigned)

	addr, err := ethereum.AddrFromSignature(unsigned2, b.Signature)
	c.Assert(err, qt.IsNil)
	c.Assert(addr, qt.Equals, signer.Address())
}

func TestHashStability(t *testing.T) {
	c := qt.New(t)

	h1, err := Hash(testBallot())
	c.Assert(err, qt.IsNil)
	h2, err := Hash(testBallot())
	c.Assert(err, qt.IsNil)
	c.Assert(h1, qt.DeepEquals, h2)
	c.Assert(h1, qt.HasLen, types.HashLen)

	other := testBallot()
	other.Choice = "B"
	h3, err := Hash(other)
	c.Assert(err, qt.IsNil)
	c.Assert(h3, qt.Not(qt.DeepEquals), h1)
}
