// Package ethereum provides secp256k1 signing keys and ethereum-style
// signatures for ballots and consensus messages.
package ethereum

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size in bytes of an ECDSA signature with recovery id.
const SignatureLength = ethcrypto.SignatureLength

// SigningPrefix is the prefix added to the message before hashing and signing,
// following the ethereum personal-message convention.
const SigningPrefix = "\x19Ethereum Signed Message:\n"

// SignKeys is a secp256k1 keypair used to sign ballots and consensus
// messages. The zero value is unusable; call Generate or AddHexKey first.
type SignKeys struct {
	Public  ecdsa.PublicKey
	Private ecdsa.PrivateKey
}

// NewSignKeys creates an empty SignKeys.
func NewSignKeys() *SignKeys {
	return &SignKeys{}
}

// Generate creates a fresh random keypair.
func (k *SignKeys) Generate() error {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return err
	}
	k.Private = *key
	k.Public = key.PublicKey
	return nil
}

// AddHexKey imports a private key given as a hex string.
func (k *SignKeys) AddHexKey(privHex string) error {
	key, err := ethcrypto.HexToECDSA(trimHex(privHex))
	if err != nil {
		return err
	}
	k.Private = *key
	k.Public = key.PublicKey
	return nil
}

// HexString returns the public compressed and private keys as hex strings.
func (k *SignKeys) HexString() (string, string) {
	pubHexComp := hex.EncodeToString(ethcrypto.CompressPubkey(&k.Public))
	privHex := hex.EncodeToString(ethcrypto.FromECDSA(&k.Private))
	return pubHexComp, privHex
}

// PublicKey returns the serialized compressed public key.
func (k *SignKeys) PublicKey() []byte {
	return ethcrypto.CompressPubkey(&k.Public)
}

// Address returns the ethereum address derived from the public key.
func (k *SignKeys) Address() common.Address {
	return ethcrypto.PubkeyToAddress(k.Public)
}

// AddressString returns the hex representation of the derived address.
func (k *SignKeys) AddressString() string {
	return k.Address().String()
}

// SignEthereum signs a message, hashed with the ethereum personal-message
// prefix.
func (k *SignKeys) SignEthereum(message []byte) ([]byte, error) {
	if k.Private.D == nil {
		return nil, fmt.Errorf("private key not available")
	}
	return ethcrypto.Sign(Hash(message), &k.Private)
}

// Hash computes the hash of the message using the ethereum prefix.
func Hash(message []byte) []byte {
	prefixed := fmt.Sprintf("%s%d%s", SigningPrefix, len(message), message)
	return ethcrypto.Keccak256([]byte(prefixed))
}

// HashRaw computes the keccak256 hash of data without any prefix.
func HashRaw(data []byte) []byte {
	return ethcrypto.Keccak256(data)
}

// PubKeyFromSignature recovers the compressed public key that created the
// signature over message.
func PubKeyFromSignature(message, signature []byte) ([]byte, error) {
	if len(signature) < SignatureLength {
		return nil, fmt.Errorf("signature length not correct (%d)", len(signature))
	}
	sig := make([]byte, SignatureLength)
	copy(sig, signature[:SignatureLength])
	if sig[64] > 1 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return nil, fmt.Errorf("bad recovery hint %d", sig[64])
	}
	pubKey, err := ethcrypto.SigToPub(Hash(message), sig)
	if err != nil {
		return nil, fmt.Errorf("sigToPub: %w", err)
	}
	return ethcrypto.CompressPubkey(pubKey), nil
}

// AddrFromPublicKey derives the address from a serialized public key,
// compressed or uncompressed.
func AddrFromPublicKey(pub []byte) (common.Address, error) {
	var pubKey *ecdsa.PublicKey
	var err error
	switch len(pub) {
	case 33:
		pubKey, err = ethcrypto.DecompressPubkey(pub)
	case 65:
		pubKey, err = ethcrypto.UnmarshalPubkey(pub)
	default:
		return common.Address{}, fmt.Errorf("invalid public key length %d", len(pub))
	}
	if err != nil {
		return common.Address{}, err
	}
	return ethcrypto.PubkeyToAddress(*pubKey), nil
}

// AddrFromSignature recovers the address that signed message.
func AddrFromSignature(message, signature []byte) (common.Address, error) {
	pub, err := PubKeyFromSignature(message, signature)
	if err != nil {
		return common.Address{}, err
	}
	return AddrFromPublicKey(pub)
}

// VerifySender checks that the signature over message was created by the key
// behind the given address.
func VerifySender(message, signature []byte, address common.Address) (bool, error) {
	recovered, err := AddrFromSignature(message, signature)
	if err != nil {
		return false, err
	}
	return recovered == address, nil
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
