// Package storage persists the node's configuration artifacts on a prefixed
// key-value store: the election registry and the epoch-versioned validator
// set snapshots. The chain data itself lives in the ledger package; this
// store only holds what the chain is configured with. The following prefixes
// are used:
//   - 'e/' for elections, keyed by election id
//   - 'vs/' for validator sets, keyed by big-endian epoch
package storage

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/prefixeddb"
)

var (
	electionPrefix  = []byte("e/")
	validatorPrefix = []byte("vs/")
)

var (
	// ErrNotFound is returned when the requested artifact is not stored.
	ErrNotFound = errors.New("artifact not found")
)

// Storage wraps the key-value database holding the configuration artifacts.
type Storage struct {
	db db.Database
}

// New creates a new Storage instance over the given database.
func New(db db.Database) *Storage {
	return &Storage{db: db}
}

// Close closes the underlying database.
func (s *Storage) Close() {
	s.db.Close()
}

// Artifact encoding/decoding. The deterministic encoding keeps stored
// artifacts byte-identical across nodes holding the same configuration.
func encodeArtifact(a any) ([]byte, error) {
	encOpts := cbor.CoreDetEncOptions()
	em, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return em.Marshal(a)
}

func decodeArtifact(data []byte, out any) error {
	return cbor.Unmarshal(data, out)
}

func (s *Storage) setArtifact(prefix, key []byte, a any) error {
	data, err := encodeArtifact(a)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), prefix)
	if err := wTx.Set(key, data); err != nil {
		wTx.Discard()
		return err
	}
	return wTx.Commit()
}

func (s *Storage) getArtifact(prefix, key []byte, out any) error {
	data, err := prefixeddb.NewPrefixedReader(s.db, prefix).Get(key)
	if errors.Is(err, db.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return decodeArtifact(data, out)
}

func (s *Storage) listArtifactKeys(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	if err := prefixeddb.NewPrefixedReader(s.db, prefix).Iterate(nil, func(k, _ []byte) bool {
		key := make([]byte, len(k))
		copy(key, k)
		keys = append(keys, key)
		return true
	}); err != nil {
		return nil, err
	}
	return keys, nil
}
