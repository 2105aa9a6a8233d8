// Package census keeps the voter registries as merkle trees. Each election
// references a census by its root; a voter proves eligibility with an
// inclusion proof of its address (and voting weight) against that root.
package census

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/vocdoni/arbo"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/prefixeddb"
	"go.vocdoni.io/dvote/log"

	"github.com/tallyforge/ballotchain/types"
)

const (
	censusDBprefix          = "cs_"
	censusDBreferencePrefix = "cr_"
)

var (
	// ErrCensusNotFound is returned when a census is not found in the database.
	ErrCensusNotFound = errors.New("census not found in the local database")
	// ErrCensusAlreadyExists is returned by New() if the census already exists.
	ErrCensusAlreadyExists = errors.New("census already exists in the local database")
	// ErrKeyNotFound is returned when a voter key is not in the merkle tree.
	ErrKeyNotFound = errors.New("key not found")

	defaultHashFunction = arbo.HashFunctionBlake2b
)

// CensusDB is a persistent database of census trees, indexed by census ID.
type CensusDB struct {
	mu     sync.Mutex
	db     db.Database
	loaded map[uuid.UUID]*Census
}

// NewCensusDB creates a new CensusDB on top of the given key-value database.
func NewCensusDB(database db.Database) *CensusDB {
	return &CensusDB{
		db:     database,
		loaded: make(map[uuid.UUID]*Census),
	}
}

// censusRef is the persisted registry record of a census. The tree itself
// lives under its own key prefix; the record makes the census discoverable
// again after a restart.
type censusRef struct {
	MaxLevels int   `cbor:"0,keyasint"`
	CreatedAt int64 `cbor:"1,keyasint"`
}

// New creates a new census tree and registers it under censusID. The
// reference record is persisted, so the census survives a process restart.
func (c *CensusDB) New(censusID uuid.UUID) (*Census, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.loaded[censusID]; exists {
		return nil, ErrCensusAlreadyExists
	}
	if _, err := c.db.Get(referenceKey(censusID)); err == nil {
		return nil, ErrCensusAlreadyExists
	} else if !errors.Is(err, db.ErrKeyNotFound) {
		return nil, err
	}
	tree, err := arbo.NewTree(arbo.Config{
		Database:     prefixeddb.NewPrefixedDatabase(c.db, censusPrefix(censusID)),
		MaxLevels:    types.CensusTreeMaxLevels,
		HashFunction: defaultHashFunction,
	})
	if err != nil {
		return nil, fmt.Errorf("create census tree: %w", err)
	}
	if err := c.writeReference(censusID); err != nil {
		return nil, fmt.Errorf("persist census reference: %w", err)
	}
	census := &Census{id: censusID, tree: tree}
	c.loaded[censusID] = census
	return census, nil
}

// Load returns a previously created census, from memory or, on a cache miss,
// rebuilt from its persisted reference record and tree.
func (c *CensusDB) Load(censusID uuid.UUID) (*Census, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if census, exists := c.loaded[censusID]; exists {
		return census, nil
	}
	data, err := c.db.Get(referenceKey(censusID))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCensusNotFound, censusID)
		}
		return nil, err
	}
	var ref censusRef
	if err := cbor.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("decode census reference: %w", err)
	}
	tree, err := arbo.NewTree(arbo.Config{
		Database:     prefixeddb.NewPrefixedDatabase(c.db, censusPrefix(censusID)),
		MaxLevels:    ref.MaxLevels,
		HashFunction: defaultHashFunction,
	})
	if err != nil {
		return nil, fmt.Errorf("open census tree: %w", err)
	}
	census := &Census{id: censusID, tree: tree}
	c.loaded[censusID] = census
	return census, nil
}

// writeReference persists the registry record of a census. Caller must hold
// the lock.
func (c *CensusDB) writeReference(censusID uuid.UUID) error {
	data, err := types.CanonicalMarshal(&censusRef{
		MaxLevels: types.CensusTreeMaxLevels,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	wtx := c.db.WriteTx()
	if err := wtx.Set(referenceKey(censusID), data); err != nil {
		wtx.Discard()
		return err
	}
	return wtx.Commit()
}

func censusPrefix(censusID uuid.UUID) []byte {
	return append([]byte(censusDBprefix), censusID[:]...)
}

func referenceKey(censusID uuid.UUID) []byte {
	return append([]byte(censusDBreferencePrefix), censusID[:]...)
}

// Census is a single voter registry backed by a merkle tree. Keys are voter
// addresses, values are big-endian voting weights.
type Census struct {
	mu   sync.Mutex
	id   uuid.UUID
	tree *arbo.Tree
}

// ID returns the census identifier.
func (c *Census) ID() uuid.UUID {
	return c.id
}

// Add registers a voter address with the given voting weight.
func (c *Census) Add(address types.HexBytes, weight uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.tree.Add(address, weightBytes(weight)); err != nil {
		return fmt.Errorf("add voter %s: %w", address, err)
	}
	return nil
}

// Root returns the current merkle root of the census.
func (c *Census) Root() (types.HexBytes, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	root, err := c.tree.Root()
	if err != nil {
		return nil, err
	}
	return root, nil
}

// GenProof generates an inclusion proof for the given voter address.
func (c *Census) GenProof(address types.HexBytes) (*types.CensusProof, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	root, err := c.tree.Root()
	if err != nil {
		return nil, err
	}
	key, value, siblings, existence, err := c.tree.GenProof(address)
	if err != nil {
		return nil, fmt.Errorf("gen proof: %w", err)
	}
	if !existence {
		return nil, ErrKeyNotFound
	}
	return &types.CensusProof{
		Root:     root,
		Address:  key,
		Weight:   value,
		Siblings: siblings,
	}, nil
}

// VerifyProof checks a census inclusion proof against its own root. The
// caller is responsible for matching proof.Root with the election census
// root.
func VerifyProof(proof *types.CensusProof) bool {
	valid, err := arbo.CheckProof(defaultHashFunction, proof.Address, proof.Weight,
		proof.Root, proof.Siblings)
	if err != nil {
		log.Debugw("census proof check failed", "address", proof.Address.String(), "err", err)
		return false
	}
	return valid
}

func weightBytes(weight uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, weight)
	return buf
}

// Weight decodes the voting weight carried by a census proof.
func Weight(proof *types.CensusProof) uint64 {
	if len(proof.Weight) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(proof.Weight)
}
