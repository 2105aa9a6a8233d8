package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/tallyforge/ballotchain/types"
)

// SetValidatorSet stores a validator set snapshot under its epoch. Storing
// the same epoch twice overwrites the previous snapshot.
func (s *Storage) SetValidatorSet(vset *types.ValidatorSet) error {
	if vset == nil || len(vset.Validators) == 0 {
		return fmt.Errorf("empty validator set")
	}
	return s.setArtifact(validatorPrefix, epochKey(vset.Epoch), vset)
}

// ValidatorSet retrieves the snapshot stored for the given epoch.
func (s *Storage) ValidatorSet(epoch uint64) (*types.ValidatorSet, error) {
	vset := &types.ValidatorSet{}
	if err := s.getArtifact(validatorPrefix, epochKey(epoch), vset); err != nil {
		return nil, err
	}
	return vset, nil
}

// LatestValidatorSet returns the snapshot with the highest epoch, the one
// consensus runs with. Returns ErrNotFound when no snapshot is stored.
func (s *Storage) LatestValidatorSet() (*types.ValidatorSet, error) {
	keys, err := s.listArtifactKeys(validatorPrefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNotFound
	}
	var latest uint64
	for _, k := range keys {
		if len(k) != 8 {
			continue
		}
		if epoch := binary.BigEndian.Uint64(k); epoch >= latest {
			latest = epoch
		}
	}
	return s.ValidatorSet(latest)
}

func epochKey(epoch uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, epoch)
	return key
}
