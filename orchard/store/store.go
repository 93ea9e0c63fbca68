// Package store persists wallet snapshots, sync checkpoints and the nullifiers
// each wallet has seen, in leveldb.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/colorfulnotion/shieldsync/log"
	"github.com/colorfulnotion/shieldsync/orchard/wallet"
)

// ErrNotFound is returned when no snapshot or checkpoint exists.
var ErrNotFound = errors.New("store: not found")

const (
	snapshotPrefix   = "ws_"
	checkpointPrefix = "cp_"
	nullifierPrefix  = "nf_"
)

// Store persists wallet state.
type Store struct {
	db *leveldb.DB
}

// Open opens or creates the store at path. An empty path opens an in-memory
// store.
func Open(path string) (*Store, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open wallet store: %w", err)
	}
	return &Store{db: db}, nil
}

// NewMemoryStore opens an in-memory store.
func NewMemoryStore() (*Store, error) {
	return Open("")
}

func (s *Store) Close() error {
	return s.db.Close()
}

func snapshotKey(id string) []byte {
	return []byte(snapshotPrefix + id)
}

func checkpointKey(id string, height uint64) []byte {
	return []byte(fmt.Sprintf("%s%s_%020d", checkpointPrefix, id, height))
}

func nullifierKey(id, nf string) []byte {
	return []byte(nullifierPrefix + id + "_" + nf)
}

// PutSnapshot stores snap as the latest state of wallet id. With checkpoint
// set it is also kept as a checkpoint at its height, in the same batch.
func (s *Store) PutSnapshot(id string, snap *wallet.Snapshot, checkpoint bool) error {
	data, err := snap.Marshal()
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(snapshotKey(id), data)
	if checkpoint {
		batch.Put(checkpointKey(id, snap.LastProcessedBlock), data)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write snapshot %s: %w", id, err)
	}
	log.Debug(log.StoreMonitoring, "Stored snapshot", "wallet", id, "height", snap.LastProcessedBlock, "checkpoint", checkpoint)
	return nil
}

// GetSnapshot returns the latest snapshot of wallet id.
func (s *Store) GetSnapshot(id string) (*wallet.Snapshot, error) {
	data, err := s.db.Get(snapshotKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return wallet.UnmarshalSnapshot(data)
}

// ListWallets returns the ids of stored wallets in key order.
func (s *Store) ListWallets() ([]string, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(snapshotPrefix)), nil)
	defer iter.Release()

	var ids []string
	for iter.Next() {
		ids = append(ids, strings.TrimPrefix(string(iter.Key()), snapshotPrefix))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return ids, nil
}

// CheckpointAtOrBelow returns the highest checkpoint of wallet id whose height
// does not exceed height.
func (s *Store) CheckpointAtOrBelow(id string, height uint64) (*wallet.Snapshot, error) {
	rng := &util.Range{Start: checkpointKey(id, 0)}
	if height < ^uint64(0) {
		rng.Limit = checkpointKey(id, height+1)
	} else {
		rng.Limit = util.BytesPrefix([]byte(checkpointPrefix + id + "_")).Limit
	}
	iter := s.db.NewIterator(rng, nil)
	defer iter.Release()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return wallet.UnmarshalSnapshot(iter.Value())
}

// PruneCheckpoints deletes all but the newest keep checkpoints of wallet id.
func (s *Store) PruneCheckpoints(id string, keep int) (int, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(checkpointPrefix+id+"_")), nil)
	var keys [][]byte
	for iter.Next() {
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if len(keys) <= keep {
		return 0, nil
	}

	batch := new(leveldb.Batch)
	for _, key := range keys[:len(keys)-keep] {
		batch.Delete(key)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, err
	}
	return batch.Len(), nil
}

// RecordNullifiers notes the height at which wallet id saw each nullifier.
func (s *Store) RecordNullifiers(id string, height uint64, nullifiers []string) error {
	if len(nullifiers) == 0 {
		return nil
	}
	var value [8]byte
	binary.LittleEndian.PutUint64(value[:], height)
	batch := new(leveldb.Batch)
	for _, nf := range nullifiers {
		batch.Put(nullifierKey(id, nf), value[:])
	}
	return s.db.Write(batch, nil)
}

// NullifierHeight returns the height at which wallet id saw nf.
func (s *Store) NullifierHeight(id, nf string) (uint64, bool, error) {
	value, err := s.db.Get(nullifierKey(id, nf), nil)
	if err == leveldb.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(value) != 8 {
		return 0, false, fmt.Errorf("corrupt nullifier entry for %s", nf)
	}
	return binary.LittleEndian.Uint64(value), true, nil
}
