package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/colorfulnotion/shieldsync/log"
	"github.com/colorfulnotion/shieldsync/orchard/types"
)

// Snapshot is the persisted confirmed state of a wallet. It never carries the
// spending key or pending transactions.
type Snapshot struct {
	ViewingKey         string                 `json:"viewingKey"`
	LastProcessedBlock uint64                 `json:"lastProcessedBlock"`
	CommitmentTree     string                 `json:"commitmentTree"`
	DiversifierIndex   types.DiversifierIndex `json:"diversifierIndex"`
	UnspentNotes       types.NoteSet          `json:"unspentNotes"`
	IsTestnet          bool                   `json:"isTestnet"`
}

// Save captures the last committed state.
func (w *Wallet) Save() *Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return &Snapshot{
		ViewingKey:         w.viewingKey,
		LastProcessedBlock: w.lastProcessedBlock,
		CommitmentTree:     w.commitmentTree,
		DiversifierIndex:   w.diversifierIndex,
		UnspentNotes:       w.unspentNotes.Clone(),
		IsTestnet:          w.isTestnet,
	}
}

// Restore rehydrates a view-only wallet from s. No kernel calls are made.
func Restore(k Kernel, s *Snapshot) (*Wallet, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	w := newWallet(k, s.ViewingKey, s.IsTestnet)
	w.lastProcessedBlock = s.LastProcessedBlock
	w.commitmentTree = s.CommitmentTree
	w.diversifierIndex = s.DiversifierIndex
	w.unspentNotes = s.UnspentNotes.Clone()
	log.Info(log.WalletMonitoring, "Restored wallet",
		"wallet", w.ID,
		"height", s.LastProcessedBlock,
		"notes", len(s.UnspentNotes))
	return w, nil
}

func (s *Snapshot) Validate() error {
	if s == nil {
		return errors.New("nil snapshot")
	}
	if s.ViewingKey == "" {
		return errors.New("snapshot has no viewing key")
	}
	return nil
}

func (s *Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot decodes and validates a snapshot.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.UnspentNotes == nil {
		s.UnspentNotes = types.NoteSet{}
	}
	return &s, nil
}

// SaveSnapshotToFile writes snapshot to JSON file
func SaveSnapshotToFile(s *Snapshot, path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// LoadSnapshotFromFile reads snapshot from JSON file
func LoadSnapshotFromFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return UnmarshalSnapshot(data)
}
