// Package wallet tracks a shielded account: it folds confirmed blocks into the
// unspent-note set, derives receiving addresses, and carries transactions from
// pending to confirmed or discarded. Every cryptographic step is delegated to
// the kernel.
package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/slices"

	"github.com/colorfulnotion/shieldsync/kernel"
	"github.com/colorfulnotion/shieldsync/log"
	"github.com/colorfulnotion/shieldsync/orchard/types"
	"github.com/colorfulnotion/shieldsync/walleterrors"
)

// Kernel is the set of kernel operations a wallet needs. *kernel.Client
// satisfies it.
type Kernel interface {
	DeriveSpendingKey(ctx context.Context, seed string, coinType, account uint32) (string, error)
	DeriveViewingKey(ctx context.Context, spendingKey string, isTestnet bool) (string, error)
	CheckpointForHeight(ctx context.Context, height uint64, isTestnet bool) (*kernel.CheckpointResult, error)
	DecryptAndUpdate(ctx context.Context, p kernel.DecryptAndUpdateParams) (*kernel.DecryptAndUpdateResult, error)
	FilterSpent(ctx context.Context, p kernel.FilterSpentParams) (types.NoteSet, error)
	DeriveNextAddress(ctx context.Context, viewingKey string, index types.DiversifierIndex, isTestnet bool) (*kernel.DeriveNextAddressResult, error)
	BuildTransaction(ctx context.Context, p kernel.BuildTransactionParams) (*kernel.BuildTransactionResult, error)
	ProofProgress(ctx context.Context) (float64, error)
	LoadProver(ctx context.Context) (bool, error)
}

// SeedLen is the byte length of seeds produced by GenerateSeed.
const SeedLen = 32

// Wallet is the state of one shielded account. Mutating operations run one at
// a time; reads observe the last committed state and never block on kernel
// calls.
type Wallet struct {
	ID string

	kernel Kernel

	// opMu serialises mutating operations for their whole duration,
	// including kernel round trips.
	opMu sync.Mutex

	mu                 sync.RWMutex
	viewingKey         string
	spendingKey        string
	isTestnet          bool
	lastProcessedBlock uint64
	commitmentTree     string
	diversifierIndex   types.DiversifierIndex
	unspentNotes       types.NoteSet
	pendingSpent       map[string][]string
	pendingUnspent     map[string][]types.Note
	proverLoaded       bool
}

// FreshParams describes a new account. Exactly one of Seed (hex) and
// SpendingKey must be set.
type FreshParams struct {
	Seed         string
	SpendingKey  string
	AccountIndex uint32
	Birthday     uint64
	IsTestnet    bool
}

// Fingerprint returns a short non-reversible identifier for key material,
// safe to log.
func Fingerprint(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// GenerateSeed returns a random hex seed.
func GenerateSeed() (string, error) {
	var seed [SeedLen]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return "", fmt.Errorf("failed to generate seed: %w", err)
	}
	return hex.EncodeToString(seed[:]), nil
}

func newWallet(k Kernel, viewingKey string, isTestnet bool) *Wallet {
	return &Wallet{
		ID:             Fingerprint(viewingKey),
		kernel:         k,
		viewingKey:     viewingKey,
		isTestnet:      isTestnet,
		unspentNotes:   types.NoteSet{},
		pendingSpent:   make(map[string][]string),
		pendingUnspent: make(map[string][]types.Note),
	}
}

// New creates a spending wallet for a fresh account, starting at the kernel
// checkpoint closest to (at or below) p.Birthday.
func New(ctx context.Context, k Kernel, p FreshParams) (*Wallet, error) {
	if p.Seed != "" && p.SpendingKey != "" {
		return nil, errors.New("seed and spending key are mutually exclusive")
	}
	if p.Seed == "" && p.SpendingKey == "" {
		return nil, errors.New("a seed or spending key is required")
	}
	sk := p.SpendingKey
	if p.Seed != "" {
		var err error
		sk, err = k.DeriveSpendingKey(ctx, p.Seed, kernel.CoinType(p.IsTestnet), p.AccountIndex)
		if err != nil {
			return nil, fmt.Errorf("derive spending key: %w", err)
		}
	}
	vk, err := k.DeriveViewingKey(ctx, sk, p.IsTestnet)
	if err != nil {
		return nil, fmt.Errorf("derive viewing key: %w", err)
	}
	w := newWallet(k, vk, p.IsTestnet)
	w.spendingKey = sk
	if err := w.checkpoint(ctx, p.Birthday); err != nil {
		return nil, err
	}
	log.Info(log.WalletMonitoring, "Created wallet",
		"wallet", w.ID,
		"account", p.AccountIndex,
		"testnet", p.IsTestnet,
		"start_height", w.lastProcessedBlock)
	return w, nil
}

// NewViewOnly creates a wallet that tracks balance for viewingKey but cannot
// spend.
func NewViewOnly(ctx context.Context, k Kernel, viewingKey string, birthday uint64, isTestnet bool) (*Wallet, error) {
	if viewingKey == "" {
		return nil, errors.New("viewing key is required")
	}
	w := newWallet(k, viewingKey, isTestnet)
	if err := w.checkpoint(ctx, birthday); err != nil {
		return nil, err
	}
	log.Info(log.WalletMonitoring, "Created view-only wallet",
		"wallet", w.ID,
		"testnet", isTestnet,
		"start_height", w.lastProcessedBlock)
	return w, nil
}

func (w *Wallet) checkpoint(ctx context.Context, birthday uint64) error {
	cp, err := w.kernel.CheckpointForHeight(ctx, birthday, w.isTestnet)
	if err != nil {
		return fmt.Errorf("checkpoint for height %d: %w", birthday, err)
	}
	if cp.EffectiveHeight > birthday {
		return &walleterrors.KernelError{
			Op:      string(kernel.OpCheckpointForHeight),
			Message: fmt.Sprintf("checkpoint %d is above requested height %d", cp.EffectiveHeight, birthday),
		}
	}
	w.lastProcessedBlock = cp.EffectiveHeight
	w.commitmentTree = cp.Tree
	return nil
}

// LoadSpendingKey attaches spending authority. The key is rejected with
// ErrKeyMismatch unless it derives exactly this wallet's viewing key.
func (w *Wallet) LoadSpendingKey(ctx context.Context, spendingKey string) error {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.mu.RLock()
	vk, testnet := w.viewingKey, w.isTestnet
	w.mu.RUnlock()

	derived, err := w.kernel.DeriveViewingKey(ctx, spendingKey, testnet)
	if err != nil {
		return fmt.Errorf("derive viewing key: %w", err)
	}
	if derived != vk {
		log.Warn(log.WalletMonitoring, "Rejected spending key", "wallet", w.ID, "derived", Fingerprint(derived))
		return fmt.Errorf("%w: wallet %s", walleterrors.ErrKeyMismatch, w.ID)
	}

	w.mu.Lock()
	w.spendingKey = spendingKey
	w.mu.Unlock()
	log.Info(log.WalletMonitoring, "Loaded spending key", "wallet", w.ID)
	return nil
}

func (w *Wallet) ViewingKey() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.viewingKey
}

// HasSpendingKey reports whether the wallet can build transactions.
func (w *Wallet) HasSpendingKey() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.spendingKey != ""
}

func (w *Wallet) IsTestnet() bool {
	return w.isTestnet
}

// LastProcessedBlock returns the sync height watermark.
func (w *Wallet) LastProcessedBlock() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastProcessedBlock
}

func (w *Wallet) CommitmentTree() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.commitmentTree
}

func (w *Wallet) DiversifierIndex() types.DiversifierIndex {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.diversifierIndex
}

// UnspentNotes returns a copy of the unspent set.
func (w *Wallet) UnspentNotes() types.NoteSet {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.unspentNotes.Clone()
}

// PendingSpent returns the nullifiers a pending transaction will consume.
func (w *Wallet) PendingSpent(txID string) ([]string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	nfs, ok := w.pendingSpent[txID]
	return slices.Clone(nfs), ok
}

// PendingUnspent returns the wallet-owned outputs of a pending transaction.
func (w *Wallet) PendingUnspent(txID string) ([]types.Note, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	notes, ok := w.pendingUnspent[txID]
	return slices.Clone(notes), ok
}

// PendingTransactions returns the ids of unresolved transactions, sorted.
func (w *Wallet) PendingTransactions() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.pendingIDsLocked()
}

func (w *Wallet) pendingIDsLocked() []string {
	ids := make([]string, 0, len(w.pendingUnspent)+len(w.pendingSpent))
	for id := range w.pendingSpent {
		ids = append(ids, id)
	}
	for id := range w.pendingUnspent {
		if _, ok := w.pendingSpent[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// ConfirmedBalance sums the unspent notes.
func (w *Wallet) ConfirmedBalance() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.unspentNotes.Total()
}

// PendingBalance sums the wallet-owned outputs of pending transactions. It is
// not netted against the notes those transactions spend, so a pending change
// output is counted here while its inputs still count as confirmed.
func (w *Wallet) PendingBalance() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var total uint64
	for _, notes := range w.pendingUnspent {
		total += types.SumNotes(notes)
	}
	return total
}

// GetStats returns a summary for display.
func (w *Wallet) GetStats() map[string]interface{} {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return map[string]interface{}{
		"wallet_id":            w.ID,
		"testnet":              w.isTestnet,
		"view_only":            w.spendingKey == "",
		"last_processed_block": w.lastProcessedBlock,
		"unspent_notes":        len(w.unspentNotes),
		"confirmed_balance":    w.unspentNotes.Total(),
		"pending_transactions": len(w.pendingIDsLocked()),
	}
}
