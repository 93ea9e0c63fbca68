package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/colorfulnotion/shieldsync/log"
	"github.com/colorfulnotion/shieldsync/orchard/types"
)

// Manager holds independent wallets in one process, keyed by wallet ID.
type Manager struct {
	mu           sync.RWMutex
	wallets      map[string]*Wallet
	lastActivity time.Time
}

// NewManager creates a new wallet manager
func NewManager() *Manager {
	return &Manager{
		wallets:      make(map[string]*Wallet),
		lastActivity: time.Now(),
	}
}

// Add registers w. A wallet with the same ID may only be added once.
func (m *Manager) Add(w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.wallets[w.ID]; exists {
		return fmt.Errorf("wallet already managed: %s", w.ID)
	}
	m.wallets[w.ID] = w
	m.lastActivity = time.Now()
	log.Info(log.WalletMonitoring, "Added wallet", "wallet", w.ID, "total_wallets", len(m.wallets))
	return nil
}

// Get retrieves a wallet by ID
func (m *Manager) Get(id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, exists := m.wallets[id]
	if !exists {
		return nil, fmt.Errorf("wallet not found: %s", id)
	}
	return w, nil
}

// All returns the managed wallets ordered by ID.
func (m *Manager) All() []*Wallet {
	m.mu.RLock()
	wallets := make([]*Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		wallets = append(wallets, w)
	}
	m.mu.RUnlock()
	slices.SortFunc(wallets, func(a, b *Wallet) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return wallets
}

// Remove drops a wallet, reporting whether it was present.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.wallets[id]
	delete(m.wallets, id)
	return exists
}

// ApplyBlock feeds block to every wallet that has not yet passed its height.
// Wallets are independent: one failure does not stop the others, and all
// failures are returned joined.
func (m *Manager) ApplyBlock(ctx context.Context, block types.Block) (map[string]*BlockResult, error) {
	results := make(map[string]*BlockResult)
	var errs []error
	for _, w := range m.All() {
		if w.LastProcessedBlock() > block.Height {
			continue
		}
		res, err := w.ApplyBlock(ctx, block)
		if err != nil {
			errs = append(errs, fmt.Errorf("wallet %s: %w", w.ID, err))
			continue
		}
		results[w.ID] = res
	}
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
	return results, errors.Join(errs...)
}

// TotalConfirmedBalance sums confirmed balances across wallets.
func (m *Manager) TotalConfirmedBalance() uint64 {
	var total uint64
	for _, w := range m.All() {
		total += w.ConfirmedBalance()
	}
	return total
}

// GetGlobalStats returns aggregated statistics across all wallets
func (m *Manager) GetGlobalStats() map[string]interface{} {
	wallets := m.All()
	var balance, pending uint64
	for _, w := range wallets {
		balance += w.ConfirmedBalance()
		pending += w.PendingBalance()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"total_wallets":   len(wallets),
		"total_balance":   balance,
		"pending_balance": pending,
		"last_activity":   m.lastActivity,
	}
}
