package wallet

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/shieldsync/kernel"
	"github.com/colorfulnotion/shieldsync/log"
	"github.com/colorfulnotion/shieldsync/walleterrors"
)

// GetNewAddress derives the address at the current diversifier cursor and
// advances the cursor to the value the kernel reports. A cursor value is never
// used twice.
func (w *Wallet) GetNewAddress(ctx context.Context) (string, error) {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.mu.RLock()
	vk, idx, testnet := w.viewingKey, w.diversifierIndex, w.isTestnet
	w.mu.RUnlock()

	res, err := w.kernel.DeriveNextAddress(ctx, vk, idx, testnet)
	if err != nil {
		return "", fmt.Errorf("derive address: %w", err)
	}
	if res.Next.Cmp(idx) <= 0 {
		return "", &walleterrors.KernelError{
			Op:      string(kernel.OpDeriveNextAddress),
			Message: fmt.Sprintf("diversifier cursor did not advance: %s -> %s", idx, res.Next),
		}
	}

	w.mu.Lock()
	w.diversifierIndex = res.Next
	w.mu.Unlock()

	log.Debug(log.WalletMonitoring, "Generated new address", "wallet", w.ID, "index", idx.String())
	return res.Address, nil
}
