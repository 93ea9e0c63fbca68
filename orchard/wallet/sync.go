package wallet

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/shieldsync/kernel"
	"github.com/colorfulnotion/shieldsync/log"
	"github.com/colorfulnotion/shieldsync/metrics"
	"github.com/colorfulnotion/shieldsync/orchard/types"
	"github.com/colorfulnotion/shieldsync/walleterrors"
)

// BlockResult summarises what a block changed.
type BlockResult struct {
	Height       uint64
	Transactions int
	NotesAdded   []types.Note
	NotesRemoved []types.Note
	Nullifiers   []string
}

// ApplyBlock folds a confirmed block into the wallet. Blocks must not go below
// the last processed height. Transactions are applied in order against a
// working copy of the tree and note set, which is committed together with the
// new height only once every transaction has succeeded. On error the wallet is
// unchanged and the caller may retry the whole block.
func (w *Wallet) ApplyBlock(ctx context.Context, block types.Block) (*BlockResult, error) {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.mu.RLock()
	last := w.lastProcessedBlock
	tree := w.commitmentTree
	notes := w.unspentNotes.Clone()
	vk, testnet := w.viewingKey, w.isTestnet
	w.mu.RUnlock()

	if block.Height < last {
		metrics.Sync().BlockFailed()
		return nil, fmt.Errorf("%w: block %d, last processed %d", walleterrors.ErrOutOfOrderBlock, block.Height, last)
	}

	start := notes
	res := &BlockResult{Height: block.Height, Transactions: len(block.Transactions)}
	confirmed := make([]string, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		upd, err := w.kernel.DecryptAndUpdate(ctx, kernel.DecryptAndUpdateParams{
			Tree:       tree,
			TxRaw:      tx.Raw,
			ViewingKey: vk,
			IsTestnet:  testnet,
			Notes:      notes,
		})
		if err != nil {
			metrics.Sync().BlockFailed()
			return nil, fmt.Errorf("block %d tx %s: decrypt: %w", block.Height, tx.ID, err)
		}
		tree = upd.Tree
		next := upd.Notes.Clone()
		if len(upd.Nullifiers) > 0 {
			next, err = w.kernel.FilterSpent(ctx, kernel.FilterSpentParams{
				Notes:      next,
				Nullifiers: upd.Nullifiers,
				ViewingKey: vk,
				IsTestnet:  testnet,
			})
			if err != nil {
				metrics.Sync().BlockFailed()
				return nil, fmt.Errorf("block %d tx %s: filter spent: %w", block.Height, tx.ID, err)
			}
			next = next.Clone()
			res.Nullifiers = append(res.Nullifiers, upd.Nullifiers...)
		}
		log.Trace(log.SyncMonitoring, "Applied transaction",
			"wallet", w.ID,
			"height", block.Height,
			"txid", tx.ID,
			"notes", len(next),
			"nullifiers", len(upd.Nullifiers))
		notes = next
		confirmed = append(confirmed, tx.ID)
	}
	res.NotesAdded = notes.Diff(start)
	res.NotesRemoved = start.Diff(notes)

	w.mu.Lock()
	w.commitmentTree = tree
	w.unspentNotes = notes
	w.lastProcessedBlock = block.Height
	for _, id := range confirmed {
		delete(w.pendingUnspent, id)
	}
	w.mu.Unlock()

	metrics.Sync().BlockApplied(block.Height)
	if len(res.NotesAdded) > 0 || len(res.NotesRemoved) > 0 {
		log.Info(log.SyncMonitoring, "Block changed wallet notes",
			"wallet", w.ID,
			"height", block.Height,
			"added", len(res.NotesAdded),
			"removed", len(res.NotesRemoved),
			"balance", notes.Total())
	} else {
		log.Debug(log.SyncMonitoring, "Applied block", "wallet", w.ID, "height", block.Height, "txs", len(block.Transactions))
	}
	return res, nil
}
