// Package syncer drives a wallet forward from a block source, persisting
// snapshots, checkpoints and observed nullifiers as it goes.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/colorfulnotion/shieldsync/log"
	"github.com/colorfulnotion/shieldsync/orchard/store"
	"github.com/colorfulnotion/shieldsync/orchard/wallet"
	"github.com/colorfulnotion/shieldsync/walleterrors"
)

// Config holds configuration for the runner
type Config struct {
	CheckpointInterval uint64
	KeepCheckpoints    int
	PollInterval       time.Duration
}

// DefaultConfig returns default runner configuration
func DefaultConfig() Config {
	return Config{
		CheckpointInterval: 1000,
		KeepCheckpoints:    10,
		PollInterval:       10 * time.Second,
	}
}

// Runner applies blocks from a source to one wallet. The store is optional.
type Runner struct {
	wallet *wallet.Wallet
	source BlockSource
	store  *store.Store
	cfg    Config
}

func NewRunner(w *wallet.Wallet, source BlockSource, st *store.Store, cfg Config) *Runner {
	return &Runner{wallet: w, source: source, store: st, cfg: cfg}
}

// SyncTo applies every block after the wallet's height up to and including
// target, in order. It stops at the first error; blocks applied before it stay
// applied and persisted.
func (r *Runner) SyncTo(ctx context.Context, target uint64) (int, error) {
	start := r.wallet.LastProcessedBlock() + 1
	if target < start {
		return 0, nil
	}
	log.Info(log.SyncMonitoring, "Starting shielded sync",
		"wallet", r.wallet.ID,
		"startHeight", start,
		"endHeight", target,
		"checkpointInterval", r.cfg.CheckpointInterval)

	applied := 0
	var syncErr error
	for h := start; h <= target; h++ {
		if err := ctx.Err(); err != nil {
			syncErr = err
			break
		}
		block, err := r.source.Block(ctx, h)
		if err != nil {
			syncErr = fmt.Errorf("failed to get block %d: %w", h, err)
			break
		}
		if block.Height != h {
			syncErr = fmt.Errorf("source returned block %d for height %d", block.Height, h)
			break
		}
		res, err := r.wallet.ApplyBlock(ctx, block)
		if err != nil {
			syncErr = fmt.Errorf("failed to apply block %d: %w", h, err)
			break
		}
		applied++
		if r.store != nil {
			if err := r.store.RecordNullifiers(r.wallet.ID, h, res.Nullifiers); err != nil {
				syncErr = fmt.Errorf("record nullifiers at %d: %w", h, err)
				break
			}
		}
		if r.cfg.CheckpointInterval > 0 && h%r.cfg.CheckpointInterval == 0 {
			if err := r.checkpoint(); err != nil {
				log.Warn(log.SyncMonitoring, "Failed to write checkpoint", "wallet", r.wallet.ID, "height", h, "err", err)
			}
		}
	}

	if r.store != nil && applied > 0 {
		if err := r.store.PutSnapshot(r.wallet.ID, r.wallet.Save(), false); err != nil && syncErr == nil {
			syncErr = fmt.Errorf("persist snapshot: %w", err)
		}
	}
	if syncErr != nil {
		return applied, syncErr
	}
	log.Info(log.SyncMonitoring, "Shielded sync complete",
		"wallet", r.wallet.ID,
		"height", r.wallet.LastProcessedBlock(),
		"blocks", applied,
		"balance", r.wallet.ConfirmedBalance())
	return applied, nil
}

func (r *Runner) checkpoint() error {
	if r.store == nil {
		return nil
	}
	snap := r.wallet.Save()
	if err := r.store.PutSnapshot(r.wallet.ID, snap, true); err != nil {
		return err
	}
	log.Info(log.SyncMonitoring, "Sync checkpoint",
		"wallet", r.wallet.ID,
		"height", snap.LastProcessedBlock,
		"notes", len(snap.UnspentNotes))
	if r.cfg.KeepCheckpoints > 0 {
		if _, err := r.store.PruneCheckpoints(r.wallet.ID, r.cfg.KeepCheckpoints); err != nil {
			return err
		}
	}
	return nil
}

// Sync catches the wallet up to the source's tip.
func (r *Runner) Sync(ctx context.Context) (int, error) {
	tip, err := r.source.Tip(ctx)
	if err != nil {
		return 0, fmt.Errorf("get tip: %w", err)
	}
	return r.SyncTo(ctx, tip)
}

// Run syncs on every poll tick until ctx is done. Transient failures are
// logged and retried on the next tick; an out-of-order block ends the loop.
func (r *Runner) Run(ctx context.Context) error {
	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = DefaultConfig().PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sync(ctx); err != nil {
			if errors.Is(err, walleterrors.ErrOutOfOrderBlock) {
				return err
			}
			if ctx.Err() == nil {
				log.Error(log.SyncMonitoring, "Sync failed", "wallet", r.wallet.ID, "height", r.wallet.LastProcessedBlock(), "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
