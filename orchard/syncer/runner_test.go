package syncer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/shieldsync/kernel"
	"github.com/colorfulnotion/shieldsync/kernel/devkernel"
	"github.com/colorfulnotion/shieldsync/orchard/store"
	"github.com/colorfulnotion/shieldsync/orchard/types"
	"github.com/colorfulnotion/shieldsync/orchard/wallet"
	"github.com/colorfulnotion/shieldsync/walleterrors"
)

const testSeed = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type env struct {
	dev    *devkernel.Kernel
	wallet *wallet.Wallet
	store  *store.Store
	source DirSource
	addr   string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	dev := devkernel.New()
	b := kernel.NewBridge(kernel.NewLocalConn(dev))
	t.Cleanup(func() { b.Close() })
	w, err := wallet.New(ctx, kernel.NewClient(b, 0), wallet.FreshParams{Seed: testSeed, IsTestnet: true})
	require.NoError(t, err)
	addr, err := w.GetNewAddress(ctx)
	require.NoError(t, err)
	st, err := store.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &env{dev: dev, wallet: w, store: st, source: DirSource{Dir: t.TempDir()}, addr: addr}
}

// writeChain writes empty blocks 1..n, paying value to the wallet at payAt.
func (e *env) writeChain(t *testing.T, n uint64, payAt uint64, value uint64) types.Note {
	t.Helper()
	note := types.Note{Recipient: e.addr, Value: value, Rseed: "pay"}
	for h := uint64(1); h <= n; h++ {
		block := types.Block{Height: h}
		if h == payAt {
			raw := devkernel.EncodeTx(devkernel.Tx{Outputs: []types.Note{note}})
			block.Transactions = []types.Transaction{{ID: devkernel.TxID(raw), Raw: raw}}
		}
		require.NoError(t, e.source.WriteBlock(block))
	}
	return note
}

func TestDirSource(t *testing.T) {
	src := DirSource{Dir: t.TempDir()}
	ctx := context.Background()
	_, err := src.Tip(ctx)
	assert.ErrorIs(t, err, ErrBlockNotFound)

	for _, h := range []uint64{3, 10, 7} {
		require.NoError(t, src.WriteBlock(types.Block{Height: h, Transactions: []types.Transaction{{ID: fmt.Sprint(h), Raw: "00"}}}))
	}
	tip, err := src.Tip(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), tip)

	b, err := src.Block(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "7", b.Transactions[0].ID)

	_, err = src.Block(ctx, 8)
	assert.ErrorIs(t, err, ErrBlockNotFound)
}

func TestSyncPersistsProgress(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	note := e.writeChain(t, 12, 4, 900)
	r := NewRunner(e.wallet, e.source, e.store, Config{CheckpointInterval: 5, KeepCheckpoints: 10})

	applied, err := r.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, applied)
	assert.Equal(t, uint64(12), e.wallet.LastProcessedBlock())
	assert.Equal(t, uint64(900), e.wallet.ConfirmedBalance())

	snap, err := e.store.GetSnapshot(e.wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, e.wallet.Save(), snap)

	cp, err := e.store.CheckpointAtOrBelow(e.wallet.ID, 12)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), cp.LastProcessedBlock)
	cp, err = e.store.CheckpointAtOrBelow(e.wallet.ID, 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cp.LastProcessedBlock)

	// Already at the tip: nothing to do.
	applied, err = r.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)

	nf := devkernel.NullifierFor(e.wallet.ViewingKey(), note)
	require.NoError(t, e.source.WriteBlock(types.Block{Height: 13, Transactions: []types.Transaction{
		{ID: "spend", Raw: devkernel.EncodeTx(devkernel.Tx{Outputs: []types.Note{}, Nullifiers: []string{nf}})},
	}}))
	applied, err = r.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Zero(t, e.wallet.ConfirmedBalance())

	h, ok, err := e.store.NullifierHeight(e.wallet.ID, nf)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(13), h)
}

func TestSyncStopsAtFirstFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.writeChain(t, 6, 2, 50)
	r := NewRunner(e.wallet, e.source, e.store, DefaultConfig())

	e.dev.FailOn(kernel.OpDecryptAndUpdate, 1)
	applied, err := r.SyncTo(ctx, 6)
	require.ErrorIs(t, err, walleterrors.ErrKernel)
	assert.Equal(t, 1, applied)
	assert.Equal(t, uint64(1), e.wallet.LastProcessedBlock())

	snap, err := e.store.GetSnapshot(e.wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.LastProcessedBlock)

	applied, err = r.SyncTo(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, applied)
	assert.Equal(t, uint64(50), e.wallet.ConfirmedBalance())
}

func TestSyncMissingBlock(t *testing.T) {
	e := newEnv(t)
	e.writeChain(t, 3, 0, 0)
	r := NewRunner(e.wallet, e.source, nil, DefaultConfig())

	applied, err := r.SyncTo(context.Background(), 5)
	require.ErrorIs(t, err, ErrBlockNotFound)
	assert.Equal(t, 3, applied)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	e.writeChain(t, 4, 3, 10)
	r := NewRunner(e.wallet, e.source, e.store, Config{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return e.wallet.LastProcessedBlock() == 4 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, e.source.WriteBlock(types.Block{Height: 5}))
	require.Eventually(t, func() bool { return e.wallet.LastProcessedBlock() == 5 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
