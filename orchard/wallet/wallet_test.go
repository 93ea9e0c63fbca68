package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/shieldsync/kernel"
	"github.com/colorfulnotion/shieldsync/kernel/devkernel"
	"github.com/colorfulnotion/shieldsync/orchard/types"
	"github.com/colorfulnotion/shieldsync/walleterrors"
)

const testSeed = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fixture struct {
	dev    *devkernel.Kernel
	client *kernel.Client
}

func newFixtureWithHandler(t *testing.T, dev *devkernel.Kernel, h kernel.Handler) *fixture {
	t.Helper()
	b := kernel.NewBridge(kernel.NewLocalConn(h))
	t.Cleanup(func() { b.Close() })
	return &fixture{dev: dev, client: kernel.NewClient(b, 0)}
}

func newFixture(t *testing.T) *fixture {
	dev := devkernel.New()
	return newFixtureWithHandler(t, dev, dev)
}

func (f *fixture) spendingWallet(t *testing.T) *Wallet {
	t.Helper()
	w, err := New(context.Background(), f.client, FreshParams{Seed: testSeed, Birthday: 1500, IsTestnet: true})
	require.NoError(t, err)
	return w
}

func testSpendingKey() string {
	return devkernel.SpendingKey(testSeed, kernel.CoinTypeTestnet, 0)
}

func payment(addr string, value uint64, rseed string) types.Transaction {
	raw := devkernel.EncodeTx(devkernel.Tx{Outputs: []types.Note{{Recipient: addr, Value: value, Rseed: rseed}}})
	return types.Transaction{ID: devkernel.TxID(raw), Raw: raw}
}

func spend(nullifiers ...string) types.Transaction {
	raw := devkernel.EncodeTx(devkernel.Tx{Outputs: []types.Note{}, Nullifiers: nullifiers})
	return types.Transaction{ID: devkernel.TxID(raw), Raw: raw}
}

// fund pays each value to a fresh address of w in a block at height.
func fund(t *testing.T, w *Wallet, height uint64, values ...uint64) []types.Note {
	t.Helper()
	ctx := context.Background()
	addr, err := w.GetNewAddress(ctx)
	require.NoError(t, err)
	block := types.Block{Height: height}
	var notes []types.Note
	for i, v := range values {
		tx := payment(addr, v, fmt.Sprintf("r%d-%d", height, i))
		block.Transactions = append(block.Transactions, tx)
		notes = append(notes, types.Note{Recipient: addr, Value: v, Rseed: fmt.Sprintf("r%d-%d", height, i)})
	}
	_, err = w.ApplyBlock(ctx, block)
	require.NoError(t, err)
	return notes
}

func TestNewFromSeed(t *testing.T) {
	f := newFixture(t)
	w := f.spendingWallet(t)

	vk := devkernel.ViewingKey(testSpendingKey(), true)
	assert.Equal(t, vk, w.ViewingKey())
	assert.Equal(t, Fingerprint(vk), w.ID)
	assert.True(t, w.HasSpendingKey())
	assert.True(t, w.IsTestnet())
	assert.Equal(t, uint64(1000), w.LastProcessedBlock())
	assert.Equal(t, devkernel.CheckpointTree(1000, true), w.CommitmentTree())
	assert.True(t, w.DiversifierIndex().IsZero())
	assert.Zero(t, w.ConfirmedBalance())
	assert.Empty(t, w.PendingTransactions())
	assert.Equal(t, 1, f.dev.Calls(kernel.OpDeriveSpendingKey))
}

func TestNewFromSpendingKey(t *testing.T) {
	f := newFixture(t)
	w, err := New(context.Background(), f.client, FreshParams{SpendingKey: testSpendingKey(), IsTestnet: true})
	require.NoError(t, err)
	assert.Equal(t, devkernel.ViewingKey(testSpendingKey(), true), w.ViewingKey())
	assert.Equal(t, 0, f.dev.Calls(kernel.OpDeriveSpendingKey))
}

func TestNewRequiresExactlyOneKeySource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := New(ctx, f.client, FreshParams{Seed: testSeed, SpendingKey: testSpendingKey()})
	assert.Error(t, err)
	_, err = New(ctx, f.client, FreshParams{})
	assert.Error(t, err)
}

func TestNewSurfacesKernelErrors(t *testing.T) {
	f := newFixture(t)
	f.dev.FailOn(kernel.OpCheckpointForHeight, 1)
	_, err := New(context.Background(), f.client, FreshParams{Seed: testSeed})
	assert.ErrorIs(t, err, walleterrors.ErrKernel)
}

func TestApplyBlocksInOrder(t *testing.T) {
	f := newFixture(t)
	w := f.spendingWallet(t)
	ctx := context.Background()

	for h := uint64(1001); h <= 1005; h++ {
		res, err := w.ApplyBlock(ctx, types.Block{Height: h})
		require.NoError(t, err)
		assert.Equal(t, h, res.Height)
		assert.Equal(t, h, w.LastProcessedBlock())
	}
	_, err := w.ApplyBlock(ctx, types.Block{Height: 1005})
	require.NoError(t, err, "re-applying the current height is allowed")
	assert.Equal(t, uint64(1005), w.LastProcessedBlock())
}

func TestOutOfOrderBlockRejected(t *testing.T) {
	f := newFixture(t)
	w := f.spendingWallet(t)
	ctx := context.Background()

	fund(t, w, 1100, 1000)
	before := w.Save()
	calls := f.dev.Calls(kernel.OpDecryptAndUpdate)

	addr, err := w.GetNewAddress(ctx)
	require.NoError(t, err)
	_, err = w.ApplyBlock(ctx, types.Block{Height: 1099, Transactions: []types.Transaction{payment(addr, 5, "late")}})
	require.ErrorIs(t, err, walleterrors.ErrOutOfOrderBlock)

	assert.Equal(t, uint64(1100), w.LastProcessedBlock())
	assert.Equal(t, before.CommitmentTree, w.CommitmentTree())
	assert.Equal(t, before.UnspentNotes, w.UnspentNotes())
	assert.Equal(t, calls, f.dev.Calls(kernel.OpDecryptAndUpdate))
}

func TestReplayDoesNotDuplicateNotes(t *testing.T) {
	f := newFixture(t)
	w := f.spendingWallet(t)
	ctx := context.Background()

	addr, err := w.GetNewAddress(ctx)
	require.NoError(t, err)
	block := types.Block{Height: 1001, Transactions: []types.Transaction{payment(addr, 1000, "r")}}
	_, err = w.ApplyBlock(ctx, block)
	require.NoError(t, err)
	res, err := w.ApplyBlock(ctx, block)
	require.NoError(t, err)

	assert.Empty(t, res.NotesAdded)
	assert.Len(t, w.UnspentNotes(), 1)
	assert.Equal(t, uint64(1000), w.ConfirmedBalance())
}

func TestNullifierSpendsNote(t *testing.T) {
	f := newFixture(t)
	w := f.spendingWallet(t)
	ctx := context.Background()

	notes := fund(t, w, 1001, 1000)
	assert.Equal(t, uint64(1000), w.ConfirmedBalance())

	nf := devkernel.NullifierFor(w.ViewingKey(), notes[0])
	res, err := w.ApplyBlock(ctx, types.Block{Height: 1002, Transactions: []types.Transaction{spend(nf)}})
	require.NoError(t, err)
	assert.Equal(t, []types.Note{notes[0]}, res.NotesRemoved)
	assert.Equal(t, []string{nf}, res.Nullifiers)
	assert.Zero(t, w.ConfirmedBalance())

	// Seeing the same nullifier again changes nothing.
	res, err = w.ApplyBlock(ctx, types.Block{Height: 1003, Transactions: []types.Transaction{spend(nf)}})
	require.NoError(t, err)
	assert.Empty(t, res.NotesRemoved)
	assert.Empty(t, w.UnspentNotes())
}

func TestUnrelatedNullifierLeavesNotes(t *testing.T) {
	f := newFixture(t)
	w := f.spendingWallet(t)
	fund(t, w, 1001, 700)
	before := w.UnspentNotes()

	_, err := w.ApplyBlock(context.Background(), types.Block{Height: 1002, Transactions: []types.Transaction{spend("nfunrelated")}})
	require.NoError(t, err)
	assert.Equal(t, before.Notes(), w.UnspentNotes().Notes())
}

func TestFailedBlockIsAtomic(t *testing.T) {
	f := newFixture(t)
	w := f.spendingWallet(t)
	ctx := context.Background()
	notes := fund(t, w, 1001, 400)
	before := w.Save()

	addr, err := w.GetNewAddress(ctx)
	require.NoError(t, err)
	bad := types.Block{Height: 1002, Transactions: []types.Transaction{
		payment(addr, 900, "x"),
		{ID: "broken", Raw: "zz"},
	}}
	_, err = w.ApplyBlock(ctx, bad)
	require.ErrorIs(t, err, walleterrors.ErrKernel)
	assert.Equal(t, before.LastProcessedBlock, w.LastProcessedBlock())
	assert.Equal(t, before.CommitmentTree, w.CommitmentTree())
	assert.Equal(t, before.UnspentNotes, w.UnspentNotes())

	nf := devkernel.NullifierFor(w.ViewingKey(), notes[0])
	f.dev.FailOn(kernel.OpFilterSpent, 1)
	_, err = w.ApplyBlock(ctx, types.Block{Height: 1002, Transactions: []types.Transaction{payment(addr, 900, "x"), spend(nf)}})
	require.ErrorIs(t, err, walleterrors.ErrKernel)
	assert.Equal(t, uint64(400), w.ConfirmedBalance())
	assert.Equal(t, before.LastProcessedBlock, w.LastProcessedBlock())

	// The caller retries the whole block.
	_, err = w.ApplyBlock(ctx, types.Block{Height: 1002, Transactions: []types.Transaction{payment(addr, 900, "x"), spend(nf)}})
	require.NoError(t, err)
	assert.Equal(t, uint64(900), w.ConfirmedBalance())
	assert.Equal(t, uint64(1002), w.LastProcessedBlock())
}

func TestWitnessesFollowTree(t *testing.T) {
	f := newFixture(t)
	w := f.spendingWallet(t)
	fund(t, w, 1001, 10)
	fund(t, w, 1002, 20)

	root := devkernel.TreeRoot(w.CommitmentTree())
	for _, wn := range w.UnspentNotes() {
		assert.Equal(t, root, devkernel.WitnessRoot(wn.Witness))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t)
	w := f.spendingWallet(t)
	ctx := context.Background()
	fund(t, w, 1001, 250, 750)
	change, err := w.GetNewAddress(ctx)
	require.NoError(t, err)
	created, err := w.CreateTransaction(ctx, TxRequest{Destination: "utest1elsewhere", Amount: 100, ChangeAddress: change})
	require.NoError(t, err)

	data, err := w.Save().Marshal()
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), testSpendingKey()))
	assert.False(t, strings.Contains(string(data), created.TxID))

	var keys map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &keys))
	for _, k := range []string{"viewingKey", "lastProcessedBlock", "commitmentTree", "diversifierIndex", "unspentNotes", "isTestnet"} {
		assert.Contains(t, keys, k)
	}
	assert.Len(t, keys, 6)

	snap, err := UnmarshalSnapshot(data)
	require.NoError(t, err)
	calls := f.dev.Calls(kernel.OpDeriveViewingKey) + f.dev.Calls(kernel.OpCheckpointForHeight)
	restored, err := Restore(f.client, snap)
	require.NoError(t, err)
	assert.Equal(t, calls, f.dev.Calls(kernel.OpDeriveViewingKey)+f.dev.Calls(kernel.OpCheckpointForHeight))

	assert.Equal(t, w.ID, restored.ID)
	assert.Equal(t, w.LastProcessedBlock(), restored.LastProcessedBlock())
	assert.Equal(t, w.CommitmentTree(), restored.CommitmentTree())
	assert.Equal(t, w.DiversifierIndex(), restored.DiversifierIndex())
	assert.Equal(t, w.UnspentNotes(), restored.UnspentNotes())
	assert.Equal(t, w.IsTestnet(), restored.IsTestnet())
	assert.False(t, restored.HasSpendingKey())
	assert.Empty(t, restored.PendingTransactions())
	assert.Zero(t, restored.PendingBalance())
}

func TestSnapshotFile(t *testing.T) {
	f := newFixture(t)
	w := f.spendingWallet(t)
	fund(t, w, 1001, 42)

	path := filepath.Join(t.TempDir(), "wallet.json")
	require.NoError(t, SaveSnapshotToFile(w.Save(), path))
	snap, err := LoadSnapshotFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, w.Save(), snap)

	_, err = UnmarshalSnapshot([]byte(`{"lastProcessedBlock": 5}`))
	assert.Error(t, err)
}

func TestLoadSpendingKey(t *testing.T) {
	f := newFixture(t)
	w := f.spendingWallet(t)
	restored, err := Restore(f.client, w.Save())
	require.NoError(t, err)
	ctx := context.Background()

	other := devkernel.SpendingKey(testSeed, kernel.CoinTypeTestnet, 7)
	err = restored.LoadSpendingKey(ctx, other)
	require.ErrorIs(t, err, walleterrors.ErrKeyMismatch)
	assert.False(t, restored.HasSpendingKey())

	require.NoError(t, restored.LoadSpendingKey(ctx, testSpendingKey()))
	assert.True(t, restored.HasSpendingKey())
}

func TestGetNewAddressAdvancesCursor(t *testing.T) {
	f := newFixture(t)
	w := f.spendingWallet(t)
	ctx := context.Background()

	first, err := w.GetNewAddress(ctx)
	require.NoError(t, err)
	idx1 := w.DiversifierIndex()
	second, err := w.GetNewAddress(ctx)
	require.NoError(t, err)
	idx2 := w.DiversifierIndex()

	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, idx1.Cmp(types.DiversifierIndex{}))
	assert.Equal(t, 1, idx2.Cmp(idx1))
	assert.True(t, devkernel.Owns(w.ViewingKey(), first))
}

func TestGetNewAddressConcurrent(t *testing.T) {
	f := newFixture(t)
	w := f.spendingWallet(t)

	const n = 16
	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr, err := w.GetNewAddress(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			seen[addr] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
	assert.Equal(t, byte(n), w.DiversifierIndex()[0])
}

func TestGetNewAddressRejectsStalledCursor(t *testing.T) {
	dev := devkernel.New()
	stuck := kernel.HandlerFunc(func(ctx context.Context, req *kernel.Request) *kernel.Response {
		if req.Method == kernel.OpDeriveNextAddress {
			var p kernel.DeriveNextAddressParams
			_ = json.Unmarshal(req.Params, &p)
			return kernel.NewResponse(req.ID, kernel.DeriveNextAddressResult{Address: "utest1same", Next: p.Index})
		}
		return dev.Handle(ctx, req)
	})
	f := newFixtureWithHandler(t, dev, stuck)
	w := f.spendingWallet(t)

	_, err := w.GetNewAddress(context.Background())
	require.ErrorIs(t, err, walleterrors.ErrKernel)
	assert.True(t, w.DiversifierIndex().IsZero())
}
