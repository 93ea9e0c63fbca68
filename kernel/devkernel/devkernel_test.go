package devkernel

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/shieldsync/kernel"
	"github.com/colorfulnotion/shieldsync/orchard/types"
	"github.com/colorfulnotion/shieldsync/walleterrors"
)

const testSeed = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newClient(t *testing.T) (*Kernel, *kernel.Client) {
	k := New()
	b := kernel.NewBridge(kernel.NewLocalConn(k))
	t.Cleanup(func() { b.Close() })
	return k, kernel.NewClient(b, 0)
}

func TestKeyDerivation(t *testing.T) {
	_, c := newClient(t)
	ctx := context.Background()

	sk, err := c.DeriveSpendingKey(ctx, testSeed, kernel.CoinTypeTestnet, 0)
	require.NoError(t, err)
	assert.Equal(t, SpendingKey(testSeed, kernel.CoinTypeTestnet, 0), sk)

	other, err := c.DeriveSpendingKey(ctx, testSeed, kernel.CoinTypeTestnet, 1)
	require.NoError(t, err)
	assert.NotEqual(t, sk, other)

	vk, err := c.DeriveViewingKey(ctx, sk, true)
	require.NoError(t, err)
	assert.Equal(t, ViewingKey(sk, true), vk)

	_, err = c.DeriveSpendingKey(ctx, "abcd", kernel.CoinTypeTestnet, 0)
	assert.ErrorIs(t, err, walleterrors.ErrKernel)
}

func TestCheckpointRoundsDown(t *testing.T) {
	_, c := newClient(t)
	cp, err := c.CheckpointForHeight(context.Background(), 2345, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), cp.EffectiveHeight)
	assert.Equal(t, CheckpointTree(2000, false), cp.Tree)
}

func TestDecryptIsIdempotentAndFilterRemovesSpent(t *testing.T) {
	_, c := newClient(t)
	ctx := context.Background()
	vk := ViewingKey(SpendingKey(testSeed, 1, 0), true)
	addr := Address(vk, types.DiversifierIndex{}, true)
	mine := types.Note{Recipient: addr, Value: 1000, Rseed: "r1"}
	raw := EncodeTx(Tx{Outputs: []types.Note{mine, {Recipient: "u1someoneelse", Value: 5, Rseed: "r2"}}})

	res, err := c.DecryptAndUpdate(ctx, kernel.DecryptAndUpdateParams{Tree: CheckpointTree(0, true), TxRaw: raw, ViewingKey: vk, IsTestnet: true})
	require.NoError(t, err)
	require.Len(t, res.Notes, 1)
	assert.Equal(t, mine, res.Notes[0].Note)
	assert.Equal(t, TreeRoot(res.Tree), WitnessRoot(res.Notes[0].Witness))
	assert.Empty(t, res.Nullifiers)

	again, err := c.DecryptAndUpdate(ctx, kernel.DecryptAndUpdateParams{Tree: res.Tree, TxRaw: raw, ViewingKey: vk, IsTestnet: true, Notes: res.Notes})
	require.NoError(t, err)
	assert.Len(t, again.Notes, 1)

	kept, err := c.FilterSpent(ctx, kernel.FilterSpentParams{Notes: again.Notes, Nullifiers: []string{"nfunrelated"}, ViewingKey: vk, IsTestnet: true})
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	kept, err = c.FilterSpent(ctx, kernel.FilterSpentParams{Notes: again.Notes, Nullifiers: []string{NullifierFor(vk, mine)}, ViewingKey: vk, IsTestnet: true})
	require.NoError(t, err)
	assert.Empty(t, kept)
}

func TestMalformedTransactionRejected(t *testing.T) {
	_, c := newClient(t)
	_, err := c.DecryptAndUpdate(context.Background(), kernel.DecryptAndUpdateParams{Tree: CheckpointTree(0, true), TxRaw: "not-hex"})
	require.Error(t, err)
	var kerr *walleterrors.KernelError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, kernel.CodeInvalidParams, kerr.Code)
	assert.True(t, strings.Contains(kerr.Message, "malformed transaction"))
}

func TestAddressCursorAdvances(t *testing.T) {
	_, c := newClient(t)
	vk := ViewingKey(SpendingKey(testSeed, 133, 0), false)
	res, err := c.DeriveNextAddress(context.Background(), vk, types.DiversifierIndex{}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Next.Cmp(types.DiversifierIndex{}))
	assert.True(t, Owns(vk, res.Address))
	assert.False(t, Owns("vkother", res.Address))
}

func TestBuildTransactionSelectsNotes(t *testing.T) {
	_, c := newClient(t)
	sk := SpendingKey(testSeed, 1, 0)
	vk := ViewingKey(sk, true)
	change := Address(vk, types.DiversifierIndex{1}, true)
	notes := types.NoteSet{
		{Note: types.Note{Recipient: change, Value: 600, Rseed: "a"}, Witness: "0@r"},
		{Note: types.Note{Recipient: change, Value: 600, Rseed: "b"}, Witness: "1@r"},
		{Note: types.Note{Recipient: change, Value: 600, Rseed: "c"}, Witness: "2@r"},
	}
	res, err := c.BuildTransaction(context.Background(), kernel.BuildTransactionParams{
		Notes: notes, SpendingKey: sk, Destination: "utest1dest", ChangeDestination: change, Amount: 1000, IsTestnet: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{NullifierFor(vk, notes[0].Note), NullifierFor(vk, notes[1].Note)}, res.Nullifiers)
	assert.Equal(t, TxID(res.TxRaw), res.TxID)

	tx, err := DecodeTx(res.TxRaw)
	require.NoError(t, err)
	require.Len(t, tx.Outputs, 2)
	assert.Equal(t, uint64(1000), tx.Outputs[0].Value)
	assert.Equal(t, uint64(200), tx.Outputs[1].Value)
	assert.Equal(t, change, tx.Outputs[1].Recipient)

	_, err = c.BuildTransaction(context.Background(), kernel.BuildTransactionParams{
		Notes: notes, SpendingKey: sk, Destination: "utest1dest", ChangeDestination: change, Amount: 5000, IsTestnet: true,
	})
	var kerr *walleterrors.KernelError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, CodeInsufficientFunds, kerr.Code)
}

func TestFaultInjectionAndProver(t *testing.T) {
	k, c := newClient(t)
	ctx := context.Background()

	k.FailOn(kernel.OpLoadProver, 1)
	_, err := c.LoadProver(ctx)
	assert.ErrorIs(t, err, walleterrors.ErrKernel)

	loaded, err := c.LoadProver(ctx)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, 2, k.Calls(kernel.OpLoadProver))

	progress, err := c.ProofProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, progress)
}
