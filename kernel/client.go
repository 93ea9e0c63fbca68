package kernel

import (
	"context"
	"time"

	"github.com/colorfulnotion/shieldsync/orchard/types"
)

// Client exposes the kernel operations as typed calls.
type Client struct {
	inv     Invoker
	timeout time.Duration
}

// NewClient wraps inv. A zero timeout leaves calls bounded only by the
// caller's context.
func NewClient(inv Invoker, timeout time.Duration) *Client {
	return &Client{inv: inv, timeout: timeout}
}

func (c *Client) call(ctx context.Context, op Op, params, result interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.inv.Invoke(ctx, op, params, result)
}

func (c *Client) DeriveSpendingKey(ctx context.Context, seed string, coinType, account uint32) (string, error) {
	var res DeriveSpendingKeyResult
	err := c.call(ctx, OpDeriveSpendingKey, DeriveSpendingKeyParams{Seed: seed, CoinType: coinType, AccountIndex: account}, &res)
	return res.SpendingKey, err
}

func (c *Client) DeriveViewingKey(ctx context.Context, spendingKey string, isTestnet bool) (string, error) {
	var res DeriveViewingKeyResult
	err := c.call(ctx, OpDeriveViewingKey, DeriveViewingKeyParams{SpendingKey: spendingKey, IsTestnet: isTestnet}, &res)
	return res.ViewingKey, err
}

func (c *Client) CheckpointForHeight(ctx context.Context, height uint64, isTestnet bool) (*CheckpointResult, error) {
	var res CheckpointResult
	if err := c.call(ctx, OpCheckpointForHeight, CheckpointParams{Height: height, IsTestnet: isTestnet}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) DecryptAndUpdate(ctx context.Context, p DecryptAndUpdateParams) (*DecryptAndUpdateResult, error) {
	var res DecryptAndUpdateResult
	if err := c.call(ctx, OpDecryptAndUpdate, p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) FilterSpent(ctx context.Context, p FilterSpentParams) (types.NoteSet, error) {
	var res FilterSpentResult
	if err := c.call(ctx, OpFilterSpent, p, &res); err != nil {
		return nil, err
	}
	return res.Notes, nil
}

func (c *Client) DeriveNextAddress(ctx context.Context, viewingKey string, index types.DiversifierIndex, isTestnet bool) (*DeriveNextAddressResult, error) {
	var res DeriveNextAddressResult
	if err := c.call(ctx, OpDeriveNextAddress, DeriveNextAddressParams{ViewingKey: viewingKey, Index: index, IsTestnet: isTestnet}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) BuildTransaction(ctx context.Context, p BuildTransactionParams) (*BuildTransactionResult, error) {
	var res BuildTransactionResult
	if err := c.call(ctx, OpBuildTransaction, p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ProofProgress reports prover progress in [0, 1].
func (c *Client) ProofProgress(ctx context.Context) (float64, error) {
	var res ProofProgressResult
	err := c.call(ctx, OpProofProgress, struct{}{}, &res)
	return res.Progress, err
}

func (c *Client) LoadProver(ctx context.Context) (bool, error) {
	var res LoadProverResult
	err := c.call(ctx, OpLoadProver, struct{}{}, &res)
	return res.Loaded, err
}
