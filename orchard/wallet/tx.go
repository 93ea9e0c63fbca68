package wallet

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/colorfulnotion/shieldsync/kernel"
	"github.com/colorfulnotion/shieldsync/log"
	"github.com/colorfulnotion/shieldsync/metrics"
	"github.com/colorfulnotion/shieldsync/orchard/types"
	"github.com/colorfulnotion/shieldsync/walleterrors"
)

// InputSource selects what a transaction spends.
type InputSource int

const (
	// ShieldedInputs spends the wallet's unspent notes; change goes to a
	// shielded address.
	ShieldedInputs InputSource = iota
	// ExternalInputs spends caller-supplied transparent outputs; change goes
	// to a transparent address.
	ExternalInputs
)

func (s InputSource) String() string {
	switch s {
	case ShieldedInputs:
		return "shielded"
	case ExternalInputs:
		return "external"
	}
	return fmt.Sprintf("InputSource(%d)", int(s))
}

// TxRequest describes a spend.
type TxRequest struct {
	Destination string
	Amount      uint64
	Inputs      InputSource

	// ChangeAddress receives change when spending shielded notes.
	ChangeAddress string

	// External and TransparentChange are used with ExternalInputs.
	External          []types.ExternalInput
	TransparentChange string
}

// CreatedTransaction is a built, proven transaction ready for broadcast.
type CreatedTransaction struct {
	TxID           string
	Raw            string
	Nullifiers     []string
	ExternalInputs []types.ExternalInput
	PendingNotes   []types.Note
}

// changeFor validates the input selection and returns the change destination.
func changeFor(req TxRequest) (string, error) {
	switch req.Inputs {
	case ShieldedInputs:
		if len(req.External) > 0 {
			return "", fmt.Errorf("%w: external inputs supplied with shielded input selection", walleterrors.ErrInputChangeMismatch)
		}
		if req.ChangeAddress == "" {
			return "", fmt.Errorf("%w: shielded inputs need a shielded change address", walleterrors.ErrInputChangeMismatch)
		}
		return req.ChangeAddress, nil
	case ExternalInputs:
		if len(req.External) == 0 {
			return "", errors.New("external input selection with no inputs")
		}
		if req.TransparentChange == "" {
			return "", fmt.Errorf("%w: external inputs need a transparent change address", walleterrors.ErrInputChangeMismatch)
		}
		return req.TransparentChange, nil
	}
	return "", fmt.Errorf("unknown input source %s", req.Inputs)
}

func (w *Wallet) ensureProver(ctx context.Context) error {
	w.mu.RLock()
	loaded := w.proverLoaded
	w.mu.RUnlock()
	if loaded {
		return nil
	}
	ok, err := w.kernel.LoadProver(ctx)
	if err != nil {
		return fmt.Errorf("load prover: %w", err)
	}
	if !ok {
		return &walleterrors.KernelError{Op: string(kernel.OpLoadProver), Message: "prover unavailable"}
	}
	w.mu.Lock()
	w.proverLoaded = true
	w.mu.Unlock()
	return nil
}

// CreateTransaction builds and proves a spend and tracks it as pending. The
// wallet's confirmed state is not touched; the transaction's own outputs that
// belong to this wallet are recorded as pending notes.
func (w *Wallet) CreateTransaction(ctx context.Context, req TxRequest) (*CreatedTransaction, error) {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.mu.RLock()
	sk, vk, testnet := w.spendingKey, w.viewingKey, w.isTestnet
	height, tree := w.lastProcessedBlock, w.commitmentTree
	notes := w.unspentNotes.Clone()
	w.mu.RUnlock()

	if sk == "" {
		return nil, fmt.Errorf("%w: wallet %s", walleterrors.ErrViewOnly, w.ID)
	}
	change, err := changeFor(req)
	if err != nil {
		return nil, err
	}
	if err := w.ensureProver(ctx); err != nil {
		return nil, err
	}

	params := kernel.BuildTransactionParams{
		SpendingKey:       sk,
		Destination:       req.Destination,
		ChangeDestination: change,
		Amount:            req.Amount,
		Height:            height,
		IsTestnet:         testnet,
	}
	if req.Inputs == ShieldedInputs {
		params.Notes = notes
	} else {
		params.ExternalInputs = req.External
	}
	built, err := w.kernel.BuildTransaction(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	// Decrypt-only pass: the resulting tree is discarded.
	own, err := w.kernel.DecryptAndUpdate(ctx, kernel.DecryptAndUpdateParams{
		Tree:       tree,
		TxRaw:      built.TxRaw,
		ViewingKey: vk,
		IsTestnet:  testnet,
		Notes:      notes,
	})
	if err != nil {
		return nil, fmt.Errorf("decrypt outputs of %s: %w", built.TxID, err)
	}
	pendingNotes := own.Notes.Diff(notes)
	if pendingNotes == nil {
		pendingNotes = []types.Note{}
	}

	w.mu.Lock()
	if req.Inputs == ShieldedInputs {
		w.pendingSpent[built.TxID] = slices.Clone(built.Nullifiers)
	}
	w.pendingUnspent[built.TxID] = pendingNotes
	pending := len(w.pendingIDsLocked())
	w.mu.Unlock()

	metrics.Tx().Event("created", pending)
	log.Info(log.TxMonitoring, "Created transaction",
		"wallet", w.ID,
		"txid", built.TxID,
		"inputs", req.Inputs.String(),
		"amount", req.Amount,
		"nullifiers", len(built.Nullifiers),
		"pending_notes", len(pendingNotes))

	out := &CreatedTransaction{
		TxID:         built.TxID,
		Raw:          built.TxRaw,
		Nullifiers:   built.Nullifiers,
		PendingNotes: pendingNotes,
	}
	if req.Inputs == ExternalInputs {
		out.ExternalInputs = slices.Clone(req.External)
	}
	return out, nil
}

// FinalizeTransaction resolves a pending transaction as confirmed: the notes it
// spent are removed from the unspent set and its pending entries are cleared.
// Removing notes already dropped by sync is a no-op.
func (w *Wallet) FinalizeTransaction(ctx context.Context, txID string) error {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.mu.RLock()
	nullifiers, spends := w.pendingSpent[txID]
	_, receives := w.pendingUnspent[txID]
	notes := w.unspentNotes.Clone()
	vk, testnet := w.viewingKey, w.isTestnet
	w.mu.RUnlock()

	if !spends && !receives {
		return fmt.Errorf("%w: %s", walleterrors.ErrUnknownTransaction, txID)
	}

	var filtered types.NoteSet
	if len(nullifiers) > 0 {
		var err error
		filtered, err = w.kernel.FilterSpent(ctx, kernel.FilterSpentParams{
			Notes:      notes,
			Nullifiers: nullifiers,
			ViewingKey: vk,
			IsTestnet:  testnet,
		})
		if err != nil {
			return fmt.Errorf("finalize %s: %w", txID, err)
		}
	}

	w.mu.Lock()
	if len(nullifiers) > 0 {
		w.unspentNotes = filtered.Clone()
	}
	delete(w.pendingSpent, txID)
	delete(w.pendingUnspent, txID)
	pending := len(w.pendingIDsLocked())
	balance := w.unspentNotes.Total()
	w.mu.Unlock()

	metrics.Tx().Event("finalized", pending)
	log.Info(log.TxMonitoring, "Finalized transaction", "wallet", w.ID, "txid", txID, "balance", balance)
	return nil
}

// DiscardTransaction forgets a pending transaction without touching the
// unspent set. Unknown ids are ignored.
func (w *Wallet) DiscardTransaction(txID string) {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.mu.Lock()
	_, spends := w.pendingSpent[txID]
	_, receives := w.pendingUnspent[txID]
	delete(w.pendingSpent, txID)
	delete(w.pendingUnspent, txID)
	pending := len(w.pendingIDsLocked())
	w.mu.Unlock()

	if !spends && !receives {
		log.Debug(log.TxMonitoring, "Discard of unknown transaction", "wallet", w.ID, "txid", txID)
		return
	}
	metrics.Tx().Event("discarded", pending)
	log.Info(log.TxMonitoring, "Discarded transaction", "wallet", w.ID, "txid", txID)
}

// ProofProgress reports the kernel prover's progress in [0, 1].
func (w *Wallet) ProofProgress(ctx context.Context) (float64, error) {
	p, err := w.kernel.ProofProgress(ctx)
	if err != nil {
		return 0, fmt.Errorf("proof progress: %w", err)
	}
	if p < 0 || p > 1 {
		return 0, &walleterrors.KernelError{Op: string(kernel.OpProofProgress), Message: fmt.Sprintf("progress %v out of range", p)}
	}
	return p, nil
}
