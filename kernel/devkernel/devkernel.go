// Package devkernel is a deterministic stand-in for the cryptographic kernel.
// It keeps the kernel contract (key derivation, note ownership, nullifiers,
// checkpoints, tree roll-forward, transaction building) without real
// cryptography, so wallets can be exercised end to end in-process.
package devkernel

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/colorfulnotion/shieldsync/kernel"
	"github.com/colorfulnotion/shieldsync/log"
	"github.com/colorfulnotion/shieldsync/orchard/types"
)

// CheckpointInterval is the spacing of tree checkpoints.
const CheckpointInterval = 1000

// CodeInsufficientFunds is returned by build_transaction when the inputs do
// not cover the amount.
const CodeInsufficientFunds = -32000

const minSeedLen = 32

// Tx is the decoded form of a development transaction.
type Tx struct {
	Outputs    []types.Note `json:"outputs"`
	Nullifiers []string     `json:"nullifiers,omitempty"`
}

// EncodeTx returns the raw hex encoding of tx.
func EncodeTx(tx Tx) string {
	raw, _ := json.Marshal(tx)
	return hex.EncodeToString(raw)
}

// DecodeTx parses a raw hex transaction.
func DecodeTx(raw string) (Tx, error) {
	var tx Tx
	b, err := hex.DecodeString(raw)
	if err != nil {
		return tx, fmt.Errorf("malformed transaction: %w", err)
	}
	if err := json.Unmarshal(b, &tx); err != nil {
		return tx, fmt.Errorf("malformed transaction: %w", err)
	}
	return tx, nil
}

// TxID is the id the kernel assigns to a raw transaction.
func TxID(raw string) string {
	return hash("txid", raw)
}

func hash(parts ...string) string {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func network(isTestnet bool) string {
	if isTestnet {
		return "test"
	}
	return "main"
}

// SpendingKey derives the spending key for seed.
func SpendingKey(seed string, coinType, account uint32) string {
	return "sk" + hash("sk", seed, strconv.FormatUint(uint64(coinType), 10), strconv.FormatUint(uint64(account), 10))
}

// ViewingKey derives the viewing key for a spending key.
func ViewingKey(spendingKey string, isTestnet bool) string {
	return "vk" + hash("vk", spendingKey, network(isTestnet))
}

func ownerTag(viewingKey string) string {
	return hash("owner", viewingKey)[:16]
}

func addressPrefix(isTestnet bool) string {
	if isTestnet {
		return "utest1"
	}
	return "u1"
}

// Address returns the receiving address for viewingKey at index.
func Address(viewingKey string, index types.DiversifierIndex, isTestnet bool) string {
	return addressPrefix(isTestnet) + ownerTag(viewingKey) + hash("d", viewingKey, index.String())[:24]
}

// Owns reports whether recipient was derived from viewingKey.
func Owns(viewingKey, recipient string) bool {
	for _, testnet := range []bool{false, true} {
		if strings.HasPrefix(recipient, addressPrefix(testnet)+ownerTag(viewingKey)) {
			return true
		}
	}
	return false
}

// NullifierFor returns the nullifier revealed when note is spent by the owner
// of viewingKey.
func NullifierFor(viewingKey string, note types.Note) string {
	return "nf" + hash("nf", viewingKey, note.Rseed)
}

func commitment(n types.Note) string {
	return hash("cm", n.Recipient, strconv.FormatUint(n.Value, 10), n.Rseed)
}

// tree is size:root.
type tree struct {
	size uint64
	root string
}

func parseTree(s string) (tree, error) {
	sizeStr, root, ok := strings.Cut(s, ":")
	if !ok {
		return tree{}, fmt.Errorf("malformed tree %q", s)
	}
	size, err := strconv.ParseUint(sizeStr, 10, 64)
	if err != nil {
		return tree{}, fmt.Errorf("malformed tree size: %w", err)
	}
	return tree{size: size, root: root}, nil
}

func (t tree) String() string {
	return strconv.FormatUint(t.size, 10) + ":" + t.root
}

func (t *tree) append(cm string) uint64 {
	pos := t.size
	t.size++
	t.root = hash("node", t.root, cm)
	return pos
}

// witness is position@root.
func witness(pos uint64, root string) string {
	return strconv.FormatUint(pos, 10) + "@" + root
}

func witnessPosition(w string) (uint64, error) {
	posStr, _, ok := strings.Cut(w, "@")
	if !ok {
		return 0, fmt.Errorf("malformed witness %q", w)
	}
	return strconv.ParseUint(posStr, 10, 64)
}

// CheckpointTree returns the tree snapshot recorded at a checkpoint height.
func CheckpointTree(height uint64, isTestnet bool) string {
	return tree{root: hash("checkpoint", strconv.FormatUint(height, 10), network(isTestnet))}.String()
}

// WitnessRoot returns the root a witness was computed against.
func WitnessRoot(w string) string {
	_, root, _ := strings.Cut(w, "@")
	return root
}

// TreeRoot returns the root of a tree snapshot.
func TreeRoot(s string) string {
	_, root, _ := strings.Cut(s, ":")
	return root
}

// Kernel is a kernel.Handler. The zero value is not usable; call New.
type Kernel struct {
	mu       sync.Mutex
	calls    map[kernel.Op]int
	faults   map[kernel.Op]int
	loaded   bool
	noProver bool
	builds   uint64
}

func New() *Kernel {
	return &Kernel{
		calls:  make(map[kernel.Op]int),
		faults: make(map[kernel.Op]int),
	}
}

// FailOn makes the next n calls of op fail with an internal error.
func (k *Kernel) FailOn(op kernel.Op, n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.faults[op] = n
}

// Calls returns how many times op has been handled.
func (k *Kernel) Calls(op kernel.Op) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.calls[op]
}

// DisableProver makes load_prover report failure.
func (k *Kernel) DisableProver() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.noProver = true
}

var errInjected = errors.New("injected fault")

func (k *Kernel) enter(op kernel.Op) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls[op]++
	if k.faults[op] > 0 {
		k.faults[op]--
		return errInjected
	}
	return nil
}

type handlerError struct {
	code int
	err  error
}

func (e *handlerError) Error() string { return e.err.Error() }

func invalid(format string, args ...interface{}) error {
	return &handlerError{code: kernel.CodeInvalidParams, err: fmt.Errorf(format, args...)}
}

// Handle implements kernel.Handler.
func (k *Kernel) Handle(ctx context.Context, req *kernel.Request) *kernel.Response {
	if err := k.enter(req.Method); err != nil {
		return kernel.NewErrorResponse(req.ID, kernel.CodeInternalError, err.Error())
	}
	result, err := k.dispatch(req)
	if err != nil {
		code := kernel.CodeInternalError
		var herr *handlerError
		if errors.As(err, &herr) {
			code = herr.code
		}
		log.Debug(log.KernelMonitoring, "devkernel rejected call", "op", req.Method, "err", err)
		return kernel.NewErrorResponse(req.ID, code, err.Error())
	}
	return kernel.NewResponse(req.ID, result)
}

func decode(req *kernel.Request, v interface{}) error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return invalid("%s params: %v", req.Method, err)
	}
	return nil
}

func (k *Kernel) dispatch(req *kernel.Request) (interface{}, error) {
	switch req.Method {
	case kernel.OpDeriveSpendingKey:
		var p kernel.DeriveSpendingKeyParams
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		seed, err := hex.DecodeString(p.Seed)
		if err != nil || len(seed) < minSeedLen {
			return nil, invalid("seed must be at least %d hex bytes", minSeedLen)
		}
		return kernel.DeriveSpendingKeyResult{SpendingKey: SpendingKey(p.Seed, p.CoinType, p.AccountIndex)}, nil

	case kernel.OpDeriveViewingKey:
		var p kernel.DeriveViewingKeyParams
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(p.SpendingKey, "sk") {
			return nil, invalid("invalid spending key")
		}
		return kernel.DeriveViewingKeyResult{ViewingKey: ViewingKey(p.SpendingKey, p.IsTestnet)}, nil

	case kernel.OpCheckpointForHeight:
		var p kernel.CheckpointParams
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		effective := p.Height - p.Height%CheckpointInterval
		return kernel.CheckpointResult{EffectiveHeight: effective, Tree: CheckpointTree(effective, p.IsTestnet)}, nil

	case kernel.OpDecryptAndUpdate:
		var p kernel.DecryptAndUpdateParams
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return decryptAndUpdate(p)

	case kernel.OpFilterSpent:
		var p kernel.FilterSpentParams
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		spent := make(map[string]bool, len(p.Nullifiers))
		for _, nf := range p.Nullifiers {
			spent[nf] = true
		}
		kept := types.NoteSet{}
		for _, wn := range p.Notes {
			if !spent[NullifierFor(p.ViewingKey, wn.Note)] {
				kept = append(kept, wn)
			}
		}
		return kernel.FilterSpentResult{Notes: kept}, nil

	case kernel.OpDeriveNextAddress:
		var p kernel.DeriveNextAddressParams
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		next, ok := p.Index.Increment()
		if !ok {
			return nil, invalid("diversifier index exhausted")
		}
		return kernel.DeriveNextAddressResult{Address: Address(p.ViewingKey, p.Index, p.IsTestnet), Next: next}, nil

	case kernel.OpBuildTransaction:
		var p kernel.BuildTransactionParams
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		k.mu.Lock()
		k.builds++
		nonce := k.builds
		k.mu.Unlock()
		return buildTransaction(p, nonce)

	case kernel.OpProofProgress:
		k.mu.Lock()
		defer k.mu.Unlock()
		progress := 0.0
		if k.loaded {
			progress = 1.0
		}
		return kernel.ProofProgressResult{Progress: progress}, nil

	case kernel.OpLoadProver:
		k.mu.Lock()
		defer k.mu.Unlock()
		if !k.noProver {
			k.loaded = true
		}
		return kernel.LoadProverResult{Loaded: k.loaded}, nil
	}
	return nil, &handlerError{code: kernel.CodeMethodNotFound, err: fmt.Errorf("unknown method %q", req.Method)}
}

func decryptAndUpdate(p kernel.DecryptAndUpdateParams) (interface{}, error) {
	t, err := parseTree(p.Tree)
	if err != nil {
		return nil, invalid("%v", err)
	}
	tx, err := DecodeTx(p.TxRaw)
	if err != nil {
		return nil, invalid("%v", err)
	}
	type positioned struct {
		note types.Note
		pos  uint64
	}
	notes := make([]positioned, 0, len(p.Notes)+len(tx.Outputs))
	for _, wn := range p.Notes {
		pos, err := witnessPosition(wn.Witness)
		if err != nil {
			return nil, invalid("%v", err)
		}
		notes = append(notes, positioned{note: wn.Note, pos: pos})
	}
	for _, out := range tx.Outputs {
		pos := t.append(commitment(out))
		if !Owns(p.ViewingKey, out.Recipient) || p.Notes.Contains(out) {
			continue
		}
		notes = append(notes, positioned{note: out, pos: pos})
	}
	updated := make(types.NoteSet, 0, len(notes))
	for _, n := range notes {
		updated = append(updated, types.WitnessedNote{Note: n.note, Witness: witness(n.pos, t.root)})
	}
	nullifiers := tx.Nullifiers
	if nullifiers == nil {
		nullifiers = []string{}
	}
	return kernel.DecryptAndUpdateResult{Tree: t.String(), Notes: updated, Nullifiers: nullifiers}, nil
}

func buildTransaction(p kernel.BuildTransactionParams, nonce uint64) (interface{}, error) {
	if p.Destination == "" {
		return nil, invalid("missing destination")
	}
	if p.Amount == 0 {
		return nil, invalid("amount must be positive")
	}
	if len(p.Notes) > 0 && len(p.ExternalInputs) > 0 {
		return nil, invalid("shielded and external inputs are mutually exclusive")
	}
	if !strings.HasPrefix(p.SpendingKey, "sk") {
		return nil, invalid("invalid spending key")
	}
	vk := ViewingKey(p.SpendingKey, p.IsTestnet)

	var (
		total      uint64
		nullifiers = []string{}
	)
	if len(p.ExternalInputs) > 0 {
		for _, in := range p.ExternalInputs {
			total += in.Value
		}
	} else {
		for _, wn := range p.Notes {
			if total >= p.Amount {
				break
			}
			total += wn.Note.Value
			nullifiers = append(nullifiers, NullifierFor(vk, wn.Note))
		}
	}
	if total < p.Amount {
		return nil, &handlerError{code: CodeInsufficientFunds, err: fmt.Errorf("insufficient funds: have %d, need %d", total, p.Amount)}
	}

	salt := strconv.FormatUint(nonce, 10) + "/" + strconv.FormatUint(p.Height, 10)
	tx := Tx{
		Outputs:    []types.Note{{Recipient: p.Destination, Value: p.Amount, Rseed: hash("rseed", salt, "0")}},
		Nullifiers: nullifiers,
	}
	if change := total - p.Amount; change > 0 {
		tx.Outputs = append(tx.Outputs, types.Note{Recipient: p.ChangeDestination, Value: change, Rseed: hash("rseed", salt, "1")})
	}
	raw := EncodeTx(tx)
	return kernel.BuildTransactionResult{TxID: TxID(raw), TxRaw: raw, Nullifiers: nullifiers}, nil
}
