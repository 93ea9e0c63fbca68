package kernel

import (
	"encoding/json"

	"github.com/colorfulnotion/shieldsync/orchard/types"
)

// Op names a kernel operation.
type Op string

const (
	OpDeriveSpendingKey   Op = "derive_spending_key"
	OpDeriveViewingKey    Op = "derive_viewing_key"
	OpCheckpointForHeight Op = "checkpoint_for_height"
	OpDecryptAndUpdate    Op = "decrypt_and_update"
	OpFilterSpent         Op = "filter_spent"
	OpDeriveNextAddress   Op = "derive_next_address"
	OpBuildTransaction    Op = "build_transaction"
	OpProofProgress       Op = "proof_progress"
	OpLoadProver          Op = "load_prover"
)

// SLIP-44 coin types passed to derive_spending_key.
const (
	CoinTypeMainnet uint32 = 133
	CoinTypeTestnet uint32 = 1
)

// CoinType returns the coin type for the network.
func CoinType(isTestnet bool) uint32 {
	if isTestnet {
		return CoinTypeTestnet
	}
	return CoinTypeMainnet
}

// JSON-RPC error codes used by kernel handlers.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

const jsonRPCVersion = "2.0"

// Request is a tagged kernel call. ID correlates the eventual Response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  Op              `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response carries either Result or Error for the request with the same ID.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewResponse marshals result into a success response for id.
func NewResponse(id string, result interface{}) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, CodeInternalError, err.Error())
	}
	return &Response{JSONRPC: jsonRPCVersion, ID: id, Result: raw}
}

// NewErrorResponse builds a failure response for id.
func NewErrorResponse(id string, code int, message string) *Response {
	return &Response{JSONRPC: jsonRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message}}
}

type DeriveSpendingKeyParams struct {
	Seed         string `json:"seed"`
	CoinType     uint32 `json:"coin_type"`
	AccountIndex uint32 `json:"account_index"`
}

type DeriveSpendingKeyResult struct {
	SpendingKey string `json:"spending_key"`
}

type DeriveViewingKeyParams struct {
	SpendingKey string `json:"spending_key"`
	IsTestnet   bool   `json:"is_testnet"`
}

type DeriveViewingKeyResult struct {
	ViewingKey string `json:"viewing_key"`
}

type CheckpointParams struct {
	Height    uint64 `json:"height"`
	IsTestnet bool   `json:"is_testnet"`
}

// CheckpointResult is the closest checkpoint at or below the requested height.
type CheckpointResult struct {
	EffectiveHeight uint64 `json:"effective_height"`
	Tree            string `json:"tree"`
}

type DecryptAndUpdateParams struct {
	Tree       string        `json:"tree"`
	TxRaw      string        `json:"tx_raw"`
	ViewingKey string        `json:"viewing_key"`
	IsTestnet  bool          `json:"is_testnet"`
	Notes      types.NoteSet `json:"notes"`
}

// DecryptAndUpdateResult holds the replacement tree and note set plus the
// nullifiers the transaction revealed.
type DecryptAndUpdateResult struct {
	Tree       string        `json:"tree"`
	Notes      types.NoteSet `json:"notes"`
	Nullifiers []string      `json:"nullifiers"`
}

type FilterSpentParams struct {
	Notes      types.NoteSet `json:"notes"`
	Nullifiers []string      `json:"nullifiers"`
	ViewingKey string        `json:"viewing_key"`
	IsTestnet  bool          `json:"is_testnet"`
}

type FilterSpentResult struct {
	Notes types.NoteSet `json:"notes"`
}

type DeriveNextAddressParams struct {
	ViewingKey string                 `json:"viewing_key"`
	Index      types.DiversifierIndex `json:"diversifier_index"`
	IsTestnet  bool                   `json:"is_testnet"`
}

type DeriveNextAddressResult struct {
	Address string                 `json:"address"`
	Next    types.DiversifierIndex `json:"next_index"`
}

// BuildTransactionParams spends either Notes or ExternalInputs, never both.
type BuildTransactionParams struct {
	Notes             types.NoteSet         `json:"notes,omitempty"`
	ExternalInputs    []types.ExternalInput `json:"external_inputs,omitempty"`
	SpendingKey       string                `json:"spending_key"`
	Destination       string                `json:"destination"`
	ChangeDestination string                `json:"change_destination"`
	Amount            uint64                `json:"amount"`
	Height            uint64                `json:"height"`
	IsTestnet         bool                  `json:"is_testnet"`
}

type BuildTransactionResult struct {
	TxID       string   `json:"txid"`
	TxRaw      string   `json:"tx_raw"`
	Nullifiers []string `json:"nullifiers"`
}

type ProofProgressResult struct {
	Progress float64 `json:"progress"`
}

type LoadProverResult struct {
	Loaded bool `json:"loaded"`
}
