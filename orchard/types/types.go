// Package types holds the shielded note, block and cursor types shared by the
// kernel boundary and the wallet engine.
package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/exp/slices"
)

// Note is a private output record. Notes are immutable once created and
// compared by content.
type Note struct {
	Recipient string `json:"recipient"`
	Value     uint64 `json:"value"`
	Rseed     string `json:"rseed"`
}

// Equal reports content equality.
func (n Note) Equal(o Note) bool {
	return n.Recipient == o.Recipient && n.Value == o.Value && n.Rseed == o.Rseed
}

// WitnessedNote pairs an unspent note with its opaque inclusion witness.
type WitnessedNote struct {
	Note    Note   `json:"note"`
	Witness string `json:"witness"`
}

// NoteSet is the wallet's unspent set. Order carries no meaning.
type NoteSet []WitnessedNote

// Contains reports whether a note with the same content is in the set.
func (s NoteSet) Contains(n Note) bool {
	return slices.ContainsFunc(s, func(w WitnessedNote) bool { return w.Note.Equal(n) })
}

// Total sums note values.
func (s NoteSet) Total() uint64 {
	var total uint64
	for _, w := range s {
		total += w.Note.Value
	}
	return total
}

// Notes returns the bare notes.
func (s NoteSet) Notes() []Note {
	out := make([]Note, len(s))
	for i, w := range s {
		out[i] = w.Note
	}
	return out
}

// Clone returns a copy that shares no backing array with s.
func (s NoteSet) Clone() NoteSet {
	if s == nil {
		return NoteSet{}
	}
	return slices.Clone(s)
}

// Diff returns the notes in s that are absent from other.
func (s NoteSet) Diff(other NoteSet) []Note {
	var out []Note
	for _, w := range s {
		if !other.Contains(w.Note) {
			out = append(out, w.Note)
		}
	}
	return out
}

// SumNotes sums the values of bare notes.
func SumNotes(notes []Note) uint64 {
	var total uint64
	for _, n := range notes {
		total += n.Value
	}
	return total
}

// DiversifierIndexLen is the byte length of a diversifier index.
const DiversifierIndexLen = 11

// DiversifierIndex is an 88-bit little-endian cursor used to derive receiving
// addresses. It only ever advances.
type DiversifierIndex [DiversifierIndexLen]byte

// Cmp compares d and o as little-endian integers.
func (d DiversifierIndex) Cmp(o DiversifierIndex) int {
	for i := DiversifierIndexLen - 1; i >= 0; i-- {
		switch {
		case d[i] < o[i]:
			return -1
		case d[i] > o[i]:
			return 1
		}
	}
	return 0
}

// Increment returns d+1. ok is false on overflow.
func (d DiversifierIndex) Increment() (next DiversifierIndex, ok bool) {
	next = d
	for i := 0; i < DiversifierIndexLen; i++ {
		next[i]++
		if next[i] != 0 {
			return next, true
		}
	}
	return next, false
}

func (d DiversifierIndex) IsZero() bool {
	return d == DiversifierIndex{}
}

func (d DiversifierIndex) String() string {
	return hex.EncodeToString(d[:])
}

func (d DiversifierIndex) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *DiversifierIndex) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDiversifierIndex(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDiversifierIndex decodes the hex form produced by String.
func ParseDiversifierIndex(s string) (DiversifierIndex, error) {
	var d DiversifierIndex
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("diversifier index: %w", err)
	}
	if len(raw) != DiversifierIndexLen {
		return d, fmt.Errorf("diversifier index: want %d bytes, got %d", DiversifierIndexLen, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// Transaction is a confirmed chain transaction as delivered in a block.
// Raw is the hex transaction encoding understood by the kernel.
type Transaction struct {
	ID  string `json:"txid"`
	Raw string `json:"raw"`
}

// Block is the unit of chain data consumed by the sync engine.
type Block struct {
	Height       uint64        `json:"height"`
	Transactions []Transaction `json:"transactions"`
}

// ExternalInput is a caller-supplied transparent output to spend instead of
// shielded notes.
type ExternalInput struct {
	TxID         string `json:"txid"`
	Index        uint32 `json:"index"`
	Value        uint64 `json:"value"`
	ScriptPubKey string `json:"script_pubkey"`
}
