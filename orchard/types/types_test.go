package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoteSetMembership(t *testing.T) {
	a := Note{Recipient: "r1", Value: 10, Rseed: "aa"}
	b := Note{Recipient: "r1", Value: 10, Rseed: "bb"}
	set := NoteSet{{Note: a, Witness: "w1"}}

	assert.True(t, set.Contains(a))
	assert.False(t, set.Contains(b))
	assert.Equal(t, uint64(10), set.Total())

	other := NoteSet{{Note: a, Witness: "w2"}, {Note: b, Witness: "w3"}}
	assert.Equal(t, []Note{b}, other.Diff(set))
	assert.Empty(t, set.Diff(other))
}

func TestNoteSetCloneIsIndependent(t *testing.T) {
	set := NoteSet{{Note: Note{Value: 1}}}
	clone := set.Clone()
	clone[0].Witness = "changed"
	assert.Equal(t, "", set[0].Witness)
	assert.NotNil(t, NoteSet(nil).Clone())
}

func TestDiversifierIndexOrdering(t *testing.T) {
	var zero DiversifierIndex
	one, ok := zero.Increment()
	require.True(t, ok)
	assert.Equal(t, 1, one.Cmp(zero))
	assert.Equal(t, -1, zero.Cmp(one))

	var carry DiversifierIndex
	carry[0] = 0xff
	next, ok := carry.Increment()
	require.True(t, ok)
	assert.Equal(t, byte(0), next[0])
	assert.Equal(t, byte(1), next[1])
	assert.Equal(t, 1, next.Cmp(carry))

	var max DiversifierIndex
	for i := range max {
		max[i] = 0xff
	}
	_, ok = max.Increment()
	assert.False(t, ok)
}

func TestDiversifierIndexJSON(t *testing.T) {
	var d DiversifierIndex
	d[0] = 0x2a
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"2a00000000000000000000"`, string(raw))

	var back DiversifierIndex
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, d, back)

	assert.Error(t, json.Unmarshal([]byte(`"2a"`), &back))
}
