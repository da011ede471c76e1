package battle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPending_ConsumeAtMostOnce(t *testing.T) {
	p := NewPending()
	p.Record("p1", 1, "우리는")

	text, ok := p.Consume("p1", 1)
	require.True(t, ok)
	assert.Equal(t, "우리는", text)

	text, ok = p.Consume("p1", 1)
	assert.False(t, ok)
	assert.Empty(t, text)
}

func TestPending_RecordOverwrites(t *testing.T) {
	p := NewPending()
	p.Record("p1", 2, "first")
	p.Record("p1", 2, "second")

	text, ok := p.Consume("p1", 2)
	require.True(t, ok)
	assert.Equal(t, "second", text)
	assert.Equal(t, 0, p.Len())
}

func TestPending_KeysAreScopedByPlayerAndRound(t *testing.T) {
	p := NewPending()
	p.Record("p1", 1, "mine")
	p.Record("p2", 1, "theirs")
	p.Record("p1", 2, "later")

	text, ok := p.Consume("p2", 1)
	require.True(t, ok)
	assert.Equal(t, "theirs", text)
	assert.Equal(t, 2, p.Len())
}
