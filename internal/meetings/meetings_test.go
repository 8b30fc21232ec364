package meetings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndLookup(t *testing.T) {
	m := NewManager()
	created := m.Create("Weekly sync", "2026-09-02T10:00:00Z")

	require.NotEmpty(t, created.ID)
	require.Len(t, created.Token, 8)
	assert.Equal(t, "Weekly sync", created.Title)
	assert.NotZero(t, created.CreatedAt)

	byID, ok := m.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, created, byID)

	byToken, ok := m.GetByToken(created.Token)
	require.True(t, ok)
	assert.Equal(t, created, byToken)
}

func TestCreateDefaultsTitle(t *testing.T) {
	m := NewManager()
	created := m.Create("", "")
	assert.Equal(t, "Untitled Meeting", created.Title)
}

func TestUnknownLookups(t *testing.T) {
	m := NewManager()
	_, ok := m.Get("nope")
	assert.False(t, ok)
	_, ok = m.GetByToken("nope")
	assert.False(t, ok)
}

func TestListSnapshot(t *testing.T) {
	m := NewManager()
	m.Create("a", "")
	m.Create("b", "")
	assert.Len(t, m.List(), 2)
}
