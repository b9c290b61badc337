package mission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssociateAndLookup(t *testing.T) {
	idx := NewIndex()
	idx.Associate("C1", "M1")
	idx.Associate("C2", "M1")

	m, ok := idx.MissionOf("C1")
	require.True(t, ok)
	assert.Equal(t, "M1", m)
	assert.ElementsMatch(t, []string{"C1", "C2"}, idx.ClientsOf("M1"))
}

func TestBothDirectionsStayConsistent(t *testing.T) {
	idx := NewIndex()
	idx.Associate("C1", "M1")

	// Moving a client to a new mission removes it from the old set.
	idx.Associate("C1", "M2")
	assert.Empty(t, idx.ClientsOf("M1"))
	assert.ElementsMatch(t, []string{"C1"}, idx.ClientsOf("M2"))

	m, ok := idx.MissionOf("C1")
	require.True(t, ok)
	assert.Equal(t, "M2", m)
}

func TestDissociateDropsEmptyMissionKey(t *testing.T) {
	idx := NewIndex()
	idx.Associate("C1", "M1")
	idx.Dissociate("C1")

	_, ok := idx.MissionOf("C1")
	assert.False(t, ok)
	assert.Empty(t, idx.ClientsOf("M1"))

	// Dissociating an unknown client is a no-op.
	idx.Dissociate("C9")
}

func TestAssociateIgnoresEmptyIDs(t *testing.T) {
	idx := NewIndex()
	idx.Associate("", "M1")
	idx.Associate("C1", "")
	assert.Empty(t, idx.ClientsOf("M1"))
	_, ok := idx.MissionOf("C1")
	assert.False(t, ok)
}

func TestReassociateSameMissionIsIdempotent(t *testing.T) {
	idx := NewIndex()
	idx.Associate("C1", "M1")
	idx.Associate("C1", "M1")
	assert.ElementsMatch(t, []string{"C1"}, idx.ClientsOf("M1"))
}
