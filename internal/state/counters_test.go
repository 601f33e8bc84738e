package state

import (
	"testing"

	"github.com/chirino/notesync/internal/model"
	"github.com/stretchr/testify/require"
)

func TestAdjustClampsAtZero(t *testing.T) {
	c := NewCounters()
	c.Adjust("g1", -3)
	require.EqualValues(t, 0, c.Get("g1"))

	// Out-of-order decrements never drive a count negative.
	c.Adjust("g1", 2)
	c.Adjust("g1", -1)
	c.Adjust("g1", -5)
	c.Adjust("g1", 1)
	require.EqualValues(t, 1, c.Get("g1"))
}

func TestRecountReplacesVirtualCountsWholesale(t *testing.T) {
	c := NewCounters()
	c.Adjust(model.VirtualAll, 7)
	c.Adjust(model.VirtualPinned, 4)
	c.Set("g1", 3)

	c.Recount(model.OwnerStats{All: 10, Pinned: 1, Locked: 2})

	require.EqualValues(t, 10, c.Get(model.VirtualAll))
	require.EqualValues(t, 1, c.Get(model.VirtualPinned))
	require.EqualValues(t, 2, c.Get(model.VirtualLocked))
	// Per-group counts are not part of the wholesale replacement.
	require.EqualValues(t, 3, c.Get("g1"))
}

func TestLookupAndForget(t *testing.T) {
	c := NewCounters()
	_, ok := c.Lookup("g1")
	require.False(t, ok)

	c.Set("g1", 2)
	n, ok := c.Lookup("g1")
	require.True(t, ok)
	require.EqualValues(t, 2, n)

	c.Forget("g1")
	_, ok = c.Lookup("g1")
	require.False(t, ok)
}
