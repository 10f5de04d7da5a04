package crdtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		a, b Context
		want Ordering
	}{
		{Context{}, Context{}, Equal},
		{Context{"a": 0}, Context{}, Equal},
		{Context{"a": 1}, Context{"a": 1}, Equal},
		{Context{"a": 1}, Context{"a": 2}, Before},
		{Context{}, Context{"b": 1}, Before},
		{Context{"a": 2, "b": 1}, Context{"a": 2}, After},
		{Context{"a": 2}, Context{"b": 1}, Concurrent},
		{Context{"a": 2, "b": 1}, Context{"a": 1, "b": 2}, Concurrent},
	} {
		assert.Equal(t, tc.want, Compare(tc.a, tc.b), "%v vs %v", tc.a, tc.b)
	}
}

func TestMissing(t *testing.T) {
	t.Parallel()
	a := Context{"a": 3, "b": 5}
	b := Context{"a": 7, "b": 2, "c": 4}
	require.Equal(t, []Range{
		{Peer: "a", From: 4, To: 7},
		{Peer: "c", From: 1, To: 4},
	}, Missing(a, b))
	require.Equal(t, []Range{{Peer: "b", From: 3, To: 5}}, Missing(b, a))
	require.Empty(t, Missing(a, a))
	require.Equal(t, uint64(4), Missing(a, b)[0].Len())
}

func TestContextMerge(t *testing.T) {
	t.Parallel()
	a := Context{"a": 3, "b": 5}
	merged := a.Merge(Context{"a": 4, "c": 1})
	require.Equal(t, Context{"a": 4, "b": 5, "c": 1}, merged)
	require.Equal(t, uint64(3), a["a"], "merge mustn't modify its receiver")
	require.True(t, merged.Covers(OpID{"c", 1}))
	require.False(t, merged.Covers(OpID{"c", 2}))
	require.True(t, merged.Covers(RootID))
}

func TestClockParksGaps(t *testing.T) {
	t.Parallel()
	c := NewClock()
	require.True(t, c.Observe(OpID{"a", 1}))
	require.False(t, c.Observe(OpID{"a", 3}))
	require.False(t, c.Observe(OpID{"a", 4}))
	require.Equal(t, uint64(1), c.Get("a"))
	require.Equal(t, 2, c.Parked())

	require.True(t, c.Observe(OpID{"a", 2}))
	require.Equal(t, uint64(4), c.Get("a"))
	require.Equal(t, 0, c.Parked())

	require.False(t, c.Observe(OpID{"a", 2}), "already observed")
	require.Equal(t, Context{"a": 4}, c.Context())
}

func TestOpIDOrder(t *testing.T) {
	t.Parallel()
	require.True(t, OpID{"z", 1}.Less(OpID{"a", 2}), "counter first")
	require.True(t, OpID{"a", 2}.Less(OpID{"b", 2}), "then peer")
	require.Equal(t, OpID{"b", 2}, maxOpID([]OpID{{"a", 2}, {"b", 2}, {"z", 1}}))
	require.Equal(t, "root", RootID.String())
	require.Equal(t, "2@a", OpID{"a", 2}.String())
}
