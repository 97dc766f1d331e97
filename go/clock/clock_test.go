package clock

import (
	"testing"

	"github.com/stretchr/testify/require"
	"vexfs/go/ids"
)

func TestVectorMergeAndOrdering(t *testing.T) {
	var c1 = Vector{"one": 1, "two": 2, "three": 3}
	var c2 = Vector{"one": 2, "two": 1, "four": 4}

	var merged = c1.Merge(c2)
	require.Equal(t, Vector{"one": 2, "two": 2, "three": 3, "four": 4}, merged)

	require.True(t, c1.Precedes(merged))
	require.True(t, c2.Precedes(merged))
	require.False(t, merged.Precedes(c1))
	require.True(t, c1.Concurrent(c2))
}

func TestVectorAdvanceIsMonotone(t *testing.T) {
	var v Vector
	v = v.Advance(ids.NodeTag("kernel"))
	v = v.Advance(ids.NodeTag("kernel"))
	require.Equal(t, uint64(2), v[ids.NodeTag("kernel")])
}

func TestLamportObserveTakesMax(t *testing.T) {
	var l = NewLamport()
	require.Equal(t, uint64(1), l.Tick())
	require.Equal(t, uint64(11), l.Observe(10))
	require.Equal(t, uint64(12), l.Tick())
}
