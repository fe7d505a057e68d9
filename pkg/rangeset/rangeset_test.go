package rangeset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeAdjacent(t *testing.T) {
	rl := NewRangeList()
	rl.Merge(Range{0, 99})
	rl.Merge(Range{100, 199})
	require.Equal(t, 1, rl.Len())
	assert.Equal(t, Range{0, 199}, rl.Ranges()[0])
}

func TestMergeOverlapping(t *testing.T) {
	rl := NewRangeList()
	rl.Merge(Range{0, 50})
	rl.Merge(Range{40, 100})
	require.Equal(t, 1, rl.Len())
	assert.Equal(t, Range{0, 100}, rl.Ranges()[0])
}

func TestMergeDisjoint(t *testing.T) {
	rl := NewRangeList()
	rl.Merge(Range{0, 10})
	rl.Merge(Range{20, 30})
	require.Equal(t, 2, rl.Len())
}

func TestSubtractSplits(t *testing.T) {
	rl := NewRangeList(Range{0, 99})
	rl.Subtract(Range{40, 59})
	require.Equal(t, 2, rl.Len())
	assert.Equal(t, Range{0, 39}, rl.Ranges()[0])
	assert.Equal(t, Range{60, 99}, rl.Ranges()[1])
}

func TestContains(t *testing.T) {
	rl := NewRangeList(Range{0, 99})
	assert.True(t, rl.Contains(Range{10, 20}))
	assert.False(t, rl.Contains(Range{90, 150}))
}

func TestRangeWireRoundTrip(t *testing.T) {
	r := Range{1234, 5678}
	encoded := EncodeRange64(r)
	decoded, n, err := DecodeRange64(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, r, decoded)
}

func TestRangeListWireRoundTrip(t *testing.T) {
	rl := NewRangeList(Range{0, 99}, Range{200, 299})
	encoded := EncodeRangeList64(rl)
	decoded, n, err := DecodeRangeList64(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, rl.Ranges(), decoded.Ranges())
}

func TestTotalBytes(t *testing.T) {
	rl := NewRangeList(Range{0, 9}, Range{20, 29})
	assert.Equal(t, uint64(20), rl.TotalBytes())
}
