package stratum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTailAllocatorSingleByteUntilBoundary(t *testing.T) {
	a := NewTailAllocator()
	var last []byte
	for i := 0; i < 254; i++ {
		v, enc, err := a.Allocate()
		require.NoError(t, err)
		assert.Len(t, enc, 1, "allocation %d should still be single-byte", i+1)
		assert.Equal(t, uint32(i+1), v)
		last = enc
	}
	assert.Equal(t, byte(0xfe), last[0], "the 254th allocation must be 0xfe")

	_, enc255, err := a.Allocate()
	require.NoError(t, err)
	assert.Len(t, enc255, 2, "the 255th allocation must roll over to two bytes")
	assert.Equal(t, []byte{0x01, 0x00}, enc255)
}

func TestTailAllocatorNeverIssuesZero(t *testing.T) {
	a := NewTailAllocator()
	for i := 0; i < 300; i++ {
		v, _, err := a.Allocate()
		require.NoError(t, err)
		assert.NotZero(t, v)
	}
}

func TestTailAllocatorNoDuplicatesAfterRelease(t *testing.T) {
	a := NewTailAllocator()
	v1, _, err := a.Allocate()
	require.NoError(t, err)
	a.Release(v1)

	seen := make(map[uint32]bool)
	for i := 0; i < 10; i++ {
		v, _, err := a.Allocate()
		require.NoError(t, err)
		assert.False(t, seen[v], "tail %d reallocated while still in use", v)
		seen[v] = true
	}
}

func TestTailAllocatorUniqueAcrossManyAllocations(t *testing.T) {
	a := NewTailAllocator()
	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		v, _, err := a.Allocate()
		require.NoError(t, err)
		require.False(t, seen[v], "duplicate tail %d allocated", v)
		seen[v] = true
	}
}
