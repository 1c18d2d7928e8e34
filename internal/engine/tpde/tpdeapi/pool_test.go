package tpdeapi

import (
	"testing"

	"github.com/tpde-go/tpde/internal/testing/require"
)

func TestPool_AllocateViewReset(t *testing.T) {
	p := NewPool[int](1)
	require.Equal(t, 0, p.Allocated())

	// Cross a page boundary to exercise the paged arena.
	n := poolPageSize*2 + 3
	for i := 0; i < n; i++ {
		idx, v, reused := p.Allocate(0)
		require.False(t, reused)
		require.Equal(t, i, idx)
		*v = i
	}
	require.Equal(t, n, p.Allocated())
	for i := 0; i < n; i++ {
		require.Equal(t, i, *p.View(i))
	}

	p.Reset()
	require.Equal(t, 0, p.Allocated())

	// Reuse after reset hands out zeroed slots again.
	_, v, reused := p.Allocate(0)
	require.False(t, reused)
	require.Equal(t, 0, *v)
	require.Equal(t, 1, p.Allocated())
}

func TestPool_RetireReissuesSameClass(t *testing.T) {
	p := NewPool[[4]byte](3)

	idx, v, _ := p.Allocate(2)
	copy(v[:], "abcd")
	p.Retire(2, idx)

	// Same class gets the retired slot back, contents intact for the
	// caller to reinitialize.
	idx2, v2, reused := p.Allocate(2)
	require.True(t, reused)
	require.Equal(t, idx, idx2)
	require.Equal(t, byte('a'), v2[0])

	// A different class does not see class 2's free list.
	_, _, reused = p.Allocate(1)
	require.False(t, reused)

	// Reset drops the free lists along with the arena.
	p.Retire(2, idx2)
	p.Reset()
	_, _, reused = p.Allocate(2)
	require.False(t, reused)
}

func TestPool_StableAddresses(t *testing.T) {
	p := NewPool[int64](0)
	_, first, _ := p.Allocate(0)
	*first = 42
	for i := 0; i < poolPageSize*3; i++ {
		p.Allocate(0)
	}
	// Growth must not move previously returned slots.
	require.Equal(t, int64(42), *first)
	require.Equal(t, int64(42), *p.View(0))
}
