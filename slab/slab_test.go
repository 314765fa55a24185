package slab

import (
	"testing"

	"github.com/stretchr/testify/require"

	"memkern/mem"
)

func newTestPPA(t *testing.T, frames int) *mem.PPA {
	t.Helper()
	arena, err := mem.NewArena(frames)
	require.NoError(t, err)
	t.Cleanup(func() { _ = arena.Close() })
	return mem.New(arena, 0)
}

func TestCacheAllocIsZeroed(t *testing.T) {
	ppa := newTestPPA(t, 4)
	var r Registry
	c, ok := r.Create(ppa, 16)
	require.True(t, ok)

	obj, ok := c.Alloc(0, &r)
	require.True(t, ok)
	require.Len(t, obj, 16)
	for _, b := range obj {
		require.Zero(t, b)
	}
}

func TestCacheFillsCapacityThenExtendsChain(t *testing.T) {
	ppa := newTestPPA(t, 8)
	var r Registry
	c, ok := r.Create(ppa, 64)
	require.True(t, ok)
	require.Equal(t, Limit/64, c.capacity)

	var objs [][]byte
	for i := 0; i < c.capacity; i++ {
		obj, ok := c.Alloc(0, &r)
		require.True(t, ok)
		objs = append(objs, obj)
	}
	require.Nil(t, c.next)

	_, ok = c.Alloc(0, &r)
	require.True(t, ok)
	require.NotNil(t, c.next)
}

func TestFreeReleasesFrameAtZeroOccupancy(t *testing.T) {
	ppa := newTestPPA(t, 4)
	var r Registry
	c, ok := r.Create(ppa, 32)
	require.True(t, ok)

	obj, ok := c.Alloc(0, &r)
	require.True(t, ok)
	slab := c.slab
	require.Equal(t, 1, ppa.RefCount(slab))

	head := r.Free(0, c, obj)
	require.Nil(t, head)
	require.Equal(t, 0, ppa.RefCount(slab))
}

func TestFreeSpliceOutOfChainAdvancesHead(t *testing.T) {
	ppa := newTestPPA(t, 8)
	var r Registry
	c, ok := r.Create(ppa, Limit) // capacity 1: every Alloc extends the chain
	require.True(t, ok)

	first, ok := c.Alloc(0, &r)
	require.True(t, ok)
	_, ok = c.Alloc(0, &r)
	require.True(t, ok)
	require.NotNil(t, c.next)
	expectedNext := c.next

	newHead := r.Free(0, c, first)
	require.Same(t, expectedNext, newHead)
}

func TestRegistryExhaustion(t *testing.T) {
	ppa := newTestPPA(t, 256)
	var r Registry
	for i := 0; i < MaxCaches; i++ {
		_, ok := r.Create(ppa, 64)
		require.True(t, ok, "cache %d", i)
	}
	_, ok := r.Create(ppa, 64)
	require.False(t, ok)
}
