package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"memkern/cpu"
)

func newTestPPA(t *testing.T, frames, reserved int) *PPA {
	t.Helper()
	arena, err := NewArena(frames)
	require.NoError(t, err)
	t.Cleanup(func() { _ = arena.Close() })
	return New(arena, reserved)
}

func TestAllocZeroesAndSetsRefcountOne(t *testing.T) {
	p := newTestPPA(t, 16, 0)
	page := p.Page(0)
	for i := range page {
		page[i] = 0xaa
	}
	p.pushFree(0, 0)

	f, ok := p.Alloc(0)
	require.True(t, ok)
	require.Equal(t, Frame(0), f)
	require.Equal(t, 1, p.RefCount(f))
	for _, b := range p.Page(f) {
		require.Zero(t, b)
	}
}

func TestFreeFillsSentinel(t *testing.T) {
	p := newTestPPA(t, 4, 0)
	f, ok := p.Alloc(0)
	require.True(t, ok)
	require.True(t, p.RefDec(0, f))
	for _, b := range p.Page(f) {
		require.EqualValues(t, freeSentinel, b)
	}
}

func TestRefIncRefDecLifecycle(t *testing.T) {
	p := newTestPPA(t, 4, 0)
	f, ok := p.Alloc(0)
	require.True(t, ok)

	p.RefInc(f)
	require.Equal(t, 2, p.RefCount(f))

	require.False(t, p.RefDec(0, f))
	require.Equal(t, 1, p.RefCount(f))
	require.True(t, p.RefDec(0, f))
	require.Equal(t, 0, p.RefCount(f))
}

func TestRefDecUnderflowPanics(t *testing.T) {
	p := newTestPPA(t, 4, 0)
	f, ok := p.Alloc(0)
	require.True(t, ok)
	require.True(t, p.RefDec(0, f))
	require.Panics(t, func() { p.RefDec(0, f) })
}

func TestAllocReturnsFalseOnExhaustion(t *testing.T) {
	p := newTestPPA(t, 2, 0)
	_, ok1 := p.Alloc(0)
	_, ok2 := p.Alloc(0)
	_, ok3 := p.Alloc(0)
	require.True(t, ok1)
	require.True(t, ok2)
	require.False(t, ok3)
}

// TestStealCrossesCPUs exercises the path where a CPU's own freelist is
// empty but a sibling's is not: every frame was handed to CPU 0 at
// construction, so allocating from any other CPU must steal.
func TestStealCrossesCPUs(t *testing.T) {
	p := newTestPPA(t, 8, 0)
	f, ok := p.Alloc(3)
	require.True(t, ok)
	require.NotEqual(t, NoFrame, f)
	require.Equal(t, 1, p.RefCount(f))
}

// TestConcurrentAllocFree drives every CPU's Alloc/Free path concurrently to
// catch a freelist corruption or refcount race under -race.
func TestConcurrentAllocFree(t *testing.T) {
	const frames = 256
	p := newTestPPA(t, frames, 0)

	var g errgroup.Group
	for c := 0; c < cpu.NCPU; c++ {
		c := cpu.ID(c)
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				f, ok := p.Alloc(c)
				if !ok {
					continue
				}
				p.RefDec(c, f)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, frames, p.NFree())
}

// TestAllocFreeCurrentPinsToSchedulerCPU exercises the self-pinning entry
// points, which read cpu.Current() instead of taking a cpu.ID from the
// caller.
func TestAllocFreeCurrentPinsToSchedulerCPU(t *testing.T) {
	p := newTestPPA(t, 4, 0)
	f, ok := p.AllocCurrent()
	require.True(t, ok)
	require.Equal(t, 1, p.RefCount(f))
	p.FreeCurrent(f)
	require.Equal(t, 0, p.RefCount(f))
}

func TestNewReservesKernelRegion(t *testing.T) {
	p := newTestPPA(t, 10, 4)
	require.Panics(t, func() { p.Free(0, 2) })
	for i := 0; i < 4; i++ {
		require.Equal(t, 0, p.RefCount(Frame(i)))
	}
}
