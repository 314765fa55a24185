package pgtbl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"memkern/mem"
)

func newTestEngine(t *testing.T, frames int) (*Engine, mem.Frame) {
	t.Helper()
	arena, err := mem.NewArena(frames)
	require.NoError(t, err)
	t.Cleanup(func() { _ = arena.Close() })
	ppa := mem.New(arena, 0)
	e := New(ppa)
	root, ok := e.CreateRoot(0)
	require.True(t, ok)
	return e, root
}

func TestWalkAllocatesInteriorTables(t *testing.T) {
	e, root := newTestEngine(t, 64)
	va := uintptr(0x4000)
	pte, ok := e.Walk(0, root, va, true)
	require.True(t, ok)
	require.Zero(t, *pte&V)
}

func TestWalkWithoutAllocMissesUnmapped(t *testing.T) {
	e, root := newTestEngine(t, 64)
	_, ok := e.Walk(0, root, 0x8000, false)
	require.False(t, ok)
}

func TestInstallLeafThenWalkAddr(t *testing.T) {
	e, root := newTestEngine(t, 64)
	f, ok := e.PPA().Alloc(0)
	require.True(t, ok)
	require.NoError(t, e.InstallLeaf(0, root, 0, f, R|W|U))

	got, ok := e.WalkAddr(0, root, 100)
	require.True(t, ok)
	require.Equal(t, f, got)
}

func TestInstallLeafPanicsOnRemap(t *testing.T) {
	e, root := newTestEngine(t, 64)
	f, _ := e.PPA().Alloc(0)
	require.NoError(t, e.InstallLeaf(0, root, 0, f, R|W|U))
	require.Panics(t, func() {
		_ = e.InstallLeaf(0, root, 0, f, R|W|U)
	})
}

func TestMapRangeContiguous(t *testing.T) {
	e, root := newTestEngine(t, 64)
	f, ok := e.PPA().Alloc(0)
	require.True(t, ok)
	require.NoError(t, e.MapRange(0, root, 0, 3*mem.PageSize, f, R|W|U))

	for i := 0; i < 3; i++ {
		got, ok := e.WalkAddr(0, root, uintptr(i*mem.PageSize))
		require.True(t, ok)
		require.Equal(t, f+mem.Frame(i), got)
	}
}

func TestUnmapRangeFreesFrames(t *testing.T) {
	e, root := newTestEngine(t, 64)
	f, _ := e.PPA().Alloc(0)
	require.NoError(t, e.InstallLeaf(0, root, 0, f, R|W|U))

	e.UnmapRange(0, root, 0, mem.PageSize, true)
	_, ok := e.WalkAddr(0, root, 0)
	require.False(t, ok)
	require.Equal(t, 0, e.PPA().RefCount(f))
}

func TestUnmapRangeSkipsMissingLeaves(t *testing.T) {
	e, root := newTestEngine(t, 64)
	// No mappings installed; must not panic or touch anything.
	e.UnmapRange(0, root, 0, 4*mem.PageSize, true)
}

func TestCopyUserSharesFrameCOW(t *testing.T) {
	e, root := newTestEngine(t, 64)
	f, _ := e.PPA().Alloc(0)
	require.NoError(t, e.InstallLeaf(0, root, 0, f, R|W|U))

	child, ok := e.CreateRoot(0)
	require.True(t, ok)
	require.NoError(t, e.CopyUser(0, root, child, mem.PageSize))

	parentPTE, ok := e.Walk(0, root, 0, false)
	require.True(t, ok)
	require.Zero(t, *parentPTE&W)
	require.NotZero(t, *parentPTE&C)

	childFrame, ok := e.WalkAddr(0, child, 0)
	require.True(t, ok)
	require.Equal(t, f, childFrame)
	require.Equal(t, 2, e.PPA().RefCount(f))
}

func TestFreeUserReclaimsEverything(t *testing.T) {
	e, root := newTestEngine(t, 64)
	// MapRange maps contiguous frames, so both must be allocated; the LIFO
	// freelist hands them out in descending order.
	hi, _ := e.PPA().Alloc(0)
	lo, _ := e.PPA().Alloc(0)
	require.Equal(t, hi, lo+1)
	require.NoError(t, e.MapRange(0, root, 0, 2*mem.PageSize, lo, R|W|U))

	// FreeUser releases the root too, so the whole arena is free again.
	e.FreeUser(0, root, 2*mem.PageSize)
	require.Equal(t, e.PPA().Frames(), e.PPA().NFree())
}

func TestCopyOutLazilyAllocates(t *testing.T) {
	e, root := newTestEngine(t, 64)
	msg := []byte("hello, world")
	require.NoError(t, e.CopyOut(0, root, 16, msg))

	out := make([]byte, len(msg))
	require.NoError(t, e.CopyIn(0, root, out, 16))
	require.Equal(t, msg, out)
}

func TestCopyOutResolvesCOW(t *testing.T) {
	e, root := newTestEngine(t, 64)
	f, _ := e.PPA().Alloc(0)
	page := e.PPA().Page(f)
	copy(page, []byte("original"))
	require.NoError(t, e.InstallLeaf(0, root, 0, f, R|W|U))

	child, _ := e.CreateRoot(0)
	require.NoError(t, e.CopyUser(0, root, child, mem.PageSize))

	require.NoError(t, e.CopyOut(0, child, 0, []byte("CHANGED!")))

	parentFrame, _ := e.WalkAddr(0, root, 0)
	require.Equal(t, "original", string(e.PPA().Page(parentFrame)[:8]))

	childFrame, _ := e.WalkAddr(0, child, 0)
	require.NotEqual(t, parentFrame, childFrame)
	require.Equal(t, "CHANGED!", string(e.PPA().Page(childFrame)[:8]))
}

func TestCopyInStrStopsAtNUL(t *testing.T) {
	e, root := newTestEngine(t, 64)
	require.NoError(t, e.CopyOut(0, root, 0, append([]byte("hi\x00garbage"))))

	buf := make([]byte, 32)
	n, err := e.CopyInStr(0, root, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))
}
