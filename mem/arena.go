package mem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Arena is the backing store for every frame the allocator can hand out.
// It is a single anonymous mmap, so zeroing a frame or filling it with the
// free-sentinel is a plain byte-slice write instead of a hardware poke,
// while still exercising a real page-granular mapping underneath.
type Arena struct {
	bytes []byte
}

// NewArena reserves room for n frames.
func NewArena(n int) (*Arena, error) {
	size := n * PageSize
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mem: mmap arena of %d frames: %w", n, err)
	}
	return &Arena{bytes: b}, nil
}

// Page returns the PageSize-byte window backing frame f. The returned slice
// aliases the arena; callers must not retain it past the frame's lifetime.
func (a *Arena) Page(f Frame) []byte {
	off := int(f) * PageSize
	return a.bytes[off : off+PageSize : off+PageSize]
}

// Frames reports the arena's capacity in frames.
func (a *Arena) Frames() int { return len(a.bytes) / PageSize }

// Close releases the backing mapping. Arenas are normally process-lifetime;
// Close exists for tests that construct many short-lived allocators.
func (a *Arena) Close() error {
	return unix.Munmap(a.bytes)
}
