// Package mem implements the physical page allocator: the lowest layer of
// the memory subsystem, on which the slab allocator, the page table engine,
// and the virtual memory manager all build.
//
// Physical memory is modeled as an Arena of fixed-size frames addressed by
// index rather than by raw pointer; a Frame is the allocator's only notion
// of "physical address." Free frames are kept on one LIFO freelist per CPU
// so that allocation and free on the common path touch no lock but the
// local one; reference counts live in one shared table, updated atomically,
// since a shared frame's count is touched by whichever CPU drops the last
// or the non-last reference to it.
package mem

import (
	"sync"
	"sync/atomic"

	"memkern/cpu"
)

const (
	// PageShift is the number of low address bits a page offset occupies.
	PageShift = 12
	// PageSize is 4 KiB, the unit of physical allocation.
	PageSize = 1 << PageShift
)

// Frame names a physical page by its index into the allocator's arena.
// Using an index instead of a byte address means "misaligned" is not a
// state a Frame can represent, and "out of range" is just a bounds check.
type Frame int32

// NoFrame is the sentinel for "no frame": an empty freelist slot, a page
// table entry with no backing page, or a failed allocation.
const NoFrame Frame = -1

// freeSentinel is written across a frame's bytes when it returns to the
// freelist, so that a stale reference through an already-freed mapping
// reads back a recognizable pattern instead of silently-plausible zeros.
const freeSentinel = 0xf5

// freelist is one CPU's LIFO stack of free frames. Per §5, a spinlock
// disables interrupts on its local CPU for the duration it's held; irq is
// that bracket, so a timer interrupt can never land a second allocation on
// top of this one through the same CPU while the list is mid-splice.
type freelist struct {
	mu   sync.Mutex
	irq  cpu.Interrupts
	head int32 // Frame, read atomically so Steal can probe without the lock
	n    int32 // atomic; frames currently on this list
}

func (fl *freelist) lock() {
	fl.irq.Push()
	fl.mu.Lock()
}

func (fl *freelist) unlock() {
	fl.mu.Unlock()
	fl.irq.Pop()
}

func (fl *freelist) peek() Frame {
	return Frame(atomic.LoadInt32(&fl.head))
}

// PPA is the physical page allocator.
type PPA struct {
	arena    *Arena
	next     []int32 // Frame; the freelist link for each frame
	refcnt   []int32 // atomic; 0 means the frame is on a freelist
	cpus     [cpu.NCPU]freelist
	reserved int // frames [0, reserved) are off-limits (kernel-resident)
}

// New builds a PPA over arena, reserving frames [0, reserved) for the
// kernel image and handing every remaining frame to CPU 0's freelist, the
// way a single-threaded boot-time kinit() would.
func New(arena *Arena, reserved int) *PPA {
	total := arena.Frames()
	p := &PPA{
		arena:    arena,
		next:     make([]int32, total),
		refcnt:   make([]int32, total),
		reserved: reserved,
	}
	for i := range p.cpus {
		p.cpus[i].head = int32(NoFrame)
	}
	for i := reserved; i < total; i++ {
		p.pushFree(cpu.ID(0), Frame(i))
	}
	return p
}

// Frames reports the total number of frames the arena holds, reserved ones
// included.
func (p *PPA) Frames() int { return len(p.refcnt) }

// Page returns the bytes backing frame f.
func (p *PPA) Page(f Frame) []byte { return p.arena.Page(f) }

// Alloc removes a frame from c's freelist, stealing from another CPU's list
// if c's is empty, zeroes it, sets its refcount to 1, and returns it. It
// reports false if every freelist was empty.
func (p *PPA) Alloc(c cpu.ID) (Frame, bool) {
	f, ok := p.alloc(c)
	if !ok {
		return NoFrame, false
	}
	clear(p.arena.Page(f))
	atomic.StoreInt32(&p.refcnt[f], 1)
	return f, true
}

// AllocRaw is Alloc without the zero-fill, for callers about to overwrite
// every byte themselves (the copy-on-write fault path copies the old
// frame's contents into the new one immediately after allocating it).
func (p *PPA) AllocRaw(c cpu.ID) (Frame, bool) {
	f, ok := p.alloc(c)
	if !ok {
		return NoFrame, false
	}
	atomic.StoreInt32(&p.refcnt[f], 1)
	return f, true
}

func (p *PPA) alloc(c cpu.ID) (Frame, bool) {
	if f, ok := p.popFree(c); ok {
		return f, true
	}
	return p.steal(c)
}

func (p *PPA) popFree(c cpu.ID) (Frame, bool) {
	cl := &p.cpus[c]
	cl.lock()
	f := Frame(cl.head)
	if f != NoFrame {
		cl.head = p.next[f]
		atomic.AddInt32(&cl.n, -1)
	}
	cl.unlock()
	return f, f != NoFrame
}

// steal looks for a free frame on another CPU's list. The lock it acquires
// while scanning is released before returning; at most one freelist lock is
// ever held at a time, so unlike a design that holds the local list's lock
// across the whole scan, two CPUs stealing from each other concurrently
// cannot deadlock regardless of scan order. Each candidate is probed via
// the lock-free peek first so an empty list costs no lock acquisition.
func (p *PPA) steal(self cpu.ID) (Frame, bool) {
	for i := 0; i < cpu.NCPU; i++ {
		victim := cpu.ID((int(self) + i) % cpu.NCPU)
		cl := &p.cpus[victim]
		if cl.peek() == NoFrame {
			continue
		}
		cl.lock()
		f := Frame(cl.head)
		if f == NoFrame {
			cl.unlock()
			continue
		}
		cl.head = p.next[f]
		atomic.AddInt32(&cl.n, -1)
		cl.unlock()
		return f, true
	}
	return NoFrame, false
}

// pushFree links f onto c's freelist. It does not touch the refcount table;
// callers (Free, RefDec, and New's initial build-out) are responsible for
// only pushing a frame once nothing else may reference it.
func (p *PPA) pushFree(c cpu.ID, f Frame) {
	page := p.arena.Page(f)
	for i := range page {
		page[i] = freeSentinel
	}
	cl := &p.cpus[c]
	cl.lock()
	p.next[f] = cl.head
	cl.head = int32(f)
	atomic.AddInt32(&cl.n, 1)
	cl.unlock()
}

// Free returns f to c's freelist unconditionally, resetting its reference
// count to zero. It panics if f falls inside the kernel-reserved region or
// outside the arena: both indicate a caller bug, not a recoverable runtime
// condition.
func (p *PPA) Free(c cpu.ID, f Frame) {
	if int(f) < p.reserved || int(f) >= len(p.refcnt) {
		panic("mem: Free: frame out of range")
	}
	atomic.StoreInt32(&p.refcnt[f], 0)
	p.pushFree(c, f)
}

// AllocCurrent is Alloc for a caller with no scheduler-supplied cpu.ID of
// its own: it reads cpu.Current() once and allocates on that CPU. The read
// itself is not wrapped in an interrupt-disable bracket; only the freelist
// lock taken afterwards is.
func (p *PPA) AllocCurrent() (Frame, bool) {
	return p.Alloc(cpu.Current())
}

// FreeCurrent is Free for a caller with no scheduler-supplied cpu.ID.
func (p *PPA) FreeCurrent(f Frame) {
	p.Free(cpu.Current(), f)
}

// RefInc bumps f's reference count. It panics if f's count was not already
// positive: incrementing a free frame's refcount is always a caller bug.
func (p *PPA) RefInc(f Frame) {
	if atomic.AddInt32(&p.refcnt[f], 1) <= 1 {
		panic("mem: RefInc on a frame with no existing reference")
	}
}

// RefDec drops f's reference count by one, returning it to c's freelist and
// reporting true if the count reached zero. It panics on underflow.
func (p *PPA) RefDec(c cpu.ID, f Frame) bool {
	n := atomic.AddInt32(&p.refcnt[f], -1)
	switch {
	case n < 0:
		panic("mem: RefDec: refcount underflow")
	case n == 0:
		p.pushFree(c, f)
		return true
	default:
		return false
	}
}

// RefCount reports f's current reference count.
func (p *PPA) RefCount(f Frame) int {
	return int(atomic.LoadInt32(&p.refcnt[f]))
}

// NFreeLocal reports the number of frames on c's own freelist, not
// counting frames reachable only by stealing from another CPU.
func (p *PPA) NFreeLocal(c cpu.ID) int {
	return int(atomic.LoadInt32(&p.cpus[c].n))
}

// NFree reports the total number of free frames across every CPU's list.
func (p *PPA) NFree() int {
	total := 0
	for i := range p.cpus {
		total += int(atomic.LoadInt32(&p.cpus[i].n))
	}
	return total
}
