// Package pgtbl implements the page table engine: a three-level radix tree
// mapping virtual addresses to the physical page allocator's frames, built
// from frames it allocates for its own interior nodes.
//
// Each level indexes 512 entries (nine address bits); three levels plus a
// twelve-bit page offset give a 39-bit virtual address space, the same
// shape as a 3-level Sv39-style MMU. A table's storage is a PPA frame
// interpreted as an array of entries rather than raw hardware PTE bits, so
// an entry packs a Frame index and a small flag set instead of a physical
// address and a CPU-defined bit layout.
package pgtbl

import (
	"unsafe"

	"memkern/cpu"
	"memkern/errs"
	"memkern/mem"
	"memkern/util"
)

const (
	entryBits       = 9
	EntriesPerLevel = 1 << entryBits
	Levels          = 3
)

// MaxVA is the first virtual address the three levels of this table cannot
// address.
const MaxVA = uintptr(1) << (entryBits*Levels + mem.PageShift)

// PTE is one page table entry: a Frame index in the high bits and a flag
// set in the low bits.
type PTE uint64

const (
	V PTE = 1 << iota // present
	R                 // readable
	W                 // writable
	X                 // executable
	U                 // user-accessible
	_                 // reserved, kept for bit-layout parity with the flags list below
	A                 // accessed
	D                 // dirty
	C                 // copy-on-write: frame is shared read-only pending a private copy
)

const frameShift = 16
const flagMask = PTE(1<<frameShift - 1)

func mkpte(f mem.Frame, flags PTE) PTE {
	return PTE(uint64(f)<<frameShift) | (flags & flagMask)
}

// MakePTE builds a raw entry from a frame and a flag set, for callers
// outside this package (the fault handler's copy-on-write resolution path)
// that need to install an entry directly rather than through Walk.
func MakePTE(f mem.Frame, flags PTE) PTE { return mkpte(f, flags) }

// Frame returns the entry's backing frame. Only meaningful if V is set.
func (p PTE) Frame() mem.Frame { return mem.Frame(uint64(p) >> frameShift) }

// Flags returns the entry's flag bits.
func (p PTE) Flags() PTE { return p & flagMask }

func entries(ppa *mem.PPA, f mem.Frame) *[EntriesPerLevel]PTE {
	return (*[EntriesPerLevel]PTE)(unsafe.Pointer(&ppa.Page(f)[0]))
}

func pageIndex(va uintptr, level int) uintptr {
	shift := uintptr(mem.PageShift + level*entryBits)
	return (va >> shift) & (EntriesPerLevel - 1)
}

// Engine walks and mutates page tables backed by a physical page allocator.
type Engine struct {
	ppa *mem.PPA
}

// New builds an engine over ppa.
func New(ppa *mem.PPA) *Engine { return &Engine{ppa: ppa} }

// PPA returns the allocator backing this engine's tables and leaf frames.
func (e *Engine) PPA() *mem.PPA { return e.ppa }

// CreateRoot allocates a fresh, empty top-level table, suitable as the root
// of a new address space.
func (e *Engine) CreateRoot(c cpu.ID) (mem.Frame, bool) {
	return e.ppa.Alloc(c)
}

// Walk returns a pointer to the leaf PTE for va within root, allocating
// interior (non-leaf) tables along the way if alloc is true and one is
// missing. It never allocates the leaf frame itself — that is the caller's
// job once Walk hands back an empty slot. It panics if va is outside the
// address space this engine's tables can represent.
func (e *Engine) Walk(c cpu.ID, root mem.Frame, va uintptr, alloc bool) (*PTE, bool) {
	if va >= MaxVA {
		panic("pgtbl: Walk: va exceeds MaxVA")
	}
	table := root
	for level := Levels - 1; level > 0; level-- {
		ents := entries(e.ppa, table)
		pte := &ents[pageIndex(va, level)]
		if *pte&V != 0 {
			table = pte.Frame()
			continue
		}
		if !alloc {
			return nil, false
		}
		nf, ok := e.ppa.Alloc(c)
		if !ok {
			return nil, false
		}
		*pte = mkpte(nf, V)
		table = nf
	}
	ents := entries(e.ppa, table)
	return &ents[pageIndex(va, 0)], true
}

// WalkAddr translates va to its backing frame, reporting false if no valid
// leaf mapping exists.
func (e *Engine) WalkAddr(c cpu.ID, root mem.Frame, va uintptr) (mem.Frame, bool) {
	if va >= MaxVA {
		return mem.NoFrame, false
	}
	pte, ok := e.Walk(c, root, va, false)
	if !ok || pte == nil || *pte&V == 0 {
		return mem.NoFrame, false
	}
	return pte.Frame(), true
}

// InstallLeaf maps the single page at va to f with the given flags. It
// panics if a valid leaf is already installed there: callers are expected
// to have already checked for (and handled) a racing or stale mapping.
func (e *Engine) InstallLeaf(c cpu.ID, root mem.Frame, va uintptr, f mem.Frame, flags PTE) error {
	pte, ok := e.Walk(c, root, va, true)
	if !ok {
		return errs.ENoMem
	}
	if *pte&V != 0 {
		panic("pgtbl: InstallLeaf: remap")
	}
	*pte = mkpte(f, flags|V)
	return nil
}

// MapRange installs len(size)/PageSize consecutive leaf mappings starting
// at va, to the frames starting at f and assumed to be contiguous in frame
// index exactly as they are contiguous in the backing arena. It panics if
// any page in the range is already mapped.
func (e *Engine) MapRange(c cpu.ID, root mem.Frame, va, size uintptr, f mem.Frame, flags PTE) error {
	if size == 0 {
		panic("pgtbl: MapRange: zero size")
	}
	a := util.Rounddown(va, uintptr(mem.PageSize))
	last := util.Rounddown(va+size-1, uintptr(mem.PageSize))
	cur := f
	for {
		if err := e.InstallLeaf(c, root, a, cur, flags); err != nil {
			return err
		}
		if a == last {
			return nil
		}
		a += mem.PageSize
		cur++
	}
}

// UnmapRange clears every leaf mapping in [va, va+size), skipping pages
// that have no mapping. If freeFrames is true, each unmapped frame's
// reference count is dropped, returning it to the allocator once nothing
// else holds it. It panics if a present entry in the range is an interior
// (non-leaf) table, which indicates the caller passed a misaligned or
// oversized range.
func (e *Engine) UnmapRange(c cpu.ID, root mem.Frame, va, size uintptr, freeFrames bool) {
	a := util.Rounddown(va, uintptr(mem.PageSize))
	last := util.Rounddown(va+size-1, uintptr(mem.PageSize))
	for {
		pte, ok := e.Walk(c, root, a, false)
		if ok && *pte&V != 0 {
			if pte.Flags()&(R|W|X) == 0 {
				panic("pgtbl: UnmapRange: not a leaf")
			}
			if freeFrames {
				e.ppa.RefDec(c, pte.Frame())
			}
			*pte = 0
		}
		if a == last {
			return
		}
		a += mem.PageSize
	}
}

// freeWalk recursively frees every interior table reachable from table,
// then table itself. It panics if it encounters a leaf: callers must
// unmap every leaf (UnmapRange) before calling FreeUser.
func (e *Engine) freeWalk(c cpu.ID, table mem.Frame) {
	ents := entries(e.ppa, table)
	for i := range ents {
		pte := ents[i]
		if pte&V == 0 {
			continue
		}
		if pte.Flags()&(R|W|X) != 0 {
			panic("pgtbl: freeWalk: leftover leaf")
		}
		e.freeWalk(c, pte.Frame())
		ents[i] = 0
	}
	e.ppa.RefDec(c, table)
}

// FreeUser unmaps and frees every page in [0, sz) and then every interior
// table of root, finally freeing root itself.
func (e *Engine) FreeUser(c cpu.ID, root mem.Frame, sz uintptr) {
	if sz > 0 {
		e.UnmapRange(c, root, 0, sz, true)
	}
	e.freeWalk(c, root)
}

// CopyUser installs, in dst, a copy-on-write mirror of every valid leaf
// mapping in src's [0, sz) range: the same physical frame is shared by both
// address spaces, writable cleared and C set on both copies of the entry,
// and the frame's reference count bumped once per new sharer. On failure
// it unwinds everything it had already installed in dst.
func (e *Engine) CopyUser(c cpu.ID, src, dst mem.Frame, sz uintptr) error {
	var i uintptr
	for i = 0; i < sz; i += mem.PageSize {
		pte, ok := e.Walk(c, src, i, false)
		if !ok || *pte&V == 0 {
			continue
		}
		frame := pte.Frame()
		flags := (pte.Flags() &^ W) | C
		if err := e.InstallLeaf(c, dst, i, frame, flags); err != nil {
			if i > 0 {
				e.UnmapRange(c, dst, 0, i, true)
			}
			return err
		}
		*pte = mkpte(frame, flags)
		e.ppa.RefInc(frame)
	}
	return nil
}

// ClearUserGuard strips the U flag from the leaf mapping va, turning it
// into a stack guard page: any user-mode access faults, while the mapping
// (and its frame) remain intact for the kernel's own use.
func (e *Engine) ClearUserGuard(c cpu.ID, root mem.Frame, va uintptr) {
	pte, ok := e.Walk(c, root, va, false)
	if !ok || *pte&V == 0 {
		panic("pgtbl: ClearUserGuard: unmapped")
	}
	*pte &^= U
}

// CopyOut copies src into the user address space at dst, allocating a
// fresh zero-filled frame for any page in the range with no mapping yet,
// and resolving a copy-on-write page (cleared W, set C) into a private
// copy before writing through it.
func (e *Engine) CopyOut(c cpu.ID, root mem.Frame, dst uintptr, src []byte) error {
	for len(src) > 0 {
		va0 := util.Rounddown(dst, uintptr(mem.PageSize))
		if va0 >= MaxVA {
			return errs.EFault
		}
		pa, err := e.resolveWritable(c, root, va0)
		if err != nil {
			return err
		}
		off := dst - va0
		n := uintptr(mem.PageSize) - off
		if n > uintptr(len(src)) {
			n = uintptr(len(src))
		}
		copy(e.ppa.Page(pa)[off:], src[:n])
		src = src[n:]
		dst = va0 + mem.PageSize
	}
	return nil
}

// resolveWritable returns a frame at va that is safe to write through,
// lazily allocating or copy-on-write-resolving it first if needed.
func (e *Engine) resolveWritable(c cpu.ID, root mem.Frame, va uintptr) (mem.Frame, error) {
	pte, ok := e.Walk(c, root, va, true)
	if !ok {
		return mem.NoFrame, errs.ENoMem
	}
	switch {
	case *pte&V == 0:
		nf, ok := e.ppa.Alloc(c)
		if !ok {
			return mem.NoFrame, errs.ENoMem
		}
		*pte = mkpte(nf, V|R|W|X|U)
		return nf, nil
	case pte.Flags()&W == 0 && pte.Flags()&C != 0:
		old := pte.Frame()
		nf, ok := e.ppa.AllocRaw(c)
		if !ok {
			return mem.NoFrame, errs.ENoMem
		}
		copy(e.ppa.Page(nf), e.ppa.Page(old))
		e.ppa.RefDec(c, old)
		*pte = mkpte(nf, (pte.Flags()&^C)|W)
		return nf, nil
	default:
		return pte.Frame(), nil
	}
}

// CopyIn copies the user address space's [src, src+len(dst)) into dst,
// lazily allocating a zero-filled frame for any unmapped page in the
// range. Unlike CopyOut it never resolves a copy-on-write page: a read
// never needs a private copy.
func (e *Engine) CopyIn(c cpu.ID, root mem.Frame, dst []byte, src uintptr) error {
	for len(dst) > 0 {
		va0 := util.Rounddown(src, uintptr(mem.PageSize))
		if va0 >= MaxVA {
			return errs.EFault
		}
		pte, ok := e.Walk(c, root, va0, true)
		if !ok {
			return errs.ENoMem
		}
		if *pte&V == 0 {
			nf, ok := e.ppa.Alloc(c)
			if !ok {
				return errs.ENoMem
			}
			*pte = mkpte(nf, V|R|W|X|U)
		}
		off := src - va0
		n := uintptr(mem.PageSize) - off
		if n > uintptr(len(dst)) {
			n = uintptr(len(dst))
		}
		copy(dst[:n], e.ppa.Page(pte.Frame())[off:])
		dst = dst[n:]
		src = va0 + mem.PageSize
	}
	return nil
}

// CopyInStr copies a NUL-terminated string from the user address space at
// src into dst, stopping at the terminator (not copied) or when dst fills.
// It does not lazily allocate: an unmapped page is a fault, matching the
// expectation that a string argument was already touched by its writer.
func (e *Engine) CopyInStr(c cpu.ID, root mem.Frame, dst []byte, src uintptr) (int, error) {
	n := 0
	for n < len(dst) {
		va0 := util.Rounddown(src, uintptr(mem.PageSize))
		frame, ok := e.WalkAddr(c, root, va0)
		if !ok {
			return 0, errs.EFault
		}
		page := e.ppa.Page(frame)
		off := src - va0
		for int(off) < mem.PageSize && n < len(dst) {
			b := page[off]
			if b == 0 {
				return n, nil
			}
			dst[n] = b
			n++
			off++
			src++
		}
	}
	return n, errs.EInval
}
