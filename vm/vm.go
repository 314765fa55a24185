// Package vm implements the virtual memory manager: per-process address
// spaces built on the page table engine, lazy heap growth, copy-on-write
// fork, demand-paged file mappings, and the page-fault handler that ties
// all of it together.
//
// An AddressSpace is owned by exactly one process and is only ever mutated
// by that process's current runner; the scheduler that enforces this
// run-exclusivity is outside this module's scope, so none of the fields
// here carry their own lock.
package vm

import (
	"memkern/cpu"
	"memkern/errs"
	"memkern/fsio"
	"memkern/mem"
	"memkern/pgtbl"
)

// Protection bits for Mmap's prot argument.
const (
	ProtRead  = 0x1
	ProtWrite = 0x10
)

// Sharing mode bits for Mmap's flags argument.
const (
	MapShared  = 0x1
	MapPrivate = 0x10
)

// MapFailed is Mmap's failure return value.
const MapFailed = ^uintptr(0)

// MaxMappings bounds the number of live mmap regions a single address
// space may hold at once.
const MaxMappings = 64

// mapping describes one live mmap'd region.
type mapping struct {
	used   bool
	va     uintptr
	length uintptr
	prot   int
	flags  int
	file   fsio.File
	offset int64
	pages  int // pages still mapped; region is released when this hits 0
}

// AddressSpace is one process's virtual memory: its root page table, its
// break (sz), and its table of live mmap regions.
type AddressSpace struct {
	engine *pgtbl.Engine
	root   mem.Frame
	sz     uintptr
	maps   [MaxMappings]mapping
}

// New creates an empty address space with a fresh root table.
func New(c cpu.ID, engine *pgtbl.Engine) (*AddressSpace, error) {
	root, ok := engine.CreateRoot(c)
	if !ok {
		return nil, errs.ENoMem
	}
	return &AddressSpace{engine: engine, root: root}, nil
}

// Size returns the address space's current break.
func (as *AddressSpace) Size() uintptr { return as.sz }

// Root returns the address space's root page table frame, for callers
// (e.g. a context switch) that need to install it directly.
func (as *AddressSpace) Root() mem.Frame { return as.root }

// Grow extends the address space's break to newSz without installing any
// page table entries: the new range is backed lazily, the first access to
// each page faulting it in zero-filled. It is a no-op if newSz <= the
// current size.
func (as *AddressSpace) Grow(newSz uintptr) uintptr {
	if newSz <= as.sz {
		return as.sz
	}
	as.sz = newSz
	return as.sz
}

// Shrink lowers the address space's break to newSz, unmapping and freeing
// every page whole page past the new break. It is a no-op if newSz >= the
// current size.
func (as *AddressSpace) Shrink(c cpu.ID, newSz uintptr) uintptr {
	if newSz >= as.sz {
		return as.sz
	}
	oldTop := roundUp(as.sz)
	newTop := roundUp(newSz)
	if newTop < oldTop {
		as.engine.UnmapRange(c, as.root, newTop, oldTop-newTop, true)
	}
	as.sz = newSz
	return as.sz
}

// Destroy unmaps and frees every page and table in the address space. The
// AddressSpace must not be used again afterward.
func (as *AddressSpace) Destroy(c cpu.ID) {
	as.engine.FreeUser(c, as.root, roundUp(as.sz))
	for i := range as.maps {
		if as.maps[i].used {
			as.maps[i].file.Close()
			as.maps[i] = mapping{}
		}
	}
}

func roundUp(v uintptr) uintptr {
	return (v + mem.PageSize - 1) &^ (mem.PageSize - 1)
}

func roundDown(v uintptr) uintptr {
	return v &^ (mem.PageSize - 1)
}

func (as *AddressSpace) reserveMapping() *mapping {
	for i := range as.maps {
		if !as.maps[i].used {
			return &as.maps[i]
		}
	}
	return nil
}

// findMapping returns the mapping containing va, or nil.
func (as *AddressSpace) findMapping(va uintptr) *mapping {
	for i := range as.maps {
		m := &as.maps[i]
		if m.used && va >= m.va && va < m.va+m.length {
			return m
		}
	}
	return nil
}

// Fork builds a child address space sharing every currently-mapped page of
// parent copy-on-write, and duplicating parent's live mmap regions.
func Fork(c cpu.ID, engine *pgtbl.Engine, parent *AddressSpace) (*AddressSpace, error) {
	child, err := New(c, engine)
	if err != nil {
		return nil, err
	}
	if err := engine.CopyUser(c, parent.root, child.root, roundUp(parent.sz)); err != nil {
		engine.FreeUser(c, child.root, 0)
		return nil, errs.ENoMem
	}
	child.sz = parent.sz
	child.maps = parent.maps
	for i := range child.maps {
		if child.maps[i].used {
			child.maps[i].file.Dup()
		}
	}
	return child, nil
}
