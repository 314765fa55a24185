package vm

import (
	"memkern/cpu"
	"memkern/errs"
	"memkern/fsio"
	"memkern/mem"
	"memkern/pgtbl"
)

// Mmap reserves a demand-paged region of length bytes, backed by file, at
// the first address past the current break. No page is read or mapped
// until it is faulted in. offset is recorded on the region but not used:
// a page's file position is always its distance from the region's start.
func (as *AddressSpace) Mmap(file fsio.File, length uintptr, prot, flags int, offset int64) (uintptr, error) {
	if length == 0 {
		return MapFailed, errs.EInval
	}
	if prot&ProtRead != 0 && !file.Readable() {
		return MapFailed, errs.EInval
	}
	if prot&ProtWrite != 0 && !file.Writable() && flags&MapPrivate == 0 {
		return MapFailed, errs.EInval
	}
	slot := as.reserveMapping()
	if slot == nil {
		return MapFailed, errs.ENoMem
	}
	start := roundUp(as.sz)
	pages := int((length + mem.PageSize - 1) / mem.PageSize)
	*slot = mapping{
		used:   true,
		va:     start,
		length: length,
		prot:   prot,
		flags:  flags,
		file:   file,
		offset: offset,
		pages:  pages,
	}
	file.Dup()
	as.sz = start + length
	return start, nil
}

// Munmap tears down length bytes of a mapped region starting at addr,
// writing each shared, writable page back to its file before unmapping it.
// Unmapping only part of a region is allowed; the region's descriptor is
// released once its last page goes away.
func (as *AddressSpace) Munmap(c cpu.ID, addr, length uintptr) error {
	addr = roundDown(addr)
	slot := as.findMapping(addr)
	if slot == nil {
		return errs.EFault
	}
	for off := uintptr(0); off < length; off += mem.PageSize {
		va := addr + off
		if slot.flags&MapShared != 0 && slot.prot&ProtWrite != 0 {
			if err := as.writeBack(c, slot, va); err != nil {
				return err
			}
		}
		as.engine.UnmapRange(c, as.root, va, mem.PageSize, true)
		slot.pages--
		if slot.pages <= 0 {
			slot.file.Close()
			*slot = mapping{}
			break
		}
	}
	return nil
}

// writeBack flushes the page at va back to slot's file, if it is actually
// mapped. The byte count written is clamped to the region's remaining
// length past va, not a flat page size: the region need not end on a page
// boundary.
func (as *AddressSpace) writeBack(c cpu.ID, slot *mapping, va uintptr) error {
	pa, ok := as.engine.WalkAddr(c, as.root, va)
	if !ok {
		return nil
	}
	n := uintptr(mem.PageSize)
	if remain := (slot.va + slot.length) - va; remain < n {
		n = remain
	}
	buf := as.engine.PPA().Page(pa)[:n]
	return slot.file.Transact(func(tx fsio.Tx) error {
		return tx.WriteAt(buf, int64(va-slot.va))
	})
}

// HandleFault resolves a page fault at faultVA, the form every access
// outside a currently-valid, correctly-permissioned mapping takes:
//
//   - faultVA past the break: EFault (out of bounds).
//   - a valid mapping with U clear: EFault (the stack guard page).
//   - a valid mapping that is read-only and marked C: copy-on-write,
//     resolved by a private copy of the shared frame.
//   - a valid, otherwise-permissioned mapping: nothing to do, another
//     runner already resolved this fault.
//   - no mapping, but the address falls inside a live mmap region:
//     demand-paged from that region's file.
//   - no mapping otherwise: a fresh, zero-filled anonymous page.
func (as *AddressSpace) HandleFault(c cpu.ID, faultVA uintptr) error {
	if faultVA >= as.sz {
		return errs.EFault
	}
	vp := roundDown(faultVA)
	pte, ok := as.engine.Walk(c, as.root, vp, false)
	if ok && pte != nil && *pte&pgtbl.V != 0 {
		flags := pte.Flags()
		if flags&pgtbl.U == 0 {
			return errs.EFault
		}
		if flags&pgtbl.W == 0 && flags&pgtbl.C != 0 {
			return as.resolveCOW(c, pte)
		}
		return nil
	}

	f, ok := as.engine.PPA().Alloc(c)
	if !ok {
		return errs.ENoMem
	}
	if slot := as.findMapping(vp); slot != nil {
		if err := as.mmapPageFault(c, slot, vp, f); err != nil {
			as.engine.PPA().RefDec(c, f)
			return err
		}
		return nil
	}
	if err := as.engine.InstallLeaf(c, as.root, vp, f, pgtbl.V|pgtbl.R|pgtbl.W|pgtbl.X|pgtbl.U); err != nil {
		as.engine.PPA().RefDec(c, f)
		return errs.ENoMem
	}
	return nil
}

func (as *AddressSpace) resolveCOW(c cpu.ID, pte *pgtbl.PTE) error {
	old := pte.Frame()
	nf, ok := as.engine.PPA().AllocRaw(c)
	if !ok {
		return errs.ENoMem
	}
	copy(as.engine.PPA().Page(nf), as.engine.PPA().Page(old))
	as.engine.PPA().RefDec(c, old)
	flags := ((pte.Flags() &^ pgtbl.C) | pgtbl.W) | pgtbl.V
	*pte = pgtbl.MakePTE(nf, flags)
	return nil
}

// mmapPageFault reads the page at vp from slot's backing file, honoring
// the region's protection bits, and installs it.
func (as *AddressSpace) mmapPageFault(c cpu.ID, slot *mapping, vp uintptr, f mem.Frame) error {
	perms := pgtbl.U
	if slot.prot&ProtRead != 0 {
		perms |= pgtbl.R
	}
	if slot.prot&ProtWrite != 0 {
		perms |= pgtbl.W
	}

	offset := int64(vp - slot.va)
	n := uintptr(mem.PageSize)
	if remain := (slot.va + slot.length) - vp; remain < n {
		n = remain
	}
	buf := as.engine.PPA().Page(f)[:n]
	if err := slot.file.Transact(func(tx fsio.Tx) error {
		return tx.ReadAt(buf, offset)
	}); err != nil {
		return errs.EFault
	}
	return as.engine.InstallLeaf(c, as.root, vp, f, perms)
}
