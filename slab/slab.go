// Package slab implements a Bonwick-style object cache on top of the
// physical page allocator: fixed-size objects are carved out of whole
// frames so that small, frequently allocated kernel structures don't each
// cost a full page.
//
// A Cache owns at most one backing frame at a time. Once that frame's
// slots are full, allocation extends a singly linked chain of caches for
// the same object size rather than growing the frame; the chain is walked
// front-to-back on both Alloc and Free. Free-slot tracking reuses the
// first four bytes of each slot as a sentinel (-1 free, 0 in use) instead
// of a side bitmap, so a cache costs nothing beyond the frame itself.
package slab

import (
	"encoding/binary"
	"unsafe"

	"memkern/cpu"
	"memkern/mem"
)

// Limit is the number of bytes a cache's backing frame provides for
// objects; it is exactly one physical page.
const Limit = mem.PageSize

// minObjSize is the smallest object the sentinel scheme can track: it needs
// four bytes of every slot to hold the free/in-use marker.
const minObjSize = 4

// MaxCaches bounds the registry's descriptor table, mirroring the
// fixed-size cache table a lower layer that cannot itself allocate would
// need. Go's heap has no such restriction, but the bound keeps the
// lifecycle (reserved on first use, released once a chain drains to
// nothing) an observable, testable property instead of an implementation
// detail that happens to be unbounded.
const MaxCaches = 200

// Cache is one node in a chain of same-size object caches.
type Cache struct {
	ppa       *mem.PPA
	objSize   int
	capacity  int
	slab      mem.Frame
	occupancy int
	next      *Cache
	inUse     bool
}

// Registry is the bounded table of cache descriptors caches are reserved
// from and released back to.
type Registry struct {
	slots [MaxCaches]Cache
}

// reserve finds an unused descriptor and marks it in use, or reports false
// if the table is full.
func (r *Registry) reserve() (*Cache, bool) {
	for i := range r.slots {
		if !r.slots[i].inUse {
			r.slots[i] = Cache{inUse: true}
			return &r.slots[i], true
		}
	}
	return nil, false
}

func (r *Registry) release(c *Cache) {
	*c = Cache{}
}

// Create reserves a descriptor and configures it for objSize-byte objects.
// It allocates no frame yet: the backing slab is obtained lazily on the
// first Alloc, matching the cache's lazy-frame-acquisition contract.
func (r *Registry) Create(ppa *mem.PPA, objSize int) (*Cache, bool) {
	if objSize < minObjSize || objSize > Limit {
		return nil, false
	}
	c, ok := r.reserve()
	if !ok {
		return nil, false
	}
	c.ppa = ppa
	c.objSize = objSize
	c.capacity = Limit / objSize
	c.slab = mem.NoFrame
	return c, true
}

func (c *Cache) zeroSlots(page []byte) {
	for off := 0; off+minObjSize <= Limit; off += c.objSize {
		binary.LittleEndian.PutUint32(page[off:], uint32(int32(-1)))
	}
}

func (c *Cache) findFree(page []byte) ([]byte, bool) {
	for off := 0; off+c.objSize <= Limit; off += c.objSize {
		if int32(binary.LittleEndian.Uint32(page[off:])) == -1 {
			binary.LittleEndian.PutUint32(page[off:], 0)
			obj := page[off : off+c.objSize]
			clear(obj)
			return obj, true
		}
	}
	return nil, false
}

// Alloc returns a zero-initialized object-sized slice from the cache chain
// rooted at c, extending the chain with a freshly reserved Cache (and, if
// needed, a freshly allocated frame) when every existing node is full.
func (c *Cache) Alloc(cpuID cpu.ID, r *Registry) ([]byte, bool) {
	if c.slab == mem.NoFrame {
		f, ok := c.ppa.Alloc(cpuID)
		if !ok {
			return nil, false
		}
		c.slab = f
		c.zeroSlots(c.ppa.Page(f))
	}
	if c.occupancy == c.capacity {
		if c.next == nil {
			next, ok := r.Create(c.ppa, c.objSize)
			if !ok {
				return nil, false
			}
			c.next = next
		}
		return c.next.Alloc(cpuID, r)
	}
	obj, ok := c.findFree(c.ppa.Page(c.slab))
	if !ok {
		panic("slab: occupancy under capacity but no free slot found")
	}
	c.occupancy++
	return obj, true
}

func within(page, obj []byte) (int, bool) {
	if len(page) == 0 || len(obj) == 0 {
		return 0, false
	}
	pBase := uintptr(unsafe.Pointer(&page[0]))
	oBase := uintptr(unsafe.Pointer(&obj[0]))
	if oBase < pBase || oBase >= pBase+uintptr(len(page)) {
		return 0, false
	}
	return int(oBase - pBase), true
}

// Free returns obj to the cache chain rooted at head, releasing the node's
// backing frame (and the node's descriptor, back to r) once its occupancy
// drains to zero. It returns the chain's new head, since freeing the first
// node's last object may splice it out of the chain.
func (r *Registry) Free(cpuID cpu.ID, head *Cache, obj []byte) *Cache {
	if head == nil {
		return nil
	}
	page := head.ppa.Page(head.slab)
	if off, ok := within(page, obj); ok {
		binary.LittleEndian.PutUint32(page[off:], uint32(int32(-1)))
		head.occupancy--
		if head.occupancy != 0 {
			return head
		}
		ppa := head.ppa
		slab := head.slab
		next := head.next
		r.release(head)
		ppa.RefDec(cpuID, slab)
		return next
	}
	head.next = r.Free(cpuID, head.next, obj)
	return head
}

// Occupancy reports the number of live objects across the whole chain
// rooted at c, for tests and diagnostics.
func (c *Cache) Occupancy() int {
	total := 0
	for n := c; n != nil; n = n.next {
		total += n.occupancy
	}
	return total
}
