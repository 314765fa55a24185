package main

import (
	"memkern/mem"
	"memkern/pgtbl"
	"memkern/slab"
)

// system bundles a standalone physical allocator, page table engine, and a
// handful of demo slab caches for the command-line driver to poke at. There
// is no scheduler or filesystem behind it — just enough of the memory
// subsystem to demonstrate and inspect it outside of a real kernel boot.
type system struct {
	arena    *mem.Arena
	ppa      *mem.PPA
	engine   *pgtbl.Engine
	registry *slab.Registry
	caches   map[string]*slab.Cache
}

// demoObjSizes seeds one slab cache per size so `serve`'s /metrics output
// has more than one cache series to show.
var demoObjSizes = map[string]int{
	"dentry": 64,
	"inode":  128,
}

func newSystem(frames int) (*system, error) {
	arena, err := mem.NewArena(frames)
	if err != nil {
		return nil, err
	}
	ppa := mem.New(arena, 0)

	registry := &slab.Registry{}
	caches := make(map[string]*slab.Cache, len(demoObjSizes))
	for name, sz := range demoObjSizes {
		if c, ok := registry.Create(ppa, sz); ok {
			caches[name] = c
		}
	}

	return &system{
		arena:    arena,
		ppa:      ppa,
		engine:   pgtbl.New(ppa),
		registry: registry,
		caches:   caches,
	}, nil
}

func (s *system) Close() error {
	return s.arena.Close()
}
