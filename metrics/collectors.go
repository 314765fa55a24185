// Package metrics exposes the memory subsystem's internal counters as
// Prometheus collectors, for the standalone command-line driver's serve
// subcommand. Nothing in the core allocator, slab, page table, or virtual
// memory packages depends on this package — it only reads their already-
// exported diagnostic accessors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"memkern/cpu"
	"memkern/mem"
	"memkern/slab"
)

// PPACollector reports each CPU's local freelist length and the total
// number of frames in the allocator's arena.
type PPACollector struct {
	ppa      *mem.PPA
	freeDesc *prometheus.Desc
	refDesc  *prometheus.Desc
}

// NewPPACollector wraps ppa for Prometheus registration.
func NewPPACollector(ppa *mem.PPA) *PPACollector {
	return &PPACollector{
		ppa: ppa,
		freeDesc: prometheus.NewDesc(
			"memkern_ppa_free_frames",
			"Frames on a CPU's local freelist.",
			[]string{"cpu"}, nil,
		),
		refDesc: prometheus.NewDesc(
			"memkern_ppa_frames_total",
			"Total frames the allocator's arena holds.",
			nil, nil,
		),
	}
}

func (c *PPACollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.freeDesc
	ch <- c.refDesc
}

func (c *PPACollector) Collect(ch chan<- prometheus.Metric) {
	for i := 0; i < cpu.NCPU; i++ {
		ch <- prometheus.MustNewConstMetric(
			c.freeDesc, prometheus.GaugeValue,
			float64(c.ppa.NFreeLocal(cpu.ID(i))),
			cpuLabel(i),
		)
	}
	ch <- prometheus.MustNewConstMetric(c.refDesc, prometheus.GaugeValue, float64(c.ppa.Frames()))
}

func cpuLabel(i int) string {
	const hex = "0123456789abcdef"
	return "cpu" + string(hex[i%16])
}

// SlabCollector reports live object occupancy for a set of named caches.
type SlabCollector struct {
	caches map[string]*slab.Cache
	desc   *prometheus.Desc
}

// NewSlabCollector wraps named caches for Prometheus registration. The
// caller keeps the map up to date as caches are created elsewhere; the
// collector only reads it at scrape time.
func NewSlabCollector(caches map[string]*slab.Cache) *SlabCollector {
	return &SlabCollector{
		caches: caches,
		desc: prometheus.NewDesc(
			"memkern_slab_occupancy",
			"Live objects in a named slab cache's chain.",
			[]string{"cache"}, nil,
		),
	}
}

func (c *SlabCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *SlabCollector) Collect(ch chan<- prometheus.Metric) {
	for name, cache := range c.caches {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(cache.Occupancy()), name)
	}
}
