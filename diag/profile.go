package diag

import (
	"io"

	"github.com/google/pprof/profile"

	"memkern/cpu"
	"memkern/mem"
)

// FrameProfile builds a pprof-format profile recording, as a single sample
// per CPU, how many frames that CPU currently holds on its local freelist.
// It is not a call-stack profile — the allocator has no sampled stacks to
// offer — but reusing the pprof wire format lets the same viewers used for
// a Go heap profile plot per-CPU free-page pressure over repeated snapshots.
func FrameProfile(p *mem.PPA) *profile.Profile {
	valType := &profile.ValueType{Type: "free_frames", Unit: "count"}
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{valType},
		Function:   []*profile.Function{},
		Location:   []*profile.Location{},
	}
	for c := 0; c < cpu.NCPU; c++ {
		fn := &profile.Function{ID: uint64(c + 1), Name: cpuLabel(c)}
		loc := &profile.Location{ID: uint64(c + 1), Line: []profile.Line{{Function: fn}}}
		prof.Function = append(prof.Function, fn)
		prof.Location = append(prof.Location, loc)
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(p.NFreeLocal(cpu.ID(c)))},
		})
	}
	return prof
}

func cpuLabel(c int) string {
	const hex = "0123456789abcdef"
	return "cpu" + string(hex[c%16])
}

// WriteFrameProfile writes p's per-CPU free-frame profile to w in pprof's
// gzip-compressed wire format.
func WriteFrameProfile(p *mem.PPA, w io.Writer) error {
	return FrameProfile(p).Write(w)
}
