// Package diag holds debugging aids for the memory subsystem that have no
// place in the hot allocation or fault paths: instruction-level frame
// inspection and structured crash reporting around a panic.
package diag

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble decodes up to max x86-64 instructions starting at the front
// of buf, returning one formatted line per instruction (or per undecodable
// byte, which is advanced over one byte at a time). It makes no claim that
// buf holds valid code for any particular process — it exists to let a
// developer eyeball what a newly faulted-in or freed frame actually
// contains.
func Disassemble(buf []byte, max int) []string {
	out := make([]string, 0, max)
	pc := uint64(0)
	for i := 0; i < max && len(buf) > 0; i++ {
		inst, err := x86asm.Decode(buf, 64)
		if err != nil {
			out = append(out, fmt.Sprintf("%#06x: <bad opcode: %v>", pc, err))
			buf = buf[1:]
			pc++
			continue
		}
		out = append(out, fmt.Sprintf("%#06x: %s", pc, x86asm.GNUSyntax(inst, pc, nil)))
		buf = buf[inst.Len:]
		pc += uint64(inst.Len)
	}
	return out
}
