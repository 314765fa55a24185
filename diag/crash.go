package diag

import (
	"fmt"

	"github.com/go-logr/logr"
)

// Recover wraps a kernel operation with a structured crash report: a panic
// raised by an invariant violation inside op is logged through log before
// being allowed to continue propagating. It does not swallow the panic —
// this teaching kernel treats a violated invariant as fatal, the same as
// the allocator's own panics do, and a caller further up decides whether
// that means halting the simulated machine or just failing the test.
func Recover(log logr.Logger, op string) {
	if r := recover(); r != nil {
		log.Error(fmt.Errorf("%v", r), "fatal invariant violation", "op", op)
		panic(r)
	}
}
