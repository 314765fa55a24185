// Command memkernctl is a standalone driver for the memory subsystem: it
// builds a small physical arena with no surrounding kernel, then lets a
// developer inspect and exercise the allocator, the slab cache, and the
// page table engine from the shell.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var frameCount int

func main() {
	root := &cobra.Command{
		Use:   "memkernctl",
		Short: "Inspect and exercise the memory subsystem outside a kernel boot",
	}
	root.PersistentFlags().IntVar(&frameCount, "frames", 4096, "number of frames in the standalone arena")

	root.AddCommand(
		newNfreeCmd(),
		newDisasmCmd(),
		newProfileCmd(),
		newServeCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
