package main

import (
	"github.com/prometheus/procfs"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"memkern/cpu"
)

func newNfreeCmd() *cobra.Command {
	var compareHost bool
	cmd := &cobra.Command{
		Use:   "nfree",
		Short: "Print each CPU's local freelist length and the arena total",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := newSystem(frameCount)
			if err != nil {
				return err
			}
			defer sys.Close()

			p := message.NewPrinter(language.English)
			total := 0
			for c := 0; c < cpu.NCPU; c++ {
				n := sys.ppa.NFreeLocal(cpu.ID(c))
				total += n
				p.Printf("cpu%d: %d free frames\n", c, n)
			}
			p.Printf("total: %d of %d frames free\n", total, sys.ppa.Frames())

			if compareHost {
				fs, err := procfs.NewDefaultFS()
				if err != nil {
					return nil // best-effort: /proc may be unavailable in this environment
				}
				mi, err := fs.Meminfo()
				if err != nil || mi.MemFree == nil {
					return nil
				}
				p.Printf("host: %d kB free (/proc/meminfo, for scale only)\n", *mi.MemFree)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&compareHost, "compare-host", false, "also print the host's /proc/meminfo free memory, for scale")
	return cmd
}
