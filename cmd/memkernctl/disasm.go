package main

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"memkern/diag"
	"memkern/mem"
)

func newDisasmCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "disasm <frame>",
		Short: "Disassemble the raw bytes of a frame as x86-64 code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.Atoi(args[0])
			if err != nil {
				return errors.Wrap(err, "parsing frame index")
			}
			sys, err := newSystem(frameCount)
			if err != nil {
				return err
			}
			defer sys.Close()

			if idx < 0 || idx >= sys.ppa.Frames() {
				return errors.Errorf("frame %d out of range [0, %d)", idx, sys.ppa.Frames())
			}
			for _, line := range diag.Disassemble(sys.ppa.Page(mem.Frame(idx)), count) {
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 16, "maximum number of instructions to decode")
	return cmd
}
