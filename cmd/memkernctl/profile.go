package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"memkern/diag"
)

func newProfileCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Write a pprof-format snapshot of per-CPU free-frame counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := newSystem(frameCount)
			if err != nil {
				return err
			}
			defer sys.Close()

			f, err := os.Create(out)
			if err != nil {
				return errors.Wrap(err, "creating profile output")
			}
			defer f.Close()
			return diag.WriteFrameProfile(sys.ppa, f)
		},
	}
	cmd.Flags().StringVar(&out, "out", "memkern.pprof", "output file path")
	return cmd
}
