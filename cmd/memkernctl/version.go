package main

import (
	"fmt"

	"github.com/blang/semver/v4"
	"github.com/spf13/cobra"
)

// buildVersion is overridden at link time via -ldflags; it defaults to a
// zero version for developer builds.
var buildVersion = "0.0.0"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the memkernctl build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := semver.Parse(buildVersion)
			if err != nil {
				return err
			}
			fmt.Println(v.String())
			return nil
		},
	}
}
