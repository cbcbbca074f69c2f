package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-i2p/connmux/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), version.Details())
	},
}
