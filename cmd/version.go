package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/capsoftware/cap/packages/cli/internal/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  maxArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			info := version.ClientInfo()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cap version %s, build %s\n", info["Version"], info["GitCommit"])
			fmt.Fprintf(out, "Built:      %s\n", info["FormattedTime"])
			fmt.Fprintf(out, "Go version: %s\n", info["GoVersion"])
			fmt.Fprintf(out, "OS/Arch:    %s/%s\n", info["OS"], info["Arch"])
		},
	}
}
