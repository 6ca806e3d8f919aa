package cmd

import (
	"github.com/spf13/cobra"

	"github.com/capsoftware/cap/packages/cli/internal/media/convert"
	"github.com/capsoftware/cap/packages/cli/internal/util"
	"github.com/capsoftware/cap/packages/cli/internal/version"
)

var rootCmd = NewRootCommand()

// NewRootCommand builds the cap command tree.
func NewRootCommand() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:   "cap",
		Short: "Screen, camera and microphone recorder",
		Long: `cap records the screen, a camera and a microphone into a project directory
of per-segment MP4 files, and exports a project into a single file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(verbose)
			util.GetLogger().Debug("Starting", "version", version.String(), "command", cmd.CommandPath())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			convert.Teardown()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(err)
	})

	root.AddCommand(NewRecordCommand())
	root.AddCommand(NewExportCommand())
	root.AddCommand(NewDevicesCommand())
	root.AddCommand(NewVersionCommand())

	setupHelpCommand(root)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err != nil {
		// PersistentPostRun does not run when RunE fails.
		convert.Teardown()
	}
	return reportError(rootCmd.ErrOrStderr(), err)
}
