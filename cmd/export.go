package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/capsoftware/cap/packages/cli/config"
	"github.com/capsoftware/cap/packages/cli/internal/export"
	"github.com/capsoftware/cap/packages/cli/internal/progress"
	"github.com/capsoftware/cap/packages/cli/internal/util"
)

type ExportOptions struct {
	ProgressListen string
	Format         string
}

func NewExportCommand() *cobra.Command {
	opts := &ExportOptions{}

	cmd := &cobra.Command{
		Use:   "export <project_path> [output_path]",
		Short: "Concatenate a recorded project into one file",
		Long: `Concatenate every segment of a project into one MP4 file without re-encoding.
The output defaults to output/result.mp4 inside the project.`,
		Args: rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteExport(cmd, opts, args)
		},
		Example: `  # Export into the project
  cap export ./demo

  # Export elsewhere and stream progress to a viewer
  cap export ./demo ~/Videos/demo.mp4 --progress-listen 127.0.0.1:29900`,
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.ProgressListen, "progress-listen", "", "Serve progress events over WebSocket at ws://ADDR/progress")
	flags.StringVar(&opts.Format, "format", "", "Output container (default from the output extension)")

	return cmd
}

func ExecuteExport(cmd *cobra.Command, opts *ExportOptions, args []string) error {
	projectDir := args[0]
	outPath := ""
	if len(args) > 1 {
		outPath = args[1]
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var hub *progress.Hub
	if opts.ProgressListen != "" {
		srv, err := progress.Listen(opts.ProgressListen)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Close(closeCtx)
		}()
		hub = srv.Hub
		fmt.Fprintf(cmd.OutOrStdout(), "Progress at %s\n", color.CyanString("ws://%s/progress", srv.Addr()))
	}

	sp := newUISpinner(cmd.OutOrStdout(), util.IsVerbose(), "Exporting "+projectDir)
	result, err := export.Export(ctx, projectDir, outPath, export.Options{
		FragmentDuration: config.GetFragmentDuration(),
		Format:           opts.Format,
		Progress: func(p export.Progress) bool {
			sp.Update(fmt.Sprintf("Exporting segment %d, %d/%d frames (%.0f%%)", p.Segment, p.Frames, p.Total, p.Ratio*100))
			if hub != nil {
				hub.Publish(progress.Event{Type: progress.TypeProgress, Segment: p.Segment,
					Frames: p.Frames, Total: p.Total, Ratio: p.Ratio})
			}
			return ctx.Err() == nil
		},
	})
	if err != nil {
		sp.Fail("Export failed")
		if hub != nil {
			hub.Publish(progress.Event{Type: progress.TypeError, Error: err.Error()})
		}
		return err
	}
	sp.Success(fmt.Sprintf("Exported %s (%s, %d segment(s))", result.Path,
		result.Duration.Round(time.Millisecond), result.Segments))
	if hub != nil {
		hub.Publish(progress.Event{Type: progress.TypeDone, Path: result.Path, Ratio: 1})
	}
	return nil
}
