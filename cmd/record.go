package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/capsoftware/cap/packages/cli/config"
	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/encoder"
	"github.com/capsoftware/cap/packages/cli/internal/media/source"
	"github.com/capsoftware/cap/packages/cli/internal/media/source/synthetic"
	"github.com/capsoftware/cap/packages/cli/internal/recording"
	"github.com/capsoftware/cap/packages/cli/internal/util"
)

const (
	deviceDefault = "default"
	deviceNone    = "none"
)

type RecordOptions struct {
	Display      string
	Camera       string
	Mic          string
	MicInDisplay bool
	Cursor       bool
	Duration     time.Duration
	Synthetic    bool
	FPS          int
	Width        int
	Height       int
}

func NewRecordCommand() *cobra.Command {
	opts := &RecordOptions{}

	cmd := &cobra.Command{
		Use:   "record [project_path]",
		Short: "Record the screen, a camera and a microphone into a project",
		Long: `Record into a project directory. Without a path a new project is created
under the recording directory. Recording runs until Ctrl+C or --duration.

Device flags take an ID from 'cap devices', "default" or "none".`,
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteRecord(cmd, opts, args)
		},
		Example: `  # Record the primary display and the default microphone
  cap record --mic

  # Record display 1 and camera /dev/video2 for 30 seconds
  cap record ./demo --display 1 --camera /dev/video2 --duration 30s

  # Exercise the pipeline without capture devices
  cap record --synthetic --camera --mic --duration 10s`,
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Display, "display", deviceDefault, "Display to record")
	flags.StringVar(&opts.Camera, "camera", deviceNone, "Camera to record")
	flags.Lookup("camera").NoOptDefVal = deviceDefault
	flags.StringVar(&opts.Mic, "mic", deviceNone, "Microphone to record")
	flags.Lookup("mic").NoOptDefVal = deviceDefault
	flags.BoolVar(&opts.MicInDisplay, "mic-in-display", false, "Mux the microphone into display.mp4")
	flags.BoolVar(&opts.Cursor, "cursor", false, "Record cursor positions (synthetic only)")
	flags.DurationVar(&opts.Duration, "duration", 0, "Stop after this long")
	flags.BoolVar(&opts.Synthetic, "synthetic", false, "Use generated test sources instead of devices")
	flags.IntVar(&opts.FPS, "fps", 0, "Capture frame rate (default from config)")
	flags.IntVar(&opts.Width, "width", 0, "Scale video to this width")
	flags.IntVar(&opts.Height, "height", 0, "Scale video to this height")

	return cmd
}

func ExecuteRecord(cmd *cobra.Command, opts *RecordOptions, args []string) error {
	dir := filepath.Join(config.GetRecordingDir(), time.Now().Format("2006-01-02_15-04-05"))
	if len(args) > 0 {
		dir = args[0]
	}
	sessionOpts, err := buildSessionOptions(opts)
	if err != nil {
		return err
	}
	session, err := recording.NewSession(dir, sessionOpts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := session.Start(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Recording to %s\n", color.CyanString(dir))
	fmt.Fprintf(out, "(Press %s to stop.)\n", color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))

	var timeout <-chan time.Time
	if opts.Duration > 0 {
		timer := time.NewTimer(opts.Duration)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
	case <-timeout:
	case <-session.Done():
		util.GetLogger().Info("All sources finished")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), sessionOpts.JoinTimeout*4)
	defer cancel()
	project, err := session.Stop(stopCtx)
	if project != nil {
		var total time.Duration
		for _, seg := range project.Segments {
			total += seg.Duration()
		}
		fmt.Fprintf(out, "%s %s, %d segment(s), %s\n", color.GreenString("✓ Saved"), dir,
			len(project.Segments), total.Round(time.Millisecond))
	}
	return err
}

func buildSessionOptions(opts *RecordOptions) (recording.Options, error) {
	fps := opts.FPS
	if fps <= 0 {
		fps = config.GetVideoFPS()
	}
	rate := core.NewRational(int64(fps), 1)
	videoCodec, err := core.ParseCodec(config.GetVideoCodec())
	if err != nil {
		return recording.Options{}, usageError(err)
	}
	audioCodec, err := core.ParseCodec(config.GetAudioCodec())
	if err != nil {
		return recording.Options{}, usageError(err)
	}
	backend := config.GetEncoderBackend()
	if backend == "auto" {
		backend = ""
	}

	so := recording.Options{
		Video: encoder.VideoConfig{
			Codec:          videoCodec,
			Bitrate:        config.GetVideoBitrate(),
			PreferHardware: config.GetPreferHardware(),
			Backend:        backend,
		},
		Audio: encoder.AudioConfig{
			Codec:      audioCodec,
			SampleRate: config.GetAudioSampleRate(),
			Channels:   config.GetAudioChannels(),
			Bitrate:    config.GetAudioBitrate(),
			Backend:    backend,
		},
		MicInDisplay:     opts.MicInDisplay,
		Width:            opts.Width,
		Height:           opts.Height,
		ChannelCapacity:  config.GetChannelCapacity(),
		JoinTimeout:      config.GetJoinTimeout(),
		FragmentDuration: config.GetFragmentDuration(),
	}

	inputBackend := ""
	if opts.Synthetic {
		inputBackend = synthetic.Name
	}
	videoInput := func(device string) *recording.VideoInput {
		if device == deviceNone {
			return nil
		}
		if device == deviceDefault {
			device = ""
		}
		return &recording.VideoInput{Backend: inputBackend, Config: source.Config{
			Device: device, FrameRate: rate, RealTime: opts.Synthetic,
		}}
	}
	so.Display = videoInput(opts.Display)
	so.Camera = videoInput(opts.Camera)
	if opts.Mic != deviceNone {
		device := opts.Mic
		if device == deviceDefault {
			device = ""
		}
		so.Mic = &recording.AudioInput{Backend: inputBackend, Config: source.Config{
			Device: device, FrameRate: rate, SampleRate: so.Audio.SampleRate,
			Channels: so.Audio.Channels, RealTime: opts.Synthetic,
		}}
	}
	if opts.Cursor {
		if !opts.Synthetic {
			return recording.Options{}, usageError(errors.New("--cursor needs --synthetic on this build"))
		}
		so.Cursor = recording.SyntheticCursor(1280, 720)
	}
	if so.Display == nil && so.Camera == nil && so.Mic == nil {
		return recording.Options{}, usageError(errors.New("nothing to record: every input is \"none\""))
	}
	return so, nil
}

// maxArgs is cobra.MaximumNArgs with a usage exit code.
func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MaximumNArgs(n)(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}

// rangeArgs is cobra.RangeArgs with a usage exit code.
func rangeArgs(min, max int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.RangeArgs(min, max)(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}
