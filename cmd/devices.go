package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/encoder"
	"github.com/capsoftware/cap/packages/cli/internal/media/source"
	"github.com/capsoftware/cap/packages/cli/internal/resource"
	"github.com/capsoftware/cap/packages/cli/internal/util"
)

var deviceKinds = []source.Kind{source.KindDisplay, source.KindCamera, source.KindMicrophone}

type DevicesOptions struct {
	Timeout  time.Duration
	Encoders bool
	Watch    time.Duration
}

func NewDevicesCommand() *cobra.Command {
	opts := &DevicesOptions{}

	cmd := &cobra.Command{
		Use:     "devices",
		Aliases: []string{"ls"},
		Short:   "List displays, cameras and microphones",
		Args:    maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteDevices(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "Give up on a device kind after this long")
	flags.BoolVar(&opts.Encoders, "encoders", false, "Also list encoder backends")
	flags.DurationVar(&opts.Watch, "watch", 0, "Re-list devices at this interval until interrupted")

	return cmd
}

func ExecuteDevices(cmd *cobra.Command, opts *DevicesOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := cmd.OutOrStdout()

	// Enumerate every kind in the background; some backends are slow to probe.
	lists := make(map[source.Kind]*resource.Resource[[]source.Device], len(deviceKinds))
	for _, kind := range deviceKinds {
		lists[kind] = resource.New(func(ctx context.Context) ([]source.Device, error) {
			return source.ListDevices(ctx, kind)
		})
		lists[kind].Start(ctx)
	}
	renderDevices(ctx, out, lists, opts.Timeout)
	if opts.Encoders {
		fmt.Fprintln(out)
		renderEncoders(out)
	}
	if opts.Watch <= 0 {
		return nil
	}

	ticker := time.NewTicker(opts.Watch)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, kind := range deviceKinds {
			lists[kind].Refresh(ctx)
		}
		fmt.Fprintf(out, "\n%s\n", color.New(color.Faint).Sprint(time.Now().Format(time.TimeOnly)))
		renderDevices(ctx, out, lists, opts.Timeout)
	}
}

func renderDevices(ctx context.Context, out io.Writer, lists map[source.Kind]*resource.Resource[[]source.Device], timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rows []map[string]interface{}
	for _, kind := range deviceKinds {
		devices, err := lists[kind].Get(ctx)
		if err != nil {
			util.GetLogger().Debug("Device enumeration failed", "kind", kind, "error", err)
			rows = append(rows, map[string]interface{}{
				"kind": kind,
				"name": color.New(color.Faint).Sprintf("unavailable: %v", err),
			})
			continue
		}
		rows = append(rows, deviceRows(kind, devices)...)
	}
	util.RenderTable(out, []util.TableColumn{
		{Header: "KIND", Key: "kind"},
		{Header: "ID", Key: "id"},
		{Header: "NAME", Key: "name"},
		{Header: "BACKEND", Key: "backend"},
		{Header: "DETAIL", Key: "detail"},
	}, rows)
}

func deviceRows(kind source.Kind, devices []source.Device) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(devices))
	for _, d := range devices {
		name := d.Name
		if d.Default {
			name = color.New(color.FgGreen).Sprint(name + " (default)")
		}
		rows = append(rows, map[string]interface{}{
			"kind":    kind,
			"id":      color.New(color.FgCyan).Sprint(d.ID),
			"name":    name,
			"backend": d.Backend,
			"detail":  d.Detail,
		})
	}
	return rows
}

func renderEncoders(out io.Writer) {
	var rows []map[string]interface{}
	for _, codec := range []core.Codec{core.CodecH264, core.CodecAAC, core.CodecOpus, core.CodecMP3} {
		for _, b := range encoder.Backends(codec) {
			var notes []string
			if b.Hardware {
				notes = append(notes, "hardware")
			}
			if b.Explicit {
				notes = append(notes, "by name only")
			}
			rows = append(rows, map[string]interface{}{
				"codec":    codec,
				"backend":  b.Name,
				"priority": b.Priority,
				"notes":    strings.Join(notes, ", "),
			})
		}
	}
	util.RenderTable(out, []util.TableColumn{
		{Header: "CODEC", Key: "codec"},
		{Header: "BACKEND", Key: "backend"},
		{Header: "PRIORITY", Key: "priority", AlignRight: true},
		{Header: "NOTES", Key: "notes"},
	}, rows)
}
