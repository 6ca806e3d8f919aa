package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsoftware/cap/packages/cli/internal/export"
	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/demuxer"
	_ "github.com/capsoftware/cap/packages/cli/internal/media/encoder/mock"
	"github.com/capsoftware/cap/packages/cli/internal/recording"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"nil", nil, ExitOK},
		{"generic", errors.New("boom"), ExitGeneric},
		{"usage", usageError(errors.New("bad flag")), ExitUsage},
		{"setup", errors.Wrap(core.NewSetupError(core.KindDeviceNotFound, "camera", errors.New("gone")), "setup"), ExitSetup},
		{"aborted", errors.Wrap(export.ErrAborted, "export"), ExitAborted},
		{"explicit", &ExitError{Code: 7, Err: errors.New("x")}, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, exitCode(tt.err))
		})
	}
}

func TestReportErrorPrintsHint(t *testing.T) {
	var buf bytes.Buffer
	code := reportError(&buf, core.NewSetupError(core.KindPermissionDenied, "screen", errors.New("denied")))
	assert.Equal(t, ExitSetup, code)
	assert.Contains(t, buf.String(), "denied")
	assert.Contains(t, buf.String(), "Grant screen recording")
}

func TestUsageErrors(t *testing.T) {
	_, err := run(t, "export")
	assert.Equal(t, ExitUsage, exitCode(err))

	_, err = run(t, "record", "--no-such-flag")
	assert.Equal(t, ExitUsage, exitCode(err))

	_, err = run(t, "record", t.TempDir(), "--display", "none")
	assert.Equal(t, ExitUsage, exitCode(err))
}

func TestExportMissingProject(t *testing.T) {
	_, err := run(t, "export", filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, ExitGeneric, exitCode(err))
}

func TestRecordThenExport(t *testing.T) {
	t.Setenv("CAP_ENCODER_BACKEND", "mock")
	dir := filepath.Join(t.TempDir(), "project")

	out, err := run(t, "record", dir, "--synthetic", "--mic", "--duration", "1s", "--fps", "10")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Saved")

	p, err := recording.LoadProject(dir)
	require.NoError(t, err)
	require.Len(t, p.Config.Segments, 1)

	result := filepath.Join(t.TempDir(), "result.mp4")
	out, err = run(t, "export", dir, result)
	require.NoError(t, err, out)

	f, err := demuxer.Probe(result)
	require.NoError(t, err)
	assert.NotNil(t, f.Track(core.CodecH264))
	assert.NotNil(t, f.Track(core.CodecAAC))
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "cap version")
}

func TestRootHelpOrdersCommands(t *testing.T) {
	out, err := run(t, "help")
	require.NoError(t, err)
	_, commands, found := strings.Cut(out, "Available Commands:")
	require.True(t, found)
	record := strings.Index(commands, "  record ")
	exp := strings.Index(commands, "  export ")
	devices := strings.Index(commands, "  devices ")
	require.True(t, record >= 0 && exp >= 0 && devices >= 0, commands)
	assert.Less(t, record, exp)
	assert.Less(t, exp, devices)
}

func TestDevicesListsSyntheticSourcesAndEncoders(t *testing.T) {
	out, err := run(t, "devices", "--encoders")
	require.NoError(t, err)
	assert.Contains(t, out, "KIND")
	assert.Contains(t, out, "Test pattern")
	assert.Contains(t, out, "Sine tone")
	assert.Contains(t, out, "PRIORITY")
	assert.Contains(t, out, "mock")
}

func TestDevicesWatchRefreshesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"devices", "--watch", "50ms"})
	require.NoError(t, root.ExecuteContext(ctx))
	assert.GreaterOrEqual(t, strings.Count(out.String(), "Sine tone"), 2)
}
