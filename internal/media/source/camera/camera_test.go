package camera

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/source"
)

const helperEnv = "CAMERA_TEST_HELPER"

// TestHelperProcess stands in for ffmpeg when re-executed by the tests.
func TestHelperProcess(t *testing.T) {
	switch os.Getenv(helperEnv) {
	case "frames":
		// Three 4x2 I420 frames: 8 luma bytes and two 2-byte chroma planes.
		for i := 0; i < 3; i++ {
			frame := make([]byte, 12)
			for j := range frame {
				frame[j] = byte(i)
			}
			_, _ = os.Stdout.Write(frame)
		}
		os.Exit(0)
	case "denied":
		fmt.Fprintln(os.Stderr, "[video4linux2] Cannot open video device /dev/video0: Permission denied")
		os.Exit(1)
	case "missing":
		fmt.Fprintln(os.Stderr, "/dev/video9: No such file or directory")
		os.Exit(1)
	case "stall":
		time.Sleep(time.Minute)
		os.Exit(0)
	}
}

func helper(t *testing.T, mode string) command {
	t.Setenv(helperEnv, mode)
	return command{path: os.Args[0], args: []string{"-test.run=TestHelperProcess"}}
}

func smallConfig() source.Config {
	return source.Config{Width: 4, Height: 2, FrameRate: core.NewRational(30, 1)}
}

func TestCapturesUntilProcessEnds(t *testing.T) {
	fake := clocktesting.NewFakeClock(time.Unix(50, 0))
	c, err := start(context.Background(), helper(t, "frames"), smallConfig(), fake)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, core.PixelFormatI420, c.Format().PixelFormat)

	var frames []*core.VideoFrame
	for {
		f, err := c.Next(context.Background())
		if err == source.ErrNoData {
			continue
		}
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NoError(t, f.Validate())
		assert.Equal(t, core.DomainWallClock, f.Timestamp.Domain())
		frames = append(frames, f)
	}
	// Frames may be superseded when the reader outpaces Next, but the probe
	// frame always arrives first.
	require.NotEmpty(t, frames)
	assert.Equal(t, byte(0), frames[0].Data[0][0])
	assert.LessOrEqual(t, len(frames), 3)
}

func TestSetupErrorsFromStderr(t *testing.T) {
	_, err := start(context.Background(), helper(t, "denied"), smallConfig(), clocktesting.NewFakeClock(time.Now()))
	require.Error(t, err)
	assert.True(t, core.IsSetupKind(err, core.KindPermissionDenied))
	assert.Contains(t, err.Error(), "Permission denied")

	_, err = start(context.Background(), helper(t, "missing"), smallConfig(), clocktesting.NewFakeClock(time.Now()))
	assert.True(t, core.IsSetupKind(err, core.KindDeviceNotFound))
}

func TestSetupHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	begin := time.Now()
	_, err := start(ctx, helper(t, "stall"), smallConfig(), clocktesting.NewFakeClock(time.Now()))
	require.Error(t, err)
	assert.True(t, core.IsSetupKind(err, core.KindDeviceNotFound))
	assert.Less(t, time.Since(begin), startTimeout)
}

func TestInputArgs(t *testing.T) {
	cfg := withDefaults(source.Config{})

	args, err := inputArgs("darwin", "", cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"-f", "avfoundation", "-framerate", "30/1", "-video_size", "1280x720", "-i", "0:none"}, args)

	args, err = inputArgs("windows", "Integrated Camera", cfg)
	require.NoError(t, err)
	assert.Contains(t, args, "video=Integrated Camera")

	_, err = inputArgs("windows", "", cfg)
	assert.True(t, core.IsSetupKind(err, core.KindInvalidConfig))

	_, err = inputArgs("linux", "/dev/definitely-not-a-camera", cfg)
	assert.True(t, core.IsSetupKind(err, core.KindDeviceNotFound))

	_, err = inputArgs("plan9", "", cfg)
	assert.True(t, core.IsSetupKind(err, core.KindUnsupportedPlatform))
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := &tailBuffer{limit: 4}
	_, _ = b.Write([]byte("abcdef"))
	_, _ = b.Write([]byte("gh"))
	assert.Equal(t, "efgh", b.String())
}
