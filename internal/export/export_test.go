package export

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/demuxer"
	"github.com/capsoftware/cap/packages/cli/internal/media/encoder"
	"github.com/capsoftware/cap/packages/cli/internal/media/encoder/mock"
	"github.com/capsoftware/cap/packages/cli/internal/media/source"
	"github.com/capsoftware/cap/packages/cli/internal/media/source/synthetic"
	"github.com/capsoftware/cap/packages/cli/internal/recording"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type recordSpec struct {
	frames        int
	width, height int
	video, audio  bool
	micInDisplay  bool
	segments      int
	sampleRate    int
}

// record captures a synthetic project, one segment per pause/resume cycle.
func record(t *testing.T, dir string, spec recordSpec) *recording.ProjectConfig {
	t.Helper()
	ctx := context.Background()
	rate := core.NewRational(30, 1)
	opts := recording.Options{
		Video:        encoder.VideoConfig{Codec: core.CodecH264, Backend: mock.Name},
		Audio:        encoder.AudioConfig{Codec: core.CodecAAC, Backend: mock.Name},
		MicInDisplay: spec.micInDisplay,
		Logger:       testLogger(),
	}
	if spec.video {
		opts.Display = &recording.VideoInput{Backend: synthetic.Name, Config: source.Config{
			Width: spec.width, Height: spec.height, FrameRate: rate, Limit: spec.frames,
		}}
	}
	if spec.sampleRate == 0 {
		spec.sampleRate = 48000
	}
	if spec.audio {
		opts.Mic = &recording.AudioInput{Backend: synthetic.Name, Config: source.Config{
			SampleRate: spec.sampleRate, Channels: 2, FrameRate: rate, Limit: spec.frames,
		}}
	}
	s, err := recording.NewSession(dir, opts)
	require.NoError(t, err)

	for i := 0; i < max(spec.segments, 1); i++ {
		if i == 0 {
			require.NoError(t, s.Start(ctx))
		} else {
			require.NoError(t, s.Resume(ctx))
		}
		select {
		case <-s.Done():
		case <-time.After(30 * time.Second):
			t.Fatal("segment did not finish")
		}
		if i < spec.segments-1 {
			require.NoError(t, s.Pause(ctx))
		}
	}
	config, err := s.Stop(ctx)
	require.NoError(t, err)
	return config
}

func TestConcatenatesSegments(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "project")
	record(t, dir, recordSpec{frames: 30, width: 320, height: 240, video: true, audio: true, segments: 2})

	var reports []Progress
	result, err := Export(context.Background(), dir, "", Options{
		Logger: testLogger(),
		Progress: func(p Progress) bool {
			reports = append(reports, p)
			return true
		},
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "output", "result.mp4"), result.Path)
	assert.Equal(t, 2, result.Segments)
	assert.Equal(t, 60, result.VideoPackets)
	assert.Positive(t, result.AudioPackets)

	f, err := demuxer.Probe(result.Path)
	require.NoError(t, err)
	require.Len(t, f.Tracks, 2)
	video := f.Track(core.CodecH264)
	require.NotNil(t, video)
	assert.Equal(t, 60, video.Samples)
	assert.InDelta(t, float64(2*time.Second), float64(video.Duration()), float64(50*time.Millisecond))
	require.NotNil(t, f.Track(core.CodecAAC))

	require.Len(t, reports, 60)
	for i, p := range reports {
		assert.Equal(t, uint64(i+1), p.Frames)
		assert.Equal(t, uint64(60), p.Total)
	}
	assert.InDelta(t, 1.0, reports[59].Ratio, 1e-9)
	assert.Equal(t, 1, reports[59].Segment)
}

func TestSharedDisplayFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "project")
	record(t, dir, recordSpec{frames: 15, width: 160, height: 120, video: true, audio: true, micInDisplay: true, segments: 2})

	result, err := Export(context.Background(), dir, filepath.Join(t.TempDir(), "out.mp4"), Options{Logger: testLogger()})
	require.NoError(t, err)
	assert.Equal(t, 30, result.VideoPackets)
	assert.Positive(t, result.AudioPackets)
	assert.InDelta(t, float64(time.Second), float64(result.Duration), float64(50*time.Millisecond))
}

func TestAudioOnlyProject(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "project")
	record(t, dir, recordSpec{frames: 30, audio: true, segments: 1})

	result, err := Export(context.Background(), dir, filepath.Join(t.TempDir(), "out.m4a"), Options{Logger: testLogger()})
	require.NoError(t, err)
	assert.Zero(t, result.VideoPackets)

	f, err := demuxer.Probe(result.Path)
	require.NoError(t, err)
	require.Len(t, f.Tracks, 1)
	assert.Equal(t, core.CodecAAC, f.Tracks[0].Params.Codec)
}

func TestAbortRemovesOutput(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "project")
	record(t, dir, recordSpec{frames: 30, width: 160, height: 120, video: true, audio: true, segments: 1})

	out := filepath.Join(t.TempDir(), "out.mp4")
	_, err := Export(context.Background(), dir, out, Options{
		Logger:   testLogger(),
		Progress: func(p Progress) bool { return p.Frames < 10 },
	})
	assert.ErrorIs(t, err, ErrAborted)
	assert.NoFileExists(t, out)
}

func TestIncompatibleSegments(t *testing.T) {
	root := t.TempDir()
	a := record(t, filepath.Join(root, "a"), recordSpec{frames: 5, audio: true, segments: 1})
	b := record(t, filepath.Join(root, "b"), recordSpec{frames: 5, audio: true, sampleRate: 44100, segments: 1})

	merged := *a
	second := b.Segments[0]
	second.Index = 1
	second.Audio = "../b/" + second.Audio
	merged.Segments = append(merged.Segments, second)
	data, err := json.Marshal(merged)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", recording.ProjectConfigFile), data, 0644))

	_, err = Export(context.Background(), filepath.Join(root, "a"), filepath.Join(root, "out.mp4"), Options{Logger: testLogger()})
	assert.ErrorIs(t, err, ErrIncompatibleSegments)
	assert.NoFileExists(t, filepath.Join(root, "out.mp4"))
}

func TestMissingProject(t *testing.T) {
	_, err := Export(context.Background(), filepath.Join(t.TempDir(), "missing"), "", Options{Logger: testLogger()})
	require.Error(t, err)
}
