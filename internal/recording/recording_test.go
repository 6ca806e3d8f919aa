package recording

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/demuxer"
	"github.com/capsoftware/cap/packages/cli/internal/media/encoder"
	"github.com/capsoftware/cap/packages/cli/internal/media/encoder/mock"
	"github.com/capsoftware/cap/packages/cli/internal/media/muxer"
	"github.com/capsoftware/cap/packages/cli/internal/media/source"
	"github.com/capsoftware/cap/packages/cli/internal/media/source/synthetic"
)

const frameTolerance = time.Second / 30

// countedTone is the synthetic tone with a tally of the samples it captured.
const countedTone = "counted-tone"

var capturedSamples atomic.Int64

type countingAudio struct {
	*synthetic.Audio
}

func (c countingAudio) Next(ctx context.Context) (*core.AudioBuffer, error) {
	b, err := c.Audio.Next(ctx)
	if err == nil {
		capturedSamples.Add(int64(b.Samples))
	}
	return b, err
}

func init() {
	source.Register(source.Registration{
		Kind: source.KindMicrophone,
		Name: countedTone,
		Audio: func(_ context.Context, cfg source.Config) (source.AudioCapturer, error) {
			return countingAudio{synthetic.NewAudio(cfg, clock.RealClock{})}, nil
		},
	})
}

func testOptions(frames int) Options {
	rate := core.NewRational(30, 1)
	return Options{
		Display: &VideoInput{Backend: synthetic.Name, Config: source.Config{
			Width: 320, Height: 240, FrameRate: rate, Limit: frames,
		}},
		Mic: &AudioInput{Backend: synthetic.Name, Config: source.Config{
			SampleRate: 48000, Channels: 2, FrameRate: rate, Limit: frames,
		}},
		Video:        encoder.VideoConfig{Codec: core.CodecH264, Backend: mock.Name},
		Audio:        encoder.AudioConfig{Codec: core.CodecAAC, Backend: mock.Name},
		MicInDisplay: true,
		JoinTimeout:  5 * time.Second,
		Logger:       slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
}

func waitSegment(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(30 * time.Second):
		t.Fatal("segment did not finish")
	}
}

func TestRecordsTenSecondsIntoFMP4(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "project")
	opts := testOptions(300)
	opts.Mic.Backend = countedTone
	capturedSamples.Store(0)
	s, err := NewSession(dir, opts)
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	waitSegment(t, s)
	config, err := s.Stop(ctx)
	require.NoError(t, err)
	require.Len(t, config.Segments, 1)

	seg := config.Segments[0]
	assert.Equal(t, "content/segments/segment-0/display.mp4", seg.Display)
	assert.Equal(t, seg.Display, seg.Audio)

	f, err := demuxer.Probe(s.Project().Path(seg.Display))
	require.NoError(t, err)
	require.Len(t, f.Tracks, 2)

	video := f.Track(core.CodecH264)
	require.NotNil(t, video)
	assert.Equal(t, 300, video.Samples)
	assert.Positive(t, video.Keyframes)
	assert.InDelta(t, float64(10*time.Second), float64(video.Duration()), float64(frameTolerance))

	audio := f.Track(core.CodecAAC)
	require.NotNil(t, audio)
	assert.Equal(t, 48000, audio.Params.SampleRate)
	// 300 frames at 30 fps carry exactly ten seconds of 48 kHz audio, which
	// the encoder pads to whole AAC frames.
	require.Equal(t, int64(48000*300/30), capturedSamples.Load())
	assert.Equal(t, (48000*300/30+1023)/1024, audio.Samples)
	assert.InDelta(t, float64(10*time.Second), float64(audio.Duration()), float64(frameTolerance))

	assert.InDelta(t, float64(10*time.Second), float64(f.Duration()), float64(frameTolerance))
	assert.InDelta(t, 10000, seg.DurationMS, float64(frameTolerance.Milliseconds()))
}

func TestPauseResumeOpensSegments(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "project")
	opts := testOptions(30)
	opts.MicInDisplay = false
	s, err := NewSession(dir, opts)
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	assert.Equal(t, StateRecording, s.State())
	waitSegment(t, s)
	require.NoError(t, s.Pause(ctx))
	assert.Equal(t, StatePaused, s.State())
	assert.Nil(t, s.Done())

	require.NoError(t, s.Resume(ctx))
	waitSegment(t, s)
	config, err := s.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, s.State())

	require.Len(t, config.Segments, 2)
	for i, seg := range config.Segments {
		assert.Equal(t, i, seg.Index)
		assert.FileExists(t, filepath.Join(SegmentDir(dir, i), DisplayFile))
		assert.FileExists(t, filepath.Join(SegmentDir(dir, i), AudioFileM4A))
		assert.InDelta(t, 1000, seg.DurationMS, 100)
	}

	loaded, err := LoadProject(dir)
	require.NoError(t, err)
	assert.Equal(t, config.ID, loaded.Config.ID)
	require.Len(t, loaded.Config.Segments, 2)
	for i, seg := range loaded.Config.Segments {
		assert.Equal(t, config.Segments[i].Display, seg.Display)
		assert.Equal(t, config.Segments[i].Audio, seg.Audio)
		assert.Equal(t, config.Segments[i].DurationMS, seg.DurationMS)
	}
}

func TestLifecycleRejectsInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	s, err := NewSession(filepath.Join(t.TempDir(), "project"), testOptions(5))
	require.NoError(t, err)

	assert.ErrorIs(t, s.Pause(ctx), ErrInvalidState)
	assert.ErrorIs(t, s.Resume(ctx), ErrInvalidState)
	_, err = s.Stop(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, s.Start(ctx), ErrInvalidState)
	assert.ErrorIs(t, s.Resume(ctx), ErrInvalidState)
	_, err = s.Stop(ctx)
	require.NoError(t, err)
	_, err = s.Stop(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestNewSessionNeedsAnInput(t *testing.T) {
	_, err := NewSession(t.TempDir(), Options{})
	assert.True(t, core.IsSetupKind(err, core.KindInvalidConfig))
}

func TestSetupFailureRemovesSegment(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "project")
	opts := testOptions(5)
	opts.Display.Backend = "no-such-backend"
	s, err := NewSession(dir, opts)
	require.NoError(t, err)

	err = s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, core.IsSetupKind(err, core.KindUnsupportedPlatform))
	assert.Equal(t, StateIdle, s.State())
	assert.NoDirExists(t, SegmentDir(dir, 0))
}

func TestCursorTrack(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "project")
	opts := testOptions(10)
	opts.Cursor = SyntheticCursor(320, 240)
	opts.CursorLimit = 12
	s, err := NewSession(dir, opts)
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	waitSegment(t, s)
	config, err := s.Stop(ctx)
	require.NoError(t, err)

	samples, err := ReadCursor(s.Project().Path(config.Segments[0].Cursor))
	require.NoError(t, err)
	require.Len(t, samples, 12)
	for i := 1; i < len(samples); i++ {
		assert.GreaterOrEqual(t, samples[i].TimeMS, samples[i-1].TimeMS)
	}
	assert.InDelta(t, 160+80, samples[0].X, 1)
	assert.InDelta(t, 120, samples[0].Y, 1)
}

func TestLoadProjectDiscoversSegments(t *testing.T) {
	dir := t.TempDir()
	for _, i := range []int{1, 0} {
		seg := SegmentDir(dir, i)
		require.NoError(t, os.MkdirAll(seg, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(seg, DisplayFile), nil, 0644))
		require.NoError(t, os.WriteFile(filepath.Join(seg, AudioFileOgg), nil, 0644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, SegmentsDir, "scratch"), 0755))

	p, err := LoadProject(dir)
	require.NoError(t, err)
	require.Len(t, p.Config.Segments, 2)
	assert.Equal(t, 0, p.Config.Segments[0].Index)
	assert.Equal(t, "content/segments/segment-1/display.mp4", p.Config.Segments[1].Display)
	assert.Equal(t, "content/segments/segment-1/audio-input.ogg", p.Config.Segments[1].Audio)
	assert.Empty(t, p.Config.Segments[1].Camera)
}

func TestLoadProjectWithoutSegments(t *testing.T) {
	_, err := LoadProject(t.TempDir())
	assert.ErrorIs(t, err, ErrNoSegments)
}

func TestAudioOutput(t *testing.T) {
	tests := []struct {
		codec  core.Codec
		name   string
		format string
	}{
		{core.CodecAAC, AudioFileM4A, muxer.FormatFMP4},
		{core.CodecOpus, AudioFileOgg, muxer.FormatOgg},
		{core.CodecMP3, AudioFileM4A, muxer.FormatLibavMP4},
	}
	for _, tt := range tests {
		t.Run(tt.codec.String(), func(t *testing.T) {
			name, format := audioOutput(tt.codec)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.format, format)
		})
	}
}
