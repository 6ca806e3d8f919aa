// Package synthetic provides generated capture sources: a moving test
// pattern and a sine tone. Timestamps follow a fixed media cadence, so
// recordings made from them are reproducible. They are registered for every
// kind under the name "synthetic" at a low priority.
package synthetic

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"time"

	"k8s.io/utils/clock"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/source"
)

// Name is the backend name.
const Name = "synthetic"

const (
	defaultWidth      = 1280
	defaultHeight     = 720
	defaultSampleRate = 48000
	defaultChannels   = 2
	toneHz            = 440.0
	toneLevel         = 0.25
)

func init() {
	for _, kind := range []source.Kind{source.KindDisplay, source.KindCamera} {
		source.Register(source.Registration{
			Kind:     kind,
			Name:     Name,
			Priority: -10,
			Video: func(_ context.Context, cfg source.Config) (source.VideoCapturer, error) {
				return NewVideo(cfg, clock.RealClock{}), nil
			},
			Lister: listOne("Test pattern"),
		})
	}
	source.Register(source.Registration{
		Kind:     source.KindMicrophone,
		Name:     Name,
		Priority: -10,
		Audio: func(_ context.Context, cfg source.Config) (source.AudioCapturer, error) {
			return NewAudio(cfg, clock.RealClock{}), nil
		},
		Lister: listOne("Sine tone"),
	})
}

func listOne(name string) source.Lister {
	return func(context.Context) ([]source.Device, error) {
		return []source.Device{{ID: "0", Name: name}}, nil
	}
}

// pacer optionally holds each item until its wall-clock slot.
type pacer struct {
	ticker clock.Ticker
}

func newPacer(realTime bool, clk clock.WithTicker, interval time.Duration) *pacer {
	if !realTime {
		return &pacer{}
	}
	return &pacer{ticker: clk.NewTicker(interval)}
}

func (p *pacer) wait(ctx context.Context) error {
	if p.ticker == nil {
		return ctx.Err()
	}
	select {
	case <-p.ticker.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pacer) stop() {
	if p.ticker != nil {
		p.ticker.Stop()
	}
}

// Video emits I420 frames with a sliding bar over a luma ramp.
type Video struct {
	format source.VideoFormat
	limit  int
	pacer  *pacer
	tb     core.Rational
	frame  int64
}

// NewVideo creates a test pattern source. clk drives real-time pacing.
func NewVideo(cfg source.Config, clk clock.WithTicker) *Video {
	w, h := cfg.Width, cfg.Height
	if w <= 0 || h <= 0 {
		w, h = defaultWidth, defaultHeight
	}
	rate := cfg.FrameRate
	if !rate.Valid() {
		rate = core.NewRational(30, 1)
	}
	return &Video{
		format: source.VideoFormat{Width: w, Height: h, PixelFormat: core.PixelFormatI420, FrameRate: rate},
		limit:  cfg.Limit,
		pacer:  newPacer(cfg.RealTime, clk, cfg.FrameInterval()),
		tb:     core.Rational{Num: rate.Den, Den: rate.Num},
	}
}

func (v *Video) Format() source.VideoFormat { return v.format }

func (v *Video) Next(ctx context.Context) (*core.VideoFrame, error) {
	if v.limit > 0 && v.frame >= int64(v.limit) {
		return nil, io.EOF
	}
	if err := v.pacer.wait(ctx); err != nil {
		return nil, err
	}
	f := core.NewVideoFrame(core.PixelFormatI420, v.format.Width, v.format.Height)
	v.paint(f)
	f.Timestamp = core.MediaTimestamp(v.frame, v.tb)
	v.frame++
	return f, nil
}

func (v *Video) paint(f *core.VideoFrame) {
	w, h := f.Width, f.Height
	barW := w / 16
	if barW == 0 {
		barW = 1
	}
	barX := int(v.frame*4) % w
	y := f.Data[0]
	for row := 0; row < h; row++ {
		line := y[row*f.Stride[0]:]
		for col := 0; col < w; col++ {
			if col >= barX && col < barX+barW {
				line[col] = 235
			} else {
				line[col] = byte(16 + col*200/w)
			}
		}
	}
	for _, plane := range f.Data[1:] {
		for i := range plane {
			plane[i] = 128
		}
	}
}

func (v *Video) Close() error {
	v.pacer.stop()
	return nil
}

// Audio emits interleaved float32 sine buffers of one video frame's length.
// Buffer lengths follow the exact frame rate, so n buffers always hold
// floor(n * rate / fps) samples.
type Audio struct {
	format  source.AudioFormat
	rate    core.Rational
	limit   int
	pacer   *pacer
	emitted int64
	buffers int
}

// NewAudio creates a sine tone source.
func NewAudio(cfg source.Config, clk clock.WithTicker) *Audio {
	rate, ch := cfg.SampleRate, cfg.Channels
	if rate <= 0 {
		rate = defaultSampleRate
	}
	if ch <= 0 {
		ch = defaultChannels
	}
	fps := cfg.FrameRate
	if !fps.Valid() {
		fps = core.NewRational(30, 1)
	}
	return &Audio{
		format: source.AudioFormat{SampleFormat: core.SampleFormatF32, Channels: ch, SampleRate: rate},
		rate:   fps,
		limit:  cfg.Limit,
		pacer:  newPacer(cfg.RealTime, clk, cfg.FrameInterval()),
	}
}

// samplesBefore returns the per-channel samples emitted by the first n buffers.
func (a *Audio) samplesBefore(n int) int64 {
	return int64(n) * int64(a.format.SampleRate) * a.rate.Den / a.rate.Num
}

func (a *Audio) Format() source.AudioFormat { return a.format }

// BufferSamples returns the per-channel length of the next buffer.
func (a *Audio) BufferSamples() int {
	return int(a.samplesBefore(a.buffers+1) - a.samplesBefore(a.buffers))
}

func (a *Audio) Next(ctx context.Context) (*core.AudioBuffer, error) {
	if a.limit > 0 && a.buffers >= a.limit {
		return nil, io.EOF
	}
	if err := a.pacer.wait(ctx); err != nil {
		return nil, err
	}
	f := a.format
	n := a.BufferSamples()
	buf := core.NewAudioBuffer(f.SampleFormat, false, f.Channels, f.SampleRate, n)
	data := buf.Data[0]
	for i := 0; i < n; i++ {
		t := float64(a.emitted+int64(i)) / float64(f.SampleRate)
		bits := math.Float32bits(float32(toneLevel * math.Sin(2*math.Pi*toneHz*t)))
		for c := 0; c < f.Channels; c++ {
			binary.LittleEndian.PutUint32(data[(i*f.Channels+c)*4:], bits)
		}
	}
	buf.Timestamp = core.MediaTimestamp(a.emitted, core.NewRational(1, int64(f.SampleRate)))
	a.emitted += int64(n)
	a.buffers++
	return buf, nil
}

func (a *Audio) Close() error {
	a.pacer.stop()
	return nil
}
