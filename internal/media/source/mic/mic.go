// Package mic captures microphones with miniaudio through malgo.
package mic

import (
	"context"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/pkg/errors"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/source"
	"github.com/capsoftware/cap/packages/cli/internal/util"
)

// Name is the backend name.
const Name = "miniaudio"

const (
	defaultSampleRate = 48000
	defaultChannels   = 2
	queueDepth        = 64
	pollInterval      = 100 * time.Millisecond
)

func init() {
	source.Register(source.Registration{
		Kind:     source.KindMicrophone,
		Name:     Name,
		Priority: 10,
		Audio: func(ctx context.Context, cfg source.Config) (source.AudioCapturer, error) {
			return Open(ctx, cfg)
		},
		Lister: List,
	})
}

func initContext() (*malgo.AllocatedContext, error) {
	logger := util.ComponentLogger(nil, "miniaudio")
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, core.NewSetupError(core.KindUnsupportedPlatform, "microphone",
			errors.Wrap(err, "init audio context"))
	}
	return mctx, nil
}

func closeContext(mctx *malgo.AllocatedContext) {
	_ = mctx.Uninit()
	mctx.Free()
}

// List enumerates capture devices by index.
func List(context.Context) ([]source.Device, error) {
	mctx, err := initContext()
	if err != nil {
		return nil, err
	}
	defer closeContext(mctx)
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, errors.Wrap(err, "enumerate capture devices")
	}
	devices := make([]source.Device, 0, len(infos))
	for i, info := range infos {
		devices = append(devices, source.Device{
			ID:      strconv.Itoa(i),
			Name:    info.Name(),
			Default: info.IsDefault != 0,
		})
	}
	return devices, nil
}

// Capturer delivers buffers copied out of the miniaudio data callback.
type Capturer struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	stream *stream
	limit  int
	count  int
	once   sync.Once
}

// Open starts capture from cfg.Device, an index from List, or the system
// default when empty. Samples are float32 interleaved.
func Open(_ context.Context, cfg source.Config) (*Capturer, error) {
	rate, channels := cfg.SampleRate, cfg.Channels
	if rate <= 0 {
		rate = defaultSampleRate
	}
	if channels <= 0 {
		channels = defaultChannels
	}

	mctx, err := initContext()
	if err != nil {
		return nil, err
	}
	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.Capture.Format = malgo.FormatF32
	dc.Capture.Channels = uint32(channels)
	dc.SampleRate = uint32(rate)

	if cfg.Device != "" {
		index, err := strconv.Atoi(cfg.Device)
		if err != nil {
			closeContext(mctx)
			return nil, core.NewSetupError(core.KindInvalidConfig, "microphone",
				errors.Errorf("device %q is not an index", cfg.Device))
		}
		infos, err := mctx.Devices(malgo.Capture)
		if err != nil || index < 0 || index >= len(infos) {
			closeContext(mctx)
			return nil, core.NewSetupError(core.KindDeviceNotFound, "microphone",
				errors.Errorf("capture device %d not found", index))
		}
		id := infos[index].ID
		dc.Capture.DeviceID = id.Pointer()
	}

	s := newStream(source.AudioFormat{SampleFormat: core.SampleFormatF32, Channels: channels, SampleRate: rate})
	device, err := malgo.InitDevice(mctx.Context, dc, malgo.DeviceCallbacks{
		Data: func(_, in []byte, frames uint32) { s.deliver(in, int(frames)) },
	})
	if err != nil {
		closeContext(mctx)
		return nil, core.NewSetupError(core.KindDeviceNotFound, "microphone", errors.Wrap(err, "open capture device"))
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		closeContext(mctx)
		return nil, core.NewSetupError(core.KindPermissionDenied, "microphone", errors.Wrap(err, "start capture"))
	}
	return &Capturer{mctx: mctx, device: device, stream: s, limit: cfg.Limit}, nil
}

func (c *Capturer) Format() source.AudioFormat { return c.stream.format }

func (c *Capturer) Next(ctx context.Context) (*core.AudioBuffer, error) {
	if c.limit > 0 && c.count >= c.limit {
		return nil, io.EOF
	}
	b, err := c.stream.next(ctx, pollInterval)
	if err == nil {
		c.count++
	}
	return b, err
}

// Close stops the device. Buffers already queued are discarded.
func (c *Capturer) Close() error {
	c.once.Do(func() {
		_ = c.device.Stop()
		c.device.Uninit()
		closeContext(c.mctx)
		if n := c.stream.dropped.Load(); n > 0 {
			util.GetLogger().Warn("Microphone buffers dropped in callback", "count", n)
		}
	})
	return nil
}

// stream hands buffers from the realtime callback to Next without blocking
// the callback.
type stream struct {
	format  source.AudioFormat
	tb      core.Rational
	queue   chan *core.AudioBuffer
	samples int64
	dropped atomic.Int64
}

func newStream(f source.AudioFormat) *stream {
	return &stream{
		format: f,
		tb:     core.NewRational(1, int64(f.SampleRate)),
		queue:  make(chan *core.AudioBuffer, queueDepth),
	}
}

// deliver runs on the audio thread. Timestamps count samples so gaps from
// dropped buffers stay visible downstream.
func (s *stream) deliver(in []byte, frames int) {
	f := s.format
	b := core.NewAudioBuffer(f.SampleFormat, false, f.Channels, f.SampleRate, frames)
	copy(b.Data[0], in)
	b.Timestamp = core.MediaTimestamp(s.samples, s.tb)
	s.samples += int64(frames)
	select {
	case s.queue <- b:
	default:
		s.dropped.Add(1)
	}
}

func (s *stream) next(ctx context.Context, wait time.Duration) (*core.AudioBuffer, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case b := <-s.queue:
		return b, nil
	case <-timer.C:
		return nil, source.ErrNoData
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
