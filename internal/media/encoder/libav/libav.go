// Package libav registers encoder backends and an MP4 writer backed by
// FFmpeg through go-astiav. Hardware H.264 encoders are registered ahead
// of libx264 and are probed in order at open time.
package libav

import (
	"image"
	"io"
	"sync"

	"github.com/asticode/go-astiav"
	"github.com/pkg/errors"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/encoder"
	"github.com/capsoftware/cap/packages/cli/internal/util"
)

type videoCodec struct {
	name     string
	hardware bool
	priority int
}

var videoCodecs = []videoCodec{
	{"h264_videotoolbox", true, 40},
	{"h264_nvenc", true, 30},
	{"h264_qsv", true, 20},
	{"libx264", false, 10},
}

type audioCodec struct {
	name   string
	codec  core.Codec
	format astiav.SampleFormat
	sample core.SampleFormat
	planar bool
}

var audioCodecs = []audioCodec{
	{"aac", core.CodecAAC, astiav.SampleFormatFltp, core.SampleFormatF32, true},
	{"libopus", core.CodecOpus, astiav.SampleFormatFlt, core.SampleFormatF32, false},
	{"libmp3lame", core.CodecMP3, astiav.SampleFormatFltp, core.SampleFormatF32, true},
}

func init() {
	for _, c := range videoCodecs {
		c := c
		encoder.RegisterVideo(encoder.BackendInfo{
			Name: c.name, Codec: core.CodecH264, Hardware: c.hardware, Priority: c.priority,
		}, func(cfg encoder.VideoConfig) (encoder.VideoBackend, error) {
			return newVideo(c, cfg)
		})
	}
	for _, c := range audioCodecs {
		c := c
		encoder.RegisterAudio(encoder.BackendInfo{Name: c.name, Codec: c.codec, Priority: 20},
			func(cfg encoder.AudioConfig) (encoder.AudioBackend, error) {
				return newAudio(c, cfg)
			})
	}
}

var logOnce sync.Once

func setupLogging() {
	logOnce.Do(func() {
		if util.IsVerbose() {
			astiav.SetLogLevel(astiav.LogLevelInfo)
		} else {
			astiav.SetLogLevel(astiav.LogLevelError)
		}
	})
}

func toRational(r core.Rational) astiav.Rational {
	return astiav.NewRational(int(r.Num), int(r.Den))
}

func fromRational(r astiav.Rational) core.Rational {
	return core.Rational{Num: int64(r.Num()), Den: int64(r.Den())}
}

// codecContext wraps an open encoder context and its reusable frame and packet.
type codecContext struct {
	ctx      *astiav.CodecContext
	frame    *astiav.Frame
	packet   *astiav.Packet
	tb       core.Rational
	draining bool
}

func (c *codecContext) receive() (*core.Packet, error) {
	if err := c.ctx.ReceivePacket(c.packet); err != nil {
		if errors.Is(err, astiav.ErrEagain) {
			return nil, encoder.ErrAgain
		}
		if errors.Is(err, astiav.ErrEof) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "receive packet")
	}
	defer c.packet.Unref()
	return &core.Packet{
		Data:     append([]byte{}, c.packet.Data()...),
		PTS:      c.packet.Pts(),
		DTS:      c.packet.Dts(),
		Duration: c.packet.Duration(),
		TimeBase: c.tb,
		Key:      c.packet.Flags().Has(astiav.PacketFlagKey),
	}, nil
}

func (c *codecContext) send(frame *astiav.Frame) error {
	if frame == nil {
		if c.draining {
			return nil
		}
		c.draining = true
	}
	if err := c.ctx.SendFrame(frame); err != nil && !errors.Is(err, astiav.ErrEof) {
		return errors.Wrap(err, "send frame")
	}
	return nil
}

func (c *codecContext) close() error {
	c.frame.Free()
	c.packet.Free()
	c.ctx.Free()
	return nil
}

// Video is an FFmpeg H.264 encoder.
type Video struct {
	codecContext
	params core.StreamParams
}

func newVideo(vc videoCodec, cfg encoder.VideoConfig) (*Video, error) {
	setupLogging()
	codec := astiav.FindEncoderByName(vc.name)
	if codec == nil {
		return nil, errors.Errorf("encoder %s not available", vc.name)
	}
	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		return nil, errors.New("alloc codec context")
	}

	tb := core.Rational{Num: cfg.FrameRate.Den, Den: cfg.FrameRate.Num}
	ctx.SetWidth(cfg.Width)
	ctx.SetHeight(cfg.Height)
	ctx.SetPixelFormat(astiav.PixelFormatYuv420P)
	ctx.SetTimeBase(toRational(tb))
	ctx.SetFramerate(toRational(cfg.FrameRate))
	if cfg.Bitrate > 0 {
		ctx.SetBitRate(int64(cfg.Bitrate))
	}
	gop := cfg.GOP
	if gop <= 0 {
		gop = int(cfg.FrameRate.Num / cfg.FrameRate.Den)
	}
	ctx.SetGopSize(gop)
	ctx.SetFlags(astiav.NewCodecContextFlags(astiav.CodecContextFlagGlobalHeader))

	opts := astiav.NewDictionary()
	defer opts.Free()
	// Muxers expect DTS == PTS.
	_ = opts.Set("bf", "0", astiav.NewDictionaryFlags())
	if vc.name == "libx264" {
		_ = opts.Set("preset", "veryfast", astiav.NewDictionaryFlags())
		_ = opts.Set("tune", "zerolatency", astiav.NewDictionaryFlags())
	}
	if err := ctx.Open(codec, opts); err != nil {
		ctx.Free()
		return nil, errors.Wrapf(err, "open %s", vc.name)
	}

	frame := astiav.AllocFrame()
	frame.SetWidth(cfg.Width)
	frame.SetHeight(cfg.Height)
	frame.SetPixelFormat(astiav.PixelFormatYuv420P)
	if err := frame.AllocBuffer(0); err != nil {
		frame.Free()
		ctx.Free()
		return nil, errors.Wrap(err, "alloc frame buffer")
	}

	return &Video{
		codecContext: codecContext{ctx: ctx, frame: frame, packet: astiav.AllocPacket(), tb: tb},
		params: core.StreamParams{
			Codec:     core.CodecH264,
			TimeBase:  tb,
			Width:     cfg.Width,
			Height:    cfg.Height,
			Bitrate:   cfg.Bitrate,
			Extradata: append([]byte{}, ctx.ExtraData()...),
		},
	}, nil
}

func (v *Video) Params() core.StreamParams     { return v.params }
func (v *Video) PixelFormat() core.PixelFormat { return core.PixelFormatI420 }

func (v *Video) Send(frame *core.VideoFrame, pts int64) error {
	if frame == nil {
		return v.send(nil)
	}
	img := &image.YCbCr{
		Y:              frame.Data[0],
		Cb:             frame.Data[1],
		Cr:             frame.Data[2],
		YStride:        frame.Stride[0],
		CStride:        frame.Stride[1],
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, frame.Width, frame.Height),
	}
	if err := v.frame.MakeWritable(); err != nil {
		return errors.Wrap(err, "make frame writable")
	}
	if err := v.frame.Data().FromImage(img); err != nil {
		return errors.Wrap(err, "fill frame")
	}
	v.frame.SetPts(pts)
	return v.send(v.frame)
}

func (v *Video) Receive() (*core.Packet, error) { return v.receive() }
func (v *Video) Close() error                   { return v.close() }

// Audio is an FFmpeg audio encoder.
type Audio struct {
	codecContext
	spec   audioCodec
	params core.StreamParams
}

func channelLayout(channels int) (astiav.ChannelLayout, error) {
	switch channels {
	case 1:
		return astiav.ChannelLayoutMono, nil
	case 2:
		return astiav.ChannelLayoutStereo, nil
	}
	return astiav.ChannelLayout{}, errors.Errorf("unsupported channel count %d", channels)
}

func newAudio(ac audioCodec, cfg encoder.AudioConfig) (*Audio, error) {
	setupLogging()
	codec := astiav.FindEncoderByName(ac.name)
	if codec == nil {
		return nil, errors.Errorf("encoder %s not available", ac.name)
	}
	layout, err := channelLayout(cfg.Channels)
	if err != nil {
		return nil, err
	}
	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		return nil, errors.New("alloc codec context")
	}
	tb := core.Rational{Num: 1, Den: int64(cfg.SampleRate)}
	ctx.SetChannelLayout(layout)
	ctx.SetSampleRate(cfg.SampleRate)
	ctx.SetSampleFormat(ac.format)
	ctx.SetTimeBase(toRational(tb))
	if cfg.Bitrate > 0 {
		ctx.SetBitRate(int64(cfg.Bitrate))
	}
	ctx.SetFlags(astiav.NewCodecContextFlags(astiav.CodecContextFlagGlobalHeader))
	if err := ctx.Open(codec, nil); err != nil {
		ctx.Free()
		return nil, errors.Wrapf(err, "open %s", ac.name)
	}

	frameSize := ctx.FrameSize()
	if frameSize <= 0 {
		frameSize = 1024
	}
	frame := astiav.AllocFrame()
	frame.SetChannelLayout(layout)
	frame.SetSampleRate(cfg.SampleRate)
	frame.SetSampleFormat(ac.format)
	frame.SetNbSamples(frameSize)
	if err := frame.AllocBuffer(0); err != nil {
		frame.Free()
		ctx.Free()
		return nil, errors.Wrap(err, "alloc frame buffer")
	}

	return &Audio{
		codecContext: codecContext{ctx: ctx, frame: frame, packet: astiav.AllocPacket(), tb: tb},
		spec:         ac,
		params: core.StreamParams{
			Codec:      ac.codec,
			TimeBase:   tb,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			FrameSize:  frameSize,
			Bitrate:    cfg.Bitrate,
			Extradata:  append([]byte{}, ctx.ExtraData()...),
		},
	}, nil
}

func (a *Audio) Params() core.StreamParams       { return a.params }
func (a *Audio) SampleFormat() core.SampleFormat { return a.spec.sample }
func (a *Audio) Planar() bool                    { return a.spec.planar }

func (a *Audio) Send(buf *core.AudioBuffer, pts int64) error {
	if buf == nil {
		return a.send(nil)
	}
	if buf.Samples != a.params.FrameSize {
		return errors.Errorf("%s expects %d samples, got %d", a.spec.name, a.params.FrameSize, buf.Samples)
	}
	if err := a.frame.MakeWritable(); err != nil {
		return errors.Wrap(err, "make frame writable")
	}
	var payload []byte
	for _, plane := range buf.Data {
		payload = append(payload, plane...)
	}
	if err := a.frame.Data().SetBytes(payload, 0); err != nil {
		return errors.Wrap(err, "fill frame")
	}
	a.frame.SetPts(pts)
	return a.send(a.frame)
}

func (a *Audio) Receive() (*core.Packet, error) { return a.receive() }
func (a *Audio) Close() error                   { return a.close() }
