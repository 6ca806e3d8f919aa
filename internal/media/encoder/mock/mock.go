// Package mock registers deterministic encoder backends that need no codec
// libraries. The video backend emits Annex-B H.264 access units with a
// fixed SPS/PPS and an IDR every GOP frames; the audio backend emits
// fixed-size AAC payloads. The bitstreams are structurally valid for muxing
// but do not decode to the input pictures.
package mock

import (
	"encoding/binary"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/encoder"
)

// Name is the backend name to request in encoder configs.
const Name = "mock"

const (
	defaultGOP    = 30
	aacFrameSize  = 1024
	videoTimeBase = 1000
)

// SPS and PPS describe a 1920x1080 baseline stream.
var (
	SPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	PPS = []byte{0x68, 0xce, 0x38, 0x80}

	idrSlice = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	pSlice   = []byte{0x41, 0x9a, 0x24, 0x8c, 0x09}
	aacFrame = []byte{0x21, 0x10, 0x05, 0x00, 0xa0, 0x1b, 0xc0}
)

func init() {
	encoder.RegisterVideo(encoder.BackendInfo{
		Name: Name, Codec: core.CodecH264, Priority: -100, Explicit: true,
	}, NewVideo)
	encoder.RegisterAudio(encoder.BackendInfo{
		Name: Name, Codec: core.CodecAAC, Priority: -100, Explicit: true,
	}, NewAudio)
}

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

// queue is the packet FIFO shared by both backends.
type queue struct {
	pending  []*core.Packet
	draining bool
	closed   bool
}

func (q *queue) receive() (*core.Packet, error) {
	if q.closed {
		return nil, errors.New("backend closed")
	}
	if len(q.pending) == 0 {
		if q.draining {
			return nil, io.EOF
		}
		return nil, encoder.ErrAgain
	}
	p := q.pending[0]
	q.pending = q.pending[1:]
	return p, nil
}

// Video is the mock H.264 backend.
type Video struct {
	queue
	params   core.StreamParams
	gop      int
	duration int64
	frames   int
}

// NewVideo opens a mock H.264 backend.
func NewVideo(cfg encoder.VideoConfig) (encoder.VideoBackend, error) {
	if cfg.Codec != core.CodecH264 {
		return nil, errors.Errorf("mock video does not encode %s", cfg.Codec)
	}
	gop := cfg.GOP
	if gop <= 0 {
		gop = defaultGOP
	}
	tb := core.Rational{Num: 1, Den: videoTimeBase}
	return &Video{
		params: core.StreamParams{
			Codec:     core.CodecH264,
			TimeBase:  tb,
			Width:     cfg.Width,
			Height:    cfg.Height,
			Bitrate:   cfg.Bitrate,
			Extradata: annexB(SPS, PPS),
		},
		gop:      gop,
		duration: cfg.FrameDuration(tb),
	}, nil
}

func (v *Video) Params() core.StreamParams     { return v.params }
func (v *Video) PixelFormat() core.PixelFormat { return core.PixelFormatI420 }

func (v *Video) Send(frame *core.VideoFrame, pts int64) error {
	if v.draining || v.closed {
		if frame == nil {
			return nil
		}
		return errors.New("mock video is draining")
	}
	if frame == nil {
		v.draining = true
		return nil
	}
	if err := frame.Validate(); err != nil {
		return err
	}

	key := v.frames%v.gop == 0
	var data []byte
	if key {
		data = annexB(SPS, PPS, idrSlice)
	} else {
		// Frame number keeps every payload distinct.
		slice := binary.BigEndian.AppendUint32(append([]byte{}, pSlice...), uint32(v.frames))
		data = annexB(slice)
	}
	v.frames++
	v.pending = append(v.pending, &core.Packet{
		Data:     data,
		PTS:      pts,
		DTS:      pts,
		Duration: v.duration,
		TimeBase: v.params.TimeBase,
		Key:      key,
	})
	return nil
}

func (v *Video) Receive() (*core.Packet, error) { return v.receive() }

func (v *Video) Close() error {
	v.closed = true
	v.pending = nil
	return nil
}

// Audio is the mock AAC backend.
type Audio struct {
	queue
	params core.StreamParams
}

// NewAudio opens a mock AAC-LC backend.
func NewAudio(cfg encoder.AudioConfig) (encoder.AudioBackend, error) {
	if cfg.Codec != core.CodecAAC {
		return nil, errors.Errorf("mock audio does not encode %s", cfg.Codec)
	}
	asc := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   cfg.SampleRate,
		ChannelCount: cfg.Channels,
	}
	extradata, err := asc.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal AudioSpecificConfig")
	}
	return &Audio{
		params: core.StreamParams{
			Codec:      core.CodecAAC,
			TimeBase:   core.Rational{Num: 1, Den: int64(cfg.SampleRate)},
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			FrameSize:  aacFrameSize,
			Bitrate:    cfg.Bitrate,
			Extradata:  extradata,
		},
	}, nil
}

func (a *Audio) Params() core.StreamParams       { return a.params }
func (a *Audio) SampleFormat() core.SampleFormat { return core.SampleFormatF32 }
func (a *Audio) Planar() bool                    { return true }

func (a *Audio) Send(buf *core.AudioBuffer, pts int64) error {
	if a.draining || a.closed {
		if buf == nil {
			return nil
		}
		return errors.New("mock audio is draining")
	}
	if buf == nil {
		a.draining = true
		return nil
	}
	if buf.Samples != a.params.FrameSize {
		return errors.Errorf("mock audio expects %d samples, got %d", a.params.FrameSize, buf.Samples)
	}
	a.pending = append(a.pending, &core.Packet{
		Data:     append([]byte{}, aacFrame...),
		PTS:      pts,
		DTS:      pts,
		Duration: int64(buf.Samples),
		TimeBase: a.params.TimeBase,
		Key:      true,
	})
	return nil
}

func (a *Audio) Receive() (*core.Packet, error) { return a.receive() }

func (a *Audio) Close() error {
	a.closed = true
	a.pending = nil
	return nil
}
