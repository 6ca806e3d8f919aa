// Package opus registers a libopus backend built on gopus.
package opus

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"layeh.com/gopus"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/encoder"
)

// Name is the registered backend name.
const Name = "gopus"

const (
	frameDurationMs = 20
	maxPacketBytes  = 4000
	preSkip         = 312
)

func init() {
	encoder.RegisterAudio(encoder.BackendInfo{Name: Name, Codec: core.CodecOpus, Priority: 10}, New)
}

// Head builds the OpusHead identification header used as codec private
// data by WebM and Ogg.
func Head(channels, inputRate int) []byte {
	h := make([]byte, 19)
	copy(h, "OpusHead")
	h[8] = 1
	h[9] = byte(channels)
	binary.LittleEndian.PutUint16(h[10:], preSkip)
	binary.LittleEndian.PutUint32(h[12:], uint32(inputRate))
	return h
}

// Backend encodes interleaved S16 frames of 20 ms.
type Backend struct {
	enc      *gopus.Encoder
	params   core.StreamParams
	pending  []*core.Packet
	draining bool
}

// New opens a gopus encoder for cfg.
func New(cfg encoder.AudioConfig) (encoder.AudioBackend, error) {
	if cfg.Codec != core.CodecOpus {
		return nil, errors.Errorf("gopus does not encode %s", cfg.Codec)
	}
	switch cfg.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, errors.Errorf("opus does not support %d Hz", cfg.SampleRate)
	}
	if cfg.Channels < 1 || cfg.Channels > 2 {
		return nil, errors.Errorf("opus supports 1 or 2 channels, got %d", cfg.Channels)
	}
	enc, err := gopus.NewEncoder(cfg.SampleRate, cfg.Channels, gopus.Audio)
	if err != nil {
		return nil, errors.Wrap(err, "create opus encoder")
	}
	if cfg.Bitrate > 0 {
		enc.SetBitrate(cfg.Bitrate)
	}
	return &Backend{
		enc: enc,
		params: core.StreamParams{
			Codec:      core.CodecOpus,
			TimeBase:   core.Rational{Num: 1, Den: int64(cfg.SampleRate)},
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			FrameSize:  cfg.SampleRate * frameDurationMs / 1000,
			Bitrate:    cfg.Bitrate,
			Extradata:  Head(cfg.Channels, cfg.SampleRate),
		},
	}, nil
}

func (b *Backend) Params() core.StreamParams       { return b.params }
func (b *Backend) SampleFormat() core.SampleFormat { return core.SampleFormatS16 }
func (b *Backend) Planar() bool                    { return false }

func (b *Backend) Send(buf *core.AudioBuffer, pts int64) error {
	if buf == nil {
		b.draining = true
		return nil
	}
	if b.draining {
		return errors.New("opus encoder is draining")
	}
	pcm := make([]int16, buf.Samples*buf.Channels)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(buf.Data[0][i*2:]))
	}
	data, err := b.enc.Encode(pcm, buf.Samples, maxPacketBytes)
	if err != nil {
		return errors.Wrap(err, "opus encode")
	}
	b.pending = append(b.pending, &core.Packet{
		Data:     data,
		PTS:      pts,
		DTS:      pts,
		Duration: int64(buf.Samples),
		TimeBase: b.params.TimeBase,
		Key:      true,
	})
	return nil
}

func (b *Backend) Receive() (*core.Packet, error) {
	if len(b.pending) == 0 {
		if b.draining {
			return nil, io.EOF
		}
		return nil, encoder.ErrAgain
	}
	p := b.pending[0]
	b.pending = b.pending[1:]
	return p, nil
}

func (b *Backend) Close() error {
	b.pending = nil
	return nil
}
