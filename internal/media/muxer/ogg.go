package muxer

import (
	"io"
	"log/slog"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/pkg/errors"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/util"
)

func init() {
	Register(Format{
		Name:       FormatOgg,
		Extensions: []string{".ogg", ".opus"},
		New: func(w io.Writer, o Options) (Container, error) {
			return NewOgg(w, o), nil
		},
	})
}

// Opus granule positions always count 48 kHz samples.
var oggTimeBase = core.NewRational(1, 48000)

// Ogg writes a single Opus stream.
type Ogg struct {
	w      io.Writer
	logger *slog.Logger
	params *core.StreamParams
	ogg    *oggwriter.OggWriter
	seq    uint16
}

// NewOgg creates an Ogg container writing to w.
func NewOgg(w io.Writer, o Options) *Ogg {
	logger := o.Logger
	if logger == nil {
		logger = util.GetLogger()
	}
	// oggwriter closes streams that implement io.Closer; the muxer owns w.
	return &Ogg{w: struct{ io.Writer }{w}, logger: logger.With("container", FormatOgg)}
}

func (o *Ogg) AddStream(index int, params core.StreamParams) (core.Rational, error) {
	if params.Codec != core.CodecOpus {
		return core.Rational{}, errors.Wrapf(ErrUnsupportedCodec, "ogg cannot carry %s", params.Codec)
	}
	if o.params != nil {
		return core.Rational{}, errors.New("ogg carries a single stream")
	}
	o.params = &params
	return oggTimeBase, nil
}

func (o *Ogg) WriteHeader() error {
	ogg, err := oggwriter.NewWith(o.w, uint32(o.params.SampleRate), uint16(o.params.Channels))
	if err != nil {
		return errors.Wrap(err, "write ogg headers")
	}
	o.ogg = ogg
	return nil
}

func (o *Ogg) WritePacket(pkt *core.Packet) error {
	if len(pkt.Data) == 0 {
		return nil
	}
	o.seq++
	return o.ogg.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: o.seq,
			Timestamp:      uint32(pkt.PTS),
		},
		Payload: pkt.Data,
	})
}

func (o *Ogg) WriteTrailer() error { return nil }

func (o *Ogg) Close() error {
	if o.ogg == nil {
		return nil
	}
	err := o.ogg.Close()
	o.ogg = nil
	return err
}
