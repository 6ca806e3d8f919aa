package muxer

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/pkg/errors"

	"github.com/capsoftware/cap/packages/cli/internal/media/codec/h264"
	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/util"
)

func init() {
	Register(Format{
		Name:       FormatWebM,
		Extensions: []string{".webm", ".mkv"},
		New: func(w io.Writer, o Options) (Container, error) {
			return NewWebM(w, o), nil
		},
	})
}

// webmTimeBase matches the default segment TimecodeScale of 1ms.
var webmTimeBase = core.TimeBaseMillis

// writerCloser stops forwarding after the first write error.
type writerCloser struct {
	writer io.Writer
	logger *slog.Logger
	closed bool
}

func (wc *writerCloser) Write(p []byte) (int, error) {
	if wc.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := wc.writer.Write(p)
	if err != nil {
		wc.logger.Warn("Write error detected, marking writer as closed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"data_size", len(p),
			"bytes_written", n)
		wc.closed = true
	}
	return n, err
}

func (wc *writerCloser) Close() error {
	wc.closed = true
	return nil
}

// WebM writes H.264 and Opus tracks as Matroska SimpleBlocks.
type WebM struct {
	out     *writerCloser
	logger  *slog.Logger
	entries []webm.TrackEntry
	writers []webm.BlockWriteCloser
	annexB  []bool
	fatal   error
}

// NewWebM creates a WebM container writing to w.
func NewWebM(w io.Writer, o Options) *WebM {
	logger := o.Logger
	if logger == nil {
		logger = util.GetLogger()
	}
	logger = logger.With("container", FormatWebM)
	return &WebM{
		out:    &writerCloser{writer: w, logger: logger},
		logger: logger,
	}
}

func (m *WebM) AddStream(index int, params core.StreamParams) (core.Rational, error) {
	n := uint64(index + 1)
	entry := webm.TrackEntry{TrackNumber: n, TrackUID: n}
	switch params.Codec {
	case core.CodecH264:
		sps, pps, err := h264.ParameterSets(params.Extradata)
		if err != nil {
			return core.Rational{}, errors.Wrap(err, "webm h264 track needs parameter sets up front")
		}
		private, err := h264.AVCDecoderConfig(sps, pps)
		if err != nil {
			return core.Rational{}, err
		}
		entry.Name = "Video"
		entry.CodecID = "V_MPEG4/ISO/AVC"
		entry.CodecPrivate = private
		entry.TrackType = 1
		entry.Video = &webm.Video{
			PixelWidth:  uint64(params.Width),
			PixelHeight: uint64(params.Height),
		}
	case core.CodecOpus:
		entry.Name = "Audio"
		entry.CodecID = "A_OPUS"
		entry.CodecPrivate = params.Extradata
		entry.TrackType = 2
		if params.FrameSize > 0 && params.SampleRate > 0 {
			entry.DefaultDuration = uint64(params.FrameSize) * 1_000_000_000 / uint64(params.SampleRate)
		}
		entry.Audio = &webm.Audio{
			SamplingFrequency: float64(params.SampleRate),
			Channels:          uint64(params.Channels),
		}
	default:
		return core.Rational{}, errors.Wrapf(ErrUnsupportedCodec, "webm cannot carry %s", params.Codec)
	}
	m.entries = append(m.entries, entry)
	m.annexB = append(m.annexB, params.Codec == core.CodecH264 && params.Extradata[0] != 0x01)
	return webmTimeBase, nil
}

func (m *WebM) WriteHeader() error {
	writers, err := webm.NewSimpleBlockWriter(m.out, m.entries,
		mkvcore.WithOnFatalHandler(func(err error) {
			m.logger.Warn("WebM writer failed", "error", err)
			m.fatal = err
		}))
	if err != nil {
		return errors.Wrap(err, "create webm writer")
	}
	m.writers = writers
	return nil
}

func (m *WebM) WritePacket(pkt *core.Packet) error {
	if m.fatal != nil {
		return errors.Wrap(m.fatal, "webm writer failed")
	}
	data := pkt.Data
	if m.annexB[pkt.StreamIndex] {
		var err error
		if data, err = h264.ToAVCC(data); err != nil {
			return errors.Wrap(err, "convert to avcc")
		}
	}
	if _, err := m.writers[pkt.StreamIndex].Write(pkt.Key, pkt.PTS, data); err != nil {
		return errors.Wrap(err, "write block")
	}
	return nil
}

// WriteTrailer closes every track writer; the segment is finalised when
// the last one closes.
func (m *WebM) WriteTrailer() error {
	var err error
	for i, w := range m.writers {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "close track %d", i+1)
		}
	}
	m.writers = nil
	return err
}

func (m *WebM) Close() error {
	return m.out.Close()
}
