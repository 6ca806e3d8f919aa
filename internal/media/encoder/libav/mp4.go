package libav

import (
	"github.com/asticode/go-astiav"
	"github.com/pkg/errors"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/muxer"
)

// FormatMP4 is the libavformat MP4 writer. It is only used when requested
// by name.
const FormatMP4 = muxer.FormatLibavMP4

func init() {
	muxer.Register(muxer.Format{
		Name:       FormatMP4,
		Extensions: []string{".mp4", ".m4a"},
		Explicit:   true,
		Open: func(path string, _ muxer.Options) (muxer.Container, error) {
			return OpenMP4(path)
		},
	})
}

var codecIDs = map[core.Codec]astiav.CodecID{
	core.CodecH264: astiav.CodecIDH264,
	core.CodecAAC:  astiav.CodecIDAac,
	core.CodecOpus: astiav.CodecIDOpus,
	core.CodecMP3:  astiav.CodecIDMp3,
}

// MP4 muxes through libavformat. Unlike the fMP4 container it writes a
// regular moov at the end and accepts MP3.
type MP4 struct {
	fc      *astiav.FormatContext
	pb      *astiav.IOContext
	streams []*astiav.Stream
	tbs     []core.Rational
	packet  *astiav.Packet
}

// OpenMP4 allocates an MP4 output context writing to path.
func OpenMP4(path string) (*MP4, error) {
	setupLogging()
	fc, err := astiav.AllocOutputFormatContext(nil, "mp4", path)
	if err != nil || fc == nil {
		if err == nil {
			err = errors.New("nil format context")
		}
		return nil, errors.Wrap(err, "alloc mp4 output context")
	}
	pb, err := astiav.OpenIOContext(path, astiav.NewIOContextFlags(astiav.IOContextFlagWrite), nil, nil)
	if err != nil {
		fc.Free()
		return nil, errors.Wrap(err, "open output")
	}
	fc.SetPb(pb)
	return &MP4{fc: fc, pb: pb, packet: astiav.AllocPacket()}, nil
}

func (m *MP4) AddStream(index int, params core.StreamParams) (core.Rational, error) {
	id, ok := codecIDs[params.Codec]
	if !ok {
		return core.Rational{}, errors.Wrapf(muxer.ErrUnsupportedCodec, "mp4 cannot carry %s", params.Codec)
	}
	s := m.fc.NewStream(nil)
	if s == nil {
		return core.Rational{}, errors.New("alloc stream")
	}
	cp := s.CodecParameters()
	cp.SetCodecID(id)
	if params.Codec.IsVideo() {
		cp.SetMediaType(astiav.MediaTypeVideo)
		cp.SetWidth(params.Width)
		cp.SetHeight(params.Height)
	} else {
		layout, err := channelLayout(params.Channels)
		if err != nil {
			return core.Rational{}, err
		}
		cp.SetMediaType(astiav.MediaTypeAudio)
		cp.SetSampleRate(params.SampleRate)
		cp.SetChannelLayout(layout)
		cp.SetFrameSize(params.FrameSize)
	}
	if params.Bitrate > 0 {
		cp.SetBitRate(int64(params.Bitrate))
	}
	if len(params.Extradata) > 0 {
		if err := cp.SetExtraData(params.Extradata); err != nil {
			return core.Rational{}, errors.Wrap(err, "set extradata")
		}
	}
	s.SetTimeBase(toRational(params.TimeBase))
	m.streams = append(m.streams, s)
	m.tbs = append(m.tbs, params.TimeBase)
	return params.TimeBase, nil
}

func (m *MP4) WriteHeader() error {
	return errors.Wrap(m.fc.WriteHeader(nil), "write mp4 header")
}

func (m *MP4) WritePacket(pkt *core.Packet) error {
	defer m.packet.Unref()
	if err := m.packet.FromData(pkt.Data); err != nil {
		return errors.Wrap(err, "fill packet")
	}
	m.packet.SetStreamIndex(pkt.StreamIndex)
	m.packet.SetPts(pkt.PTS)
	m.packet.SetDts(pkt.DTS)
	m.packet.SetDuration(pkt.Duration)
	if pkt.Key {
		m.packet.SetFlags(astiav.NewPacketFlags(astiav.PacketFlagKey))
	}
	// libavformat may have replaced the time base during WriteHeader.
	s := m.streams[pkt.StreamIndex]
	if got := fromRational(s.TimeBase()); got != m.tbs[pkt.StreamIndex] {
		m.packet.RescaleTs(toRational(m.tbs[pkt.StreamIndex]), s.TimeBase())
	}
	if err := m.fc.WriteInterleavedFrame(m.packet); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

func (m *MP4) WriteTrailer() error {
	return errors.Wrap(m.fc.WriteTrailer(), "write mp4 trailer")
}

func (m *MP4) Close() error {
	var err error
	if m.pb != nil {
		err = m.pb.Close()
		m.pb.Free()
		m.pb = nil
	}
	if m.fc != nil {
		m.fc.Free()
		m.fc = nil
	}
	if m.packet != nil {
		m.packet.Free()
		m.packet = nil
	}
	return err
}

var _ muxer.Container = (*MP4)(nil)
