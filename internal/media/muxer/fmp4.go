package muxer

import (
	"io"
	"log/slog"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/pkg/errors"

	"github.com/capsoftware/cap/packages/cli/internal/media/codec/h264"
	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/util"
)

// Format names. FormatLibavMP4 is registered by the libav encoder package.
const (
	FormatFMP4     = "fmp4"
	FormatWebM     = "webm"
	FormatOgg      = "ogg"
	FormatLibavMP4 = "mp4-libav"
)

const videoTimeScale = 90000

func init() {
	Register(Format{
		Name:       FormatFMP4,
		Extensions: []string{".mp4", ".m4a", ".m4v"},
		New: func(w io.Writer, o Options) (Container, error) {
			return NewFMP4(w, o), nil
		},
	})
}

// stripADTSHeader removes an ADTS header if present.
func stripADTSHeader(data []byte) []byte {
	if len(data) < 7 {
		return data
	}
	if data[0] == 0xFF && (data[1]&0xF0) == 0xF0 {
		headerLen := 7
		if data[1]&0x01 == 0 { // CRC present
			headerLen = 9
		}
		if len(data) > headerLen {
			return data[headerLen:]
		}
	}
	return data
}

type heldSample struct {
	dts      int64
	duration int64 // from the packet, used when no later DTS arrives
	sample   *fmp4.Sample
}

type fmp4Track struct {
	id        int
	params    core.StreamParams
	timeScale uint32
	sps       []byte
	pps       []byte
	asc       mpeg4audio.AudioSpecificConfig
	// lengthPrefixed is set when extradata is an avcC record, in which
	// case access units arrive in AVCC form too.
	lengthPrefixed bool

	// held waits for the next DTS on the track to learn its duration.
	held     *heldSample
	lastDur  int64
	samples  []*fmp4.Sample
	firstDTS int64
	count    uint64
}

func (t *fmp4Track) ready() bool {
	return t.params.Codec != core.CodecH264 || (t.sps != nil && t.pps != nil)
}

func (t *fmp4Track) codec() mp4.Codec {
	switch t.params.Codec {
	case core.CodecH264:
		return &mp4.CodecH264{SPS: t.sps, PPS: t.pps}
	case core.CodecAAC:
		return &mp4.CodecMPEG4Audio{Config: t.asc}
	default:
		return &mp4.CodecOpus{ChannelCount: t.params.Channels}
	}
}

func (t *fmp4Track) fallbackDuration() int64 {
	switch {
	case t.lastDur > 0:
		return t.lastDur
	case t.params.Codec == core.CodecH264:
		return videoTimeScale / 30
	case t.params.FrameSize > 0:
		return int64(t.params.FrameSize)
	default:
		return 1024
	}
}

// completeHeld gives the held sample its duration and queues it.
func (t *fmp4Track) completeHeld(nextDTS int64, haveNext bool) {
	h := t.held
	if h == nil {
		return
	}
	dur := int64(0)
	if haveNext {
		dur = nextDTS - h.dts
	}
	if dur <= 0 {
		dur = h.duration
	}
	if dur <= 0 {
		dur = t.fallbackDuration()
	}
	h.sample.Duration = uint32(dur)
	if len(t.samples) == 0 {
		t.firstDTS = h.dts
	}
	t.samples = append(t.samples, h.sample)
	t.lastDur = dur
	t.held = nil
}

func (t *fmp4Track) queuedDuration() int64 {
	var d int64
	for _, s := range t.samples {
		d += int64(s.Duration)
	}
	return d
}

// FMP4 writes fragmented MP4: one init segment followed by moof/mdat
// fragments. The init segment is deferred until every H.264 track has
// parameter sets, which may only arrive with the first keyframe.
type FMP4 struct {
	w        io.Writer
	logger   *slog.Logger
	fragment int64 // nanoseconds
	tracks   []*fmp4Track
	cut      *fmp4Track

	initWritten    bool
	sequenceNumber uint32
	bytesWritten   int64
}

// NewFMP4 creates an fMP4 container writing to w.
func NewFMP4(w io.Writer, o Options) *FMP4 {
	logger := o.Logger
	if logger == nil {
		logger = util.GetLogger()
	}
	frag := int64(o.FragmentDuration)
	if frag <= 0 {
		frag = int64(DefaultFragmentDuration)
	}
	return &FMP4{
		w:        w,
		logger:   logger.With("container", FormatFMP4),
		fragment: frag,
	}
}

func (f *FMP4) AddStream(index int, params core.StreamParams) (core.Rational, error) {
	t := &fmp4Track{id: index + 1, params: params}
	switch params.Codec {
	case core.CodecH264:
		t.timeScale = videoTimeScale
		t.lengthPrefixed = len(params.Extradata) > 0 && params.Extradata[0] == 0x01
		if len(params.Extradata) > 0 {
			sps, pps, err := h264.ParameterSets(params.Extradata)
			if err != nil {
				f.logger.Debug("Parameter sets deferred to first keyframe", "error", err)
			} else {
				t.sps, t.pps = sps, pps
			}
		}
	case core.CodecAAC:
		if params.SampleRate <= 0 {
			return core.Rational{}, errors.New("aac track needs a sample rate")
		}
		t.timeScale = uint32(params.SampleRate)
		if len(params.Extradata) > 0 {
			if err := t.asc.Unmarshal(params.Extradata); err != nil {
				return core.Rational{}, errors.Wrap(err, "parse AudioSpecificConfig")
			}
		} else {
			t.asc = mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   params.SampleRate,
				ChannelCount: params.Channels,
			}
		}
	case core.CodecOpus:
		if params.SampleRate <= 0 {
			return core.Rational{}, errors.New("opus track needs a sample rate")
		}
		t.timeScale = uint32(params.SampleRate)
	default:
		return core.Rational{}, errors.Wrapf(ErrUnsupportedCodec, "fmp4 cannot carry %s", params.Codec)
	}

	f.tracks = append(f.tracks, t)
	if f.cut == nil || (params.Codec.IsVideo() && !f.cut.params.Codec.IsVideo()) {
		f.cut = t
	}
	return core.Rational{Num: 1, Den: int64(t.timeScale)}, nil
}

// WriteHeader writes the init segment now if every track is configured.
func (f *FMP4) WriteHeader() error {
	if f.allReady() {
		return f.writeInit()
	}
	return nil
}

func (f *FMP4) allReady() bool {
	for _, t := range f.tracks {
		if !t.ready() {
			return false
		}
	}
	return true
}

func (f *FMP4) writeInit() error {
	if f.initWritten {
		return nil
	}
	init := &fmp4.Init{}
	for _, t := range f.tracks {
		if !t.ready() {
			return errors.Wrapf(h264.ErrNoParameterSets, "track %d", t.id)
		}
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        t.id,
			TimeScale: t.timeScale,
			Codec:     t.codec(),
		})
	}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return errors.Wrap(err, "marshal init segment")
	}
	if err := f.write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "write init segment")
	}
	f.initWritten = true
	f.logger.Debug("fMP4 init segment written", "size", len(buf.Bytes()), "tracks", len(f.tracks))
	return nil
}

func (f *FMP4) write(b []byte) error {
	n, err := f.w.Write(b)
	f.bytesWritten += int64(n)
	return err
}

func (f *FMP4) WritePacket(pkt *core.Packet) error {
	t := f.tracks[pkt.StreamIndex]
	if len(pkt.Data) == 0 {
		return nil
	}
	if pkt.DTS < 0 {
		return errors.Wrapf(ErrNegativeDTS, "stream %d: dts %d", pkt.StreamIndex, pkt.DTS)
	}

	payload, key := pkt.Data, true
	switch t.params.Codec {
	case core.CodecH264:
		var err error
		if payload, key, err = t.avcSample(pkt); err != nil {
			return err
		}
	case core.CodecAAC:
		payload = stripADTSHeader(payload)
	}

	t.completeHeld(pkt.DTS, true)
	if t == f.cut && key && len(t.samples) > 0 &&
		core.TicksToDuration(t.queuedDuration(), core.Rational{Num: 1, Den: int64(t.timeScale)}).Nanoseconds() >= f.fragment {
		if err := f.flush(); err != nil {
			return err
		}
	}

	t.held = &heldSample{
		dts:      pkt.DTS,
		duration: pkt.Duration,
		sample: &fmp4.Sample{
			PTSOffset:       int32(pkt.PTS - pkt.DTS),
			IsNonSyncSample: !key,
			Payload:         payload,
		},
	}
	t.count++
	return nil
}

// avcSample converts an access unit to length-prefixed NAL units, learning
// parameter sets on the way and repeating them on keyframes.
func (t *fmp4Track) avcSample(pkt *core.Packet) ([]byte, bool, error) {
	var (
		nalus [][]byte
		err   error
	)
	if t.lengthPrefixed {
		nalus, err = h264.UnmarshalAVCC(pkt.Data)
	} else {
		nalus, err = h264.SplitNALUs(pkt.Data)
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "parse h264 access unit")
	}

	key := pkt.Key
	hasParams := false
	for _, n := range nalus {
		switch h264.NALUType(n) {
		case mch264.NALUTypeSPS:
			t.sps = append([]byte{}, n...)
			hasParams = true
		case mch264.NALUTypePPS:
			t.pps = append([]byte{}, n...)
		case mch264.NALUTypeIDR:
			key = true
		}
	}
	avcc := h264.MarshalAVCC(nalus)
	if key && !hasParams && t.ready() {
		avcc = h264.PrependParameterSets(avcc, t.sps, t.pps)
	}
	return avcc, key, nil
}

// flush writes every queued sample as one fragment.
func (f *FMP4) flush() error {
	part := &fmp4.Part{SequenceNumber: f.sequenceNumber}
	for _, t := range f.tracks {
		if len(t.samples) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: uint64(t.firstDTS),
			Samples:  t.samples,
		})
	}
	if len(part.Tracks) == 0 {
		return nil
	}
	if err := f.writeInit(); err != nil {
		return err
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return errors.Wrap(err, "marshal fragment")
	}
	if err := f.write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "write fragment")
	}
	f.logger.Debug("Fragment written", "sequence", f.sequenceNumber, "tracks", len(part.Tracks), "size", len(buf.Bytes()))
	f.sequenceNumber++
	for _, t := range f.tracks {
		t.samples = nil
	}
	return nil
}

func (f *FMP4) WriteTrailer() error {
	for _, t := range f.tracks {
		t.completeHeld(0, false)
	}
	if err := f.flush(); err != nil {
		return err
	}
	if !f.initWritten && f.allReady() {
		if err := f.writeInit(); err != nil {
			return err
		}
	}
	for _, t := range f.tracks {
		f.logger.Debug("fMP4 track closed", "track", t.id, "codec", t.params.Codec, "samples", t.count)
	}
	return nil
}

func (f *FMP4) Close() error { return nil }

// BytesWritten returns how many bytes reached the writer.
func (f *FMP4) BytesWritten() int64 { return f.bytesWritten }
