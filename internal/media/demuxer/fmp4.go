package demuxer

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/pkg/errors"

	"github.com/capsoftware/cap/packages/cli/internal/media/codec/h264"
	"github.com/capsoftware/cap/packages/cli/internal/media/core"
)

const maxBoxSize = 256 << 20

// readBox returns the next top-level box including its header.
func readBox(r io.Reader) (string, []byte, error) {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return "", nil, err
	}
	size := uint64(binary.BigEndian.Uint32(hdr))
	typ := string(hdr[4:8])
	switch size {
	case 0:
		rest, err := io.ReadAll(r)
		if err != nil {
			return "", nil, errors.Wrapf(err, "read %s", typ)
		}
		return typ, append(hdr, rest...), nil
	case 1:
		ext := make([]byte, 8)
		if _, err := io.ReadFull(r, ext); err != nil {
			return "", nil, errors.Wrap(err, "read largesize")
		}
		hdr = append(hdr, ext...)
		size = binary.BigEndian.Uint64(ext)
	}
	if size < uint64(len(hdr)) || size > maxBoxSize {
		return "", nil, errors.Errorf("invalid %s box size %d", typ, size)
	}
	box := make([]byte, size)
	copy(box, hdr)
	if _, err := io.ReadFull(r, box[len(hdr):]); err != nil {
		return "", nil, errors.Wrapf(err, "read %s", typ)
	}
	return typ, box, nil
}

func trackParams(it *fmp4.InitTrack) core.StreamParams {
	p := core.StreamParams{TimeBase: core.Rational{Num: 1, Den: int64(it.TimeScale)}}
	switch c := it.Codec.(type) {
	case *mp4.CodecH264:
		p.Codec = core.CodecH264
		p.Extradata = h264.MarshalAnnexB([][]byte{c.SPS, c.PPS})
		if w, h, err := h264.Dimensions(c.SPS); err == nil {
			p.Width, p.Height = w, h
		}
	case *mp4.CodecMPEG4Audio:
		p.Codec = core.CodecAAC
		p.SampleRate = c.Config.SampleRate
		p.Channels = c.Config.ChannelCount
		p.FrameSize = 1024
		if asc, err := c.Config.Marshal(); err == nil {
			p.Extradata = asc
		}
	case *mp4.CodecOpus:
		p.Codec = core.CodecOpus
		p.SampleRate = int(it.TimeScale)
		p.Channels = c.ChannelCount
		p.FrameSize = int(it.TimeScale) / 50
	}
	return p
}

// ReadFMP4 walks a fragmented MP4 one fragment at a time.
func ReadFMP4(r io.Reader, fn PacketFunc) (*File, error) {
	file := &File{Format: FormatFMP4}
	var (
		initBuf  []byte
		frag     []byte
		byID     = map[int]int{}
		haveMoov bool
	)

	flush := func() error {
		if len(frag) == 0 {
			return nil
		}
		defer func() { frag = nil }()
		var parts fmp4.Parts
		if err := parts.Unmarshal(frag); err != nil {
			return errors.Wrap(err, "parse fragment")
		}
		file.Fragments++
		for _, part := range parts {
			for _, pt := range part.Tracks {
				idx, ok := byID[pt.ID]
				if !ok {
					return errors.Errorf("fragment references unknown track %d", pt.ID)
				}
				if err := emitSamples(file.Tracks[idx], idx, pt, fn); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for {
		typ, box, err := readBox(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch typ {
		case "ftyp":
			initBuf = append(initBuf, box...)
		case "moov":
			initBuf = append(initBuf, box...)
			var init fmp4.Init
			if err := init.Unmarshal(bytes.NewReader(initBuf)); err != nil {
				return nil, errors.Wrap(err, "parse init segment")
			}
			for _, it := range init.Tracks {
				byID[it.ID] = len(file.Tracks)
				file.Tracks = append(file.Tracks, &Track{ID: it.ID, Params: trackParams(it)})
			}
			haveMoov = true
		case "moof":
			if !haveMoov {
				return nil, errors.New("fragment before init segment")
			}
			if err := flush(); err != nil {
				return nil, err
			}
			frag = append(frag, box...)
		case "mdat":
			frag = append(frag, box...)
		}
	}
	if !haveMoov {
		return nil, errors.New("no init segment")
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return file, nil
}

func emitSamples(t *Track, idx int, pt *fmp4.PartTrack, fn PacketFunc) error {
	if pt.BaseTime > math.MaxInt64 {
		return errors.Errorf("track %d base time overflows", pt.ID)
	}
	dts := int64(pt.BaseTime)
	for _, s := range pt.Samples {
		pkt := &core.Packet{
			StreamIndex: idx,
			Data:        s.Payload,
			PTS:         dts + int64(s.PTSOffset),
			DTS:         dts,
			Duration:    int64(s.Duration),
			TimeBase:    t.Params.TimeBase,
			Key:         !s.IsNonSyncSample,
		}
		if t.Params.Codec == core.CodecH264 {
			annexb, err := h264.ToAnnexB(s.Payload)
			if err != nil {
				return errors.Wrapf(err, "track %d sample at %d", pt.ID, dts)
			}
			pkt.Data = annexb
		}
		t.add(pkt)
		if fn != nil {
			if err := fn(pkt); err != nil {
				return err
			}
		}
		dts += int64(s.Duration)
	}
	return nil
}
