package demuxer

import (
	"bytes"
	"io"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pkg/errors"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
)

var opusTimeBase = core.NewRational(1, 48000)

// opusFrameSamples maps the TOC config to the frame length in 48 kHz samples.
func opusFrameSamples(config byte) int64 {
	switch {
	case config < 12: // SILK
		return [4]int64{480, 960, 1920, 2880}[config%4]
	case config < 16: // hybrid
		return [2]int64{480, 960}[config%2]
	default: // CELT
		return [4]int64{120, 240, 480, 960}[config%4]
	}
}

// opusPacketSamples decodes the duration of one Opus packet from its TOC.
func opusPacketSamples(p []byte) int64 {
	if len(p) == 0 {
		return 0
	}
	frame := opusFrameSamples(p[0] >> 3)
	switch p[0] & 0x03 {
	case 0:
		return frame
	case 1, 2:
		return 2 * frame
	default:
		if len(p) < 2 {
			return 0
		}
		return int64(p[1]&0x3F) * frame
	}
}

// ReadOgg walks an Ogg Opus stream. Each page is treated as one packet,
// which is how the muxer writes them.
func ReadOgg(r io.Reader, fn PacketFunc) (*File, error) {
	reader, header, err := oggreader.NewWith(r)
	if err != nil {
		return nil, errors.Wrap(err, "read ogg header")
	}
	track := &Track{
		ID: 1,
		Params: core.StreamParams{
			Codec:      core.CodecOpus,
			TimeBase:   opusTimeBase,
			SampleRate: int(header.SampleRate),
			Channels:   int(header.Channels),
			FrameSize:  960,
		},
	}
	file := &File{Format: FormatOgg, Tracks: []*Track{track}}

	var pts int64
	for {
		payload, _, err := reader.ParseNextPage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read ogg page")
		}
		if len(payload) == 0 || bytes.HasPrefix(payload, []byte("OpusTags")) {
			continue
		}
		dur := opusPacketSamples(payload)
		pkt := &core.Packet{
			Data:     payload,
			PTS:      pts,
			DTS:      pts,
			Duration: dur,
			TimeBase: opusTimeBase,
			Key:      true,
		}
		track.add(pkt)
		if fn != nil {
			if err := fn(pkt); err != nil {
				return nil, err
			}
		}
		pts += dur
	}
	return file, nil
}
