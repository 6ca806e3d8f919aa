package demuxer_test

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsoftware/cap/packages/cli/internal/media/codec/h264"
	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/demuxer"
	"github.com/capsoftware/cap/packages/cli/internal/media/muxer"
)

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	testPPS = []byte{0x68, 0xce, 0x38, 0x80}
)

func writeFMP4(t *testing.T, m *muxer.Muxer, frames, audioPackets int) {
	t.Helper()
	_, err := m.AddStream(core.StreamParams{
		Codec:     core.CodecH264,
		TimeBase:  core.TimeBase90k,
		Width:     1920,
		Height:    1080,
		Extradata: h264.MarshalAnnexB([][]byte{testSPS, testPPS}),
	})
	require.NoError(t, err)
	_, err = m.AddStream(core.StreamParams{
		Codec:      core.CodecAAC,
		TimeBase:   core.NewRational(1, 48000),
		SampleRate: 48000,
		Channels:   2,
		FrameSize:  1024,
	})
	require.NoError(t, err)
	require.NoError(t, m.WriteHeader())

	a := 0
	for i := 0; i < frames; i++ {
		key := i%30 == 0
		au := h264.MarshalAnnexB([][]byte{{0x41, 0x9a, byte(i)}})
		if key {
			au = h264.MarshalAnnexB([][]byte{{0x65, 0x88, byte(i)}})
		}
		require.NoError(t, m.WriteInterleaved(&core.Packet{
			StreamIndex: 0, Data: au, PTS: int64(i) * 3000, DTS: int64(i) * 3000,
			Duration: 3000, TimeBase: core.TimeBase90k, Key: key,
		}))
		for ; a < audioPackets && int64(a)*1024*90000 <= int64(i)*3000*48000; a++ {
			require.NoError(t, m.WriteInterleaved(&core.Packet{
				StreamIndex: 1, Data: []byte{0x21, byte(a)}, PTS: int64(a) * 1024, DTS: int64(a) * 1024,
				Duration: 1024, TimeBase: core.NewRational(1, 48000), Key: true,
			}))
		}
	}
	for ; a < audioPackets; a++ {
		require.NoError(t, m.WriteInterleaved(&core.Packet{
			StreamIndex: 1, Data: []byte{0x21, byte(a)}, PTS: int64(a) * 1024, DTS: int64(a) * 1024,
			Duration: 1024, TimeBase: core.NewRational(1, 48000), Key: true,
		}))
	}
	require.NoError(t, m.WriteTrailer())
}

func TestProbeFMP4(t *testing.T) {
	path := filepath.Join(t.TempDir(), "display.mp4")
	m, err := muxer.Create(path, "")
	require.NoError(t, err)
	writeFMP4(t, m, 150, 235)

	file, err := demuxer.Probe(path)
	require.NoError(t, err)
	assert.Equal(t, demuxer.FormatFMP4, file.Format)
	require.Len(t, file.Tracks, 2)
	assert.Equal(t, 3, file.Fragments)

	video := file.Track(core.CodecH264)
	require.NotNil(t, video)
	assert.Equal(t, 150, video.Samples)
	assert.Equal(t, 5, video.Keyframes)
	assert.Equal(t, 5*time.Second, video.Duration())
	assert.Equal(t, 1920, video.Params.Width)
	assert.Equal(t, 1080, video.Params.Height)
	sps, pps, err := h264.ParameterSets(video.Params.Extradata)
	require.NoError(t, err)
	assert.Equal(t, testSPS, sps)
	assert.Equal(t, testPPS, pps)

	audio := file.Track(core.CodecAAC)
	require.NotNil(t, audio)
	assert.Equal(t, 235, audio.Samples)
	assert.Equal(t, 48000, audio.Params.SampleRate)
	assert.Equal(t, 2, audio.Params.Channels)
	assert.Equal(t, core.TicksToDuration(235*1024, core.NewRational(1, 48000)), audio.Duration())
}

func TestReadFMP4Packets(t *testing.T) {
	var buf bytes.Buffer
	m, err := muxer.NewWriter(&buf, muxer.FormatFMP4)
	require.NoError(t, err)
	writeFMP4(t, m, 60, 94)

	var video []*core.Packet
	lastDTS := map[int]int64{0: -1, 1: -1}
	_, err = demuxer.Read(&buf, func(pkt *core.Packet) error {
		assert.Greater(t, pkt.DTS, lastDTS[pkt.StreamIndex])
		lastDTS[pkt.StreamIndex] = pkt.DTS
		if pkt.StreamIndex == 0 {
			video = append(video, pkt)
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, video, 60)

	// Keyframes come back with parameter sets in Annex-B form.
	assert.True(t, h264.IsAnnexB(video[0].Data))
	assert.True(t, h264.IsKeyframe(video[0].Data))
	nalus, err := h264.SplitNALUs(video[0].Data)
	require.NoError(t, err)
	assert.Equal(t, testSPS, nalus[0])
	assert.False(t, video[1].Key)
	assert.Equal(t, int64(3000), video[1].DTS)
}

func TestReadStopsOnCallbackError(t *testing.T) {
	var buf bytes.Buffer
	m, err := muxer.NewWriter(&buf, muxer.FormatFMP4)
	require.NoError(t, err)
	writeFMP4(t, m, 30, 10)

	stop := errors.New("stop")
	_, err = demuxer.Read(&buf, func(*core.Packet) error { return stop })
	assert.True(t, errors.Is(err, stop))
}

func TestProbeOgg(t *testing.T) {
	var buf bytes.Buffer
	m, err := muxer.NewWriter(&buf, muxer.FormatOgg)
	require.NoError(t, err)
	_, err = m.AddStream(core.StreamParams{
		Codec: core.CodecOpus, TimeBase: core.NewRational(1, 48000), SampleRate: 48000, Channels: 2, FrameSize: 960,
	})
	require.NoError(t, err)
	require.NoError(t, m.WriteHeader())
	for i := 0; i < 50; i++ {
		// TOC 0xfc: CELT fullband 20 ms, one frame.
		require.NoError(t, m.WriteInterleaved(&core.Packet{
			Data: []byte{0xfc, 0xff, 0xfe}, PTS: int64(i) * 960, DTS: int64(i) * 960,
			Duration: 960, TimeBase: core.NewRational(1, 48000), Key: true,
		}))
	}
	require.NoError(t, m.WriteTrailer())

	file, err := demuxer.Read(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, demuxer.FormatOgg, file.Format)
	require.Len(t, file.Tracks, 1)
	tr := file.Tracks[0]
	assert.Equal(t, core.CodecOpus, tr.Params.Codec)
	assert.Equal(t, 2, tr.Params.Channels)
	assert.Equal(t, 50, tr.Samples)
	assert.Equal(t, time.Second, file.Duration())
}

func TestUnsupportedFormat(t *testing.T) {
	_, err := demuxer.Read(bytes.NewReader([]byte("not a media file at all")), nil)
	assert.True(t, errors.Is(err, demuxer.ErrUnsupportedFormat))
}
