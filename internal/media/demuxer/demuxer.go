// Package demuxer reads back containers written by the muxer package. It is
// used to verify recordings and as the input side of export.
package demuxer

import (
	"bufio"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
)

// ErrUnsupportedFormat is returned for files that are neither fMP4 nor Ogg.
var ErrUnsupportedFormat = errors.New("unsupported container")

// Format names match the muxer's.
const (
	FormatFMP4 = "fmp4"
	FormatOgg  = "ogg"
)

// Track describes one stream of a probed file.
type Track struct {
	ID        int
	Params    core.StreamParams
	Samples   int
	Keyframes int
	Bytes     int64
	// FirstDTS and EndDTS bound the track in Params.TimeBase ticks. EndDTS
	// includes the duration of the last sample.
	FirstDTS int64
	EndDTS   int64
	seen     bool
}

// Duration returns the presentation span of the track.
func (t *Track) Duration() time.Duration {
	return core.TicksToDuration(t.EndDTS-t.FirstDTS, t.Params.TimeBase)
}

func (t *Track) add(pkt *core.Packet) {
	if !t.seen {
		t.FirstDTS = pkt.DTS
		t.seen = true
	}
	t.Samples++
	if pkt.Key {
		t.Keyframes++
	}
	t.Bytes += int64(len(pkt.Data))
	if end := pkt.DTS + pkt.Duration; end > t.EndDTS {
		t.EndDTS = end
	}
}

// File is the result of probing a container.
type File struct {
	Format    string
	Tracks    []*Track
	Fragments int
}

// Duration returns the longest track duration.
func (f *File) Duration() time.Duration {
	var d time.Duration
	for _, t := range f.Tracks {
		if td := t.Duration(); td > d {
			d = td
		}
	}
	return d
}

// Track returns the first track carrying codec, or nil.
func (f *File) Track(codec core.Codec) *Track {
	for _, t := range f.Tracks {
		if t.Params.Codec == codec {
			return t
		}
	}
	return nil
}

// PacketFunc receives every packet in file order. Packet.StreamIndex is the
// track's position in File.Tracks. H.264 payloads are Annex-B.
type PacketFunc func(pkt *core.Packet) error

// Probe reads the file at path and summarises its tracks.
func Probe(path string) (*File, error) {
	return ReadFile(path, nil)
}

// ReadFile walks every packet of the file at path, calling fn if non-nil.
func ReadFile(path string, fn PacketFunc) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open container")
	}
	defer f.Close()
	file, err := Read(bufio.NewReader(f), fn)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return file, nil
}

// Read sniffs the container format of r and walks its packets.
func Read(r io.Reader, fn PacketFunc) (*File, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	magic, err := br.Peek(8)
	if err != nil {
		return nil, errors.Wrap(ErrUnsupportedFormat, "file too short")
	}
	switch {
	case string(magic[:4]) == "OggS":
		return ReadOgg(br, fn)
	case string(magic[4:8]) == "ftyp":
		return ReadFMP4(br, fn)
	default:
		return nil, ErrUnsupportedFormat
	}
}
