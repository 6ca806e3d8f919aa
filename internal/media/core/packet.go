package core

// Packet is one compressed access unit for a single stream.
type Packet struct {
	StreamIndex int
	Data        []byte
	PTS         int64
	DTS         int64
	Duration    int64
	TimeBase    Rational
	Key         bool
}

// RescaleTo converts the packet timestamps into tb in place.
func (p *Packet) RescaleTo(tb Rational) {
	if p.TimeBase == tb || !p.TimeBase.Valid() {
		p.TimeBase = tb
		return
	}
	p.PTS = Rescale(p.PTS, p.TimeBase, tb)
	p.DTS = Rescale(p.DTS, p.TimeBase, tb)
	p.Duration = Rescale(p.Duration, p.TimeBase, tb)
	p.TimeBase = tb
}

// StreamParams describes an encoded stream to a muxer.
type StreamParams struct {
	Codec      Codec
	TimeBase   Rational
	Width      int
	Height     int
	SampleRate int
	Channels   int
	FrameSize  int
	Bitrate    int
	// Extradata is codec configuration: an avcC record or Annex-B
	// parameter sets for H.264, an AudioSpecificConfig for AAC.
	Extradata []byte
}
