// Package h264 converts H.264 access units between the Annex-B byte stream
// produced by encoders and the length-prefixed AVCC form containers store.
package h264

import (
	"encoding/binary"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"
)

// StartCode is the 4-byte Annex-B start code.
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// ErrNoParameterSets is returned when extradata holds no usable SPS and PPS.
var ErrNoParameterSets = errors.New("no SPS/PPS in codec extradata")

// IsAnnexB reports whether data begins with a 3 or 4 byte start code.
func IsAnnexB(data []byte) bool {
	if len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return true
	}
	return len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1
}

// SplitNALUs returns the NAL units of an Annex-B access unit without start codes.
func SplitNALUs(annexb []byte) ([][]byte, error) {
	var au mch264.AnnexB
	if err := au.Unmarshal(annexb); err != nil {
		return nil, errors.Wrap(err, "parse annex-b")
	}
	return au, nil
}

// NALUType returns the type of a NAL unit without start code.
func NALUType(nalu []byte) mch264.NALUType {
	if len(nalu) == 0 {
		return 0
	}
	return mch264.NALUType(nalu[0] & 0x1F)
}

// IsKeyframe reports whether the Annex-B access unit holds an IDR slice.
func IsKeyframe(annexb []byte) bool {
	nalus, err := SplitNALUs(annexb)
	if err != nil {
		return false
	}
	for _, n := range nalus {
		if NALUType(n) == mch264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// ToAVCC converts an Annex-B access unit into 4-byte length-prefixed NAL units.
func ToAVCC(annexb []byte) ([]byte, error) {
	if len(annexb) == 0 {
		return nil, nil
	}
	nalus, err := SplitNALUs(annexb)
	if err != nil {
		return nil, err
	}
	return MarshalAVCC(nalus), nil
}

// MarshalAVCC length-prefixes each NAL unit.
func MarshalAVCC(nalus [][]byte) []byte {
	n := 0
	for _, nalu := range nalus {
		n += 4 + len(nalu)
	}
	out := make([]byte, 0, n)
	for _, nalu := range nalus {
		out = binary.BigEndian.AppendUint32(out, uint32(len(nalu)))
		out = append(out, nalu...)
	}
	return out
}

// UnmarshalAVCC splits a length-prefixed access unit into NAL units.
func UnmarshalAVCC(avcc []byte) ([][]byte, error) {
	var nalus [][]byte
	for off := 0; off < len(avcc); {
		if off+4 > len(avcc) {
			return nil, errors.Errorf("truncated length prefix at offset %d", off)
		}
		l := int(binary.BigEndian.Uint32(avcc[off:]))
		off += 4
		if off+l > len(avcc) {
			return nil, errors.Errorf("invalid length prefix: %d", l)
		}
		nalus = append(nalus, avcc[off:off+l])
		off += l
	}
	return nalus, nil
}

// ToAnnexB converts a length-prefixed access unit back to Annex-B.
func ToAnnexB(avcc []byte) ([]byte, error) {
	nalus, err := UnmarshalAVCC(avcc)
	if err != nil {
		return nil, err
	}
	return MarshalAnnexB(nalus), nil
}

// MarshalAnnexB joins NAL units with 4-byte start codes.
func MarshalAnnexB(nalus [][]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, StartCode...)
		out = append(out, n...)
	}
	return out
}

// PrependParameterSets prepends length-prefixed SPS and PPS to an AVCC
// access unit. The input is returned unchanged if any part is empty.
func PrependParameterSets(avcc, sps, pps []byte) []byte {
	if len(avcc) == 0 || len(sps) == 0 || len(pps) == 0 {
		return avcc
	}
	out := make([]byte, 0, 8+len(sps)+len(pps)+len(avcc))
	out = binary.BigEndian.AppendUint32(out, uint32(len(sps)))
	out = append(out, sps...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(pps)))
	out = append(out, pps...)
	return append(out, avcc...)
}

// ParameterSets extracts the first SPS and PPS from codec extradata, which
// is either an AVCDecoderConfigurationRecord or Annex-B NAL units.
func ParameterSets(extradata []byte) (sps, pps []byte, err error) {
	if len(extradata) == 0 {
		return nil, nil, ErrNoParameterSets
	}
	if extradata[0] == 0x01 {
		sps, pps, ok := parseAVCDecoderConfig(extradata)
		if !ok {
			return nil, nil, errors.Wrap(ErrNoParameterSets, "malformed avcC")
		}
		return sps, pps, nil
	}

	nalus, err := SplitNALUs(extradata)
	if err != nil {
		return nil, nil, errors.Wrap(ErrNoParameterSets, err.Error())
	}
	for _, n := range nalus {
		switch NALUType(n) {
		case mch264.NALUTypeSPS:
			if sps == nil {
				sps = n
			}
		case mch264.NALUTypePPS:
			if pps == nil {
				pps = n
			}
		}
	}
	if sps == nil || pps == nil {
		return nil, nil, ErrNoParameterSets
	}
	return sps, pps, nil
}

// parseAVCDecoderConfig reads version(1) profile(1) compat(1) level(1)
// lengthSize(1) numSPS(1) then 16-bit length prefixed SPS, numPPS(1) and PPS.
func parseAVCDecoderConfig(avcc []byte) (sps, pps []byte, ok bool) {
	if len(avcc) < 7 || avcc[0] != 0x01 {
		return nil, nil, false
	}
	i := 5
	numSPS := int(avcc[i] & 0x1F)
	i++
	for n := 0; n < numSPS && i+2 <= len(avcc); n++ {
		l := int(binary.BigEndian.Uint16(avcc[i:]))
		i += 2
		if i+l > len(avcc) {
			return nil, nil, false
		}
		if l > 0 && sps == nil {
			sps = append([]byte{}, avcc[i:i+l]...)
		}
		i += l
	}
	if i >= len(avcc) {
		return sps, nil, false
	}
	numPPS := int(avcc[i])
	i++
	for n := 0; n < numPPS && i+2 <= len(avcc); n++ {
		l := int(binary.BigEndian.Uint16(avcc[i:]))
		i += 2
		if i+l > len(avcc) {
			break
		}
		if l > 0 && pps == nil {
			pps = append([]byte{}, avcc[i:i+l]...)
		}
		i += l
	}
	return sps, pps, sps != nil && pps != nil
}

// AVCDecoderConfig builds an avcC record with 4-byte NAL lengths for one
// SPS and one PPS. WebM CodecPrivate and libav extradata both use it.
func AVCDecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, ErrNoParameterSets
	}
	out := []byte{
		0x01,   // version
		sps[1], // profile
		sps[2], // compatibility
		sps[3], // level
		0xFF,   // 6 reserved bits + lengthSizeMinusOne = 3
		0xE1,   // 3 reserved bits + one SPS
	}
	out = binary.BigEndian.AppendUint16(out, uint16(len(sps)))
	out = append(out, sps...)
	out = append(out, 0x01)
	out = binary.BigEndian.AppendUint16(out, uint16(len(pps)))
	return append(out, pps...), nil
}

// Dimensions decodes the picture size from an SPS.
func Dimensions(sps []byte) (width, height int, err error) {
	var s mch264.SPS
	if err := s.Unmarshal(sps); err != nil {
		return 0, 0, errors.Wrap(err, "parse SPS")
	}
	return s.Width(), s.Height(), nil
}
