package bitstream

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

var (
	// Standard Annex-B start codes
	StartCode3 = []byte{0x00, 0x00, 0x01}
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// NALUnitType returns the type carried in the header byte of nalu.
func NALUnitType(nalu []byte) (h264.NALUType, bool) {
	if len(nalu) == 0 {
		return 0, false
	}
	return h264.NALUType(nalu[0] & 0x1F), true
}

// ContainsIDR checks if any of the units is an IDR slice.
func ContainsIDR(nalus [][]byte) bool {
	for _, nalu := range nalus {
		if typ, ok := NALUnitType(nalu); ok && typ == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// ExtractParameterSets returns the last SPS and PPS found among the units.
func ExtractParameterSets(nalus [][]byte) (sps, pps []byte) {
	for _, nalu := range nalus {
		typ, ok := NALUnitType(nalu)
		if !ok {
			continue
		}
		switch typ {
		case h264.NALUTypeSPS:
			sps = nalu
		case h264.NALUTypePPS:
			pps = nalu
		}
	}
	return sps, pps
}
