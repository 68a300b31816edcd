package bitstream

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"
)

// MinRecordSize is the smallest record Describe accepts:
// version, profile, compatibility, level.
const MinRecordSize = 4

// FallbackCodecString is the conservative codec identifier used when no
// usable record is available (constrained baseline, level 3.1).
const FallbackCodecString = "avc1.42E01F"

var (
	ErrShortRecord     = errors.New("configuration record too short")
	ErrMalformedRecord = errors.New("malformed configuration record")
)

// RecordInfo is the human readable part of a configuration record.
type RecordInfo struct {
	Profile       byte
	Compatibility byte
	Level         byte
}

// CodecString renders the RFC 6381 style tag, e.g. avc1.42C01F.
func (i RecordInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", i.Profile, i.Compatibility, i.Level)
}

func (i RecordInfo) String() string {
	return fmt.Sprintf("profile=0x%02X compatibility=0x%02X level=0x%02X", i.Profile, i.Compatibility, i.Level)
}

// Describe reads profile, compatibility and level from a record laid out as
// [version, profile, compatibility, level, ...]. The record is not modified
// and nothing past the fourth byte is interpreted.
func Describe(record []byte) (RecordInfo, error) {
	if len(record) < MinRecordSize {
		return RecordInfo{}, errors.Wrapf(ErrShortRecord, "got %d bytes", len(record))
	}
	return RecordInfo{
		Profile:       record[1],
		Compatibility: record[2],
		Level:         record[3],
	}, nil
}

// CodecString returns the codec tag for record, or FallbackCodecString when the
// record cannot be described.
func CodecString(record []byte) string {
	info, err := Describe(record)
	if err != nil {
		return FallbackCodecString
	}
	return info.CodecString()
}

// BuildRecord assembles an AVCDecoderConfigurationRecord carrying one SPS and
// one PPS with 4-byte NAL lengths.
func BuildRecord(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 {
		return nil, errors.Wrap(ErrMalformedRecord, "sps too short")
	}
	if len(pps) == 0 {
		return nil, errors.Wrap(ErrMalformedRecord, "missing pps")
	}
	if len(sps) > 0xFFFF || len(pps) > 0xFFFF {
		return nil, errors.Wrap(ErrMalformedRecord, "parameter set too large")
	}

	out := make([]byte, 0, 11+len(sps)+len(pps))
	out = append(out,
		0x01,   // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFF,   // reserved + lengthSizeMinusOne=3
		0xE1,   // reserved + numOfSequenceParameterSets=1
		byte(len(sps)>>8), byte(len(sps)),
	)
	out = append(out, sps...)
	out = append(out, 0x01, byte(len(pps)>>8), byte(len(pps)))
	out = append(out, pps...)
	return out, nil
}

// ParseRecord extracts the first SPS and PPS from a record.
func ParseRecord(record []byte) (sps, pps []byte, err error) {
	if len(record) < 7 || record[0] != 0x01 {
		return nil, nil, errors.Wrapf(ErrMalformedRecord, "%d bytes", len(record))
	}

	i := 5
	numSps := int(record[i] & 0x1F)
	i++
	for n := 0; n < numSps; n++ {
		if i+2 > len(record) {
			return nil, nil, errors.Wrap(ErrMalformedRecord, "truncated sps length")
		}
		l := int(record[i])<<8 | int(record[i+1])
		i += 2
		if i+l > len(record) {
			return nil, nil, errors.Wrap(ErrMalformedRecord, "truncated sps")
		}
		if l > 0 && sps == nil {
			sps = record[i : i+l]
		}
		i += l
	}

	if i >= len(record) {
		return nil, nil, errors.Wrap(ErrMalformedRecord, "missing pps count")
	}
	numPps := int(record[i])
	i++
	for n := 0; n < numPps; n++ {
		if i+2 > len(record) {
			return nil, nil, errors.Wrap(ErrMalformedRecord, "truncated pps length")
		}
		l := int(record[i])<<8 | int(record[i+1])
		i += 2
		if i+l > len(record) {
			return nil, nil, errors.Wrap(ErrMalformedRecord, "truncated pps")
		}
		if l > 0 && pps == nil {
			pps = record[i : i+l]
		}
		i += l
	}

	if sps == nil || pps == nil {
		return nil, nil, errors.Wrap(ErrMalformedRecord, "record has no sps/pps")
	}
	return sps, pps, nil
}

// Resolution decodes the SPS inside record and returns the coded picture size.
// It is used for diagnostics only.
func Resolution(record []byte) (width, height int, err error) {
	sps, _, err := ParseRecord(record)
	if err != nil {
		return 0, 0, err
	}
	return SPSResolution(sps)
}

// SPSResolution parses a raw SPS NAL unit.
func SPSResolution(sps []byte) (width, height int, err error) {
	var parsed h264.SPS
	if err := parsed.Unmarshal(sps); err != nil {
		return 0, 0, errors.Wrap(err, "parse sps")
	}
	return parsed.Width(), parsed.Height(), nil
}
