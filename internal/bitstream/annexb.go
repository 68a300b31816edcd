package bitstream

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// LengthPrefixSize is the size of the big-endian NAL length prefix written by
// ToLengthPrefixed. It matches lengthSizeMinusOne=3 in the records built by
// BuildRecord.
const LengthPrefixSize = 4

// ErrTruncated is returned by ToAnnexB when a length prefix runs past the end
// of the buffer.
var ErrTruncated = errors.New("length prefix exceeds buffer")

// ToLengthPrefixed converts an Annex-B buffer (NAL units delimited by 00 00 01
// or 00 00 00 01 start codes) to length-prefixed form: every NAL unit,
// header byte included, is written as a 4-byte big-endian length followed by
// its raw bytes.
//
// Bytes before the first start code are discarded. A buffer without any start
// code yields an empty, non-nil result; callers treat that as "nothing to
// decode" rather than an error. The function keeps no state between calls.
func ToLengthPrefixed(annexB []byte) []byte {
	nalus := SplitNALUnits(annexB)

	size := 0
	for _, nalu := range nalus {
		size += LengthPrefixSize + len(nalu)
	}

	out := make([]byte, 0, size)
	for _, nalu := range nalus {
		out = binary.BigEndian.AppendUint32(out, uint32(len(nalu)))
		out = append(out, nalu...)
	}
	return out
}

// ToAnnexB is the inverse of ToLengthPrefixed, writing a 4-byte start code in
// front of every unit.
func ToAnnexB(lengthPrefixed []byte) ([]byte, error) {
	nalus, err := SplitLengthPrefixed(lengthPrefixed)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(lengthPrefixed))
	for _, nalu := range nalus {
		out = append(out, StartCode4...)
		out = append(out, nalu...)
	}
	return out, nil
}

// SplitLengthPrefixed returns the units of a length-prefixed buffer. The
// returned slices alias the input.
func SplitLengthPrefixed(data []byte) ([][]byte, error) {
	var nalus [][]byte
	offset := 0
	for offset < len(data) {
		if offset+LengthPrefixSize > len(data) {
			return nil, errors.Wrapf(ErrTruncated, "prefix at offset %d", offset)
		}
		length := int(binary.BigEndian.Uint32(data[offset:]))
		offset += LengthPrefixSize

		if length > len(data)-offset {
			return nil, errors.Wrapf(ErrTruncated, "unit of %d bytes at offset %d", length, offset)
		}
		nalus = append(nalus, data[offset:offset+length])
		offset += length
	}
	return nalus, nil
}

// SplitNALUnits returns the NAL units of an Annex-B buffer without their start
// codes. Empty spans between adjacent start codes are skipped. The returned
// slices alias the input.
func SplitNALUnits(annexB []byte) [][]byte {
	var nalus [][]byte

	start := -1
	for i := 0; i+2 < len(annexB); {
		if annexB[i] != 0x00 || annexB[i+1] != 0x00 || annexB[i+2] != 0x01 {
			i++
			continue
		}

		// i is the first byte of a 3-byte code; a zero right before it makes it
		// the 4-byte form.
		codeStart := i
		if i > 0 && annexB[i-1] == 0x00 {
			codeStart = i - 1
		}

		if start >= 0 && codeStart > start {
			nalus = append(nalus, annexB[start:codeStart])
		}

		i += 3
		start = i
	}

	if start >= 0 && start < len(annexB) {
		nalus = append(nalus, annexB[start:])
	}
	return nalus
}

// IsAnnexB reports whether data begins with a start code.
func IsAnnexB(data []byte) bool {
	if len(data) >= 4 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x00 && data[3] == 0x01 {
		return true
	}
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// IsLengthPrefixed reports whether data parses cleanly as length-prefixed units.
func IsLengthPrefixed(data []byte) bool {
	if len(data) < LengthPrefixSize || IsAnnexB(data) {
		return false
	}
	nalus, err := SplitLengthPrefixed(data)
	return err == nil && len(nalus) > 0
}
