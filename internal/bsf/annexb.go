package bsf

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

var startCode = []byte{0, 0, 0, 1}

// mp4ToAnnexB converts length-prefixed NAL units (the avcC/hvcC sample
// layout of MP4 files) into Annex B byte-stream units, injecting the
// stream's cached parameter sets ahead of keyframes so every keyframe unit
// is self-contained. Payloads already in Annex B form pass through with
// only the keyframe header injection.
type mp4ToAnnexB struct {
	name          string
	parameterSets [][]byte
	header        []byte // parameter sets rendered once as Annex B
}

func newMP4ToAnnexB(name string, parameterSets [][]byte) *mp4ToAnnexB {
	var header []byte
	for _, ps := range parameterSets {
		header = append(header, startCode...)
		header = append(header, ps...)
	}
	return &mp4ToAnnexB{name: name, parameterSets: parameterSets, header: header}
}

func (f *mp4ToAnnexB) Name() string { return f.name }

func (f *mp4ToAnnexB) Apply(payload []byte, key bool) ([]byte, error) {
	var body []byte
	if IsAnnexB(payload) {
		body = payload
	} else {
		var err error
		body, err = lengthPrefixedToAnnexB(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
	}

	if key && len(f.header) > 0 && !hasParameterSets(body, f.header) {
		out := make([]byte, 0, len(f.header)+len(body))
		out = append(out, f.header...)
		out = append(out, body...)
		return out, nil
	}
	if IsAnnexB(payload) {
		// Already self-contained; keep the caller's slice untouched.
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	}
	return body, nil
}

// IsAnnexB reports whether payload starts with an Annex B start code.
func IsAnnexB(payload []byte) bool {
	if len(payload) >= 4 && payload[0] == 0 && payload[1] == 0 && payload[2] == 0 && payload[3] == 1 {
		return true
	}
	return len(payload) >= 3 && payload[0] == 0 && payload[1] == 0 && payload[2] == 1
}

// lengthPrefixedToAnnexB rewrites 4-byte length-prefixed NAL units with
// start codes. MP4 tracks written with a shorter NALULengthSizeMinusOne are
// rare enough that only the 4-byte layout is supported.
func lengthPrefixedToAnnexB(payload []byte) ([]byte, error) {
	out := make([]byte, 0, len(payload)+8)
	offset := 0
	for offset+4 <= len(payload) {
		naluLen := int(binary.BigEndian.Uint32(payload[offset:]))
		offset += 4
		if naluLen <= 0 || offset+naluLen > len(payload) {
			return nil, fmt.Errorf("malformed NAL length %d at offset %d", naluLen, offset-4)
		}
		out = append(out, startCode...)
		out = append(out, payload[offset:offset+naluLen]...)
		offset += naluLen
	}
	if offset != len(payload) {
		return nil, fmt.Errorf("%d trailing bytes after last NAL unit", len(payload)-offset)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("payload holds no NAL units")
	}
	return out, nil
}

// hasParameterSets reports whether body already begins with the cached
// header, in which case re-injection would duplicate it.
func hasParameterSets(body, header []byte) bool {
	return bytes.HasPrefix(body, header)
}
