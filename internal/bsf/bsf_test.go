package bsf_test

import (
	"bytes"
	"testing"

	"github.com/visiona/videosource/internal/bsf"
)

var (
	sps = []byte{0x67, 0x42, 0x00, 0x1f}
	pps = []byte{0x68, 0xce, 0x38, 0x80}
)

func lengthPrefixed(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, byte(len(n)>>24), byte(len(n)>>16), byte(len(n)>>8), byte(len(n)))
		out = append(out, n...)
	}
	return out
}

func TestMP4ToAnnexB_Convert(t *testing.T) {
	f, err := bsf.New("h264_mp4toannexb", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	idr := []byte{0x65, 0x88, 0x80, 0x10}
	sei := []byte{0x06, 0x05, 0x01}
	out, err := f.Apply(lengthPrefixed(sei, idr), true)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	want := []byte{0, 0, 0, 1}
	want = append(want, sei...)
	want = append(want, 0, 0, 0, 1)
	want = append(want, idr...)
	if !bytes.Equal(out, want) {
		t.Fatalf("Apply = % x, want % x", out, want)
	}
}

func TestMP4ToAnnexB_InjectsParameterSetsOnKeyframes(t *testing.T) {
	f, err := bsf.New("h264_mp4toannexb", [][]byte{sps, pps})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	idr := []byte{0x65, 0x88, 0x80, 0x10}

	out, err := f.Apply(lengthPrefixed(idr), true)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	header := append(append([]byte{0, 0, 0, 1}, sps...), append([]byte{0, 0, 0, 1}, pps...)...)
	if !bytes.HasPrefix(out, header) {
		t.Fatalf("keyframe output missing parameter sets: % x", out)
	}

	// Re-applying to an output that already starts with the header must
	// not duplicate it.
	again, err := f.Apply(out, true)
	if err != nil {
		t.Fatalf("Apply(annexb): %v", err)
	}
	if !bytes.Equal(again, out) {
		t.Fatalf("double injection: % x", again)
	}

	// Non-keyframes get no header.
	nonIDR := []byte{0x41, 0x9a, 0x01}
	out, err = f.Apply(lengthPrefixed(nonIDR), false)
	if err != nil {
		t.Fatalf("Apply(non-key): %v", err)
	}
	if bytes.HasPrefix(out, header) {
		t.Fatalf("non-keyframe output carries parameter sets: % x", out)
	}
}

func TestMP4ToAnnexB_Malformed(t *testing.T) {
	f, _ := bsf.New("h264_mp4toannexb", nil)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"length beyond payload", []byte{0x00, 0x00, 0x00, 0x10, 0x65}},
		{"zero length", []byte{0x00, 0x00, 0x00, 0x00, 0x65}},
		{"trailing bytes", append(lengthPrefixed([]byte{0x65, 0x01}), 0xab)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.Apply(tt.payload, false); err == nil {
				t.Fatal("Apply accepted malformed payload")
			}
		})
	}
}

func TestNew_UnknownFilter(t *testing.T) {
	if _, err := bsf.New("does_not_exist", nil); err == nil {
		t.Fatal("New accepted an unknown filter name")
	}
}

func TestChain_UnmatchedCodecPassesThrough(t *testing.T) {
	chain, err := bsf.NewChain(
		[]bsf.Entry{{Codec: "h264", Filter: "h264_mp4toannexb"}},
		"vp9", nil,
	)
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	out, applied, err := chain.Apply("vp9", payload, true)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applied {
		t.Fatal("filter applied to a codec with no entry")
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("passthrough modified payload: % x", out)
	}
}

func TestChain_LastEntryWins(t *testing.T) {
	chain, err := bsf.NewChain(
		[]bsf.Entry{
			{Codec: "h264", Filter: "h264_mp4toannexb"},
			{Codec: "h264", Filter: "passthrough"},
		},
		"h264", nil,
	)
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}

	payload := []byte{0x01, 0x02, 0x03}
	out, applied, err := chain.Apply("h264", payload, false)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !applied {
		t.Fatal("no filter applied")
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("passthrough should win: % x", out)
	}
}
