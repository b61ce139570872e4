package ffmpegcli

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"

	"github.com/visiona/videosource/internal/engine"
)

func annexbNAL(nal ...byte) []byte {
	return append([]byte{0, 0, 0, 1}, nal...)
}

func TestAnnexBSplitter_H264(t *testing.T) {
	aud := annexbNAL(0x09, 0xf0)
	var stream []byte
	// AU 1: delimiter, SPS, PPS, IDR slice.
	stream = append(stream, aud...)
	stream = append(stream, annexbNAL(0x67, 0x42, 0x00, 0x1f)...)
	stream = append(stream, annexbNAL(0x68, 0xce)...)
	stream = append(stream, annexbNAL(0x65, 0x88, 0x80)...)
	// AU 2 and 3: delimiter plus a non-IDR slice.
	stream = append(stream, aud...)
	stream = append(stream, annexbNAL(0x41, 0x9a, 0x01)...)
	stream = append(stream, aud...)
	stream = append(stream, annexbNAL(0x41, 0x9a, 0x02)...)

	info := engine.StreamInfo{Codec: "h264", AvgFrameRate: engine.Rational{Num: 30, Den: 1}}
	s := newAnnexBSplitter(bytes.NewReader(stream), info, naluTypeH264, audH264, isKeyAUH264)

	wantKeys := []bool{true, false, false}
	for i, wantKey := range wantKeys {
		pkt, err := s.next()
		if err != nil {
			t.Fatalf("next() #%d: %v", i, err)
		}
		if pkt.PTS != int64(i) {
			t.Fatalf("packet %d PTS = %d, want %d", i, pkt.PTS, i)
		}
		if pkt.Key != wantKey {
			t.Fatalf("packet %d Key = %v, want %v", i, pkt.Key, wantKey)
		}
		if got := (engine.Rational{Num: 1, Den: 30}); pkt.TimeBase != got {
			t.Fatalf("packet %d TimeBase = %v, want %v", i, pkt.TimeBase, got)
		}
		if !bytes.HasPrefix(pkt.Data, aud) {
			t.Fatalf("packet %d does not start at the delimiter: % x", i, pkt.Data)
		}
	}
	if _, err := s.next(); err != io.EOF {
		t.Fatalf("next() after last AU = %v, want io.EOF", err)
	}
}

func ivfFixture(fourcc string, frames ...[]byte) []byte {
	h := make([]byte, ivfHeaderSize)
	copy(h[0:4], "DKIF")
	binary.LittleEndian.PutUint16(h[6:8], ivfHeaderSize)
	copy(h[8:12], fourcc)
	binary.LittleEndian.PutUint16(h[12:14], 640)
	binary.LittleEndian.PutUint16(h[14:16], 480)
	binary.LittleEndian.PutUint32(h[16:20], 30) // timebase denominator
	binary.LittleEndian.PutUint32(h[20:24], 1)  // timebase numerator

	out := h
	for i, f := range frames {
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:4], uint32(len(f)))
		binary.LittleEndian.PutUint64(fh[4:12], uint64(i))
		out = append(out, fh...)
		out = append(out, f...)
	}
	return out
}

func TestIVFSplitter_VP9(t *testing.T) {
	key := []byte{0x80, 0xaa, 0xbb}    // frame_type = KEY_FRAME
	interF := []byte{0x84, 0xcc, 0xdd} // frame_type = INTER_FRAME
	data := ivfFixture("VP90", key, interF)

	s, err := newIVFSplitter(bytes.NewReader(data), engine.StreamInfo{Codec: "vp9"})
	if err != nil {
		t.Fatalf("newIVFSplitter: %v", err)
	}

	pkt, err := s.next()
	if err != nil {
		t.Fatalf("next() #0: %v", err)
	}
	if !pkt.Key || pkt.PTS != 0 || !bytes.Equal(pkt.Data, key) {
		t.Fatalf("frame 0 = key=%v pts=%d data=% x", pkt.Key, pkt.PTS, pkt.Data)
	}
	if got := (engine.Rational{Num: 1, Den: 30}); pkt.TimeBase != got {
		t.Fatalf("TimeBase = %v, want %v", pkt.TimeBase, got)
	}

	pkt, err = s.next()
	if err != nil {
		t.Fatalf("next() #1: %v", err)
	}
	if pkt.Key || pkt.PTS != 1 {
		t.Fatalf("frame 1 = key=%v pts=%d, want inter frame pts 1", pkt.Key, pkt.PTS)
	}

	if _, err := s.next(); err != io.EOF {
		t.Fatalf("next() at end = %v, want io.EOF", err)
	}
}

func TestIVFSplitter_BadSignature(t *testing.T) {
	data := bytes.Repeat([]byte{0xab}, ivfHeaderSize)
	s, _ := newIVFSplitter(bytes.NewReader(data), engine.StreamInfo{Codec: "vp8"})
	if _, err := s.next(); err == nil {
		t.Fatal("accepted stream without DKIF signature")
	}
}

func TestVP8FrameIsKey(t *testing.T) {
	if !ivfFrameIsKey("vp8", []byte{0x10, 0x02}, false) {
		t.Fatal("vp8 frame with clear low bit should be a keyframe")
	}
	if ivfFrameIsKey("vp8", []byte{0x11, 0x02}, false) {
		t.Fatal("vp8 frame with set low bit should not be a keyframe")
	}
}

func TestAV1HasSequenceHeader(t *testing.T) {
	seqOBU := []byte{0x0a, 0x02, 0x01, 0x02}       // OBU_SEQUENCE_HEADER, size 2
	tdOBU := []byte{0x12, 0x00}                    // OBU_TEMPORAL_DELIMITER, size 0
	frameOBU := []byte{0x32, 0x03, 0x01, 0x02, 0x03} // OBU_FRAME, size 3

	if !av1HasSequenceHeader(append(append([]byte{}, tdOBU...), seqOBU...)) {
		t.Fatal("sequence header after temporal delimiter not detected")
	}
	if av1HasSequenceHeader(frameOBU) {
		t.Fatal("frame-only payload reported as keyframe")
	}
}

func TestReadLEB128(t *testing.T) {
	tests := []struct {
		data  []byte
		value uint64
		n     int
	}{
		{[]byte{0x00}, 0, 1},
		{[]byte{0x7f}, 127, 1},
		{[]byte{0x80, 0x01}, 128, 2},
		{[]byte{0xff, 0x7f}, 16383, 2},
		{[]byte{0x80}, 0, 0}, // truncated
	}
	for _, tt := range tests {
		value, n := readLEB128(tt.data)
		if value != tt.value || n != tt.n {
			t.Errorf("readLEB128(% x) = (%d, %d), want (%d, %d)", tt.data, value, n, tt.value, tt.n)
		}
	}
}

func TestMJPEGSplitter(t *testing.T) {
	img1 := []byte{0xff, 0xd8, 0x01, 0x02, 0x03, 0xff, 0xd9}
	img2 := []byte{0xff, 0xd8, 0x04, 0xff, 0xd9}
	stream := append([]byte{0x00, 0x11}, img1...) // leading garbage
	stream = append(stream, img2...)

	s, err := newMJPEGSplitter(bytes.NewReader(stream), engine.StreamInfo{Codec: "mjpeg"})
	if err != nil {
		t.Fatalf("newMJPEGSplitter: %v", err)
	}

	for i, want := range [][]byte{img1, img2} {
		pkt, err := s.next()
		if err != nil {
			t.Fatalf("next() #%d: %v", i, err)
		}
		if !bytes.Equal(pkt.Data, want) {
			t.Fatalf("image %d = % x, want % x", i, pkt.Data, want)
		}
		if !pkt.Key {
			t.Fatalf("image %d not marked as keyframe", i)
		}
	}
	if _, err := s.next(); err != io.EOF {
		t.Fatalf("next() at end = %v, want io.EOF", err)
	}
}

func TestRawSplitter(t *testing.T) {
	info := engine.StreamInfo{
		Codec:       "rawvideo",
		Width:       4,
		Height:      2,
		PixelFormat: "yuv420p", // 12 bits per pixel: 12-byte frames
	}
	stream := bytes.Repeat([]byte{0x55}, 12*2+5) // two frames plus a partial

	s, err := newRawSplitter(bytes.NewReader(stream), info)
	if err != nil {
		t.Fatalf("newRawSplitter: %v", err)
	}
	for i := 0; i < 2; i++ {
		pkt, err := s.next()
		if err != nil {
			t.Fatalf("next() #%d: %v", i, err)
		}
		if len(pkt.Data) != 12 {
			t.Fatalf("frame %d size = %d, want 12", i, len(pkt.Data))
		}
		if pkt.PTS != int64(i) {
			t.Fatalf("frame %d PTS = %d", i, pkt.PTS)
		}
	}
	if _, err := s.next(); err != io.EOF {
		t.Fatalf("partial trailing frame should surface io.EOF, got %v", err)
	}
}

func TestRawSplitter_UnknownPixelFormat(t *testing.T) {
	info := engine.StreamInfo{Codec: "rawvideo", Width: 4, Height: 2, PixelFormat: "bayer_bggr8"}
	if _, err := newRawSplitter(bytes.NewReader(nil), info); err == nil {
		t.Fatal("accepted a pixel format it cannot frame")
	}
}

const probeJSON = `{
  "streams": [
    {"index": 0, "codec_name": "aac", "codec_type": "audio"},
    {
      "index": 1,
      "codec_name": "h264",
      "codec_type": "video",
      "width": 1920,
      "height": 1080,
      "pix_fmt": "yuv420p",
      "time_base": "1/90000",
      "r_frame_rate": "30/1",
      "avg_frame_rate": "30000/1001"
    }
  ]
}`

func TestSelectVideoStream(t *testing.T) {
	var out probeOutput
	if err := json.Unmarshal([]byte(probeJSON), &out); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}

	info, err := selectVideoStream(out)
	if err != nil {
		t.Fatalf("selectVideoStream: %v", err)
	}
	if info.Codec != "h264" || info.Width != 1920 || info.Height != 1080 {
		t.Fatalf("info = %+v", info)
	}
	if info.TimeBase != (engine.Rational{Num: 1, Den: 90000}) {
		t.Fatalf("TimeBase = %v", info.TimeBase)
	}
	if info.AvgFrameRate != (engine.Rational{Num: 30000, Den: 1001}) {
		t.Fatalf("AvgFrameRate = %v", info.AvgFrameRate)
	}

	if _, err := selectVideoStream(probeOutput{}); err == nil {
		t.Fatal("selectVideoStream accepted output without video streams")
	}
}

func TestParseRational(t *testing.T) {
	tests := []struct {
		in   string
		want engine.Rational
	}{
		{"30/1", engine.Rational{Num: 30, Den: 1}},
		{"0/0", engine.Rational{}},
		{"25", engine.Rational{Num: 25, Den: 1}},
		{"", engine.Rational{}},
		{"abc", engine.Rational{}},
	}
	for _, tt := range tests {
		if got := parseRational(tt.in); got != tt.want {
			t.Errorf("parseRational(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestOptionArgs(t *testing.T) {
	opts := []engine.Option{
		{Key: "rtsp_transport", Value: "tcp"},
		{Key: "re", Value: ""},
		{Key: "framerate", Value: "30"},
	}
	got := optionArgs(opts)
	want := []string{"-rtsp_transport", "tcp", "-re", "-framerate", "30"}
	if len(got) != len(want) {
		t.Fatalf("optionArgs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("optionArgs[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBuildReadArgs(t *testing.T) {
	cfg := OpenConfig{
		URI:      "rtsp://cam.local/stream",
		Options:  []engine.Option{{Key: "rtsp_transport", Value: "tcp"}},
		LogLevel: engine.LevelWarn,
	}
	args := buildReadArgs(cfg, pipeFormats["h264"])

	joined := ""
	for _, a := range args {
		joined += a + " "
	}
	for _, want := range []string{
		"-loglevel warning",
		"-rtsp_transport tcp -i rtsp://cam.local/stream",
		"-c:v copy",
		"-bsf:v h264_mp4toannexb,h264_metadata=aud=insert",
		"-f h264 pipe:1",
	} {
		if !bytes.Contains([]byte(joined), []byte(want)) {
			t.Fatalf("args %q missing %q", joined, want)
		}
	}
}
