package mp4demux_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/visiona/videosource/internal/engine"
	"github.com/visiona/videosource/internal/mp4demux"
)

// Real parameter sets from an x264 1280x720 encode; CreateAvcC parses the
// SPS, so synthetic bytes will not do.
var (
	testSPS = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0x01, 0x10, 0x00, 0x00, 0x03, 0x00,
		0x10, 0x00, 0x00, 0x03, 0x03, 0x20, 0xf1, 0x83,
		0x19, 0x60,
	}
	testPPS = []byte{0x68, 0xeb, 0xec, 0xb2, 0x2c}
)

type fixtureSample struct {
	data []byte
	dur  uint32
	dts  uint64
	key  bool
}

// buildFragmentedMP4 authors a one-track fragmented MP4 in memory.
func buildFragmentedMP4(t *testing.T, timescale uint32, samples []fixtureSample) []byte {
	t.Helper()

	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(timescale, "video", "en")
	trak := init.Moov.Trak

	avcC, err := mp4.CreateAvcC([][]byte{testSPS}, [][]byte{testPPS}, true)
	if err != nil {
		t.Fatalf("CreateAvcC: %v", err)
	}
	avc1 := mp4.CreateVisualSampleEntryBox("avc1", 1280, 720, avcC)
	trak.Mdia.Minf.Stbl.Stsd.AddChild(avc1)

	frag, err := mp4.CreateFragment(1, trak.Tkhd.TrackID)
	if err != nil {
		t.Fatalf("CreateFragment: %v", err)
	}
	for _, s := range samples {
		flags := mp4.NonSyncSampleFlags
		if s.key {
			flags = mp4.SyncSampleFlags
		}
		frag.AddFullSample(mp4.FullSample{
			Sample: mp4.Sample{
				Flags: flags,
				Size:  uint32(len(s.data)),
				Dur:   s.dur,
			},
			DecodeTime: s.dts,
			Data:       s.data,
		})
	}

	var buf bytes.Buffer
	ftyp := mp4.NewFtyp("isom", 0x200, []string{"isom", "iso2", "avc1", "mp41"})
	if err := ftyp.Encode(&buf); err != nil {
		t.Fatalf("encode ftyp: %v", err)
	}
	if err := init.Moov.Encode(&buf); err != nil {
		t.Fatalf("encode moov: %v", err)
	}
	if err := frag.Encode(&buf); err != nil {
		t.Fatalf("encode fragment: %v", err)
	}
	return buf.Bytes()
}

func avccSample(nal ...byte) []byte {
	out := []byte{0, 0, 0, byte(len(nal))}
	return append(out, nal...)
}

func TestReader_Fragmented(t *testing.T) {
	const timescale = 90000
	samples := []fixtureSample{
		{data: avccSample(0x65, 0x88, 0x80, 0x10), dur: 3000, dts: 0, key: true},
		{data: avccSample(0x41, 0x9a, 0x01), dur: 3000, dts: 3000},
		{data: avccSample(0x41, 0x9a, 0x02), dur: 3000, dts: 6000},
	}
	data := buildFragmentedMP4(t, timescale, samples)

	r, err := mp4demux.NewReader(bytes.NewReader(data), "fixture.mp4")
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	info := r.Info()
	if info.Codec != "h264" {
		t.Fatalf("Codec = %q, want h264", info.Codec)
	}
	if info.Width != 1280 || info.Height != 720 {
		t.Fatalf("geometry = %dx%d, want 1280x720", info.Width, info.Height)
	}
	if info.TimeBase != (engine.Rational{Num: 1, Den: timescale}) {
		t.Fatalf("TimeBase = %v", info.TimeBase)
	}
	if len(info.ParameterSets) != 2 {
		t.Fatalf("ParameterSets count = %d, want 2", len(info.ParameterSets))
	}
	if !bytes.Equal(info.ParameterSets[0], testSPS) {
		t.Fatalf("first parameter set is not the SPS: % x", info.ParameterSets[0])
	}
	if info.FrameRate != (engine.Rational{Num: timescale, Den: 3000}) {
		t.Fatalf("FrameRate = %v", info.FrameRate)
	}

	ctx := context.Background()
	for i, want := range samples {
		pkt, err := r.ReadPacket(ctx)
		if err != nil {
			t.Fatalf("ReadPacket #%d: %v", i, err)
		}
		if !bytes.Equal(pkt.Data, want.data) {
			t.Fatalf("sample %d data = % x, want % x", i, pkt.Data, want.data)
		}
		if pkt.DTS != int64(want.dts) || pkt.PTS != int64(want.dts) {
			t.Fatalf("sample %d pts/dts = %d/%d, want %d", i, pkt.PTS, pkt.DTS, want.dts)
		}
		if pkt.Key != want.key {
			t.Fatalf("sample %d key = %v, want %v", i, pkt.Key, want.key)
		}
		if pkt.Codec != "h264" {
			t.Fatalf("sample %d codec = %q", i, pkt.Codec)
		}
	}

	if _, err := r.ReadPacket(ctx); err != io.EOF {
		t.Fatalf("ReadPacket at end = %v, want io.EOF", err)
	}
}

func TestReader_CancelledContext(t *testing.T) {
	data := buildFragmentedMP4(t, 90000, []fixtureSample{
		{data: avccSample(0x65, 0x01), dur: 3000, key: true},
	})
	r, err := mp4demux.NewReader(bytes.NewReader(data), "fixture.mp4")
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.ReadPacket(ctx); err != context.Canceled {
		t.Fatalf("ReadPacket with cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestReader_NotAnMP4(t *testing.T) {
	if _, err := mp4demux.NewReader(bytes.NewReader([]byte("not a movie")), "junk.bin"); err == nil {
		t.Fatal("NewReader accepted junk input")
	}
}
