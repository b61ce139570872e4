package decode

import (
	"encoding/binary"

	"github.com/visiona/videosource/internal/engine"
)

// ivfWriter frames VP8/VP9/AV1 packets for ffmpeg's ivf demuxer. The
// container header goes out once, ahead of the first packet.
type ivfWriter struct {
	header []byte
	count  uint64
}

func newIVFWriter(codec string, width, height int, rate engine.Rational) *ivfWriter {
	fourcc := "AV01"
	switch codec {
	case "vp8":
		fourcc = "VP80"
	case "vp9":
		fourcc = "VP90"
	}
	if rate.IsZero() {
		rate = engine.Rational{Num: 25, Den: 1}
	}

	h := make([]byte, 32)
	copy(h[0:4], "DKIF")
	binary.LittleEndian.PutUint16(h[6:8], 32)
	copy(h[8:12], fourcc)
	binary.LittleEndian.PutUint16(h[12:14], uint16(width))
	binary.LittleEndian.PutUint16(h[14:16], uint16(height))
	binary.LittleEndian.PutUint32(h[16:20], uint32(rate.Num))
	binary.LittleEndian.PutUint32(h[20:24], uint32(rate.Den))
	return &ivfWriter{header: h}
}

// wrap prepends the per-frame header, and the file header before the
// first frame.
func (w *ivfWriter) wrap(payload []byte) []byte {
	frame := make([]byte, 0, len(w.header)+12+len(payload))
	if w.header != nil {
		frame = append(frame, w.header...)
		w.header = nil
	}
	var fh [12]byte
	binary.LittleEndian.PutUint32(fh[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(fh[4:12], w.count)
	w.count++
	frame = append(frame, fh[:]...)
	return append(frame, payload...)
}
