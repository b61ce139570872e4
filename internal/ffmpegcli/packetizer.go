package ffmpegcli

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/visiona/videosource/internal/engine"
)

// packetizer reframes one elementary-stream pipe format into discrete
// packets. next returns io.EOF once the pipe is exhausted.
type packetizer interface {
	next() (*engine.Packet, error)
}

// pipeFormat describes how a codec's stream is piped out of ffmpeg and
// reframed on this side.
type pipeFormat struct {
	// muxer is the ffmpeg output format name.
	muxer string
	// bsf holds ffmpeg-side bitstream filters applied on copy, empty for
	// formats that need none.
	bsf string
	// newPacketizer builds the matching reframer.
	newPacketizer func(r io.Reader, info engine.StreamInfo) (packetizer, error)
}

// pipeFormats maps supported codecs to their pipe format. H.264/HEVC rely
// on ffmpeg inserting access-unit delimiters so AU boundaries are explicit
// in the byte stream.
var pipeFormats = map[string]pipeFormat{
	"h264": {
		muxer: "h264",
		bsf:   "h264_mp4toannexb,h264_metadata=aud=insert",
		newPacketizer: func(r io.Reader, info engine.StreamInfo) (packetizer, error) {
			return newAnnexBSplitter(r, info, naluTypeH264, audH264, isKeyAUH264), nil
		},
	},
	"hevc": {
		muxer: "hevc",
		bsf:   "hevc_mp4toannexb,hevc_metadata=aud=insert",
		newPacketizer: func(r io.Reader, info engine.StreamInfo) (packetizer, error) {
			return newAnnexBSplitter(r, info, naluTypeHEVC, audHEVC, isKeyAUHEVC), nil
		},
	},
	"vp8":  {muxer: "ivf", newPacketizer: newIVFSplitter},
	"vp9":  {muxer: "ivf", newPacketizer: newIVFSplitter},
	"av1":  {muxer: "ivf", newPacketizer: newIVFSplitter},
	"mjpeg": {
		muxer:         "mjpeg",
		newPacketizer: newMJPEGSplitter,
	},
	"rawvideo": {
		muxer:         "rawvideo",
		newPacketizer: newRawSplitter,
	},
}

// synthTimeBase derives a packet time base for pipe formats that carry no
// container timestamps: one tick per frame at the stream's average rate.
func synthTimeBase(info engine.StreamInfo) engine.Rational {
	rate := info.AvgFrameRate
	if rate.IsZero() {
		rate = info.FrameRate
	}
	if rate.IsZero() {
		return engine.Rational{Num: 1, Den: 25}
	}
	return engine.Rational{Num: rate.Den, Den: rate.Num}
}

// --- Annex B access-unit splitter (h264 / hevc) ---

const (
	audH264 = 9
	audHEVC = 35
)

func naluTypeH264(b byte) int { return int(b & 0x1f) }

func naluTypeHEVC(b byte) int { return int(b>>1) & 0x3f }

// isKeyAUH264 reports whether an access unit contains an IDR slice.
func isKeyAUH264(au []byte) bool {
	return auContainsType(au, naluTypeH264, func(t int) bool { return t == 5 })
}

// isKeyAUHEVC reports whether an access unit contains an IRAP slice
// (BLA/IDR/CRA, NAL types 16-21).
func isKeyAUHEVC(au []byte) bool {
	return auContainsType(au, naluTypeHEVC, func(t int) bool { return t >= 16 && t <= 21 })
}

func auContainsType(au []byte, naluType func(byte) int, match func(int) bool) bool {
	for _, start := range startCodePositions(au) {
		if start.payload < len(au) && match(naluType(au[start.payload])) {
			return true
		}
	}
	return false
}

type startCodePos struct {
	offset  int // position of the start code itself
	payload int // position of the NAL header byte
}

// startCodePositions scans data for 3- and 4-byte Annex B start codes.
func startCodePositions(data []byte) []startCodePos {
	var positions []startCodePos
	for i := 0; i+3 <= len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		if data[i+2] == 1 {
			positions = append(positions, startCodePos{offset: i, payload: i + 3})
			i += 2
		} else if i+4 <= len(data) && data[i+2] == 0 && data[i+3] == 1 {
			positions = append(positions, startCodePos{offset: i, payload: i + 4})
			i += 3
		}
	}
	return positions
}

// annexbSplitter cuts an Annex B byte stream into access units at the
// delimiter NAL units ffmpeg was asked to insert.
type annexbSplitter struct {
	r        io.Reader
	buf      []byte
	eof      bool
	codec    string
	timeBase engine.Rational
	index    int64
	naluType func(byte) int
	audType  int
	isKey    func([]byte) bool
}

func newAnnexBSplitter(r io.Reader, info engine.StreamInfo, naluType func(byte) int, audType int, isKey func([]byte) bool) *annexbSplitter {
	return &annexbSplitter{
		r:        r,
		codec:    info.Codec,
		timeBase: synthTimeBase(info),
		naluType: naluType,
		audType:  audType,
		isKey:    isKey,
	}
}

func (s *annexbSplitter) next() (*engine.Packet, error) {
	for {
		if au := s.cutAccessUnit(); au != nil {
			return s.packet(au), nil
		}
		if s.eof {
			if len(s.buf) > 0 {
				au := s.buf
				s.buf = nil
				return s.packet(au), nil
			}
			return nil, io.EOF
		}
		if err := s.fill(); err != nil {
			return nil, err
		}
	}
}

func (s *annexbSplitter) fill() error {
	chunk := make([]byte, 64*1024)
	n, err := s.r.Read(chunk)
	if n > 0 {
		s.buf = append(s.buf, chunk[:n]...)
	}
	if err == io.EOF {
		s.eof = true
		return nil
	}
	return err
}

// cutAccessUnit extracts one complete AU from the front of the buffer: the
// bytes from the first delimiter up to (excluding) the second one. Returns
// nil when the buffer does not yet hold a complete AU.
func (s *annexbSplitter) cutAccessUnit() []byte {
	positions := startCodePositions(s.buf)

	first := -1
	for i, p := range positions {
		if p.payload < len(s.buf) && s.naluType(s.buf[p.payload]) == s.audType {
			if first == -1 {
				first = i
				continue
			}
			start := positions[first].offset
			end := p.offset
			au := make([]byte, end-start)
			copy(au, s.buf[start:end])
			s.buf = s.buf[end:]
			return au
		}
	}
	return nil
}

func (s *annexbSplitter) packet(au []byte) *engine.Packet {
	pkt := &engine.Packet{
		Codec:    s.codec,
		Data:     au,
		PTS:      s.index,
		DTS:      engine.NoTimestamp,
		TimeBase: s.timeBase,
		Key:      s.isKey(au),
	}
	s.index++
	return pkt
}

// --- IVF splitter (vp8 / vp9 / av1) ---

const ivfHeaderSize = 32

type ivfSplitter struct {
	r        io.Reader
	codec    string
	timeBase engine.Rational
	read     int64
	header   bool
}

func newIVFSplitter(r io.Reader, info engine.StreamInfo) (packetizer, error) {
	return &ivfSplitter{r: r, codec: info.Codec, timeBase: synthTimeBase(info)}, nil
}

func (s *ivfSplitter) readHeader() error {
	header := make([]byte, ivfHeaderSize)
	if _, err := io.ReadFull(s.r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return io.EOF
		}
		return err
	}
	if !bytes.Equal(header[0:4], []byte("DKIF")) {
		return fmt.Errorf("ffmpegcli: missing IVF signature")
	}
	den := int64(binary.LittleEndian.Uint32(header[16:20]))
	num := int64(binary.LittleEndian.Uint32(header[20:24]))
	if num > 0 && den > 0 {
		s.timeBase = engine.Rational{Num: num, Den: den}
	}
	s.header = true
	return nil
}

func (s *ivfSplitter) next() (*engine.Packet, error) {
	if !s.header {
		if err := s.readHeader(); err != nil {
			return nil, err
		}
	}

	frameHeader := make([]byte, 12)
	if _, err := io.ReadFull(s.r, frameHeader); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	size := binary.LittleEndian.Uint32(frameHeader[0:4])
	pts := int64(binary.LittleEndian.Uint64(frameHeader[4:12]))

	data := make([]byte, size)
	if _, err := io.ReadFull(s.r, data); err != nil {
		return nil, fmt.Errorf("ffmpegcli: truncated IVF frame: %w", err)
	}

	s.read++
	return &engine.Packet{
		Codec:    s.codec,
		Data:     data,
		PTS:      pts,
		DTS:      engine.NoTimestamp,
		TimeBase: s.timeBase,
		Key:      ivfFrameIsKey(s.codec, data, s.read == 1),
	}, nil
}

// ivfFrameIsKey inspects the frame payload for a keyframe marker. VP8 and
// VP9 encode it in the uncompressed header; for AV1 the presence of a
// sequence-header OBU is used, since encoders emit one ahead of each
// keyframe in IVF output.
func ivfFrameIsKey(codec string, data []byte, first bool) bool {
	if len(data) == 0 {
		return false
	}
	switch codec {
	case "vp8":
		return data[0]&0x01 == 0
	case "vp9":
		return vp9FrameIsKey(data)
	case "av1":
		return av1HasSequenceHeader(data)
	default:
		return first
	}
}

func vp9FrameIsKey(data []byte) bool {
	b := data[0]
	if b>>6 != 0x2 { // frame_marker must be 0b10
		return false
	}
	profile := (b >> 5) & 0x1 // profile_low_bit
	profile |= ((b >> 4) & 0x1) << 1
	bit := 3 // next bit position (from MSB=7) after marker+profile
	if profile == 3 {
		bit-- // reserved_zero bit
	}
	showExisting := (b >> uint(bit)) & 0x1
	if showExisting == 1 {
		return false
	}
	bit--
	frameType := (b >> uint(bit)) & 0x1
	return frameType == 0
}

func av1HasSequenceHeader(data []byte) bool {
	// Walk top-level OBUs; type 1 is OBU_SEQUENCE_HEADER.
	offset := 0
	for offset < len(data) {
		header := data[offset]
		obuType := (header >> 3) & 0xf
		if obuType == 1 {
			return true
		}
		hasExtension := header&0x04 != 0
		hasSize := header&0x02 != 0
		offset++
		if hasExtension {
			offset++
		}
		if !hasSize {
			return false
		}
		size, n := readLEB128(data[offset:])
		if n == 0 {
			return false
		}
		offset += n + int(size)
	}
	return false
}

func readLEB128(data []byte) (value uint64, n int) {
	for i := 0; i < len(data) && i < 8; i++ {
		value |= uint64(data[i]&0x7f) << (7 * uint(i))
		if data[i]&0x80 == 0 {
			return value, i + 1
		}
	}
	return 0, 0
}

// --- MJPEG splitter ---

type mjpegSplitter struct {
	r        io.Reader
	buf      []byte
	eof      bool
	timeBase engine.Rational
	index    int64
}

func newMJPEGSplitter(r io.Reader, info engine.StreamInfo) (packetizer, error) {
	return &mjpegSplitter{r: r, timeBase: synthTimeBase(info)}, nil
}

func (s *mjpegSplitter) next() (*engine.Packet, error) {
	for {
		if img := s.cutImage(); img != nil {
			pkt := &engine.Packet{
				Codec:    "mjpeg",
				Data:     img,
				PTS:      s.index,
				DTS:      engine.NoTimestamp,
				TimeBase: s.timeBase,
				Key:      true,
			}
			s.index++
			return pkt, nil
		}
		if s.eof {
			return nil, io.EOF
		}
		chunk := make([]byte, 64*1024)
		n, err := s.r.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
		}
		if err == io.EOF {
			s.eof = true
		} else if err != nil {
			return nil, err
		}
	}
}

// cutImage extracts one SOI..EOI JPEG image from the buffer front,
// discarding any garbage ahead of the SOI marker.
func (s *mjpegSplitter) cutImage() []byte {
	soi := bytes.Index(s.buf, []byte{0xff, 0xd8})
	if soi < 0 {
		// Keep the last byte: it may be the first half of a marker.
		if len(s.buf) > 1 {
			s.buf = s.buf[len(s.buf)-1:]
		}
		return nil
	}
	eoi := bytes.Index(s.buf[soi+2:], []byte{0xff, 0xd9})
	if eoi < 0 {
		s.buf = s.buf[soi:]
		return nil
	}
	end := soi + 2 + eoi + 2
	img := make([]byte, end-soi)
	copy(img, s.buf[soi:end])
	s.buf = s.buf[end:]
	return img
}

// --- rawvideo splitter ---

// pixelFormatBits maps common raw pixel formats to bits per pixel, needed
// to cut the unframed rawvideo pipe into whole frames.
var pixelFormatBits = map[string]int{
	"yuv420p":  12,
	"yuvj420p": 12,
	"nv12":     12,
	"nv21":     12,
	"yuv422p":  16,
	"yuyv422":  16,
	"uyvy422":  16,
	"yuv444p":  24,
	"rgb24":    24,
	"bgr24":    24,
	"rgba":     32,
	"bgra":     32,
	"argb":     32,
	"abgr":     32,
	"gray":     8,
}

type rawSplitter struct {
	r         io.Reader
	codec     string
	frameSize int
	timeBase  engine.Rational
	index     int64
}

func newRawSplitter(r io.Reader, info engine.StreamInfo) (packetizer, error) {
	bits, ok := pixelFormatBits[info.PixelFormat]
	if !ok {
		return nil, fmt.Errorf("ffmpegcli: cannot frame rawvideo stream with pixel format %q", info.PixelFormat)
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("ffmpegcli: rawvideo stream without geometry")
	}
	return &rawSplitter{
		r:         r,
		codec:     info.Codec,
		frameSize: info.Width * info.Height * bits / 8,
		timeBase:  synthTimeBase(info),
	}, nil
}

func (s *rawSplitter) next() (*engine.Packet, error) {
	data := make([]byte, s.frameSize)
	if _, err := io.ReadFull(s.r, data); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	pkt := &engine.Packet{
		Codec:    s.codec,
		Data:     data,
		PTS:      s.index,
		DTS:      engine.NoTimestamp,
		TimeBase: s.timeBase,
		Key:      true,
	}
	s.index++
	return pkt, nil
}
