// Package mp4demux implements the engine contract for local MP4/MOV files
// without external processes. It walks the sample tables (progressive
// files) or movie fragments (fragmented files) of the first video track
// and emits AVCC-framed H.264/HEVC packets with exact container
// timestamps, keyframe flags and out-of-band parameter sets.
package mp4demux

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/visiona/videosource/internal/engine"
)

// nonSyncSampleFlag is the sample_is_non_sync_sample bit of ISO 14496-12
// sample flags.
const nonSyncSampleFlag = 0x00010000

// sampleRef locates one video sample. Progressive files are read lazily by
// offset; fragmented files carry the sample bytes loaded at open time.
type sampleRef struct {
	offset int64
	size   int
	data   []byte
	dts    int64
	pts    int64
	key    bool
}

// Reader implements engine.PacketReader over a parsed MP4 file.
type Reader struct {
	info     engine.StreamInfo
	rs       io.ReadSeeker
	closer   io.Closer
	samples  []sampleRef
	next     int
	logLevel atomic.Int32

	closeOnce sync.Once
	closeErr  error
}

var _ engine.PacketReader = (*Reader)(nil)

// Open parses the MP4 file at path and prepares its video track for
// sequential packet reads.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mp4demux: open %s: %w", path, err)
	}
	r, err := NewReader(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader parses an MP4 stream from rs. uri is recorded for diagnostics
// only. The ReadSeeker must remain valid for the Reader's lifetime.
func NewReader(rs io.ReadSeeker, uri string) (*Reader, error) {
	file, err := mp4.DecodeFile(rs)
	if err != nil {
		return nil, fmt.Errorf("mp4demux: parse %s: %w", uri, err)
	}

	r := &Reader{rs: rs}
	if file.IsFragmented() {
		err = r.loadFragmented(file)
	} else {
		err = r.loadProgressive(file)
	}
	if err != nil {
		return nil, err
	}
	r.info.URI = uri

	slog.Info("mp4demux: track opened",
		"uri", uri,
		"codec", r.info.Codec,
		"geometry", fmt.Sprintf("%dx%d", r.info.Width, r.info.Height),
		"samples", len(r.samples),
		"fragmented", file.IsFragmented(),
	)
	return r, nil
}

// Info returns the description of the selected video track.
func (r *Reader) Info() engine.StreamInfo {
	return r.info
}

// ReadPacket returns the next sample in decode order. A sample that cannot
// be read from the file is a recoverable loss; the reader advances past it.
func (r *Reader) ReadPacket(ctx context.Context) (*engine.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.next >= len(r.samples) {
		return nil, io.EOF
	}

	ref := r.samples[r.next]
	r.next++

	data := ref.data
	if data == nil {
		data = make([]byte, ref.size)
		if _, err := r.rs.Seek(ref.offset, io.SeekStart); err != nil {
			return nil, engine.Recoverable(fmt.Errorf("mp4demux: seek sample %d: %w", r.next-1, err))
		}
		if _, err := io.ReadFull(r.rs, data); err != nil {
			return nil, engine.Recoverable(fmt.Errorf("mp4demux: read sample %d: %w", r.next-1, err))
		}
	}

	if engine.LogLevel(r.logLevel.Load()) >= engine.LevelDebug {
		slog.Debug("mp4demux: sample read",
			"index", r.next-1,
			"size", len(data),
			"pts", ref.pts,
			"key", ref.key,
		)
	}

	return &engine.Packet{
		Codec:    r.info.Codec,
		Data:     data,
		PTS:      ref.pts,
		DTS:      ref.dts,
		TimeBase: r.info.TimeBase,
		Key:      ref.key,
	}, nil
}

// SetLogLevel adjusts per-sample diagnostic logging.
func (r *Reader) SetLogLevel(level engine.LogLevel) {
	r.logLevel.Store(int32(level))
}

// Close releases the underlying file, when the Reader owns one. Idempotent
// and safe to call concurrently with ReadPacket.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		if r.closer != nil {
			r.closeErr = r.closer.Close()
		}
	})
	return r.closeErr
}

// trackDescription gathers what loadProgressive and loadFragmented share:
// codec identity, geometry, time base and parameter sets.
func (r *Reader) describeTrack(trak *mp4.TrakBox) (timescale uint32, err error) {
	if trak.Mdia == nil || trak.Mdia.Mdhd == nil {
		return 0, fmt.Errorf("mp4demux: video track without media header")
	}
	timescale = trak.Mdia.Mdhd.Timescale
	if timescale == 0 {
		timescale = 1000
	}
	r.info.TimeBase = engine.Rational{Num: 1, Den: int64(timescale)}

	if trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stsd == nil {
		return 0, fmt.Errorf("mp4demux: video track without sample description")
	}

	for _, child := range trak.Mdia.Minf.Stbl.Stsd.Children {
		entry, ok := child.(*mp4.VisualSampleEntryBox)
		if !ok {
			continue
		}
		r.info.Width = int(entry.Width)
		r.info.Height = int(entry.Height)

		switch entry.Type() {
		case "avc1", "avc3":
			r.info.Codec = "h264"
			if entry.AvcC != nil {
				for _, sps := range entry.AvcC.SPSnalus {
					r.info.ParameterSets = append(r.info.ParameterSets, sps)
				}
				for _, pps := range entry.AvcC.PPSnalus {
					r.info.ParameterSets = append(r.info.ParameterSets, pps)
				}
			}
			return timescale, nil
		case "hvc1", "hev1":
			r.info.Codec = "hevc"
			if entry.HvcC != nil {
				for _, arr := range entry.HvcC.NaluArrays {
					r.info.ParameterSets = append(r.info.ParameterSets, arr.Nalus...)
				}
			}
			return timescale, nil
		default:
			return 0, fmt.Errorf("%w: sample entry %q", engine.ErrUnsupportedCodec, entry.Type())
		}
	}
	return 0, fmt.Errorf("mp4demux: no visual sample entry found")
}

// deriveFrameRates fills FrameRate/AvgFrameRate from sample durations.
func (r *Reader) deriveFrameRates(timescale uint32, totalDur uint64, constantDur uint32) {
	if len(r.samples) == 0 || totalDur == 0 {
		return
	}
	if constantDur > 0 {
		r.info.FrameRate = engine.Rational{Num: int64(timescale), Den: int64(constantDur)}
	}
	r.info.AvgFrameRate = engine.Rational{
		Num: int64(len(r.samples)) * int64(timescale),
		Den: int64(totalDur),
	}
	if r.info.FrameRate.IsZero() {
		r.info.FrameRate = r.info.AvgFrameRate
	}
}

func findVideoTrak(moov *mp4.MoovBox) *mp4.TrakBox {
	if moov == nil {
		return nil
	}
	for _, trak := range moov.Traks {
		if trak.Mdia != nil && trak.Mdia.Hdlr != nil && trak.Mdia.Hdlr.HandlerType == "vide" {
			return trak
		}
	}
	return nil
}
