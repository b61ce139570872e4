// Package engine defines the contract between the videosource session and
// the underlying demux engines. An engine owns one media resource (file,
// device or network stream) and hands out compressed video packets; the
// session never touches the resource directly.
package engine

import (
	"context"
	"fmt"
	"math"
)

// NoTimestamp marks an absent pts/dts value. Mirrors the "no timestamp"
// sentinel convention of media containers rather than using a pointer.
const NoTimestamp int64 = math.MinInt64

// Rational is an exact num/den fraction, used for time bases and frame rates.
type Rational struct {
	Num int64
	Den int64
}

// String renders the rational as "num/den" ("0/0" when unset).
func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// IsZero reports whether the rational carries no value.
func (r Rational) IsZero() bool {
	return r.Num == 0 && r.Den == 0
}

// Packet is one compressed video unit read from an engine.
type Packet struct {
	// Codec is the normalized codec name (e.g. "h264", "hevc", "vp9").
	Codec string
	// Data is the packet payload, owned by the receiver.
	Data []byte
	// PTS and DTS are expressed in TimeBase units, NoTimestamp when absent.
	PTS int64
	DTS int64
	// TimeBase defines the unit of PTS/DTS.
	TimeBase Rational
	// Key reports whether the packet starts a keyframe.
	Key bool
	// Corrupted reports whether the container flagged the unit as damaged.
	Corrupted bool
}

// StreamInfo describes the selected video stream of an open resource.
type StreamInfo struct {
	// URI is the resource the stream was opened from.
	URI string
	// Codec is the normalized codec name of the stream.
	Codec string
	// Width and Height are the stream-declared geometry in pixels.
	Width  int
	Height int
	// PixelFormat is the source pixel format when known (e.g. "yuv420p").
	PixelFormat string
	// TimeBase defines the unit of packet timestamps.
	TimeBase Rational
	// FrameRate and AvgFrameRate are the stream-declared rates.
	FrameRate    Rational
	AvgFrameRate Rational
	// ParameterSets holds out-of-band codec headers (SPS/PPS/VPS NAL units
	// without start codes) when the container stores them, nil otherwise.
	ParameterSets [][]byte
}

// LogLevel controls the verbosity of an engine's own diagnostics,
// ordered from least to most verbose.
type LogLevel int

const (
	LevelPanic LogLevel = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

// String returns the lower-case level name.
func (l LogLevel) String() string {
	switch l {
	case LevelPanic:
		return "panic"
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return "info"
	}
}

// Option is one engine-specific key/value directive. Options are passed
// verbatim and in order; unknown keys are the engine's concern.
type Option struct {
	Key   string
	Value string
}

// PacketReader is the read side of an open media resource.
//
// Implementations must guarantee:
//   - ReadPacket returns io.EOF once the resource is naturally exhausted
//   - ReadPacket returns promptly after ctx cancellation
//   - recoverable per-unit failures are wrapped with Recoverable so the
//     caller can skip the unit and continue
//   - SetLogLevel is safe to call concurrently with ReadPacket
//   - Close is idempotent
type PacketReader interface {
	// Info returns the description of the selected video stream.
	Info() StreamInfo

	// ReadPacket blocks until the next video packet is available.
	ReadPacket(ctx context.Context) (*Packet, error)

	// SetLogLevel updates engine diagnostic verbosity. Engines apply the
	// new level at their next natural checkpoint.
	SetLogLevel(level LogLevel)

	// Close releases the underlying resource.
	Close() error
}
