package videosource

import (
	"fmt"
	"time"

	"github.com/visiona/videosource/internal/bsf"
	"github.com/visiona/videosource/internal/engine"
)

// Rational is an exact num/den fraction used for time bases and rates.
type Rational = engine.Rational

// Option is one engine-specific key/value directive, passed verbatim and
// in order (e.g. {"rtsp_transport", "tcp"} or {"framerate", "30"}).
type Option = engine.Option

// NoTimestamp marks an absent PTS or DTS value.
const NoTimestamp = engine.NoTimestamp

// LogLevel controls engine diagnostic verbosity, ordered from least to
// most verbose.
type LogLevel = engine.LogLevel

const (
	LogPanic = engine.LevelPanic
	LogError = engine.LevelError
	LogWarn  = engine.LevelWarn
	LogInfo  = engine.LevelInfo
	LogDebug = engine.LevelDebug
	LogTrace = engine.LevelTrace
)

// BitstreamFilter names a packet-payload transformation to apply to one
// codec's packets, e.g. {Codec: "h264", Filter: "h264_mp4toannexb"}.
type BitstreamFilter = bsf.Entry

// EngineKind selects the demux engine backing a session.
type EngineKind int

const (
	// EngineAuto picks the engine from the URI: local MP4/MOV files use
	// the native demuxer, everything else goes through ffmpeg.
	EngineAuto EngineKind = iota
	// EngineFFmpeg forces the ffmpeg subprocess engine.
	EngineFFmpeg
	// EngineMP4 forces the native MP4 demuxer.
	EngineMP4
)

// String returns the engine name.
func (k EngineKind) String() string {
	switch k {
	case EngineFFmpeg:
		return "ffmpeg"
	case EngineMP4:
		return "mp4"
	default:
		return "auto"
	}
}

const (
	defaultQueueCapacity = 32
	defaultInitTimeout   = 10 * time.Second
)

// Config describes one capture session.
type Config struct {
	// URI is the resource to open: a file path, a device node or a
	// network URL (required).
	URI string

	// Options are engine directives applied when opening the resource.
	Options []Option

	// QueueCapacity bounds the frame queue. 0 means the default of 32.
	QueueCapacity int

	// Decode requests raw rgb24 pixel frames instead of compressed
	// packets.
	Decode bool

	// AutoconvertRawFormats decodes rawvideo sources to the canonical
	// rgb24 format even when Decode is false, so consumers never see
	// exotic raw pixel layouts.
	AutoconvertRawFormats bool

	// BlockOnFull selects the overflow policy: true makes the worker
	// wait for queue space, false drops the newest frame and counts it.
	BlockOnFull bool

	// LogLevel sets the initial engine verbosity.
	LogLevel LogLevel

	// Filters are bitstream filters applied to compressed packets by
	// codec. Ignored (with a warning) when Decode is set.
	Filters []BitstreamFilter

	// InitTimeout bounds the open phase. 0 means the default of 10s.
	InitTimeout time.Duration

	// Engine selects the demux engine. Defaults to EngineAuto.
	Engine EngineKind

	// FFmpegPath / FFprobePath override binary discovery when non-empty.
	FFmpegPath  string
	FFprobePath string
}

// validate applies fail-fast checks and fills defaults.
func (c *Config) validate() error {
	if c.URI == "" {
		return fmt.Errorf("videosource: URI is required")
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("videosource: invalid queue capacity %d", c.QueueCapacity)
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.InitTimeout < 0 {
		return fmt.Errorf("videosource: invalid init timeout %v", c.InitTimeout)
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = defaultInitTimeout
	}
	if c.Engine < EngineAuto || c.Engine > EngineMP4 {
		return fmt.Errorf("videosource: invalid engine %d", int(c.Engine))
	}
	for _, f := range c.Filters {
		if f.Codec == "" || f.Filter == "" {
			return fmt.Errorf("videosource: bitstream filter needs both codec and filter name")
		}
	}
	return nil
}

// SourceStats is a point-in-time snapshot of session counters.
type SourceStats struct {
	// URI is the opened resource.
	URI string
	// Codec is the normalized codec name of the video stream.
	Codec string
	// Resolution is the stream geometry, e.g. "1920x1080".
	Resolution string
	// FramesRead counts packets accepted from the engine.
	FramesRead uint64
	// FramesDelivered counts envelopes handed to the consumer.
	FramesDelivered uint64
	// FramesSkipped counts envelopes dropped because the queue was full.
	FramesSkipped uint64
	// FramesCorrupted counts packets the container flagged as damaged.
	FramesCorrupted uint64
	// BytesRead counts payload bytes accepted from the engine.
	BytesRead uint64
	// RecoverableErrors counts per-unit failures that were skipped.
	RecoverableErrors uint64
	// DropRate is FramesSkipped over all queue attempts, in percent.
	DropRate float64
	// FPSReal is the measured delivery rate since open.
	FPSReal float64
	// LatencyMS is the time since the last delivered frame.
	LatencyMS int64
	// QueueLen and QueueCap describe current queue occupancy.
	QueueLen int
	QueueCap int
	// Uptime is the time since the session was opened.
	Uptime time.Duration
	// IsRunning mirrors Source.IsRunning.
	IsRunning bool
	// Failed is true when the stream terminated on an engine failure;
	// FailureReason carries its message. Both are zero for a clean end.
	Failed        bool
	FailureReason string
	// Error telemetry by category.
	ErrorsNetwork uint64
	ErrorsCodec   uint64
	ErrorsAuth    uint64
	ErrorsUnknown uint64
}
