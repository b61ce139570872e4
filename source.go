package videosource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/visiona/videosource/internal/bsf"
	"github.com/visiona/videosource/internal/decode"
	"github.com/visiona/videosource/internal/engine"
	"github.com/visiona/videosource/internal/ffmpegcli"
	"github.com/visiona/videosource/internal/framequeue"
	"github.com/visiona/videosource/internal/mp4demux"
)

// stopJoinTimeout bounds how long Stop waits for the worker goroutine.
const stopJoinTimeout = 3 * time.Second

// Source is one capture session: a background worker reading the resource
// and a bounded queue the consumer drains with VideoFrame.
type Source struct {
	cfg  Config
	info engine.StreamInfo

	reader  engine.PacketReader
	decoder *decode.Decoder
	chain   *bsf.Chain
	// toAnnexB repackages length-prefixed payloads before decoding; set
	// only when the engine delivers MP4-framed H.264/HEVC.
	toAnnexB bsf.Filter

	queue *framequeue.Queue[VideoFrameEnvelope]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stopCh chan struct{}

	stopOnce   sync.Once
	stopped    atomic.Bool
	workerDone atomic.Bool
	logLevel   atomic.Int32

	// Statistics (atomic for thread-safety).
	framesRead      atomic.Uint64
	framesDelivered atomic.Uint64
	bytesRead       atomic.Uint64
	framesCorrupted atomic.Uint64
	recoverableErrs atomic.Uint64
	errorsNetwork   atomic.Uint64
	errorsCodec     atomic.Uint64
	errorsAuth      atomic.Uint64
	errorsUnknown   atomic.Uint64

	started time.Time

	mu          sync.Mutex
	lastFrameAt time.Time
	failure     error
}

// Open validates cfg, opens the resource within cfg.InitTimeout and starts
// the background worker. ctx bounds the open phase only; the running
// session is stopped with Stop.
func Open(ctx context.Context, cfg Config) (*Source, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Decode && len(cfg.Filters) > 0 {
		slog.Warn("videosource: bitstream filters ignored when decoding",
			"uri", cfg.URI,
			"filters", len(cfg.Filters),
		)
		cfg.Filters = nil
	}

	openCtx, cancelOpen := context.WithTimeout(ctx, cfg.InitTimeout)
	defer cancelOpen()

	type openResult struct {
		reader engine.PacketReader
		err    error
	}
	resultCh := make(chan openResult, 1)
	go func() {
		r, err := openReaderFn(openCtx, cfg)
		resultCh <- openResult{reader: r, err: err}
	}()

	var reader engine.PacketReader
	select {
	case res := <-resultCh:
		if res.err != nil {
			if openCtx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("%w after %v: %v", ErrInitTimeout, cfg.InitTimeout, res.err)
			}
			return nil, fmt.Errorf("%w: %w", ErrInit, res.err)
		}
		reader = res.reader
	case <-openCtx.Done():
		// The opener finishes on its own schedule; whoever arrives late
		// must release the resource it acquired.
		go func() {
			if res := <-resultCh; res.reader != nil {
				res.reader.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrInit, ctx.Err())
		}
		return nil, fmt.Errorf("%w after %v", ErrInitTimeout, cfg.InitTimeout)
	}

	info := reader.Info()
	keyFramed, err := engine.StreamHasKeyFrames(info.Codec)
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}

	s := &Source{
		cfg:     cfg,
		info:    info,
		reader:  reader,
		queue:   framequeue.New[VideoFrameEnvelope](cfg.QueueCapacity, cfg.BlockOnFull),
		stopCh:  make(chan struct{}),
		started: time.Now(),
	}
	s.logLevel.Store(int32(cfg.LogLevel))
	reader.SetLogLevel(cfg.LogLevel)

	wantDecode := cfg.Decode || (cfg.AutoconvertRawFormats && info.Codec == "rawvideo")
	if wantDecode {
		if err := s.setupDecoder(); err != nil {
			reader.Close()
			return nil, fmt.Errorf("%w: %w", ErrInit, err)
		}
	} else {
		chain, err := bsf.NewChain(cfg.Filters, info.Codec, info.ParameterSets)
		if err != nil {
			reader.Close()
			return nil, fmt.Errorf("%w: %w", ErrInit, err)
		}
		s.chain = chain
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.run(keyFramed)

	slog.Info("videosource: session opened",
		"uri", cfg.URI,
		"codec", info.Codec,
		"resolution", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"decode", wantDecode,
		"queue_capacity", cfg.QueueCapacity,
		"block_on_full", cfg.BlockOnFull,
	)
	return s, nil
}

// openReaderFn is swapped in tests to inject a synthetic engine.
var openReaderFn = openReader

// openReader picks and opens the demux engine for cfg.
func openReader(ctx context.Context, cfg Config) (engine.PacketReader, error) {
	switch cfg.Engine {
	case EngineMP4:
		return mp4demux.Open(cfg.URI)
	case EngineFFmpeg:
		return openFFmpeg(ctx, cfg)
	}

	if isLocalMP4(cfg.URI) {
		r, err := mp4demux.Open(cfg.URI)
		if err == nil {
			return r, nil
		}
		slog.Debug("videosource: native mp4 demux unavailable, using ffmpeg",
			"uri", cfg.URI,
			"reason", err,
		)
	}
	return openFFmpeg(ctx, cfg)
}

func openFFmpeg(ctx context.Context, cfg Config) (engine.PacketReader, error) {
	return ffmpegcli.Open(ctx, ffmpegcli.OpenConfig{
		URI:         cfg.URI,
		Options:     cfg.Options,
		LogLevel:    cfg.LogLevel,
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
	})
}

// isLocalMP4 reports whether uri is an existing local MP4-family file.
func isLocalMP4(uri string) bool {
	if strings.Contains(uri, "://") {
		return false
	}
	switch strings.ToLower(filepath.Ext(uri)) {
	case ".mp4", ".mov", ".m4v":
	default:
		return false
	}
	st, err := os.Stat(uri)
	return err == nil && st.Mode().IsRegular()
}

// setupDecoder starts the decode subprocess matching the stream.
func (s *Source) setupDecoder() error {
	format, err := decodeInputFormat(s.info.Codec)
	if err != nil {
		return err
	}

	// MP4-framed H.264/HEVC carries length-prefixed NAL units; the
	// decoder wants self-contained Annex B access units.
	if len(s.info.ParameterSets) > 0 && (s.info.Codec == "h264" || s.info.Codec == "hevc") {
		f, err := bsf.New(s.info.Codec+"_mp4toannexb", s.info.ParameterSets)
		if err != nil {
			return err
		}
		s.toAnnexB = f
	}

	ffmpegPath, err := ffmpegcli.FindFFmpeg(s.cfg.FFmpegPath)
	if err != nil {
		return err
	}

	d, err := decode.New(decode.Config{
		FFmpegPath:       ffmpegPath,
		InputFormat:      format,
		Codec:            s.info.Codec,
		Width:            s.info.Width,
		Height:           s.info.Height,
		InputPixelFormat: s.info.PixelFormat,
		FrameRate:        s.info.FrameRate,
		LogLevel:         s.cfg.LogLevel,
	})
	if err != nil {
		return err
	}
	s.decoder = d
	return nil
}

// decodeInputFormat maps a codec to the ffmpeg demuxer its packets are
// fed through when decoding.
func decodeInputFormat(codec string) (string, error) {
	switch codec {
	case "h264":
		return "h264", nil
	case "hevc", "h265":
		return "hevc", nil
	case "vp8", "vp9", "av1":
		return "ivf", nil
	case "mjpeg":
		return "mjpeg", nil
	case "rawvideo":
		return "rawvideo", nil
	default:
		return "", fmt.Errorf("%w: cannot decode %q", engine.ErrUnsupportedCodec, codec)
	}
}

// run is the worker loop: read, gate on the first keyframe, transform,
// enqueue. It owns the queue's producer side and closes it on exit.
func (s *Source) run(keyFramed bool) {
	defer s.wg.Done()
	defer s.workerDone.Store(true)
	defer s.queue.Close()
	// The worker owns the engine resources; release them on every exit
	// path, before the queue is signalled closed. Close is idempotent on
	// both, so the overlap with Stop is safe.
	defer s.closeEngine()

	waitingKey := keyFramed
	for {
		if s.ctx.Err() != nil {
			return
		}

		pkt, err := s.reader.ReadPacket(s.ctx)
		if err != nil {
			switch {
			case s.ctx.Err() != nil:
				return
			case errors.Is(err, io.EOF):
				s.drainDecoder()
				slog.Info("videosource: end of stream",
					"uri", s.cfg.URI,
					"frames_read", s.framesRead.Load(),
				)
				return
			case engine.IsRecoverable(err):
				s.recoverableErrs.Add(1)
				s.countError(err)
				slog.Warn("videosource: unit lost, continuing",
					"uri", s.cfg.URI,
					"error", err,
				)
				continue
			default:
				s.countError(err)
				s.setFailure(err)
				slog.Error("videosource: engine failed",
					"uri", s.cfg.URI,
					"error", err,
					"category", engine.Classify(err).String(),
					"uptime", time.Since(s.started),
					"frames_read", s.framesRead.Load(),
				)
				return
			}
		}

		if waitingKey {
			if !pkt.Key {
				slog.Debug("videosource: skipping pre-keyframe unit", "uri", s.cfg.URI)
				continue
			}
			waitingKey = false
		}

		s.framesRead.Add(1)
		s.bytesRead.Add(uint64(len(pkt.Data)))
		if pkt.Corrupted {
			s.framesCorrupted.Add(1)
		}
		received := time.Now()

		if s.decoder != nil {
			if !s.decodePacket(pkt, received) {
				return
			}
			continue
		}

		payload := pkt.Data
		if out, applied, err := s.chain.Apply(pkt.Codec, payload, pkt.Key); err != nil {
			s.recoverableErrs.Add(1)
			s.errorsCodec.Add(1)
			slog.Warn("videosource: bitstream filter failed, unit dropped",
				"uri", s.cfg.URI,
				"error", err,
			)
			continue
		} else if applied {
			payload = out
		}

		env := s.envelope(pkt, received)
		env.Payload = payload
		if !s.push(env) {
			return
		}
	}
}

// decodePacket feeds one packet to the decoder and enqueues the raw
// frames it yields. Returns false when the worker must exit.
func (s *Source) decodePacket(pkt *engine.Packet, received time.Time) bool {
	data := pkt.Data
	if s.toAnnexB != nil {
		out, err := s.toAnnexB.Apply(data, pkt.Key)
		if err != nil {
			s.recoverableErrs.Add(1)
			s.errorsCodec.Add(1)
			slog.Warn("videosource: payload repackaging failed, unit dropped",
				"uri", s.cfg.URI,
				"error", err,
			)
			return true
		}
		data = out
	}

	frames, err := s.decoder.Decode(s.ctx, data)
	if err != nil {
		if s.ctx.Err() != nil {
			return false
		}
		s.countError(err)
		s.setFailure(err)
		slog.Error("videosource: decoder failed",
			"uri", s.cfg.URI,
			"error", err,
		)
		return false
	}
	return s.pushRaw(frames, pkt, received)
}

// closeEngine releases the demuxer and the decode subprocess.
func (s *Source) closeEngine() {
	s.reader.Close()
	if s.decoder != nil {
		s.decoder.Close()
	}
}

// drainDecoder flushes buffered decoder frames at end of stream.
func (s *Source) drainDecoder() {
	if s.decoder == nil {
		return
	}
	frames, err := s.decoder.Flush(s.ctx)
	if err != nil && s.ctx.Err() == nil {
		slog.Warn("videosource: decoder flush failed",
			"uri", s.cfg.URI,
			"error", err,
		)
	}
	// Delayed frames inherit the timestamps of the packet that completed
	// the stream; the decoder does not report per-frame pts.
	last := &engine.Packet{
		Codec:    s.info.Codec,
		PTS:      engine.NoTimestamp,
		DTS:      engine.NoTimestamp,
		TimeBase: s.info.TimeBase,
	}
	s.pushRaw(frames, last, time.Now())
}

// pushRaw enqueues decoded frames. The first frame of a packet carries the
// packet timestamps; reorder-delayed siblings carry none.
func (s *Source) pushRaw(frames [][]byte, pkt *engine.Packet, received time.Time) bool {
	for i, raw := range frames {
		env := s.envelope(pkt, received)
		env.Codec = "rawvideo"
		env.PayloadKind = PayloadRawPixels
		env.PixelFormat = decode.PixelFormat
		env.KeyFrame = pkt.Key && i == 0
		if i > 0 {
			env.PTS = NoTimestamp
			env.DTS = NoTimestamp
		}
		env.Payload = raw
		if !s.push(env) {
			return false
		}
	}
	return true
}

// envelope stamps stream metadata common to every delivered unit.
func (s *Source) envelope(pkt *engine.Packet, received time.Time) VideoFrameEnvelope {
	return VideoFrameEnvelope{
		Codec:           pkt.Codec,
		PayloadKind:     PayloadCompressed,
		FrameWidth:      s.info.Width,
		FrameHeight:     s.info.Height,
		TimeBase:        pkt.TimeBase,
		PTS:             pkt.PTS,
		DTS:             pkt.DTS,
		KeyFrame:        pkt.Key,
		Corrupted:       pkt.Corrupted,
		FPS:             s.info.FrameRate.String(),
		AvgFPS:          s.info.AvgFrameRate.String(),
		FrameReceivedTS: received.UnixMilli(),
		TraceID:         uuid.NewString(),
	}
}

// push enqueues one envelope under the overflow policy. Returns false when
// the session is shutting down.
func (s *Source) push(env VideoFrameEnvelope) bool {
	env.QueueLen = s.queue.Len()
	env.QueueFullSkippedCount = s.queue.Skipped()

	dropped, err := s.queue.Push(env, s.ctx.Done())
	if err != nil {
		return false
	}
	if dropped {
		slog.Debug("videosource: dropping frame, queue full",
			"uri", s.cfg.URI,
			"trace_id", env.TraceID,
			"skipped_total", s.queue.Skipped(),
		)
	}
	return true
}

// VideoFrame returns the next envelope, waiting up to timeout. timeout <= 0
// waits indefinitely. Returns ErrTimeout when the wait elapses (the
// session keeps running), ErrSessionStopped after Stop, and ErrEndOfStream
// once the resource is exhausted and the queue drained.
func (s *Source) VideoFrame(timeout time.Duration) (VideoFrameEnvelope, error) {
	if s.stopped.Load() {
		return VideoFrameEnvelope{}, ErrSessionStopped
	}

	env, err := s.queue.Pop(timeout, s.stopCh)
	switch {
	case err == nil:
		env.FrameProcessedTS = time.Now().UnixMilli()
		s.framesDelivered.Add(1)
		s.mu.Lock()
		s.lastFrameAt = time.Now()
		s.mu.Unlock()
		return env, nil
	case errors.Is(err, framequeue.ErrTimeout):
		return VideoFrameEnvelope{}, ErrTimeout
	case errors.Is(err, framequeue.ErrStopped):
		return VideoFrameEnvelope{}, ErrSessionStopped
	default:
		if cause := s.Err(); cause != nil {
			return VideoFrameEnvelope{}, fmt.Errorf("%w: %w", ErrEndOfStream, cause)
		}
		return VideoFrameEnvelope{}, ErrEndOfStream
	}
}

// Stop shuts the session down: the worker is signalled, joined with a
// bounded wait and the engine resources are released. Idempotent; safe to
// call concurrently with VideoFrame.
func (s *Source) Stop() error {
	s.stopOnce.Do(func() {
		slog.Info("videosource: stopping session", "uri", s.cfg.URI)

		s.stopped.Store(true)
		close(s.stopCh)
		s.cancel()
		// Closing the reader unblocks a worker parked in ReadPacket.
		s.reader.Close()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			slog.Debug("videosource: worker stopped cleanly")
		case <-time.After(stopJoinTimeout):
			slog.Warn("videosource: stop timeout exceeded, worker may still be running")
		}

		if s.decoder != nil {
			s.decoder.Close()
		}

		slog.Info("videosource: session stopped",
			"uri", s.cfg.URI,
			"frames_read", s.framesRead.Load(),
			"frames_delivered", s.framesDelivered.Load(),
			"frames_skipped", s.queue.Skipped(),
			"uptime", time.Since(s.started),
		)
	})
	return nil
}

// IsRunning reports whether the session can still deliver frames: false
// after Stop, and false once the stream ended and the queue is drained.
func (s *Source) IsRunning() bool {
	if s.stopped.Load() {
		return false
	}
	if s.workerDone.Load() {
		return s.queue.Len() > 0
	}
	return true
}

// LogLevel returns the session's current engine verbosity.
func (s *Source) LogLevel() LogLevel {
	return LogLevel(s.logLevel.Load())
}

// SetLogLevel adjusts engine verbosity for the running session. The engine
// applies the new level at its next natural checkpoint.
func (s *Source) SetLogLevel(level LogLevel) {
	s.logLevel.Store(int32(level))
	s.reader.SetLogLevel(level)
	slog.Info("videosource: log level changed", "level", level.String())
}

// Info returns the description of the opened video stream.
func (s *Source) Info() StreamDescription {
	return StreamDescription{
		URI:          s.info.URI,
		Codec:        s.info.Codec,
		Width:        s.info.Width,
		Height:       s.info.Height,
		PixelFormat:  s.info.PixelFormat,
		TimeBase:     s.info.TimeBase,
		FrameRate:    s.info.FrameRate,
		AvgFrameRate: s.info.AvgFrameRate,
	}
}

// Err returns the engine failure that terminated the stream, or nil when
// the stream is healthy or ended naturally.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *Source) setFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		s.failure = err
	}
}

// countError bumps the telemetry counter for err's category.
func (s *Source) countError(err error) {
	switch engine.Classify(err) {
	case engine.CategoryNetwork:
		s.errorsNetwork.Add(1)
	case engine.CategoryCodec:
		s.errorsCodec.Add(1)
	case engine.CategoryAuth:
		s.errorsAuth.Add(1)
	default:
		s.errorsUnknown.Add(1)
	}
}

// Stats returns a point-in-time snapshot of session counters.
func (s *Source) Stats() SourceStats {
	delivered := s.framesDelivered.Load()
	skipped := s.queue.Skipped()

	var fpsReal float64
	uptime := time.Since(s.started)
	if secs := uptime.Seconds(); secs > 0 {
		fpsReal = float64(delivered) / secs
	}

	var dropRate float64
	if attempts := delivered + skipped + uint64(s.queue.Len()); attempts > 0 {
		dropRate = float64(skipped) / float64(attempts) * 100.0
	}

	s.mu.Lock()
	lastFrameAt := s.lastFrameAt
	failure := s.failure
	s.mu.Unlock()
	var latencyMS int64
	if !lastFrameAt.IsZero() {
		latencyMS = time.Since(lastFrameAt).Milliseconds()
	}

	return SourceStats{
		URI:               s.cfg.URI,
		Codec:             s.info.Codec,
		Resolution:        fmt.Sprintf("%dx%d", s.info.Width, s.info.Height),
		FramesRead:        s.framesRead.Load(),
		FramesDelivered:   delivered,
		FramesSkipped:     skipped,
		FramesCorrupted:   s.framesCorrupted.Load(),
		BytesRead:         s.bytesRead.Load(),
		RecoverableErrors: s.recoverableErrs.Load(),
		DropRate:          dropRate,
		FPSReal:           fpsReal,
		LatencyMS:         latencyMS,
		QueueLen:          s.queue.Len(),
		QueueCap:          s.queue.Cap(),
		Uptime:            uptime,
		IsRunning:         s.IsRunning(),
		Failed:            failure != nil,
		FailureReason:     failureReason(failure),
		ErrorsNetwork:     s.errorsNetwork.Load(),
		ErrorsCodec:       s.errorsCodec.Load(),
		ErrorsAuth:        s.errorsAuth.Load(),
		ErrorsUnknown:     s.errorsUnknown.Load(),
	}
}

func failureReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// StreamDescription is the public view of the opened video stream.
type StreamDescription struct {
	URI          string
	Codec        string
	Width        int
	Height       int
	PixelFormat  string
	TimeBase     Rational
	FrameRate    Rational
	AvgFrameRate Rational
}
