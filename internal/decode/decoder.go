// Package decode turns compressed video packets into raw RGB pixel frames
// using a long-lived ffmpeg process. Packets are written to the process
// stdin and fixed-size rgb24 frames are collected from its stdout by a
// background goroutine, so feeding and draining never block each other.
package decode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync/atomic"

	"github.com/visiona/videosource/internal/engine"
)

// PixelFormat is the output format every decoder session produces.
const PixelFormat = "rgb24"

const bytesPerPixel = 3

// Config describes one decoder session. Width and Height must match the
// coded stream geometry so output frames can be sliced off the pipe.
type Config struct {
	FFmpegPath string
	// InputFormat is the ffmpeg demuxer name fed on stdin, for example
	// "h264", "hevc", "ivf", "mjpeg" or "rawvideo".
	InputFormat string
	// Codec selects the IVF FourCC when InputFormat is "ivf".
	Codec  string
	Width  int
	Height int
	// InputPixelFormat and FrameRate apply to rawvideo input only.
	InputPixelFormat string
	FrameRate        engine.Rational
	LogLevel         engine.LogLevel
}

// Decoder wraps one ffmpeg decode process.
type Decoder struct {
	cfg       Config
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	frames    <-chan []byte
	readerErr <-chan error
	stderr    *tailBuffer
	frameSize int
	ivf       *ivfWriter
	closed    atomic.Bool
	stdinDone atomic.Bool
	waitErr   error
	waited    atomic.Bool
}

// New starts a decoder process for cfg. The returned Decoder must be
// closed to reap the process.
func New(cfg Config) (*Decoder, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("decode: invalid geometry %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.InputFormat == "" {
		return nil, fmt.Errorf("decode: input format not set")
	}

	args := buildArgs(cfg)
	cmd := exec.Command(cfg.FFmpegPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("decode: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("decode: stdout pipe: %w", err)
	}
	stderr := newTailBuffer()
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("decode: start %s: %w", cfg.FFmpegPath, err)
	}
	slog.Info("decode: decoder started",
		"pid", cmd.Process.Pid,
		"format", cfg.InputFormat,
		"geometry", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
	)

	frameSize := cfg.Width * cfg.Height * bytesPerPixel
	frames, readerErr := chunkFrames(stdout, frameSize)

	d := &Decoder{
		cfg:       cfg,
		cmd:       cmd,
		stdin:     stdin,
		frames:    frames,
		readerErr: readerErr,
		stderr:    stderr,
		frameSize: frameSize,
	}
	if cfg.InputFormat == "ivf" {
		d.ivf = newIVFWriter(cfg.Codec, cfg.Width, cfg.Height, cfg.FrameRate)
	}
	return d, nil
}

func buildArgs(cfg Config) []string {
	args := []string{
		"-nostdin", "-hide_banner",
		"-loglevel", ffmpegLogLevel(cfg.LogLevel),
		"-f", cfg.InputFormat,
	}
	if cfg.InputFormat == "rawvideo" {
		args = append(args,
			"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
			"-pixel_format", cfg.InputPixelFormat,
		)
		if !cfg.FrameRate.IsZero() {
			args = append(args, "-framerate", cfg.FrameRate.String())
		}
	}
	args = append(args,
		"-i", "pipe:0",
		"-f", "rawvideo",
		"-pix_fmt", PixelFormat,
		"pipe:1",
	)
	return args
}

func ffmpegLogLevel(level engine.LogLevel) string {
	switch level {
	case engine.LevelPanic:
		return "panic"
	case engine.LevelError:
		return "error"
	case engine.LevelWarn:
		return "warning"
	case engine.LevelInfo:
		return "info"
	case engine.LevelDebug:
		return "debug"
	case engine.LevelTrace:
		return "trace"
	default:
		return "error"
	}
}

// FrameSize returns the byte length of one output frame.
func (d *Decoder) FrameSize() int {
	return d.frameSize
}

// Decode feeds one compressed packet to the process and returns any raw
// frames that have become available. Decoders buffer internally, so an
// empty result is normal and later calls return the delayed frames.
func (d *Decoder) Decode(ctx context.Context, payload []byte) ([][]byte, error) {
	if d.closed.Load() {
		return nil, fmt.Errorf("decode: decoder closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data := payload
	if d.ivf != nil {
		data = d.ivf.wrap(payload)
	}
	// Take frames already chunked before feeding more input. A burst of
	// output left undrained can fill the stdout pipe and stall the process
	// against the stdin write.
	out, _ := d.drain(false, nil)
	if _, err := d.stdin.Write(data); err != nil {
		return out, d.fatal(fmt.Errorf("decode: write packet: %w", err))
	}
	more, err := d.drain(false, nil)
	return append(out, more...), err
}

// Flush signals end of input and returns all frames still buffered in the
// process. The decoder cannot be fed after Flush.
func (d *Decoder) Flush(ctx context.Context) ([][]byte, error) {
	if d.closed.Load() {
		return nil, fmt.Errorf("decode: decoder closed")
	}
	if d.stdinDone.CompareAndSwap(false, true) {
		d.stdin.Close()
	}
	return d.drain(true, ctx.Done())
}

// drain collects frames from the reader goroutine. When wait is false only
// frames already chunked are taken; when true it blocks until the stream
// ends or cancel fires.
func (d *Decoder) drain(wait bool, cancel <-chan struct{}) ([][]byte, error) {
	var out [][]byte
	for {
		select {
		case frame, ok := <-d.frames:
			if !ok {
				if wait {
					if err := d.readError(); err != nil {
						return out, err
					}
				}
				return out, nil
			}
			out = append(out, frame)
		case <-cancel:
			return out, context.Canceled
		default:
			if !wait {
				return out, nil
			}
			// Blocking re-select without default so Flush parks until
			// the next frame or the end of stdout.
			select {
			case frame, ok := <-d.frames:
				if !ok {
					if err := d.readError(); err != nil {
						return out, err
					}
					return out, nil
				}
				out = append(out, frame)
			case <-cancel:
				return out, context.Canceled
			}
		}
	}
}

// readError reports why stdout ended. A clean EOF after Flush is not an
// error; anything else is fatal for the session.
func (d *Decoder) readError() error {
	select {
	case err := <-d.readerErr:
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return d.fatal(fmt.Errorf("decode: read frames: %w", err))
		}
	default:
	}
	if err := d.wait(); err != nil {
		return d.fatal(fmt.Errorf("decode: ffmpeg exited: %w", err))
	}
	return nil
}

func (d *Decoder) fatal(err error) error {
	if tail := d.stderr.String(); tail != "" {
		err = fmt.Errorf("%w; ffmpeg: %s", err, tail)
	}
	return engine.Fatal(err)
}

func (d *Decoder) wait() error {
	if d.waited.CompareAndSwap(false, true) {
		d.waitErr = d.cmd.Wait()
	}
	return d.waitErr
}

// Close terminates the decoder process. Safe to call more than once.
func (d *Decoder) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if d.stdinDone.CompareAndSwap(false, true) {
		d.stdin.Close()
	}
	if d.cmd.Process != nil {
		d.cmd.Process.Kill()
	}
	d.wait()
	slog.Debug("decode: decoder closed")
	return nil
}
