package ffmpegcli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/visiona/videosource/internal/engine"
)

// OpenConfig carries the parameters for opening a resource through ffmpeg.
type OpenConfig struct {
	URI     string
	Options []engine.Option
	// LogLevel is handed to the spawned processes as -loglevel.
	LogLevel engine.LogLevel
	// FFmpegPath / FFprobePath override binary discovery when non-empty.
	FFmpegPath  string
	FFprobePath string
}

// Reader reads video packets from an ffmpeg subprocess piping the selected
// stream as a copied elementary stream.
type Reader struct {
	info   engine.StreamInfo
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer
	split  packetizer

	logLevel atomic.Int32

	closeOnce sync.Once
	waitOnce  sync.Once
	waitErr   error
}

var _ engine.PacketReader = (*Reader)(nil)

// Open probes uri and starts the stream-copy subprocess. ctx bounds the
// open phase only; a cancelled ctx kills the probe and the freshly spawned
// process.
func Open(ctx context.Context, cfg OpenConfig) (*Reader, error) {
	ffprobePath, err := FindFFprobe(cfg.FFprobePath)
	if err != nil {
		return nil, err
	}
	ffmpegPath, err := FindFFmpeg(cfg.FFmpegPath)
	if err != nil {
		return nil, err
	}

	info, err := Probe(ctx, ffprobePath, cfg.URI, cfg.Options)
	if err != nil {
		return nil, err
	}

	format, ok := pipeFormats[info.Codec]
	if !ok {
		return nil, fmt.Errorf("%w: %q", engine.ErrUnsupportedCodec, info.Codec)
	}

	args := buildReadArgs(cfg, format)
	cmd := exec.Command(ffmpegPath, args...)
	stderr := newTailBuffer(4 * 1024)
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpegcli: stdout pipe: %w", err)
	}

	slog.Info("ffmpegcli: starting stream copy",
		"uri", cfg.URI,
		"codec", info.Codec,
		"geometry", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"format", format.muxer,
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpegcli: start ffmpeg: %w", err)
	}

	split, err := format.newPacketizer(stdout, info)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	r := &Reader{
		info:   info,
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		split:  split,
	}
	r.logLevel.Store(int32(cfg.LogLevel))

	if ctx.Err() != nil {
		_ = r.Close()
		return nil, ctx.Err()
	}
	return r, nil
}

// buildReadArgs assembles the stream-copy command line. Options precede -i
// in their original order so input directives reach the demuxer.
func buildReadArgs(cfg OpenConfig, format pipeFormat) []string {
	args := []string{"-nostdin", "-hide_banner", "-loglevel", ffmpegLogLevel(cfg.LogLevel)}
	args = append(args, optionArgs(cfg.Options)...)
	args = append(args, "-i", cfg.URI, "-map", "0:v:0", "-c:v", "copy")
	if format.bsf != "" {
		args = append(args, "-bsf:v", format.bsf)
	}
	args = append(args, "-f", format.muxer, "pipe:1")
	return args
}

// ffmpegLogLevel maps the engine level onto ffmpeg's -loglevel names.
func ffmpegLogLevel(l engine.LogLevel) string {
	switch l {
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
		return "info"
	}
}

// Info returns the probed description of the selected video stream.
func (r *Reader) Info() engine.StreamInfo {
	return r.info
}

// ReadPacket returns the next packet from the pipe. Natural exhaustion of
// the resource surfaces as io.EOF; a non-zero ffmpeg exit is fatal and
// carries the stderr tail as its cause.
func (r *Reader) ReadPacket(ctx context.Context) (*engine.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pkt, err := r.split.next()
	if err == nil {
		return pkt, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err == io.EOF {
		if werr := r.wait(); werr != nil {
			return nil, engine.Fatal(werr)
		}
		return nil, io.EOF
	}
	return nil, engine.Fatal(err)
}

// wait reaps the subprocess exactly once and folds its stderr tail into
// the exit error.
func (r *Reader) wait() error {
	r.waitOnce.Do(func() {
		err := r.cmd.Wait()
		if err == nil {
			return
		}
		tail := strings.TrimSpace(r.stderr.String())
		if tail != "" {
			r.waitErr = fmt.Errorf("ffmpegcli: ffmpeg exited: %w: %s", err, tail)
		} else {
			r.waitErr = fmt.Errorf("ffmpegcli: ffmpeg exited: %w", err)
		}
	})
	return r.waitErr
}

// SetLogLevel records the level for any process spawned later in the
// session. The running copy process keeps its level; subprocess verbosity
// cannot change mid-flight.
func (r *Reader) SetLogLevel(level engine.LogLevel) {
	r.logLevel.Store(int32(level))
	slog.Debug("ffmpegcli: log level updated", "level", level.String())
}

// Close kills the subprocess and releases the pipes. Idempotent. Closing
// unblocks any ReadPacket currently waiting on the pipe.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		_ = r.stdout.Close()
		_ = r.wait()
		slog.Debug("ffmpegcli: reader closed", "uri", r.info.URI)
	})
	return nil
}

// tailBuffer is an io.Writer retaining only the last max bytes written,
// used to keep a bounded stderr excerpt for error reporting.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
