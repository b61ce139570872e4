package ffmpegcli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/visiona/videosource/internal/engine"
)

// probeOutput mirrors the ffprobe -print_format json layout, reduced to the
// fields the engine needs.
type probeOutput struct {
	Streams []probeStream `json:"streams"`
}

type probeStream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	PixFmt       string `json:"pix_fmt"`
	TimeBase     string `json:"time_base"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
}

// Probe runs ffprobe against uri and returns the description of its first
// video stream. Options are forwarded verbatim ahead of the input.
func Probe(ctx context.Context, ffprobePath, uri string, opts []engine.Option) (engine.StreamInfo, error) {
	args := []string{"-v", "error", "-print_format", "json", "-show_streams"}
	args = append(args, optionArgs(opts)...)
	args = append(args, uri)

	cmd := exec.CommandContext(ctx, ffprobePath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("ffmpegcli: probing resource", "uri", uri, "ffprobe", ffprobePath)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return engine.StreamInfo{}, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return engine.StreamInfo{}, fmt.Errorf("ffmpegcli: probe failed: %s", msg)
	}

	var out probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return engine.StreamInfo{}, fmt.Errorf("ffmpegcli: malformed probe output: %w", err)
	}

	info, err := selectVideoStream(out)
	if err != nil {
		return engine.StreamInfo{}, err
	}
	info.URI = uri
	return info, nil
}

// selectVideoStream picks the first video stream, mirroring the "best
// stream" selection of the container engine.
func selectVideoStream(out probeOutput) (engine.StreamInfo, error) {
	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		return engine.StreamInfo{
			Codec:        normalizeCodec(s.CodecName),
			Width:        s.Width,
			Height:       s.Height,
			PixelFormat:  s.PixFmt,
			TimeBase:     parseRational(s.TimeBase),
			FrameRate:    parseRational(s.RFrameRate),
			AvgFrameRate: parseRational(s.AvgFrameRate),
		}, nil
	}
	return engine.StreamInfo{}, fmt.Errorf("ffmpegcli: no suitable video stream found")
}

// normalizeCodec maps ffprobe codec names onto the engine's canonical set.
func normalizeCodec(name string) string {
	if name == "h265" {
		return "hevc"
	}
	return name
}

// parseRational parses "num/den" or a bare integer; returns the zero
// rational for empty or unparseable input (ffprobe reports "0/0" for
// unknown rates).
func parseRational(s string) engine.Rational {
	if s == "" {
		return engine.Rational{}
	}
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return engine.Rational{}
	}
	if !found {
		return engine.Rational{Num: n, Den: 1}
	}
	d, err := strconv.ParseInt(den, 10, 64)
	if err != nil {
		return engine.Rational{}
	}
	return engine.Rational{Num: n, Den: d}
}

// optionArgs renders engine options as command-line flags, preserving
// insertion order. A key with an empty value becomes a bare flag.
func optionArgs(opts []engine.Option) []string {
	args := make([]string, 0, len(opts)*2)
	for _, o := range opts {
		args = append(args, "-"+o.Key)
		if o.Value != "" {
			args = append(args, o.Value)
		}
	}
	return args
}
