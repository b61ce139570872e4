package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/visiona/videosource"
)

// fileConfig mirrors videosource.Config for yaml files passed via --config.
type fileConfig struct {
	URI                   string         `yaml:"uri"`
	Options               []optionConfig `yaml:"options"`
	QueueCapacity         int            `yaml:"queue_capacity"`
	Decode                bool           `yaml:"decode"`
	AutoconvertRawFormats bool           `yaml:"autoconvert_raw_formats"`
	BlockOnFull           bool           `yaml:"block_on_full"`
	LogLevel              string         `yaml:"log_level"`
	Filters               []filterConfig `yaml:"bitstream_filters"`
	InitTimeout           time.Duration  `yaml:"init_timeout"`
	Engine                string         `yaml:"engine"`
	FFmpegPath            string         `yaml:"ffmpeg_path"`
	FFprobePath           string         `yaml:"ffprobe_path"`
}

type optionConfig struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

type filterConfig struct {
	Codec  string `yaml:"codec"`
	Filter string `yaml:"filter"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *fileConfig) toConfig() (videosource.Config, error) {
	level, err := parseLogLevel(c.LogLevel)
	if err != nil {
		return videosource.Config{}, err
	}
	kind, err := parseEngine(c.Engine)
	if err != nil {
		return videosource.Config{}, err
	}

	cfg := videosource.Config{
		URI:                   c.URI,
		QueueCapacity:         c.QueueCapacity,
		Decode:                c.Decode,
		AutoconvertRawFormats: c.AutoconvertRawFormats,
		BlockOnFull:           c.BlockOnFull,
		LogLevel:              level,
		InitTimeout:           c.InitTimeout,
		Engine:                kind,
		FFmpegPath:            c.FFmpegPath,
		FFprobePath:           c.FFprobePath,
	}
	for _, o := range c.Options {
		cfg.Options = append(cfg.Options, videosource.Option{Key: o.Key, Value: o.Value})
	}
	for _, f := range c.Filters {
		cfg.Filters = append(cfg.Filters, videosource.BitstreamFilter{Codec: f.Codec, Filter: f.Filter})
	}
	return cfg, nil
}

func parseLogLevel(s string) (videosource.LogLevel, error) {
	switch s {
	case "panic":
		return videosource.LogPanic, nil
	case "error", "":
		return videosource.LogError, nil
	case "warn", "warning":
		return videosource.LogWarn, nil
	case "info":
		return videosource.LogInfo, nil
	case "debug":
		return videosource.LogDebug, nil
	case "trace":
		return videosource.LogTrace, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func parseEngine(s string) (videosource.EngineKind, error) {
	switch s {
	case "auto", "":
		return videosource.EngineAuto, nil
	case "ffmpeg":
		return videosource.EngineFFmpeg, nil
	case "mp4":
		return videosource.EngineMP4, nil
	default:
		return 0, fmt.Errorf("unknown engine %q", s)
	}
}
