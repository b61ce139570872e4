// Command vsprobe inspects and reads video sources from the command line.
//
//	vsprobe probe rtsp://camera.local/stream
//	vsprobe read clip.mp4 --decode --count 100
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/visiona/videosource"
)

func main() {
	app := &cli.App{
		Name:  "vsprobe",
		Usage: "inspect and read video sources",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "yaml config file (flags override its values)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "engine log level (panic, error, warn, info, debug, trace)",
				Value: "error",
			},
			&cli.StringFlag{
				Name:  "engine",
				Usage: "demux engine (auto, ffmpeg, mp4)",
				Value: "auto",
			},
			&cli.StringSliceFlag{
				Name:  "option",
				Usage: "engine option as key=value, repeatable",
			},
		},
		Commands: []*cli.Command{
			probeCommand(),
			readCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("vsprobe: failed", "error", err)
		os.Exit(1)
	}
}

// buildConfig merges the optional yaml file with command-line flags.
func buildConfig(c *cli.Context) (videosource.Config, error) {
	var cfg videosource.Config
	if path := c.String("config"); path != "" {
		fc, err := loadFileConfig(path)
		if err != nil {
			return cfg, err
		}
		cfg, err = fc.toConfig()
		if err != nil {
			return cfg, err
		}
	}

	if c.Args().Len() > 0 {
		cfg.URI = c.Args().First()
	}
	if c.IsSet("log-level") || cfg.LogLevel == 0 {
		level, err := parseLogLevel(c.String("log-level"))
		if err != nil {
			return cfg, err
		}
		cfg.LogLevel = level
	}
	if c.IsSet("engine") {
		kind, err := parseEngine(c.String("engine"))
		if err != nil {
			return cfg, err
		}
		cfg.Engine = kind
	}
	for _, kv := range c.StringSlice("option") {
		key, value := kv, ""
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key, value = kv[:i], kv[i+1:]
				break
			}
		}
		cfg.Options = append(cfg.Options, videosource.Option{Key: key, Value: value})
	}
	return cfg, nil
}

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:      "probe",
		Usage:     "open a source and print its stream description",
		ArgsUsage: "<uri>",
		Action: func(c *cli.Context) error {
			cfg, err := buildConfig(c)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			src, err := videosource.Open(ctx, cfg)
			if err != nil {
				return err
			}
			defer src.Stop()

			out, err := yaml.Marshal(src.Info())
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func readCommand() *cli.Command {
	return &cli.Command{
		Name:      "read",
		Usage:     "read frames and print one line of metadata per frame",
		ArgsUsage: "<uri>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "decode",
				Usage: "decode to raw rgb24 pixels",
			},
			&cli.BoolFlag{
				Name:  "block",
				Usage: "block the reader when the queue is full instead of dropping",
			},
			&cli.IntFlag{
				Name:  "queue",
				Usage: "frame queue capacity",
			},
			&cli.IntFlag{
				Name:  "count",
				Usage: "stop after this many frames (0 = until end of stream)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "per-frame wait",
				Value: 5 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "warmup",
				Usage: "measure FPS stability for this long before reading",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := buildConfig(c)
			if err != nil {
				return err
			}
			if c.Bool("decode") {
				cfg.Decode = true
			}
			if c.Bool("block") {
				cfg.BlockOnFull = true
			}
			if n := c.Int("queue"); n > 0 {
				cfg.QueueCapacity = n
			}

			ctx, cancel := signalContext()
			defer cancel()

			src, err := videosource.Open(ctx, cfg)
			if err != nil {
				return err
			}
			defer src.Stop()

			if d := c.Duration("warmup"); d > 0 {
				stats, err := src.Warmup(ctx, d)
				if err != nil {
					return err
				}
				fmt.Printf("warmup: frames=%d fps=%.2f stddev=%.2f stable=%v\n",
					stats.FramesReceived, stats.FPSMean, stats.FPSStdDev, stats.IsStable)
			}

			limit := c.Int("count")
			timeout := c.Duration("timeout")
			for n := 0; limit == 0 || n < limit; {
				if ctx.Err() != nil {
					break
				}
				env, err := src.VideoFrame(timeout)
				if errors.Is(err, videosource.ErrTimeout) {
					continue
				}
				if errors.Is(err, videosource.ErrEndOfStream) {
					if cause := src.Err(); cause != nil {
						return cause
					}
					break
				}
				if err != nil {
					return err
				}
				n++
				fmt.Printf("frame %6d codec=%s kind=%s pts=%s key=%v size=%d queue=%d skipped=%d trace=%s\n",
					n, env.Codec, env.PayloadKind, formatTS(env.PTS), env.KeyFrame,
					len(env.Payload), env.QueueLen, env.QueueFullSkippedCount, env.TraceID)
			}

			stats := src.Stats()
			fmt.Printf("done: read=%d delivered=%d skipped=%d drop_rate=%.1f%% fps=%.2f\n",
				stats.FramesRead, stats.FramesDelivered, stats.FramesSkipped,
				stats.DropRate, stats.FPSReal)
			return nil
		},
	}
}

func formatTS(ts int64) string {
	if ts == videosource.NoTimestamp {
		return "none"
	}
	return fmt.Sprintf("%d", ts)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
