package videosource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/visiona/videosource/internal/warmup"
)

// WarmupStats contains statistics collected during a warm-up phase.
type WarmupStats struct {
	// FramesReceived is the number of frames received during warm-up.
	FramesReceived int
	// Duration is the actual warm-up duration.
	Duration time.Duration
	// FPSMean is the mean delivery rate across the window.
	FPSMean float64
	// FPSStdDev is the standard deviation of instantaneous FPS.
	FPSStdDev float64
	// FPSMin and FPSMax bound the instantaneous FPS.
	FPSMin float64
	FPSMax float64
	// IsStable is true when FPS deviation and jitter stay within limits.
	IsStable bool
	// JitterMean, JitterStdDev and JitterMax describe inter-frame
	// interval variance, in seconds.
	JitterMean   float64
	JitterStdDev float64
	JitterMax    float64
}

// CalculateFPSStats calculates FPS statistics from frame timestamps.
func CalculateFPSStats(frameTimes []time.Time, totalDuration time.Duration) *WarmupStats {
	s := warmup.Calculate(frameTimes, totalDuration)
	return &WarmupStats{
		FramesReceived: s.FramesReceived,
		Duration:       s.Duration,
		FPSMean:        s.FPSMean,
		FPSStdDev:      s.FPSStdDev,
		FPSMin:         s.FPSMin,
		FPSMax:         s.FPSMax,
		IsStable:       s.IsStable,
		JitterMean:     s.JitterMean,
		JitterStdDev:   s.JitterStdDev,
		JitterMax:      s.JitterMax,
	}
}

// Warmup consumes frames for the given duration and measures delivery
// rate stability. Call it right after Open, before the consumer starts
// processing frames; the consumed frames are not redelivered.
//
// Returns an error when the session stops, the stream ends, or fewer than
// two frames arrive. Stability itself is reported through
// WarmupStats.IsStable so that callers on low-rate or file sources can
// decide what stable means for them.
func (s *Source) Warmup(ctx context.Context, duration time.Duration) (*WarmupStats, error) {
	slog.Info("videosource: starting warmup",
		"uri", s.cfg.URI,
		"duration", duration,
	)

	startTime := time.Now()
	frameTimes := make([]time.Time, 0, 128)

	warmupCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	for warmupCtx.Err() == nil {
		env, err := s.VideoFrame(100 * time.Millisecond)
		switch {
		case err == nil:
			frameTimes = append(frameTimes, time.UnixMilli(env.FrameProcessedTS))
		case errors.Is(err, ErrTimeout):
			continue
		case errors.Is(err, ErrEndOfStream):
			return nil, fmt.Errorf("videosource: stream ended during warmup: %w", err)
		default:
			return nil, fmt.Errorf("videosource: warmup aborted: %w", err)
		}
	}

	elapsed := time.Since(startTime)
	if len(frameTimes) < 2 {
		return nil, fmt.Errorf(
			"videosource: not enough frames received during warmup (got %d, need at least 2)",
			len(frameTimes),
		)
	}

	stats := CalculateFPSStats(frameTimes, elapsed)
	slog.Info("videosource: warmup complete",
		"uri", s.cfg.URI,
		"frames", stats.FramesReceived,
		"duration", stats.Duration,
		"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
		"fps_range", fmt.Sprintf("%.1f-%.1f", stats.FPSMin, stats.FPSMax),
		"stable", stats.IsStable,
	)
	return stats, nil
}
