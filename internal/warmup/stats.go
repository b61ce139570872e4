// Package warmup measures delivery-rate stability from frame arrival
// timestamps collected during a session's warm-up phase.
package warmup

import (
	"math"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum allowed FPS standard deviation
	// as a fraction of the mean FPS.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum allowed mean jitter as a
	// fraction of the expected inter-frame interval.
	jitterStabilityThreshold = 0.20
)

// Stats summarizes frame arrival behaviour over a warm-up window.
type Stats struct {
	// FramesReceived is the number of frames observed.
	FramesReceived int
	// Duration is the actual observation window.
	Duration time.Duration
	// FPSMean is the overall delivery rate.
	FPSMean float64
	// FPSStdDev, FPSMin and FPSMax describe the instantaneous rate.
	FPSStdDev float64
	FPSMin    float64
	FPSMax    float64
	// IsStable is true when both FPS deviation and jitter stay under
	// their thresholds.
	IsStable bool
	// JitterMean, JitterStdDev and JitterMax describe deviation from the
	// expected inter-frame interval, in seconds.
	JitterMean   float64
	JitterStdDev float64
	JitterMax    float64
}

// Calculate derives delivery statistics from frame arrival times.
//
// Instantaneous FPS is taken per interval; jitter is the absolute
// deviation of each interval from the expected one. The stream is stable
// when FPS stddev < 15% of the mean and mean jitter < 20% of the expected
// interval.
func Calculate(frameTimes []time.Time, totalDuration time.Duration) *Stats {
	n := len(frameTimes)
	if n == 0 {
		return &Stats{Duration: totalDuration}
	}

	fpsMean := float64(n) / totalDuration.Seconds()

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		if interval > 0 {
			instantaneous = append(instantaneous, 1.0/interval)
		}
	}
	if len(instantaneous) == 0 {
		return &Stats{
			FramesReceived: n,
			Duration:       totalDuration,
			FPSMean:        fpsMean,
		}
	}

	fpsMin := instantaneous[0]
	fpsMax := instantaneous[0]
	for _, fps := range instantaneous {
		if fps < fpsMin {
			fpsMin = fps
		}
		if fps > fpsMax {
			fpsMax = fps
		}
	}

	var sumSquares float64
	for _, fps := range instantaneous {
		diff := fps - fpsMean
		sumSquares += diff * diff
	}
	fpsStdDev := math.Sqrt(sumSquares / float64(len(instantaneous)))

	expectedInterval := 1.0 / fpsMean

	jitters := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		actual := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		jitters = append(jitters, math.Abs(actual-expectedInterval))
	}

	var jitterSum, jitterMax float64
	for _, j := range jitters {
		jitterSum += j
		if j > jitterMax {
			jitterMax = j
		}
	}
	jitterMean := jitterSum / float64(len(jitters))

	var jitterSumSquares float64
	for _, j := range jitters {
		diff := j - jitterMean
		jitterSumSquares += diff * diff
	}
	jitterStdDev := math.Sqrt(jitterSumSquares / float64(len(jitters)))

	fpsStable := fpsStdDev < fpsMean*fpsStabilityThreshold
	jitterStable := jitterMean < expectedInterval*jitterStabilityThreshold

	return &Stats{
		FramesReceived: n,
		Duration:       totalDuration,
		FPSMean:        fpsMean,
		FPSStdDev:      fpsStdDev,
		FPSMin:         fpsMin,
		FPSMax:         fpsMax,
		IsStable:       fpsStable && jitterStable,
		JitterMean:     jitterMean,
		JitterStdDev:   jitterStdDev,
		JitterMax:      jitterMax,
	}
}
