// Package score turns the raw statistics of a closed slice into a 0-100
// discipline score. Everything here is pure.
package score

import (
	"math"

	"github.com/banshee-data/noise.report/internal/audio"
	"github.com/banshee-data/noise.report/internal/slice"
)

// Options are the scoring parameters.
type Options struct {
	ThresholdDbfs     float64
	SegmentMergeGapMs float64
	MaxSegmentsPerMin float64
}

// DefaultOptions returns the stock scoring parameters.
func DefaultOptions() Options {
	return Options{
		ThresholdDbfs:     -50,
		SegmentMergeGapMs: 500,
		MaxSegmentsPerMin: 6,
	}
}

// Penalty weights and saturation points.
const (
	sustainedWeight = 0.4
	timeWeight      = 0.3
	segmentWeight   = 0.3

	// dB above threshold at which the sustained penalty saturates
	sustainedSpanDb = 6.0
	// fraction of time over threshold at which the time penalty saturates
	timeSaturation = 0.3

	minMinutes = 1e-6
)

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Compute scores raw over a slice of the given wall-clock duration.
//
// The sampled duration is preferred over wall time when present so that a
// slice with sensor gaps is judged on the time actually observed.
func Compute(raw slice.RawStats, wallDurationMs float64, opts Options) (float64, slice.Breakdown) {
	effective := wallDurationMs
	if raw.SampledDurationMs > 0 {
		effective = raw.SampledDurationMs
	}
	minutes := math.Max(minMinutes, effective/60000)

	maxPerMin := opts.MaxSegmentsPerMin
	if maxPerMin <= 0 {
		maxPerMin = DefaultOptions().MaxSegmentsPerMin
	}

	sustainedLevel := audio.Clamp(raw.P50Dbfs, audio.MinDbfs, audio.MaxDbfs)
	sustained := clamp01((sustainedLevel - opts.ThresholdDbfs) / sustainedSpanDb)
	timeP := clamp01(raw.OverRatioDbfs / timeSaturation)
	segment := clamp01((float64(raw.SegmentCount) / minutes) / maxPerMin)

	penalty := sustainedWeight*sustained + timeWeight*timeP + segmentWeight*segment
	score := audio.Clamp(slice.Round(100*(1-penalty), 1), 0, 100)

	detail := slice.Breakdown{
		SustainedPenalty: sustained,
		TimePenalty:      timeP,
		SegmentPenalty:   segment,
		ThresholdsUsed: slice.Thresholds{
			ScoreThresholdDbfs: opts.ThresholdDbfs,
			SegmentMergeGapMs:  opts.SegmentMergeGapMs,
			MaxSegmentsPerMin:  maxPerMin,
		},
		SustainedLevelDbfs: sustainedLevel,
		OverRatioDbfs:      clamp01(raw.OverRatioDbfs),
		SegmentCount:       raw.SegmentCount,
		Minutes:            minutes,
		DurationMs:         math.Max(0, wallDurationMs),
	}
	if raw.SampledDurationMs > 0 {
		sampled := raw.SampledDurationMs
		detail.SampledDurationMs = &sampled
		coverage := 1.0
		if wallDurationMs > 0 {
			coverage = clamp01(sampled / wallDurationMs)
		}
		detail.CoverageRatio = &coverage
	}
	return score, detail
}

// Slice recomputes the score of a summary from its raw statistics.
func Slice(s slice.Summary, opts Options) (float64, slice.Breakdown) {
	return Compute(s.Raw, s.DurationMs(), opts)
}
