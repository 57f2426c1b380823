// Package slice defines the summary produced for every closed slice of the
// frame stream, its persisted JSON form and its schema.
package slice

import (
	"time"
)

// RawStats are the full-scale statistics of a slice.
type RawStats struct {
	AvgDbfs           float64 `json:"avgDbfs" validate:"gte=-100,lte=0"`
	MaxDbfs           float64 `json:"maxDbfs" validate:"gte=-100,lte=0"`
	P50Dbfs           float64 `json:"p50Dbfs" validate:"gte=-100,lte=0"`
	P95Dbfs           float64 `json:"p95Dbfs" validate:"gte=-100,lte=0"`
	OverRatioDbfs     float64 `json:"overRatioDbfs" validate:"gte=0,lte=1"`
	SegmentCount      int     `json:"segmentCount" validate:"gte=0"`
	SampledDurationMs float64 `json:"sampledDurationMs" validate:"gte=0"`
	GapCount          int     `json:"gapCount" validate:"gte=0"`
	MaxGapMs          float64 `json:"maxGapMs" validate:"gte=0"`
}

// DisplayStats are the calibrated loudness statistics of a slice.
type DisplayStats struct {
	AvgDb float64 `json:"avgDb" validate:"gte=0,lte=200"`
	P95Db float64 `json:"p95Db" validate:"gte=0,lte=200"`
}

// Thresholds are the scoring options a score was computed with.
type Thresholds struct {
	ScoreThresholdDbfs float64 `json:"scoreThresholdDbfs"`
	SegmentMergeGapMs  float64 `json:"segmentMergeGapMs" validate:"gte=0"`
	MaxSegmentsPerMin  float64 `json:"maxSegmentsPerMin" validate:"gt=0"`
}

// Breakdown explains how a score was reached.
type Breakdown struct {
	SustainedPenalty   float64    `json:"sustainedPenalty" validate:"gte=0,lte=1"`
	TimePenalty        float64    `json:"timePenalty" validate:"gte=0,lte=1"`
	SegmentPenalty     float64    `json:"segmentPenalty" validate:"gte=0,lte=1"`
	ThresholdsUsed     Thresholds `json:"thresholdsUsed"`
	SustainedLevelDbfs float64    `json:"sustainedLevelDbfs"`
	OverRatioDbfs      float64    `json:"overRatioDbfs" validate:"gte=0,lte=1"`
	SegmentCount       int        `json:"segmentCount" validate:"gte=0"`
	Minutes            float64    `json:"minutes" validate:"gt=0"`
	DurationMs         float64    `json:"durationMs" validate:"gte=0"`
	SampledDurationMs  *float64   `json:"sampledDurationMs,omitempty" validate:"omitempty,gte=0"`
	CoverageRatio      *float64   `json:"coverageRatio,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// Summary is the immutable record of one closed slice.
type Summary struct {
	Start       time.Time
	End         time.Time
	Frames      int
	Raw         RawStats
	Display     DisplayStats
	Score       float64
	ScoreDetail Breakdown
}

// Duration returns the wall-clock length of the slice.
func (s Summary) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// DurationMs returns the wall-clock length of the slice in milliseconds.
func (s Summary) DurationMs() float64 {
	return float64(s.End.Sub(s.Start)) / float64(time.Millisecond)
}
