// Package config holds the runtime tunables of the noise monitor: the
// settings document, its file loader, partial change events and the
// file watcher that turns edits into change events.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/banshee-data/noise.report/internal/audio"
	"github.com/banshee-data/noise.report/internal/score"
)

// Defaults applied by the Get* accessors when a field is unset.
const (
	DefaultMaxLevelDb         = 60.0
	DefaultAvgWindowSec       = 1.0
	DefaultScoreThresholdDbfs = -50.0
	DefaultSegmentMergeGapMs  = 500.0
	DefaultMaxSegmentsPerMin  = 6.0
	DefaultBaselineRMS        = 0.001
	DefaultBaselineDb         = 40.0
	DefaultShowRealtimeDb     = true
	DefaultAlertSoundEnabled  = false
	DefaultRetentionDays      = 14
	DefaultFrameIntervalMs    = 100
	DefaultSliceSec           = 30
	DefaultRealtimeWindowSec  = 60
)

// Settings is the tunable configuration. Every field is optional so the
// same type serves as the full document and as a partial patch; the Get*
// accessors supply defaults for unset fields.
type Settings struct {
	// Alerting and display
	MaxLevelDb        *float64 `json:"max_level_db,omitempty" yaml:"max_level_db,omitempty" validate:"omitempty,gte=20,lte=100"`
	AvgWindowSec      *float64 `json:"avg_window_sec,omitempty" yaml:"avg_window_sec,omitempty" validate:"omitempty,gt=0,lte=60"`
	ShowRealtimeDb    *bool    `json:"show_realtime_db,omitempty" yaml:"show_realtime_db,omitempty"`
	AlertSoundEnabled *bool    `json:"alert_sound_enabled,omitempty" yaml:"alert_sound_enabled,omitempty"`

	// Scoring
	ScoreThresholdDbfs *float64 `json:"score_threshold_dbfs,omitempty" yaml:"score_threshold_dbfs,omitempty" validate:"omitempty,gte=-100,lte=0"`
	SegmentMergeGapMs  *float64 `json:"segment_merge_gap_ms,omitempty" yaml:"segment_merge_gap_ms,omitempty" validate:"omitempty,gte=0,lte=60000"`
	MaxSegmentsPerMin  *float64 `json:"max_segments_per_min,omitempty" yaml:"max_segments_per_min,omitempty" validate:"omitempty,gt=0,lte=600"`

	// Calibration
	BaselineRMS *float64 `json:"baseline_rms,omitempty" yaml:"baseline_rms,omitempty" validate:"omitempty,gt=0,lte=1"`
	BaselineDb  *float64 `json:"baseline_db,omitempty" yaml:"baseline_db,omitempty" validate:"omitempty,gte=0,lte=140"`

	// Capture and history
	FrameIntervalMs   *int `json:"frame_interval_ms,omitempty" yaml:"frame_interval_ms,omitempty" validate:"omitempty,gte=10,lte=10000"`
	SliceSec          *int `json:"slice_sec,omitempty" yaml:"slice_sec,omitempty" validate:"omitempty,gte=1,lte=3600"`
	RealtimeWindowSec *int `json:"realtime_window_sec,omitempty" yaml:"realtime_window_sec,omitempty" validate:"omitempty,gte=1,lte=3600"`
	RetentionDays     *int `json:"retention_days,omitempty" yaml:"retention_days,omitempty" validate:"omitempty,gte=1,lte=3650"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultSettings returns a Settings with every field populated.
func DefaultSettings() *Settings {
	return &Settings{
		MaxLevelDb:         ptrFloat64(DefaultMaxLevelDb),
		AvgWindowSec:       ptrFloat64(DefaultAvgWindowSec),
		ShowRealtimeDb:     ptrBool(DefaultShowRealtimeDb),
		AlertSoundEnabled:  ptrBool(DefaultAlertSoundEnabled),
		ScoreThresholdDbfs: ptrFloat64(DefaultScoreThresholdDbfs),
		SegmentMergeGapMs:  ptrFloat64(DefaultSegmentMergeGapMs),
		MaxSegmentsPerMin:  ptrFloat64(DefaultMaxSegmentsPerMin),
		BaselineRMS:        ptrFloat64(DefaultBaselineRMS),
		BaselineDb:         ptrFloat64(DefaultBaselineDb),
		FrameIntervalMs:    ptrInt(DefaultFrameIntervalMs),
		SliceSec:           ptrInt(DefaultSliceSec),
		RealtimeWindowSec:  ptrInt(DefaultRealtimeWindowSec),
		RetentionDays:      ptrInt(DefaultRetentionDays),
	}
}

// Validate checks every set field against its allowed range.
func (s *Settings) Validate() error {
	if s == nil {
		return nil
	}
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// IsEmpty reports whether no field is set.
func (s *Settings) IsEmpty() bool {
	return s == nil || *s == Settings{}
}

// Clone returns a deep copy.
func (s *Settings) Clone() *Settings {
	if s == nil {
		return &Settings{}
	}
	out := &Settings{}
	out.Merge(s)
	return out
}

// Merge copies every field set in patch onto s. Pointers are never shared
// between the two values.
func (s *Settings) Merge(patch *Settings) {
	if patch == nil {
		return
	}
	mergeFloat(&s.MaxLevelDb, patch.MaxLevelDb)
	mergeFloat(&s.AvgWindowSec, patch.AvgWindowSec)
	mergeBool(&s.ShowRealtimeDb, patch.ShowRealtimeDb)
	mergeBool(&s.AlertSoundEnabled, patch.AlertSoundEnabled)
	mergeFloat(&s.ScoreThresholdDbfs, patch.ScoreThresholdDbfs)
	mergeFloat(&s.SegmentMergeGapMs, patch.SegmentMergeGapMs)
	mergeFloat(&s.MaxSegmentsPerMin, patch.MaxSegmentsPerMin)
	mergeFloat(&s.BaselineRMS, patch.BaselineRMS)
	mergeFloat(&s.BaselineDb, patch.BaselineDb)
	mergeInt(&s.FrameIntervalMs, patch.FrameIntervalMs)
	mergeInt(&s.SliceSec, patch.SliceSec)
	mergeInt(&s.RealtimeWindowSec, patch.RealtimeWindowSec)
	mergeInt(&s.RetentionDays, patch.RetentionDays)
}

func mergeFloat(dst **float64, src *float64) {
	if src != nil {
		*dst = ptrFloat64(*src)
	}
}

func mergeBool(dst **bool, src *bool) {
	if src != nil {
		*dst = ptrBool(*src)
	}
}

func mergeInt(dst **int, src *int) {
	if src != nil {
		*dst = ptrInt(*src)
	}
}

// Getter methods with defaults

func (s *Settings) GetMaxLevelDb() float64 {
	if s == nil || s.MaxLevelDb == nil {
		return DefaultMaxLevelDb
	}
	return *s.MaxLevelDb
}

func (s *Settings) GetAvgWindowSec() float64 {
	if s == nil || s.AvgWindowSec == nil {
		return DefaultAvgWindowSec
	}
	return *s.AvgWindowSec
}

func (s *Settings) GetShowRealtimeDb() bool {
	if s == nil || s.ShowRealtimeDb == nil {
		return DefaultShowRealtimeDb
	}
	return *s.ShowRealtimeDb
}

func (s *Settings) GetAlertSoundEnabled() bool {
	if s == nil || s.AlertSoundEnabled == nil {
		return DefaultAlertSoundEnabled
	}
	return *s.AlertSoundEnabled
}

func (s *Settings) GetScoreThresholdDbfs() float64 {
	if s == nil || s.ScoreThresholdDbfs == nil {
		return DefaultScoreThresholdDbfs
	}
	return *s.ScoreThresholdDbfs
}

func (s *Settings) GetSegmentMergeGapMs() float64 {
	if s == nil || s.SegmentMergeGapMs == nil {
		return DefaultSegmentMergeGapMs
	}
	return *s.SegmentMergeGapMs
}

func (s *Settings) GetMaxSegmentsPerMin() float64 {
	if s == nil || s.MaxSegmentsPerMin == nil {
		return DefaultMaxSegmentsPerMin
	}
	return *s.MaxSegmentsPerMin
}

func (s *Settings) GetBaselineRMS() float64 {
	if s == nil || s.BaselineRMS == nil {
		return DefaultBaselineRMS
	}
	return *s.BaselineRMS
}

func (s *Settings) GetBaselineDb() float64 {
	if s == nil || s.BaselineDb == nil {
		return DefaultBaselineDb
	}
	return *s.BaselineDb
}

func (s *Settings) GetFrameIntervalMs() int {
	if s == nil || s.FrameIntervalMs == nil {
		return DefaultFrameIntervalMs
	}
	return *s.FrameIntervalMs
}

func (s *Settings) GetSliceSec() int {
	if s == nil || s.SliceSec == nil {
		return DefaultSliceSec
	}
	return *s.SliceSec
}

func (s *Settings) GetRealtimeWindowSec() int {
	if s == nil || s.RealtimeWindowSec == nil {
		return DefaultRealtimeWindowSec
	}
	return *s.RealtimeWindowSec
}

func (s *Settings) GetRetentionDays() int {
	if s == nil || s.RetentionDays == nil {
		return DefaultRetentionDays
	}
	return *s.RetentionDays
}

// Derived values used by the pipeline.

// FrameInterval returns the sampler poll interval.
func (s *Settings) FrameInterval() time.Duration {
	return time.Duration(s.GetFrameIntervalMs()) * time.Millisecond
}

// SliceDuration returns the aggregation slice length.
func (s *Settings) SliceDuration() time.Duration {
	return time.Duration(s.GetSliceSec()) * time.Second
}

// RealtimeWindow returns the ring buffer retention.
func (s *Settings) RealtimeWindow() time.Duration {
	return time.Duration(s.GetRealtimeWindowSec()) * time.Second
}

// AvgWindow returns the realtime averaging window.
func (s *Settings) AvgWindow() time.Duration {
	return time.Duration(s.GetAvgWindowSec() * float64(time.Second))
}

// Retention returns how long history is kept.
func (s *Settings) Retention() time.Duration {
	return time.Duration(s.GetRetentionDays()) * 24 * time.Hour
}

// ScoreOptions returns the scoring thresholds.
func (s *Settings) ScoreOptions() score.Options {
	return score.Options{
		ThresholdDbfs:     s.GetScoreThresholdDbfs(),
		SegmentMergeGapMs: s.GetSegmentMergeGapMs(),
		MaxSegmentsPerMin: s.GetMaxSegmentsPerMin(),
	}
}

// DisplayMapping returns the dBFS to display dB calibration.
func (s *Settings) DisplayMapping() audio.DisplayMapping {
	return audio.DisplayMapping{
		BaselineRMS: s.GetBaselineRMS(),
		BaselineDb:  s.GetBaselineDb(),
	}
}
