package config

// field describes one setting for diffing and patch validation.
type field struct {
	name string
	// restart is set for fields the capture pipeline only reads when a
	// session starts.
	restart bool
	isSet   func(*Settings) bool
	value   func(*Settings) any
}

var fieldTable = []field{
	{"max_level_db", false, func(s *Settings) bool { return s.MaxLevelDb != nil }, func(s *Settings) any { return s.GetMaxLevelDb() }},
	{"avg_window_sec", true, func(s *Settings) bool { return s.AvgWindowSec != nil }, func(s *Settings) any { return s.GetAvgWindowSec() }},
	{"show_realtime_db", false, func(s *Settings) bool { return s.ShowRealtimeDb != nil }, func(s *Settings) any { return s.GetShowRealtimeDb() }},
	{"alert_sound_enabled", false, func(s *Settings) bool { return s.AlertSoundEnabled != nil }, func(s *Settings) any { return s.GetAlertSoundEnabled() }},
	{"score_threshold_dbfs", false, func(s *Settings) bool { return s.ScoreThresholdDbfs != nil }, func(s *Settings) any { return s.GetScoreThresholdDbfs() }},
	{"segment_merge_gap_ms", false, func(s *Settings) bool { return s.SegmentMergeGapMs != nil }, func(s *Settings) any { return s.GetSegmentMergeGapMs() }},
	{"max_segments_per_min", false, func(s *Settings) bool { return s.MaxSegmentsPerMin != nil }, func(s *Settings) any { return s.GetMaxSegmentsPerMin() }},
	{"baseline_rms", false, func(s *Settings) bool { return s.BaselineRMS != nil }, func(s *Settings) any { return s.GetBaselineRMS() }},
	{"baseline_db", false, func(s *Settings) bool { return s.BaselineDb != nil }, func(s *Settings) any { return s.GetBaselineDb() }},
	{"frame_interval_ms", true, func(s *Settings) bool { return s.FrameIntervalMs != nil }, func(s *Settings) any { return s.GetFrameIntervalMs() }},
	{"slice_sec", true, func(s *Settings) bool { return s.SliceSec != nil }, func(s *Settings) any { return s.GetSliceSec() }},
	{"realtime_window_sec", true, func(s *Settings) bool { return s.RealtimeWindowSec != nil }, func(s *Settings) any { return s.GetRealtimeWindowSec() }},
	{"retention_days", false, func(s *Settings) bool { return s.RetentionDays != nil }, func(s *Settings) any { return s.GetRetentionDays() }},
}

// Diff lists the effective settings that differ between two documents,
// split by how they can be applied.
type Diff struct {
	// InPlace fields take effect on the running capture session.
	InPlace []string
	// Restart fields need the capture session to be stopped and started.
	Restart []string
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.InPlace) == 0 && len(d.Restart) == 0
}

// NeedsRestart reports whether any changed field requires a restart.
func (d Diff) NeedsRestart() bool {
	return len(d.Restart) > 0
}

// Compare diffs the effective (defaulted) values of old and next.
func Compare(old, next *Settings) Diff {
	var d Diff
	for _, f := range fieldTable {
		if f.value(old) == f.value(next) {
			continue
		}
		if f.restart {
			d.Restart = append(d.Restart, f.name)
		} else {
			d.InPlace = append(d.InPlace, f.name)
		}
	}
	return d
}
