package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
)

// Event names a settings change. Each event carries a partial Settings
// limited to the fields it owns.
type Event string

const (
	EventMaxLevel          Event = "max-level"
	EventAvgWindow         Event = "avg-window"
	EventScoreThreshold    Event = "score-threshold"
	EventSegmentMergeGap   Event = "segment-merge-gap"
	EventMaxSegmentsPerMin Event = "max-segments-per-min"
	EventBaseline          Event = "baseline"
	EventFrameInterval     Event = "frame-interval"
	EventSliceDuration     Event = "slice-duration"
	EventDisplayFlags      Event = "display-flags"
	EventRetention         Event = "retention"
	EventRealtimeWindow    Event = "realtime-window"
	// EventFileReload carries a complete document read from the settings
	// file and may set any field.
	EventFileReload Event = "file-reload"
)

var (
	// ErrUnknownEvent is returned for an event name outside the list above.
	ErrUnknownEvent = errors.New("unknown settings event")
	// ErrEmptyPatch is returned when a change sets no field.
	ErrEmptyPatch = errors.New("settings change sets no field")
	// ErrFieldNotAllowed is returned when a patch sets a field its event
	// does not own.
	ErrFieldNotAllowed = errors.New("field not allowed for settings event")
)

// eventFields lists the JSON field names each event may set.
var eventFields = map[Event][]string{
	EventMaxLevel:          {"max_level_db"},
	EventAvgWindow:         {"avg_window_sec"},
	EventScoreThreshold:    {"score_threshold_dbfs"},
	EventSegmentMergeGap:   {"segment_merge_gap_ms"},
	EventMaxSegmentsPerMin: {"max_segments_per_min"},
	EventBaseline:          {"baseline_rms", "baseline_db"},
	EventFrameInterval:     {"frame_interval_ms"},
	EventSliceDuration:     {"slice_sec"},
	EventDisplayFlags:      {"show_realtime_db", "alert_sound_enabled"},
	EventRetention:         {"retention_days"},
	EventRealtimeWindow:    {"realtime_window_sec"},
	EventFileReload:        nil,
}

// Events returns every known event name, sorted.
func Events() []Event {
	out := make([]Event, 0, len(eventFields))
	for e := range eventFields {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseEvent validates an event name.
func ParseEvent(name string) (Event, error) {
	e := Event(name)
	if _, ok := eventFields[e]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	return e, nil
}

// Fields returns the JSON field names the event may set. File reloads may
// set every field and return nil.
func (e Event) Fields() []string {
	return slices.Clone(eventFields[e])
}

// Change is one settings change notification.
type Change struct {
	Event Event    `json:"event"`
	Patch Settings `json:"patch"`
}

// Validate checks that the patch is non-empty, owned by its event and
// within range.
func (c Change) Validate() error {
	allowed, ok := eventFields[c.Event]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, c.Event)
	}
	if c.Patch.IsEmpty() {
		return fmt.Errorf("%s: %w", c.Event, ErrEmptyPatch)
	}
	if c.Event != EventFileReload {
		for _, name := range c.Patch.setFields() {
			if !slices.Contains(allowed, name) {
				return fmt.Errorf("%s: %w: %s", c.Event, ErrFieldNotAllowed, name)
			}
		}
	}
	return c.Patch.Validate()
}

// ParseChange decodes a JSON patch body for the named event.
func ParseChange(event string, body []byte) (Change, error) {
	e, err := ParseEvent(event)
	if err != nil {
		return Change{}, err
	}

	var patch Settings
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		return Change{}, fmt.Errorf("failed to parse %s patch: %w", e, err)
	}

	c := Change{Event: e, Patch: patch}
	if err := c.Validate(); err != nil {
		return Change{}, err
	}
	return c, nil
}

// setFields returns the JSON names of the fields set in s.
func (s *Settings) setFields() []string {
	var out []string
	for _, f := range fieldTable {
		if f.isSet(s) {
			out = append(out, f.name)
		}
	}
	return out
}
