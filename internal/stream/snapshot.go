package stream

import (
	"github.com/banshee-data/noise.report/internal/realtime"
	"github.com/banshee-data/noise.report/internal/slice"
)

// Status is the state of the capture session as seen by observers.
type Status string

const (
	// StatusInitializing covers acquisition and the warm-up frames.
	StatusInitializing Status = "initializing"
	StatusQuiet        Status = "quiet"
	StatusNoisy        Status = "noisy"

	// StatusPermissionDenied and StatusError are terminal for a session.
	StatusPermissionDenied Status = "permission-denied"
	StatusError            Status = "error"
)

// Terminal reports whether the status ends the session until a restart.
func (s Status) Terminal() bool {
	return s == StatusPermissionDenied || s == StatusError
}

// Snapshot is the live view delivered to subscribers.
type Snapshot struct {
	Status            Status           `json:"status"`
	RealtimeDisplayDb float64          `json:"realtimeDisplayDb"`
	RealtimeDbfs      float64          `json:"realtimeDbfs"`
	MaxLevelDb        float64          `json:"maxLevelDb"`
	ShowRealtimeDb    bool             `json:"showRealtimeDb"`
	AlertSoundEnabled bool             `json:"alertSoundEnabled"`
	RingBuffer        []realtime.Point `json:"ringBuffer"`
	LatestSlice       *slice.Summary   `json:"latestSlice"`
	Error             string           `json:"error,omitempty"`
}

// Listener receives snapshots. It is called from the capture goroutine and
// must not block; slow consumers should drop or coalesce.
type Listener func(Snapshot)
