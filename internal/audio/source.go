package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned when the operating system refuses
	// access to the audio input.
	ErrPermissionDenied = errors.New("audio input permission denied")

	// ErrUnsupported is returned when no usable audio capability exists,
	// e.g. the capture tool or device is missing.
	ErrUnsupported = errors.New("no usable audio input")
)

// Source is a pollable audio input. ReadBlock copies the most recent
// time-domain samples, normalised to [-1, 1], into dst and returns how many
// were written. Implementations must be safe to poll from one goroutine while
// another fills them.
type Source interface {
	ReadBlock(dst []float64) int
	Close() error
}

// Factory acquires a Source. Acquisition may block (device permission,
// process start-up) and must honour ctx.
type Factory func(ctx context.Context) (Source, error)
