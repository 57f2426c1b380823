// Package observe provides the OpenTelemetry metric instruments for the
// noise pipeline and the Prometheus bridge used to scrape them.
//
// Tests should build a [Metrics] with [NewMetrics] over their own
// [metric.MeterProvider]. A nil *Metrics is valid and records nothing.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/banshee-data/noise.report"

// Trim reasons reported by the history store.
const (
	TrimRetention = "retention"
	TrimQuota     = "quota"
	TrimRetry     = "retry"
)

// Metrics holds all metric instruments. The OTel types handle their own
// synchronisation.
type Metrics struct {
	// Frames counts sampled frames. Use with attribute "valid".
	Frames metric.Int64Counter

	// Slices counts closed slices handed to the store.
	Slices metric.Int64Counter

	// SliceScore records the score of every closed slice.
	SliceScore metric.Float64Histogram

	// HistoryTrimmed counts slices dropped from history. Use with
	// attribute "reason".
	HistoryTrimmed metric.Int64Counter

	// HistoryDegraded counts writes where the whole history was discarded.
	HistoryDegraded metric.Int64Counter

	// Subscribers tracks live stream subscribers.
	Subscribers metric.Int64UpDownCounter

	// CaptureSessions counts capture session starts.
	CaptureSessions metric.Int64Counter

	// AcquireFailures counts failed source acquisitions. Use with
	// attribute "status".
	AcquireFailures metric.Int64Counter
}

var scoreBuckets = []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 95, 100}

// NewMetrics creates every instrument from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Frames, err = m.Int64Counter("noise.frames",
		metric.WithDescription("Sampled frames by validity."),
	); err != nil {
		return nil, err
	}
	if met.Slices, err = m.Int64Counter("noise.slices",
		metric.WithDescription("Closed slices."),
	); err != nil {
		return nil, err
	}
	if met.SliceScore, err = m.Float64Histogram("noise.slice.score",
		metric.WithDescription("Score of closed slices."),
		metric.WithExplicitBucketBoundaries(scoreBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HistoryTrimmed, err = m.Int64Counter("noise.history.trimmed",
		metric.WithDescription("Slices dropped from history by reason."),
	); err != nil {
		return nil, err
	}
	if met.HistoryDegraded, err = m.Int64Counter("noise.history.degraded",
		metric.WithDescription("Writes that reset history to empty."),
	); err != nil {
		return nil, err
	}
	if met.Subscribers, err = m.Int64UpDownCounter("noise.subscribers",
		metric.WithDescription("Live stream subscribers."),
	); err != nil {
		return nil, err
	}
	if met.CaptureSessions, err = m.Int64Counter("noise.capture.sessions",
		metric.WithDescription("Capture sessions started."),
	); err != nil {
		return nil, err
	}
	if met.AcquireFailures, err = m.Int64Counter("noise.capture.acquire_failures",
		metric.WithDescription("Failed audio source acquisitions by status."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// RecordFrame counts one frame.
func (m *Metrics) RecordFrame(ctx context.Context, valid bool) {
	if m == nil {
		return
	}
	m.Frames.Add(ctx, 1, metric.WithAttributes(attribute.Bool("valid", valid)))
}

// RecordSlice counts a closed slice and records its score.
func (m *Metrics) RecordSlice(ctx context.Context, score float64) {
	if m == nil {
		return
	}
	m.Slices.Add(ctx, 1)
	m.SliceScore.Record(ctx, score)
}

// RecordTrim counts n slices dropped for reason.
func (m *Metrics) RecordTrim(ctx context.Context, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.HistoryTrimmed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDegradedWrite counts a write that discarded the whole history.
func (m *Metrics) RecordDegradedWrite(ctx context.Context) {
	if m == nil {
		return
	}
	m.HistoryDegraded.Add(ctx, 1)
}

// AddSubscribers adjusts the live subscriber gauge.
func (m *Metrics) AddSubscribers(ctx context.Context, delta int) {
	if m == nil {
		return
	}
	m.Subscribers.Add(ctx, int64(delta))
}

// RecordSession counts a capture session start.
func (m *Metrics) RecordSession(ctx context.Context) {
	if m == nil {
		return
	}
	m.CaptureSessions.Add(ctx, 1)
}

// RecordAcquireFailure counts a failed acquisition ending in status.
func (m *Metrics) RecordAcquireFailure(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.AcquireFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
