// Package aggregate folds the frame stream into fixed-duration slices and
// scores each slice as it closes.
package aggregate

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/noise.report/internal/audio"
	"github.com/banshee-data/noise.report/internal/sampler"
	"github.com/banshee-data/noise.report/internal/score"
	"github.com/banshee-data/noise.report/internal/slice"
)

// MinSliceDuration is the shortest accepted slice length.
const MinSliceDuration = time.Second

// MinGapThreshold is the smallest inter-frame pause treated as a gap.
const MinGapThreshold = time.Second

// Config holds the aggregator settings.
type Config struct {
	SliceDuration time.Duration
	FrameInterval time.Duration
	Score         score.Options
	Display       audio.DisplayMapping
}

// DefaultConfig returns 30 second slices of 100 ms frames.
func DefaultConfig() Config {
	return Config{
		SliceDuration: 30 * time.Second,
		FrameInterval: 100 * time.Millisecond,
		Score:         score.DefaultOptions(),
		Display:       audio.DefaultDisplayMapping(),
	}
}

// accumulator is the state of the open slice.
type accumulator struct {
	start time.Time

	dbfs       []float64
	display    []float64
	sumDisplay float64
	maxDbfs    float64

	sampled time.Duration
	above   time.Duration

	segments  int
	prevAbove bool
	lastAbove time.Time
	hasAbove  bool
	lastValid time.Time
	hasValid  bool
	gapCount  int
	maxGap    time.Duration
}

// Aggregator is the slice state machine. It is Idle until a frame opens a
// slice, accumulates until the slice duration elapses or a gap is seen,
// then emits a scored summary and returns to Idle. It is not safe for
// concurrent use.
type Aggregator struct {
	cfg Config

	acc     *accumulator
	prevT   time.Time
	hasPrev bool
}

// New creates an idle Aggregator.
func New(cfg Config) *Aggregator {
	a := &Aggregator{}
	a.SetSliceDuration(cfg.SliceDuration)
	a.SetFrameInterval(cfg.FrameInterval)
	a.SetScoreOptions(cfg.Score)
	a.SetDisplayMapping(cfg.Display)
	return a
}

// Config returns the current settings.
func (a *Aggregator) Config() Config {
	return a.cfg
}

// SetSliceDuration changes the slice length. An open slice keeps its data
// and closes against the new length.
func (a *Aggregator) SetSliceDuration(d time.Duration) {
	if d < MinSliceDuration {
		d = MinSliceDuration
	}
	a.cfg.SliceDuration = d
}

// SetFrameInterval changes the expected frame spacing used for durations
// and the gap threshold.
func (a *Aggregator) SetFrameInterval(d time.Duration) {
	a.cfg.FrameInterval = sampler.ClampInterval(d)
}

// SetScoreOptions changes the threshold, merge gap and segment cap.
func (a *Aggregator) SetScoreOptions(opts score.Options) {
	if opts.MaxSegmentsPerMin <= 0 {
		opts.MaxSegmentsPerMin = score.DefaultOptions().MaxSegmentsPerMin
	}
	if opts.SegmentMergeGapMs < 0 {
		opts.SegmentMergeGapMs = 0
	}
	a.cfg.Score = opts
}

// SetDisplayMapping changes the calibration applied to new frames.
func (a *Aggregator) SetDisplayMapping(m audio.DisplayMapping) {
	if m.BaselineRMS <= 0 {
		m = audio.DefaultDisplayMapping()
	}
	a.cfg.Display = m
}

// GapThreshold returns the pause between frames that splits a slice:
// five frame intervals, but never less than one second.
func (a *Aggregator) GapThreshold() time.Duration {
	return max(MinGapThreshold, 5*a.cfg.FrameInterval)
}

// Open reports whether a slice is accumulating.
func (a *Aggregator) Open() bool {
	return a.acc != nil
}

// Add feeds one frame. It returns a summary when the frame closed a slice.
func (a *Aggregator) Add(f sampler.Frame) (slice.Summary, bool) {
	var (
		out    slice.Summary
		closed bool
	)

	if a.acc != nil && a.hasPrev {
		if gap := f.T.Sub(a.prevT); gap > a.GapThreshold() {
			a.acc.gapCount++
			a.acc.maxGap = max(a.acc.maxGap, gap)
			out, closed = a.close(a.prevT)
		}
	}

	if a.acc == nil {
		a.acc = &accumulator{start: f.T}
	}
	a.prevT = f.T
	a.hasPrev = true

	if audio.IsValidDbfs(f.Dbfs) {
		a.accumulate(f)
	}

	if !closed && f.T.Sub(a.acc.start) >= a.cfg.SliceDuration {
		out, closed = a.close(f.T)
	}
	return out, closed
}

func (a *Aggregator) accumulate(f sampler.Frame) {
	acc := a.acc
	dbfs := audio.Clamp(f.Dbfs, audio.MinDbfs, audio.MaxDbfs)
	display := a.cfg.Display.DisplayDb(dbfs)

	if len(acc.dbfs) == 0 || dbfs > acc.maxDbfs {
		acc.maxDbfs = dbfs
	}
	acc.dbfs = append(acc.dbfs, dbfs)
	acc.display = append(acc.display, display)
	acc.sumDisplay += display

	if acc.hasValid {
		if dt := f.T.Sub(acc.lastValid); dt >= 0 && dt <= a.GapThreshold() {
			acc.sampled += dt
		}
	} else {
		acc.sampled += a.cfg.FrameInterval
	}
	acc.lastValid = f.T
	acc.hasValid = true

	above := dbfs > a.cfg.Score.ThresholdDbfs
	if above {
		if !acc.prevAbove {
			mergeGap := time.Duration(a.cfg.Score.SegmentMergeGapMs * float64(time.Millisecond))
			if !acc.hasAbove || f.T.Sub(acc.lastAbove) > mergeGap {
				acc.segments++
			}
		}
		acc.above += a.cfg.FrameInterval
		acc.lastAbove = f.T
		acc.hasAbove = true
	}
	acc.prevAbove = above
}

// Flush closes the open slice at the last frame seen. It returns false when
// no slice is open or the slice holds no valid frames.
func (a *Aggregator) Flush() (slice.Summary, bool) {
	if a.acc == nil {
		return slice.Summary{}, false
	}
	return a.close(a.prevT)
}

// Reset discards the open slice and the gap history.
func (a *Aggregator) Reset() {
	a.acc = nil
	a.hasPrev = false
	a.prevT = time.Time{}
}

func (a *Aggregator) close(end time.Time) (slice.Summary, bool) {
	acc := a.acc
	a.acc = nil
	if acc == nil || len(acc.dbfs) == 0 {
		return slice.Summary{}, false
	}
	if !end.After(acc.start) {
		end = acc.start.Add(time.Millisecond)
	}

	overRatio := 0.0
	if acc.sampled > 0 {
		overRatio = math.Min(1, float64(acc.above)/float64(acc.sampled))
	}

	raw := slice.RawStats{
		AvgDbfs:           EnergyMeanDbfs(acc.dbfs),
		MaxDbfs:           acc.maxDbfs,
		P50Dbfs:           LinearQuantileDbfs(acc.dbfs, 0.5),
		P95Dbfs:           LinearQuantileDbfs(acc.dbfs, 0.95),
		OverRatioDbfs:     overRatio,
		SegmentCount:      acc.segments,
		SampledDurationMs: durationMs(acc.sampled),
		GapCount:          acc.gapCount,
		MaxGapMs:          durationMs(acc.maxGap),
	}
	display := slice.DisplayStats{
		AvgDb: acc.sumDisplay / float64(len(acc.display)),
		P95Db: Quantile(acc.display, 0.95),
	}

	s := slice.Summary{
		Start:   acc.start,
		End:     end,
		Frames:  len(acc.dbfs),
		Raw:     raw,
		Display: display,
	}
	s.Score, s.ScoreDetail = score.Compute(raw, s.DurationMs(), a.cfg.Score)
	return s, true
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// EnergyMeanDbfs averages dBFS readings as power: each value is converted
// to 10^(db/10), the powers are averaged and the mean is converted back.
func EnergyMeanDbfs(dbfs []float64) float64 {
	if len(dbfs) == 0 {
		return audio.MinDbfs
	}
	power := make([]float64, len(dbfs))
	for i, db := range dbfs {
		power[i] = math.Pow(10, db/10)
	}
	mean := stat.Mean(power, nil)
	return audio.Clamp(10*math.Log10(math.Max(mean, 1e-20)), audio.MinDbfs, audio.MaxDbfs)
}

// LinearQuantileDbfs computes the p quantile of dBFS readings in the linear
// RMS domain and converts the result back to dBFS.
func LinearQuantileDbfs(dbfs []float64, p float64) float64 {
	if len(dbfs) == 0 {
		return audio.MinDbfs
	}
	rms := make([]float64, len(dbfs))
	for i, db := range dbfs {
		rms[i] = math.Pow(10, db/20)
	}
	return audio.DbfsFromRMS(Quantile(rms, p))
}

// Quantile returns the p quantile of values, interpolating linearly between
// the two closest ranks at position p*(n-1). The input is not modified.
func Quantile(values []float64, p float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	pos := audio.Clamp(p, 0, 1) * float64(n-1)
	lo := int(pos)
	hi := min(lo+1, n-1)
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}
