package audio

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/noise.report/internal/timeutil"
)

// SyntheticOptions shapes the generated classroom noise used in dev mode.
type SyntheticOptions struct {
	// QuietAmplitude is the RMS of the background hum.
	QuietAmplitude float64
	// BurstAmplitude is the RMS during a burst.
	BurstAmplitude float64
	// Period is the time between burst starts; Burst is how long each lasts.
	Period time.Duration
	Burst  time.Duration
	Seed   uint64
}

// DefaultSyntheticOptions produces a quiet room (about -50 dBFS) with a two
// second burst (about -26 dBFS) every fifteen seconds.
func DefaultSyntheticOptions() SyntheticOptions {
	return SyntheticOptions{
		QuietAmplitude: 0.003,
		BurstAmplitude: 0.05,
		Period:         15 * time.Second,
		Burst:          2 * time.Second,
		Seed:           1,
	}
}

// SyntheticSource generates uniform white noise whose level follows a burst
// schedule keyed on the clock.
type SyntheticSource struct {
	opts  SyntheticOptions
	clock timeutil.Clock
	start time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// SyntheticFactory returns a Factory producing synthetic sources.
func SyntheticFactory(opts SyntheticOptions, clock timeutil.Clock) Factory {
	return func(ctx context.Context) (Source, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return NewSyntheticSource(opts, clock), nil
	}
}

// NewSyntheticSource creates a generator anchored at the clock's current time.
func NewSyntheticSource(opts SyntheticOptions, clock timeutil.Clock) *SyntheticSource {
	if opts.Period <= 0 {
		opts.Period = DefaultSyntheticOptions().Period
	}
	return &SyntheticSource{
		opts:  opts,
		clock: clock,
		start: clock.Now(),
		rng:   rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
}

// ReadBlock fills dst with noise at the level scheduled for now.
func (s *SyntheticSource) ReadBlock(dst []float64) int {
	amplitude := s.opts.QuietAmplitude
	if elapsed := s.clock.Since(s.start) % s.opts.Period; elapsed < s.opts.Burst {
		amplitude = s.opts.BurstAmplitude
	}
	// uniform noise on [-a, a] has RMS a/sqrt(3)
	peak := amplitude * math.Sqrt(3)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range dst {
		dst[i] = (s.rng.Float64()*2 - 1) * peak
	}
	return len(dst)
}

// Close is a no-op.
func (s *SyntheticSource) Close() error { return nil }
