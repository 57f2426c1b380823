// Package sampler polls an audio source at a fixed cadence and turns each
// block of samples into a timestamped loudness frame.
package sampler

import (
	"sync"
	"time"

	"github.com/banshee-data/noise.report/internal/audio"
	"github.com/banshee-data/noise.report/internal/timeutil"
)

// MinInterval is the shortest supported poll interval.
const MinInterval = 10 * time.Millisecond

// DefaultBlockSize is the number of samples analysed per poll.
const DefaultBlockSize = 2048

// Frame is one poll of the audio source.
type Frame struct {
	T    time.Time `json:"t"`
	RMS  float64   `json:"rms"`
	Dbfs float64   `json:"dbfs"`
	Peak float64   `json:"peak"`
}

// Config configures a Sampler.
type Config struct {
	Interval  time.Duration
	BlockSize int
	Clock     timeutil.Clock
}

// Sampler polls a Source on a ticker and hands every frame to a callback.
type Sampler struct {
	src      audio.Source
	interval time.Duration
	clock    timeutil.Clock
	onFrame  func(Frame)

	block []float64

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// ClampInterval applies the minimum poll interval.
func ClampInterval(d time.Duration) time.Duration {
	if d < MinInterval {
		return MinInterval
	}
	return d
}

// New creates a Sampler reading from src.
func New(src audio.Source, cfg Config, onFrame func(Frame)) *Sampler {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Sampler{
		src:      src,
		interval: ClampInterval(cfg.Interval),
		clock:    cfg.Clock,
		onFrame:  onFrame,
		block:    make([]float64, cfg.BlockSize),
	}
}

// Interval returns the effective poll interval.
func (s *Sampler) Interval() time.Duration {
	return s.interval
}

// Start begins polling. Calling Start on a running Sampler does nothing.
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.done = make(chan struct{})
	ticker := s.clock.NewTicker(s.interval)
	go s.loop(ticker, s.done)
}

// Stop ends polling. It does not wait for an in-flight callback to return,
// so it is safe to call while holding locks the callback also takes.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.done)
}

// Running reports whether the Sampler is polling.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sampler) loop(ticker timeutil.Ticker, done <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C():
			// the clock is read rather than the tick value so mocked
			// and real clocks agree on frame timestamps
			s.Tick(s.clock.Now())
		}
	}
}

// Tick performs a single poll stamped with now and delivers the frame.
func (s *Sampler) Tick(now time.Time) Frame {
	n := s.src.ReadBlock(s.block)
	levels := audio.MeasureBlock(s.block[:n])
	frame := Frame{
		T:    now,
		RMS:  levels.RMS,
		Dbfs: levels.Dbfs,
		Peak: levels.Peak,
	}
	if s.onFrame != nil {
		s.onFrame(frame)
	}
	return frame
}
