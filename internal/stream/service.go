// Package stream runs the capture session: it owns the audio source, the
// sampler, the realtime buffer and the slice aggregator, persists closed
// slices and fans live snapshots out to subscribers.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/noise.report/internal/aggregate"
	"github.com/banshee-data/noise.report/internal/audio"
	"github.com/banshee-data/noise.report/internal/config"
	"github.com/banshee-data/noise.report/internal/history"
	"github.com/banshee-data/noise.report/internal/monitoring"
	"github.com/banshee-data/noise.report/internal/observe"
	"github.com/banshee-data/noise.report/internal/realtime"
	"github.com/banshee-data/noise.report/internal/sampler"
	"github.com/banshee-data/noise.report/internal/slice"
	"github.com/banshee-data/noise.report/internal/timeutil"
)

var logf = monitoring.Component("stream")

const (
	// WarmupFrames are discarded at the start of every session while the
	// input settles.
	WarmupFrames = 10

	// DefaultStopDelay is how long capture keeps running after the last
	// subscriber leaves, so quick reconnects reuse the session.
	DefaultStopDelay = 400 * time.Millisecond
)

// Options configures a Service.
type Options struct {
	Factory   audio.Factory
	Store     *history.Store
	Clock     timeutil.Clock
	Metrics   *observe.Metrics
	Settings  *config.Settings
	BlockSize int
	StopDelay time.Duration
}

// Service is the stream orchestrator. One capture session runs at a time,
// reference counted by subscribers.
type Service struct {
	factory   audio.Factory
	store     *history.Store
	clock     timeutil.Clock
	metrics   *observe.Metrics
	blockSize int
	stopDelay time.Duration

	mu        sync.Mutex
	settings  *config.Settings
	listeners map[uint64]Listener
	nextID    uint64
	closed    bool

	// pending delayed stop; stopSeq invalidates timers that lost a race
	// with a new subscriber
	stopTimer timeutil.Timer
	stopSeq   uint64

	// session state; generation discards stale acquisitions and ticks
	generation uint64
	running    bool
	cancel     context.CancelFunc
	source     audio.Source
	sampler    *sampler.Sampler
	agg        *aggregate.Aggregator
	ring       *realtime.Buffer
	frames     int

	status      Status
	errMsg      string
	displayDb   float64
	dbfs        float64
	latestSlice *slice.Summary
}

// New creates a Service. Capture does not start until the first Subscribe.
func New(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Settings == nil {
		opts.Settings = config.DefaultSettings()
	}
	if opts.Store == nil {
		opts.Store = history.New(history.NewMemoryBackend(0))
	}
	if opts.StopDelay <= 0 {
		opts.StopDelay = DefaultStopDelay
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = sampler.DefaultBlockSize
	}

	settings := opts.Settings.Clone()
	s := &Service{
		factory:   opts.Factory,
		store:     opts.Store,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		blockSize: opts.BlockSize,
		stopDelay: opts.StopDelay,
		settings:  settings,
		listeners: make(map[uint64]Listener),
		status:    StatusInitializing,
		dbfs:      audio.MinDbfs,
		displayDb: audio.MinDisplayDb,
	}
	s.store.SetRetention(settings.Retention())
	s.ring = newRing(settings)
	if latest, ok := s.store.Latest(context.Background()); ok {
		s.latestSlice = &latest
	}
	return s
}

func newRing(settings *config.Settings) *realtime.Buffer {
	window := settings.RealtimeWindow()
	interval := sampler.ClampInterval(settings.FrameInterval())
	return realtime.NewBuffer(realtime.CapacityFor(window, interval), window)
}

func aggregateConfig(settings *config.Settings) aggregate.Config {
	return aggregate.Config{
		SliceDuration: settings.SliceDuration(),
		FrameInterval: settings.FrameInterval(),
		Score:         settings.ScoreOptions(),
		Display:       settings.DisplayMapping(),
	}
}

// Subscribe registers l and starts capture if it is not running. l is
// called once with the current snapshot before Subscribe returns. The
// returned function unsubscribes and is safe to call more than once.
func (s *Service) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}

	s.nextID++
	id := s.nextID
	s.listeners[id] = l
	s.cancelStopLocked()
	if !s.running {
		s.startLocked()
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.metrics.AddSubscribers(context.Background(), 1)
	l(snap)

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(id) })
	}
}

func (s *Service) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listeners[id]; !ok {
		return
	}
	delete(s.listeners, id)
	s.metrics.AddSubscribers(context.Background(), -1)

	if len(s.listeners) == 0 && s.running && !s.closed {
		s.cancelStopLocked()
		seq := s.stopSeq
		s.stopTimer = s.clock.AfterFunc(s.stopDelay, func() { s.delayedStop(seq) })
	}
}

func (s *Service) cancelStopLocked() {
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
	s.stopSeq++
}

func (s *Service) delayedStop(seq uint64) {
	s.mu.Lock()
	if seq != s.stopSeq || len(s.listeners) > 0 || !s.running {
		s.mu.Unlock()
		return
	}
	s.stopTimer = nil
	src := s.stopLocked()
	s.mu.Unlock()

	logf("capture stopped, no subscribers")
	closeSource(src)
}

// Subscribers returns the number of registered listeners.
func (s *Service) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Running reports whether a capture session is active. A session that
// failed to acquire its source still counts until it is stopped.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// startLocked begins a new session. Acquisition runs in its own goroutine.
func (s *Service) startLocked() {
	s.generation++
	gen := s.generation
	s.running = true
	s.frames = 0
	s.status = StatusInitializing
	s.errMsg = ""
	s.ring = newRing(s.settings)
	s.agg = aggregate.New(aggregateConfig(s.settings))

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.factory == nil {
		s.failLocked(errors.New("no audio source configured"))
		return
	}
	go s.acquire(ctx, gen, s.factory)
}

func (s *Service) acquire(ctx context.Context, gen uint64, factory audio.Factory) {
	src, err := factory(ctx)

	s.mu.Lock()
	if gen != s.generation || !s.running {
		s.mu.Unlock()
		closeSource(src)
		return
	}
	if err != nil {
		s.failLocked(err)
		snap, listeners := s.snapshotLocked(), s.listenersLocked()
		s.mu.Unlock()
		notify(listeners, snap)
		return
	}

	s.source = src
	s.sampler = sampler.New(src, sampler.Config{
		Interval:  s.settings.FrameInterval(),
		BlockSize: s.blockSize,
		Clock:     s.clock,
	}, func(f sampler.Frame) { s.handleFrame(gen, f) })
	s.sampler.Start()
	s.mu.Unlock()

	s.metrics.RecordSession(context.Background())
	logf("capture started (interval %s)", s.settings.FrameInterval())
}

// failLocked marks the session terminal. The session stays registered so
// subscribers see the status until Restart or the last one leaves.
func (s *Service) failLocked(err error) {
	s.status = StatusError
	if errors.Is(err, audio.ErrPermissionDenied) {
		s.status = StatusPermissionDenied
	}
	s.errMsg = err.Error()
	s.metrics.RecordAcquireFailure(context.Background(), string(s.status))
	logf("audio acquisition failed: %v", err)
}

// stopLocked ends the session, flushing the open slice to the store. The
// returned source must be closed by the caller once the lock is released.
func (s *Service) stopLocked() audio.Source {
	if !s.running {
		return nil
	}
	s.generation++
	s.running = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.sampler != nil {
		s.sampler.Stop()
		s.sampler = nil
	}
	if s.agg != nil {
		if sum, ok := s.agg.Flush(); ok {
			s.persistLocked(sum)
		}
		s.agg = nil
	}
	src := s.source
	s.source = nil
	return src
}

func closeSource(src audio.Source) {
	if src == nil {
		return
	}
	if err := src.Close(); err != nil {
		logf("closing audio source: %v", err)
	}
}

// handleFrame runs one frame through the pipeline. Everything up to and
// including persistence happens under the lock; listeners are notified
// after it is released.
func (s *Service) handleFrame(gen uint64, f sampler.Frame) {
	s.mu.Lock()
	if gen != s.generation || !s.running {
		s.mu.Unlock()
		return
	}
	s.frames++
	if s.frames <= WarmupFrames {
		s.mu.Unlock()
		return
	}

	ctx := context.Background()
	s.metrics.RecordFrame(ctx, audio.IsValidDbfs(f.Dbfs))

	mapping := s.settings.DisplayMapping()
	s.ring.Push(realtime.Point{T: f.T, Dbfs: f.Dbfs, DisplayDb: mapping.DisplayDb(f.Dbfs)})
	if sum, ok := s.agg.Add(f); ok {
		s.persistLocked(sum)
	}

	s.dbfs = f.Dbfs
	s.displayDb = s.averageDisplayLocked(f.T)
	if s.displayDb > s.settings.GetMaxLevelDb() {
		s.status = StatusNoisy
	} else {
		s.status = StatusQuiet
	}

	snap, listeners := s.snapshotLocked(), s.listenersLocked()
	s.mu.Unlock()
	notify(listeners, snap)
}

// averageDisplayLocked is the mean display level of the ring points inside
// the averaging window ending at now.
func (s *Service) averageDisplayLocked(now time.Time) float64 {
	points := s.ring.Since(now.Add(-s.settings.AvgWindow()))
	if len(points) == 0 {
		return s.displayDb
	}
	var sum float64
	for _, p := range points {
		sum += p.DisplayDb
	}
	return sum / float64(len(points))
}

func (s *Service) persistLocked(sum slice.Summary) {
	ctx := context.Background()
	res := s.store.Append(ctx, sum)
	if res.Degraded {
		logf("history write degraded, stored list reset")
	}
	normalized := slice.Normalize(sum)
	s.latestSlice = &normalized
	s.metrics.RecordSlice(ctx, normalized.Score)
}

func (s *Service) listenersLocked() []Listener {
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

func notify(listeners []Listener, snap Snapshot) {
	for _, l := range listeners {
		l(snap)
	}
}

// Snapshot returns the current live view.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:            s.status,
		RealtimeDisplayDb: slice.Round(s.displayDb, 2),
		RealtimeDbfs:      slice.Round(s.dbfs, 3),
		MaxLevelDb:        s.settings.GetMaxLevelDb(),
		ShowRealtimeDb:    s.settings.GetShowRealtimeDb(),
		AlertSoundEnabled: s.settings.GetAlertSoundEnabled(),
		RingBuffer:        s.ring.Snapshot(),
	}
	if s.latestSlice != nil {
		latest := *s.latestSlice
		snap.LatestSlice = &latest
	}
	if s.status.Terminal() {
		snap.Error = s.errMsg
	}
	return snap
}

// Settings returns a copy of the settings in effect.
func (s *Service) Settings() *config.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Clone()
}

// Restart stops the running session, flushing its open slice, and starts a
// new one. It also retries a session that failed to acquire its source.
// With no subscribers and no session it does nothing.
func (s *Service) Restart() {
	s.mu.Lock()
	if s.closed || (!s.running && len(s.listeners) == 0) {
		s.mu.Unlock()
		return
	}
	src := s.stopLocked()
	s.startLocked()
	snap, listeners := s.snapshotLocked(), s.listenersLocked()
	s.mu.Unlock()

	closeSource(src)
	notify(listeners, snap)
}

// ApplySettings merges a validated change into the settings in effect.
// Display, threshold, calibration and flag changes apply to the running
// session; frame interval, slice duration, averaging window and realtime
// window changes restart it.
func (s *Service) ApplySettings(c config.Change) (config.Diff, error) {
	if err := c.Validate(); err != nil {
		return config.Diff{}, err
	}

	s.mu.Lock()
	next := s.settings.Clone()
	next.Merge(&c.Patch)
	diff := config.Compare(s.settings, next)
	s.settings = next
	if diff.Empty() || s.closed {
		s.mu.Unlock()
		return diff, nil
	}

	// the flushed slice of a restarted session keeps the old scoring
	var src audio.Source
	if diff.NeedsRestart() && s.running {
		src = s.stopLocked()
		s.store.SetRetention(next.Retention())
		s.startLocked()
	} else {
		if diff.NeedsRestart() {
			s.ring = newRing(next)
		}
		if s.agg != nil {
			s.agg.SetScoreOptions(next.ScoreOptions())
			s.agg.SetDisplayMapping(next.DisplayMapping())
		}
		s.store.SetRetention(next.Retention())
	}
	snap, listeners := s.snapshotLocked(), s.listenersLocked()
	s.mu.Unlock()

	logf("settings %s applied (in place %v, restart %v)", c.Event, diff.InPlace, diff.Restart)
	closeSource(src)
	notify(listeners, snap)
	return diff, nil
}

// WatchSettings applies changes from ch until ctx is cancelled or ch is
// closed. Invalid changes are logged and skipped.
func (s *Service) WatchSettings(ctx context.Context, ch <-chan config.Change) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := s.ApplySettings(c); err != nil {
				logf("rejected settings change %s: %v", c.Event, err)
			}
		}
	}
}

// History returns the slice store.
func (s *Service) History() *history.Store {
	return s.store
}

// ClearHistory deletes every stored slice.
func (s *Service) ClearHistory(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.latestSlice = nil
	snap, listeners := s.snapshotLocked(), s.listenersLocked()
	s.mu.Unlock()
	notify(listeners, snap)
	return nil
}

// Close stops capture, flushing the open slice, and drops every
// subscriber. The Service cannot be restarted.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancelStopLocked()
	src := s.stopLocked()
	n := len(s.listeners)
	s.listeners = make(map[uint64]Listener)
	s.mu.Unlock()

	if n > 0 {
		s.metrics.AddSubscribers(context.Background(), -n)
	}
	if src != nil {
		return src.Close()
	}
	return nil
}
