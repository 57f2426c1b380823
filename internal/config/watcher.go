package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/noise.report/internal/fsutil"
	"github.com/banshee-data/noise.report/internal/monitoring"
	"github.com/banshee-data/noise.report/internal/timeutil"
)

var logf = monitoring.Component("config")

// DefaultWatchInterval is how often the settings file is polled.
const DefaultWatchInterval = 2 * time.Second

// Watcher polls a settings file and emits a file-reload Change whenever its
// content changes to a valid document. Invalid edits are logged and the
// previous settings stay current.
type Watcher struct {
	path     string
	fsys     fsutil.FileSystem
	clock    timeutil.Clock
	interval time.Duration
	changes  chan Change

	mu        sync.Mutex
	current   *Settings
	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithClock sets the clock driving the poll ticker.
func WithClock(c timeutil.Clock) WatcherOption {
	return func(w *Watcher) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithFileSystem sets the filesystem the settings file is read from.
func WithFileSystem(fsys fsutil.FileSystem) WatcherOption {
	return func(w *Watcher) {
		if fsys != nil {
			w.fsys = fsys
		}
	}
}

// NewWatcher loads the settings file once and returns a watcher for it.
// Call Run to start polling.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		fsys:     fsutil.OSFileSystem{},
		clock:    timeutil.RealClock{},
		interval: DefaultWatchInterval,
		changes:  make(chan Change, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	s, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("settings watcher initial load: %w", err)
	}
	w.current = s
	w.lastHash = hash
	w.lastMtime = mtime
	return w, nil
}

// Path returns the watched file.
func (w *Watcher) Path() string {
	return w.path
}

// Current returns a copy of the most recently loaded valid settings.
func (w *Watcher) Current() *Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.Clone()
}

// Changes delivers file-reload changes. It is closed when Run returns.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.changes)

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			c, ok := w.Check()
			if !ok {
				continue
			}
			select {
			case w.changes <- c:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Check polls the file once. It returns a change when the file content
// differs from the last valid load and parses to valid settings. The
// change patch is the complete document with defaults filled in, so
// removing a field from the file reverts it to its default.
func (w *Watcher) Check() (Change, bool) {
	info, err := w.fsys.Stat(w.path)
	if err != nil {
		logf("cannot stat %s: %v", w.path, err)
		return Change{}, false
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()
	if info.ModTime().Equal(mtime) {
		return Change{}, false
	}

	s, hash, newMtime, err := w.loadAndHash()
	if err != nil {
		logf("ignoring invalid settings file %s: %v", w.path, err)
		// remember the mtime so an unchanged broken file is reported once
		w.mu.Lock()
		w.lastMtime = info.ModTime()
		w.mu.Unlock()
		return Change{}, false
	}

	w.mu.Lock()
	if hash == w.lastHash {
		w.lastMtime = newMtime
		w.mu.Unlock()
		return Change{}, false
	}
	w.current = s
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	logf("settings reloaded from %s", w.path)

	full := DefaultSettings()
	full.Merge(s)
	return Change{Event: EventFileReload, Patch: *full}, true
}

func (w *Watcher) loadAndHash() (*Settings, [sha256.Size]byte, time.Time, error) {
	var zeroHash [sha256.Size]byte

	info, err := w.fsys.Stat(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	data, err := readSettingsFile(w.fsys, w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	format, err := FormatOf(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	s, err := Decode(data, format)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	return s, sha256.Sum256(data), info.ModTime(), nil
}
