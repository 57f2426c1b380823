// Package realtime holds the short, time-bounded history of display points
// used by the live view.
package realtime

import (
	"sync"
	"time"
)

// Point is a single display-ready reading.
type Point struct {
	T         time.Time `json:"-"`
	Dbfs      float64   `json:"dbfs"`
	DisplayDb float64   `json:"displayDb"`
}

// Buffer is a fixed-capacity circular store bounded by a retention window.
// It is safe for concurrent use.
type Buffer struct {
	mu        sync.RWMutex
	points    []Point
	head      int // index of the oldest point
	size      int
	retention time.Duration
}

// NewBuffer creates a Buffer holding at most capacity points no older than
// retention relative to the newest point.
func NewBuffer(capacity int, retention time.Duration) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		points:    make([]Point, capacity),
		retention: retention,
	}
}

// CapacityFor returns the number of points needed to hold window at the
// given frame interval, with a little headroom for timer jitter.
func CapacityFor(window, interval time.Duration) int {
	if interval <= 0 {
		return 1
	}
	n := int(window/interval) + 1
	return n + n/10 + 1
}

// Push evicts points older than p.T minus the retention window and then
// inserts p, overwriting the oldest point when the buffer is full.
func (b *Buffer) Push(p Point) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := p.T.Add(-b.retention)
	for b.size > 0 && b.points[b.head].T.Before(cutoff) {
		b.points[b.head] = Point{}
		b.head = (b.head + 1) % len(b.points)
		b.size--
	}

	if b.size == len(b.points) {
		b.points[b.head] = p
		b.head = (b.head + 1) % len(b.points)
		return
	}
	b.points[(b.head+b.size)%len(b.points)] = p
	b.size++
}

// Snapshot returns the retained points in time order.
func (b *Buffer) Snapshot() []Point {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Point, b.size)
	for i := range b.size {
		out[i] = b.points[(b.head+i)%len(b.points)]
	}
	return out
}

// Since returns the retained points strictly newer than t, in time order.
func (b *Buffer) Since(t time.Time) []Point {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Point
	for i := range b.size {
		p := b.points[(b.head+i)%len(b.points)]
		if p.T.After(t) {
			out = append(out, p)
		}
	}
	return out
}

// Latest returns the newest point, if any.
func (b *Buffer) Latest() (Point, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		return Point{}, false
	}
	return b.points[(b.head+b.size-1)%len(b.points)], true
}

// Len returns the number of retained points.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int {
	return len(b.points)
}

// Reset discards all points.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.points)
	b.head = 0
	b.size = 0
}
