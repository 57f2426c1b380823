package audio

import "sync"

// sampleRing keeps the most recent decoded samples. One writer, many readers.
type sampleRing struct {
	mu      sync.RWMutex
	samples []float64
	head    int // next write position
	count   int // valid samples, up to capacity
}

func newSampleRing(capacity int) *sampleRing {
	if capacity < 1 {
		capacity = 1
	}
	return &sampleRing{samples: make([]float64, capacity)}
}

func (r *sampleRing) write(samples []float64) {
	if len(samples) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.samples)
	for _, s := range samples {
		r.samples[r.head] = s
		r.head = (r.head + 1) % capacity
		if r.count < capacity {
			r.count++
		}
	}
}

// latest copies up to len(dst) most recent samples in chronological order.
func (r *sampleRing) latest(dst []float64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(dst)
	if n > r.count {
		n = r.count
	}
	capacity := len(r.samples)
	start := (r.head - n + capacity) % capacity
	for i := 0; i < n; i++ {
		dst[i] = r.samples[(start+i)%capacity]
	}
	return n
}

func (r *sampleRing) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.count = 0
}
