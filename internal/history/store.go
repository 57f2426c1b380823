// Package history persists closed slice summaries under a bounded budget.
//
// The store never fails an append. Old slices are trimmed by age and by the
// storage quota, a rejected write is retried with progressively fewer
// slices, and when even an empty history cannot be written the in-memory
// history is reset and the append is still reported as done.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/noise.report/internal/monitoring"
	"github.com/banshee-data/noise.report/internal/observe"
	"github.com/banshee-data/noise.report/internal/slice"
)

var logf = monitoring.Component("history")

const (
	// StorageKey is the key the history is stored under.
	StorageKey = "noise-slices"
	// UpdatedEvent is the name of the notification sent after every write.
	UpdatedEvent = "noise-slices-updated"
	// DefaultRetention is how long slices are kept.
	DefaultRetention = 14 * 24 * time.Hour
)

// quotaHeadroom is the share of the reported quota the history may use.
const quotaHeadroom = 0.9

// Update is delivered to subscribers after every write.
type Update struct {
	Event    string `json:"event"`
	Count    int    `json:"count"`
	Degraded bool   `json:"degraded,omitempty"`
}

// AppendResult describes what an append did to the history.
type AppendResult struct {
	Retained           int  `json:"retained"`
	DroppedByRetention int  `json:"droppedByRetention"`
	DroppedByQuota     int  `json:"droppedByQuota"`
	DroppedOnRetry     int  `json:"droppedOnRetry"`
	Degraded           bool `json:"degraded"`
	Bytes              int  `json:"bytes"`
}

// Option configures a Store.
type Option func(*Store)

// WithQuota sets the quota estimator. Without one the quota trim is skipped.
func WithQuota(q QuotaEstimator) Option {
	return func(s *Store) { s.quota = q }
}

// WithRetention sets the retention window.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithMetrics records trims and degraded writes.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Store is the append-only slice history. It is safe for concurrent use.
type Store struct {
	backend   Backend
	quota     QuotaEstimator
	retention time.Duration
	metrics   *observe.Metrics

	mu     sync.Mutex
	list   []slice.Summary
	loaded bool

	subMu   sync.Mutex
	subs    map[int]chan Update
	nextSub int
}

// New creates a Store over backend. When no quota estimator is given and
// the backend implements QuotaEstimator, the backend is used.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		retention: DefaultRetention,
		subs:      make(map[int]chan Update),
	}
	if q, ok := backend.(QuotaEstimator); ok {
		s.quota = q
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ensureLoaded reads the persisted history once. Callers hold s.mu.
func (s *Store) ensureLoaded(ctx context.Context) {
	if s.loaded {
		return
	}
	s.loaded = true
	s.list = s.read(ctx)
}

func (s *Store) read(ctx context.Context) []slice.Summary {
	data, err := s.backend.Load(ctx, StorageKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logf("load failed, starting empty: %v", err)
		}
		return nil
	}
	list, dropped, err := slice.DecodeList(data)
	if err != nil {
		logf("stored history unreadable, starting empty: %v", err)
		return nil
	}
	if dropped > 0 {
		logf("dropped %d malformed records", dropped)
	}
	return list
}

// Reload discards the cached history and reads it again from the backend.
func (s *Store) Reload(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	s.ensureLoaded(ctx)
	return len(s.list)
}

// SetRetention changes the retention window for subsequent appends.
func (s *Store) SetRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		d = DefaultRetention
	}
	s.retention = d
}

// Retention returns the retention window.
func (s *Store) Retention() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retention
}

// Append normalizes sum, adds it to the history, trims and persists.
func (s *Store) Append(ctx context.Context, sum slice.Summary) AppendResult {
	s.mu.Lock()
	s.ensureLoaded(ctx)

	var res AppendResult
	n := slice.Normalize(sum)
	list := append(s.list[:len(s.list):len(s.list)], n)

	// retention is measured back from the new slice's end
	cutoff := n.End.Add(-s.retention)
	kept := make([]slice.Summary, 0, len(list))
	for _, item := range list {
		if item.End.Before(cutoff) {
			res.DroppedByRetention++
			continue
		}
		kept = append(kept, item)
	}
	list = kept

	sizes, err := recordSizes(list)
	if err != nil {
		// every field is a finite number, so this cannot happen for
		// summaries produced by the aggregator
		logf("encode failed, keeping in-memory history: %v", err)
		s.mu.Unlock()
		return AppendResult{Retained: len(s.list)}
	}

	if s.quota != nil {
		if q, err := s.quota.Quota(ctx); err != nil {
			logf("quota estimate failed, skipping quota trim: %v", err)
		} else if q > 0 {
			maxBytes := int(float64(q) * quotaHeadroom)
			drop := 0
			for drop < len(list) && encodedSize(sizes[drop:]) > maxBytes {
				drop++
			}
			res.DroppedByQuota = drop
			list = list[drop:]
			sizes = sizes[drop:]
		}
	}

	for {
		data, err := slice.EncodeList(list)
		if err == nil {
			err = s.backend.Save(ctx, StorageKey, data)
		}
		if err == nil {
			res.Bytes = len(data)
			break
		}
		if len(list) == 0 {
			logf("write of empty history failed, resetting: %v", err)
			res.Degraded = true
			break
		}
		logf("write of %d slices rejected, dropping oldest: %v", len(list), err)
		list = list[1:]
		sizes = sizes[1:]
		res.DroppedOnRetry++
	}

	s.list = list
	res.Retained = len(list)
	s.mu.Unlock()

	s.metrics.RecordTrim(ctx, observe.TrimRetention, res.DroppedByRetention)
	s.metrics.RecordTrim(ctx, observe.TrimQuota, res.DroppedByQuota)
	s.metrics.RecordTrim(ctx, observe.TrimRetry, res.DroppedOnRetry)
	if res.Degraded {
		s.metrics.RecordDegradedWrite(ctx)
	}
	s.notify(Update{Event: UpdatedEvent, Count: res.Retained, Degraded: res.Degraded})
	return res
}

// recordSizes returns the encoded length of every summary.
func recordSizes(list []slice.Summary) ([]int, error) {
	sizes := make([]int, len(list))
	for i, item := range list {
		b, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		sizes[i] = len(b)
	}
	return sizes, nil
}

// encodedSize is the length of a JSON array holding records of the given
// sizes, matching slice.EncodeList.
func encodedSize(sizes []int) int {
	if len(sizes) == 0 {
		return 2
	}
	total := 2 + len(sizes) - 1
	for _, n := range sizes {
		total += n
	}
	return total
}

// Clear removes every slice and persists the empty history.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.loaded = true
	s.list = nil
	data, _ := slice.EncodeList(nil)
	err := s.backend.Save(ctx, StorageKey, data)
	s.mu.Unlock()

	s.notify(Update{Event: UpdatedEvent})
	return err
}

// List returns a copy of the history, oldest first.
func (s *Store) List(ctx context.Context) []slice.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)
	return append([]slice.Summary(nil), s.list...)
}

// Range returns the slices overlapping [from, to). A zero bound is open.
func (s *Store) Range(ctx context.Context, from, to time.Time) []slice.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)

	var out []slice.Summary
	for _, item := range s.list {
		if !from.IsZero() && !item.End.After(from) {
			continue
		}
		if !to.IsZero() && !item.Start.Before(to) {
			continue
		}
		out = append(out, item)
	}
	return out
}

// Latest returns the most recently appended slice.
func (s *Store) Latest(ctx context.Context) (slice.Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)
	if len(s.list) == 0 {
		return slice.Summary{}, false
	}
	return s.list[len(s.list)-1], true
}

// Len returns the number of stored slices.
func (s *Store) Len(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)
	return len(s.list)
}

// Subscribe returns a channel receiving an Update after every write and a
// function that cancels the subscription. Updates are coalesced when the
// receiver falls behind.
func (s *Store) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 1)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify(u Update) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- u:
		default:
			// replace the pending update with the newer one
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- u:
			default:
			}
		}
	}
}
