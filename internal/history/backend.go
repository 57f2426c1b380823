package history

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by a Backend when the key has never been written.
var ErrNotFound = errors.New("history: key not found")

// ErrBackendFull is returned by MemoryBackend when a write exceeds its limit.
var ErrBackendFull = errors.New("history: backend full")

// Backend is the key/value storage the history is persisted to.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

// QuotaEstimator reports the storage budget in bytes available to the
// history. Backends that cannot tell simply don't implement it.
type QuotaEstimator interface {
	Quota(ctx context.Context) (int64, error)
}

// MemoryBackend is an in-process Backend. When Limit is positive, writes
// larger than Limit bytes are rejected.
type MemoryBackend struct {
	mu      sync.Mutex
	data    map[string][]byte
	Limit   int
	saves   int
	failAll bool
}

// NewMemoryBackend returns an empty MemoryBackend with the given limit.
func NewMemoryBackend(limit int) *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte), Limit: limit}
}

// Load returns a copy of the stored value.
func (m *MemoryBackend) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Save stores a copy of data.
func (m *MemoryBackend) Save(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failAll || (m.Limit > 0 && len(data) > m.Limit) {
		return ErrBackendFull
	}
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = append([]byte(nil), data...)
	return nil
}

// Put stores raw bytes without any checks. It is useful for seeding
// malformed history in tests.
func (m *MemoryBackend) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = append([]byte(nil), data...)
}

// FailAll makes every subsequent Save fail.
func (m *MemoryBackend) FailAll(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = fail
}

// Saves returns the number of Save calls, successful or not.
func (m *MemoryBackend) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// StaticQuota is a QuotaEstimator reporting a fixed budget.
type StaticQuota int64

// Quota returns q.
func (q StaticQuota) Quota(context.Context) (int64, error) {
	return int64(q), nil
}
