// Package mock provides an in-memory test double for the cache.KV interface.
//
// KV stores values in a map with optional expiry and supports per-method
// error injection, so tests can exercise both cache hits and the degraded
// paths without a Redis instance.
package mock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/calldeck/calldeck/internal/cache"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// KV is an in-memory implementation of cache.KV.
// Set the *Err fields to inject failures. The zero value is ready to use.
type KV struct {
	mu   sync.Mutex
	data map[string]entry

	// Now supplies the current time for expiry checks. Defaults to time.Now.
	Now func() time.Time

	// GetErr, if non-nil, is returned by every Get.
	GetErr error
	// SetErr, if non-nil, is returned by every Set.
	SetErr error
	// IncrErr, if non-nil, is returned by every Incr.
	IncrErr error
	// ExpireErr, if non-nil, is returned by every Expire.
	ExpireErr error
	// DelErr, if non-nil, is returned by every Del.
	DelErr error
}

func (m *KV) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// get returns the live entry for key, dropping it if expired.
// Caller must hold mu.
func (m *KV) get(key string) (entry, bool) {
	e, ok := m.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.data, key)
		return entry{}, false
	}
	return e, true
}

// Get implements cache.KV.
func (m *KV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	e, ok := m.get(key)
	if !ok {
		return nil, cache.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set implements cache.KV.
func (m *KV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetErr != nil {
		return m.SetErr
	}
	if m.data == nil {
		m.data = make(map[string]entry)
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	e := entry{value: stored}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

// Incr implements cache.KV.
func (m *KV) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.IncrErr != nil {
		return 0, m.IncrErr
	}
	if m.data == nil {
		m.data = make(map[string]entry)
	}
	var n int64
	prev, ok := m.get(key)
	if ok {
		n, _ = strconv.ParseInt(string(prev.value), 10, 64)
	}
	n++
	m.data[key] = entry{value: []byte(strconv.FormatInt(n, 10)), expiresAt: prev.expiresAt}
	return n, nil
}

// Expire implements cache.KV.
func (m *KV) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ExpireErr != nil {
		return m.ExpireErr
	}
	if e, ok := m.get(key); ok {
		e.expiresAt = m.now().Add(ttl)
		m.data[key] = e
	}
	return nil
}

// Del implements cache.KV.
func (m *KV) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DelErr != nil {
		return m.DelErr
	}
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

// Len reports the number of live keys.
func (m *KV) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.data {
		if _, ok := m.get(k); ok {
			n++
		}
	}
	return n
}

// Keys returns all live keys, for assertions on key construction.
func (m *KV) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if _, ok := m.get(k); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// Ensure KV implements cache.KV at compile time.
var _ cache.KV = (*KV)(nil)
