package prefs

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager provides cached access to a preference Store. Writes go straight
// through to the store and are committed before Put returns; the cache only
// serves reads.
type Manager struct {
	store Store
	clock Clock
	ttl   time.Duration

	mu       sync.RWMutex
	cached   map[string]string
	cachedAt time.Time
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		clock: realClock{},
		ttl:   60 * time.Second,
	}
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
	}
}

// All returns every stored preference.
func (m *Manager) All() (map[string]string, error) {
	m.mu.RLock()
	if m.fresh() {
		cp := copyMap(m.cached)
		m.mu.RUnlock()
		return cp, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if m.fresh() {
		return copyMap(m.cached), nil
	}

	all, err := m.store.AllPreferences()
	if err != nil {
		return nil, fmt.Errorf("loading preferences: %w", err)
	}
	m.cached = all
	m.cachedAt = m.clock.Now()
	return copyMap(all), nil
}

// Get returns the stored value for key. ok is false if it was never written.
func (m *Manager) Get(key string) (value string, ok bool, err error) {
	all, err := m.All()
	if err != nil {
		return "", false, err
	}
	value, ok = all[key]
	return value, ok, nil
}

// Put commits value for key and updates the cache.
func (m *Manager) Put(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SetPreference(key, value); err != nil {
		m.cached = nil
		return fmt.Errorf("setting preference %q: %w", key, err)
	}
	if m.cached != nil {
		m.cached[key] = value
	}
	return nil
}

// Invalidate drops the cache so the next read goes to the store.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

func (m *Manager) fresh() bool {
	return m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl))
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// IsNotFound reports whether err means the key was never written.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
