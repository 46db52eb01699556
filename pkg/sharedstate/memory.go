package sharedstate

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryMap is a single-process Map for tests and single-node deployments
type MemoryMap struct {
	mutex   sync.RWMutex
	entries map[string]memoryEntry
	lists   map[string][]string

	// Now is swappable so tests can control entry expiry
	Now func() time.Time
}

func NewMemoryMap() *MemoryMap {
	return &MemoryMap{
		entries: map[string]memoryEntry{},
		lists:   map[string][]string{},
		Now:     time.Now,
	}
}

func (m *MemoryMap) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	entry, found := m.entries[key]
	m.mutex.RUnlock()

	if !found {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !m.Now().Before(entry.expiresAt) {
		m.mutex.Lock()
		// A fresh write may have landed between the locks, only remove the
		// entry if it is still expired
		if current, still := m.entries[key]; still && !current.expiresAt.IsZero() && !m.Now().Before(current.expiresAt) {
			delete(m.entries, key)
		}
		m.mutex.Unlock()
		return nil, false, nil
	}

	return entry.value, true, nil
}

func (m *MemoryMap) Set(ctx context.Context, key string, value []byte) error {
	m.mutex.Lock()
	m.entries[key] = memoryEntry{value: value}
	m.mutex.Unlock()
	return nil
}

func (m *MemoryMap) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mutex.Lock()
	m.entries[key] = memoryEntry{value: value, expiresAt: m.Now().Add(ttl)}
	m.mutex.Unlock()
	return nil
}

func (m *MemoryMap) Delete(ctx context.Context, key string) error {
	m.mutex.Lock()
	delete(m.entries, key)
	delete(m.lists, key)
	m.mutex.Unlock()
	return nil
}

func (m *MemoryMap) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	now := m.Now()
	var keys []string
	for key, entry := range m.entries {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	for key := range m.lists {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *MemoryMap) Len(ctx context.Context) (int, error) {
	keys, err := m.Keys(ctx, "")
	return len(keys), err
}

func (m *MemoryMap) Clear(ctx context.Context) error {
	m.mutex.Lock()
	m.entries = map[string]memoryEntry{}
	m.lists = map[string][]string{}
	m.mutex.Unlock()
	return nil
}

func (m *MemoryMap) Append(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}

	m.mutex.Lock()
	m.lists[key] = append(m.lists[key], members...)
	m.mutex.Unlock()
	return nil
}

func (m *MemoryMap) Drain(ctx context.Context, key string) ([]string, error) {
	m.mutex.Lock()
	members := m.lists[key]
	delete(m.lists, key)
	m.mutex.Unlock()
	return members, nil
}
