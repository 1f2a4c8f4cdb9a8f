package store

import (
	"context"
	"sync"
)

// Setting keys persisted across restarts.
const (
	KeyEndpoint    = "relay.endpoint"
	KeyIdentity    = "relay.identity"
	KeyBoundTarget = "session.bound_target"
)

// Store is the persistent key-value collaborator. A missing key reads as
// the empty string.
type Store interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

type MemoryStore struct {
	mu       sync.RWMutex
	settings map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settings: make(map[string]string),
	}
}

func (m *MemoryStore) GetSetting(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings[key], nil
}

func (m *MemoryStore) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *MemoryStore) DeleteSetting(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.settings, key)
	return nil
}
