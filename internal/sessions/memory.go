package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/atlas/pkg/models"
)

// MemoryStore keeps bindings for the life of the process.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.Session)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[key]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) Put(_ context.Context, session *models.Session) error {
	if session == nil || session.Key == "" {
		return fmt.Errorf("session key is required")
	}
	toStore := cloneSession(session)
	now := time.Now().UTC()
	if toStore.UpdatedAt.IsZero() {
		toStore.UpdatedAt = now
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if toStore.CreatedAt.IsZero() {
		toStore.CreatedAt = now
		if existing, ok := m.sessions[session.Key]; ok {
			toStore.CreatedAt = existing.CreatedAt
		}
	}
	m.sessions[session.Key] = toStore
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	return nil
}

// List returns sessions ordered by most recent update.
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*models.Session, error) {
	m.mu.RLock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		if opts.Channel != "" && session.Channel != opts.Channel {
			continue
		}
		out = append(out, cloneSession(session))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
