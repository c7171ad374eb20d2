package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxEntries bounds a MemoryStore when no limit is configured.
const DefaultMaxEntries = 1000

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	MaxEntries int
	// Now overrides the clock (for testing).
	Now func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
	touched   int64
}

// MemoryStore is an in-process Store with TTL expiry and least recently
// used eviction.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	maxEntries int
	now        func() time.Time
	clock      int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryStore{
		entries:    make(map[string]*memoryEntry),
		maxEntries: opts.MaxEntries,
		now:        opts.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	s.clock++
	entry.touched = s.clock
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := &memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.clock++
	entry.touched = s.clock
	s.entries[key] = entry
	s.prune()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// prune drops expired entries, then the least recently used ones until the
// store fits. Callers hold s.mu.
func (s *MemoryStore) prune() {
	if len(s.entries) <= s.maxEntries {
		return
	}
	now := s.now()
	for key, entry := range s.entries {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
	for len(s.entries) > s.maxEntries {
		var oldestKey string
		oldest := int64(^uint64(0) >> 1)
		for key, entry := range s.entries {
			if entry.touched < oldest {
				oldest = entry.touched
				oldestKey = key
			}
		}
		delete(s.entries, oldestKey)
	}
}

// Deduper reports whether a key was already seen within a window. Chat
// adapters use it to drop redelivered platform events.
type Deduper struct {
	store  *MemoryStore
	window time.Duration
}

// NewDeduper creates a deduper remembering up to maxEntries keys for window.
func NewDeduper(window time.Duration, maxEntries int) *Deduper {
	return &Deduper{store: NewMemoryStore(MemoryOptions{MaxEntries: maxEntries}), window: window}
}

// Seen records key and reports whether it was recorded before. Empty keys
// are never duplicates.
func (d *Deduper) Seen(key string) bool {
	if key == "" {
		return false
	}
	ctx := context.Background()
	if _, ok, _ := d.store.Get(ctx, key); ok { //nolint:errcheck
		return true
	}
	_ = d.store.Set(ctx, key, nil, d.window) //nolint:errcheck
	return false
}

// MessageKey builds a dedupe key for a platform message.
func MessageKey(channel, messageID string) string {
	if messageID == "" {
		return ""
	}
	if channel == "" {
		return messageID
	}
	return channel + ":" + messageID
}
