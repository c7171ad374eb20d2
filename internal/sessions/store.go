// Package sessions persists the binding between a chat conversation and the
// remote thread that carries it, so a conversation resumes on the same
// thread after a gateway restart.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/atlas/pkg/models"
)

// ErrSessionNotFound is returned when no binding exists for a key.
var ErrSessionNotFound = errors.New("session not found")

// Store is the interface for session binding persistence.
type Store interface {
	Get(ctx context.Context, key string) (*models.Session, error)
	// Put inserts or replaces the binding for session.Key.
	Put(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, opts ListOptions) ([]*models.Session, error)
	Close() error
}

// ListOptions configures session listing.
type ListOptions struct {
	Channel models.ChannelType
	Limit   int
}

// SessionKey builds the key of a conversation on a channel.
func SessionKey(channel models.ChannelType, conversationID string) string {
	return string(channel) + ":" + conversationID
}

// Config selects a backend.
type Config struct {
	// Backend is "memory" (default), "sqlite", "postgres" or "bolt".
	Backend string
	// DSN is the database source for sqlite and postgres, or the file path for bolt.
	DSN string
}

// Open builds the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLStore(ctx, DialectSQLite, cfg.DSN, nil)
	case "postgres":
		return OpenSQLStore(ctx, DialectPostgres, cfg.DSN, nil)
	case "bolt":
		return OpenBoltStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

func cloneSession(session *models.Session) *models.Session {
	if session == nil {
		return nil
	}
	copied := *session
	return &copied
}
