package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/haasonsaas/atlas/pkg/models"
)

var sessionsBucket = []byte("sessions")

// BoltStore keeps bindings in a single bbolt file, for single-node
// deployments without a database server.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the database file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create bolt directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close() //nolint:errcheck
		return nil, fmt.Errorf("create sessions bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(_ context.Context, key string) (*models.Session, error) {
	var session *models.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(sessionsBucket).Get([]byte(key))
		if raw == nil {
			return ErrSessionNotFound
		}
		session = &models.Session{}
		return json.Unmarshal(raw, session)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *BoltStore) Put(_ context.Context, session *models.Session) error {
	if session == nil || session.Key == "" {
		return fmt.Errorf("session key is required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionsBucket)
		toStore := cloneSession(session)
		now := time.Now().UTC()
		if toStore.CreatedAt.IsZero() {
			toStore.CreatedAt = now
			if raw := bucket.Get([]byte(session.Key)); raw != nil {
				var existing models.Session
				if err := json.Unmarshal(raw, &existing); err == nil {
					toStore.CreatedAt = existing.CreatedAt
				}
			}
		}
		if toStore.UpdatedAt.IsZero() {
			toStore.UpdatedAt = now
		}
		raw, err := json.Marshal(toStore)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(session.Key), raw)
	})
}

func (s *BoltStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(key))
	})
}

func (s *BoltStore) List(_ context.Context, opts ListOptions) ([]*models.Session, error) {
	var out []*models.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(_, raw []byte) error {
			var session models.Session
			if err := json.Unmarshal(raw, &session); err != nil {
				return err
			}
			if opts.Channel != "" && session.Channel != opts.Channel {
				return nil
			}
			out = append(out, &session)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
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

func (s *BoltStore) Close() error {
	return s.db.Close()
}
