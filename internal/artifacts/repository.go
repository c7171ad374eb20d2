package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/atlas/internal/observability"
)

// DefaultTTL is how long artifacts are kept when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// maxInlineSize bounds the copy of small artifacts kept in memory so the
// HTTP handler can serve them without touching the store.
const maxInlineSize = 1 << 20

// Artifact is the metadata of a stored file.
type Artifact struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	MimeType   string    `json:"mime_type"`
	Filename   string    `json:"filename,omitempty"`
	Size       int64     `json:"size"`
	Reference  string    `json:"reference"`
	SessionKey string    `json:"session_key,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// SaveRequest is a file to persist.
type SaveRequest struct {
	Type     string
	MimeType string
	Filename string
	Data     []byte
	// TTL overrides the repository default.
	TTL time.Duration
}

// Filter selects artifacts in List.
type Filter struct {
	SessionKey string
	Type       string
	Limit      int
}

// RepositoryOptions configures a Repository.
type RepositoryOptions struct {
	DefaultTTL time.Duration
	// PublicURL is the externally reachable gateway root used by URL.
	PublicURL string
	Logger    *slog.Logger
	// Now overrides the clock (for testing).
	Now func() time.Time
}

// Repository tracks artifact metadata and expiry on top of a Store.
type Repository struct {
	mu        sync.RWMutex
	store     Store
	items     map[string]*Artifact
	inline    map[string][]byte
	ttl       time.Duration
	publicURL string
	logger    *slog.Logger
	now       func() time.Time
}

// NewRepository creates a repository backed by store.
func NewRepository(store Store, opts RepositoryOptions) *Repository {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Repository{
		store:     store,
		items:     make(map[string]*Artifact),
		inline:    make(map[string][]byte),
		ttl:       opts.DefaultTTL,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// Save writes req to the store and records its metadata. The session key
// is taken from ctx when present.
func (r *Repository) Save(ctx context.Context, req SaveRequest) (*Artifact, error) {
	id := uuid.NewString()
	ttl := req.TTL
	if ttl <= 0 {
		ttl = r.ttl
	}
	now := r.now()
	artifact := &Artifact{
		ID:         id,
		Type:       req.Type,
		MimeType:   req.MimeType,
		Filename:   req.Filename,
		Size:       int64(len(req.Data)),
		SessionKey: observability.GetSessionKey(ctx),
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	ref, err := r.store.Put(ctx, id, bytes.NewReader(req.Data), PutOptions{
		MimeType: req.MimeType,
		Metadata: map[string]string{"type": req.Type},
	})
	if err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}
	artifact.Reference = ref

	r.mu.Lock()
	r.items[id] = artifact
	if len(req.Data) <= maxInlineSize {
		r.inline[id] = append([]byte(nil), req.Data...)
	}
	r.mu.Unlock()

	r.logger.Debug("artifact stored", "id", id, "type", req.Type, "size", artifact.Size, "reference", ref)
	copied := *artifact
	return &copied, nil
}

// Open returns the metadata and content of an unexpired artifact.
func (r *Repository) Open(ctx context.Context, id string) (*Artifact, io.ReadCloser, error) {
	r.mu.RLock()
	artifact, ok := r.items[id]
	data := r.inline[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	if !r.now().Before(artifact.ExpiresAt) {
		_ = r.Delete(ctx, id) //nolint:errcheck
		return nil, nil, ErrNotFound
	}
	copied := *artifact
	if data != nil {
		return &copied, io.NopCloser(bytes.NewReader(data)), nil
	}
	body, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return &copied, body, nil
}

// Delete removes an artifact. Unknown ids are not an error.
func (r *Repository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	_, ok := r.items[id]
	delete(r.items, id)
	delete(r.inline, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete artifact %s: %w", id, err)
	}
	return nil
}

// List returns unexpired artifacts matching filter, newest first.
func (r *Repository) List(filter Filter) []*Artifact {
	now := r.now()
	r.mu.RLock()
	var out []*Artifact
	for _, artifact := range r.items {
		if !now.Before(artifact.ExpiresAt) {
			continue
		}
		if filter.SessionKey != "" && artifact.SessionKey != filter.SessionKey {
			continue
		}
		if filter.Type != "" && artifact.Type != filter.Type {
			continue
		}
		copied := *artifact
		out = append(out, &copied)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// PruneExpired deletes every expired artifact and returns how many were
// removed. Store failures are logged and do not stop the sweep.
func (r *Repository) PruneExpired(ctx context.Context) (int, error) {
	now := r.now()
	r.mu.RLock()
	var expired []string
	for id, artifact := range r.items {
		if !now.Before(artifact.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	count := 0
	for _, id := range expired {
		if err := r.Delete(ctx, id); err != nil {
			r.logger.Warn("failed to delete expired artifact", "id", id, "error", err)
			continue
		}
		count++
	}
	return count, ctx.Err()
}

// URL returns the path (or absolute URL when a public URL is configured)
// the gateway serves the artifact at.
func (r *Repository) URL(id string) string {
	return r.publicURL + "/artifacts/" + id
}

// Close closes the underlying store.
func (r *Repository) Close() error {
	return r.store.Close()
}
