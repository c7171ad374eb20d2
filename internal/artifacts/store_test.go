package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/atlas/internal/observability"
)

func TestLocalStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	ref, err := store.Put(ctx, "map-1", bytes.NewReader([]byte("<html></html>")), PutOptions{MimeType: "text/html"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(ref, "file://") || !strings.HasSuffix(ref, "map-1.html") {
		t.Fatalf("reference = %q", ref)
	}

	exists, err := store.Exists(ctx, "map-1")
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v", exists, err)
	}

	reader, err := store.Get(ctx, "map-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, err := io.ReadAll(reader)
	reader.Close()
	if err != nil || string(data) != "<html></html>" {
		t.Fatalf("content = %q, %v", data, err)
	}

	if err := store.Delete(ctx, "map-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "map-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "map-1"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestLocalStoreReadsFilesFromEarlierProcess(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "old.png"), []byte("png"), 0o600); err != nil {
		t.Fatal(err)
	}
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	reader, err := store.Get(context.Background(), "old")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer reader.Close()
	data, _ := io.ReadAll(reader)
	if string(data) != "png" {
		t.Fatalf("content = %q", data)
	}
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	for _, id := range []string{"", "../etc/passwd", "a/b", "x*"} {
		if _, err := store.Put(context.Background(), id, strings.NewReader("x"), PutOptions{}); err == nil {
			t.Errorf("Put(%q) succeeded", id)
		}
	}
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestRepository(t *testing.T, clock *fakeClock) *Repository {
	t.Helper()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return NewRepository(store, RepositoryOptions{DefaultTTL: time.Hour, PublicURL: "https://atlas.example/", Now: clock.Now})
}

func TestRepositorySaveOpen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	repo := newTestRepository(t, clock)
	ctx := observability.AddSessionKey(context.Background(), "web:abc")

	artifact, err := repo.Save(ctx, SaveRequest{Type: "heatmap", MimeType: "text/html", Filename: "heatmap.html", Data: []byte("<html/>")})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if artifact.ID == "" || artifact.Size != 7 || artifact.SessionKey != "web:abc" {
		t.Fatalf("artifact = %+v", artifact)
	}
	if got := repo.URL(artifact.ID); got != "https://atlas.example/artifacts/"+artifact.ID {
		t.Fatalf("URL = %q", got)
	}

	meta, body, err := repo.Open(context.Background(), artifact.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "<html/>" || meta.MimeType != "text/html" {
		t.Fatalf("Open = %+v %q", meta, data)
	}

	if got := repo.List(Filter{SessionKey: "web:abc"}); len(got) != 1 {
		t.Fatalf("List by session = %d items", len(got))
	}
	if got := repo.List(Filter{SessionKey: "web:other"}); len(got) != 0 {
		t.Fatalf("List other session = %d items", len(got))
	}
}

func TestRepositoryExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	repo := newTestRepository(t, clock)
	ctx := context.Background()

	short, err := repo.Save(ctx, SaveRequest{Type: "heatmap_preview", MimeType: "image/png", Data: []byte("a"), TTL: time.Minute})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	long, err := repo.Save(ctx, SaveRequest{Type: "heatmap", MimeType: "text/html", Data: []byte("b")})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	clock.now = clock.now.Add(2 * time.Minute)
	if _, _, err := repo.Open(ctx, short.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open expired = %v, want ErrNotFound", err)
	}

	clock.now = clock.now.Add(2 * time.Hour)
	pruned, err := repo.PruneExpired(ctx)
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
	if _, _, err := repo.Open(ctx, long.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open pruned = %v", err)
	}
}

func TestCleanupService(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	repo := newTestRepository(t, clock)
	if _, err := repo.Save(context.Background(), SaveRequest{Type: "heatmap", MimeType: "text/html", Data: []byte("x"), TTL: time.Second}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	clock.now = clock.now.Add(time.Minute)

	svc, err := NewCleanupService(repo, "", nil)
	if err != nil {
		t.Fatalf("NewCleanupService: %v", err)
	}
	if got := svc.RunOnce(context.Background()); got != 1 {
		t.Fatalf("RunOnce pruned %d, want 1", got)
	}
	svc.Start()
	svc.Stop(context.Background())

	if _, err := NewCleanupService(repo, "not a schedule", nil); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestNewStore(t *testing.T) {
	store, err := NewStore(context.Background(), "local", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore local: %v", err)
	}
	if _, ok := store.(*LocalStore); !ok {
		t.Fatalf("store = %T", store)
	}
	if _, err := NewStore(context.Background(), "gcs", "", nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if _, err := NewStore(context.Background(), "s3", "", &S3StoreConfig{}); err == nil {
		t.Fatal("expected error for s3 without bucket")
	}
}
