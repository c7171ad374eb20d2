package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LocalStore stores artifacts as flat files under one directory. Files are
// named <id><ext>, so artifacts written by an earlier process stay readable.
type LocalStore struct {
	mu       sync.RWMutex
	basePath string
	index    map[string]string // artifactID -> file name
}

// NewLocalStore creates the directory if needed.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &LocalStore{
		basePath: basePath,
		index:    make(map[string]string),
	}, nil
}

// Put writes to a temp file and renames it into place.
func (s *LocalStore) Put(_ context.Context, artifactID string, data io.Reader, opts PutOptions) (string, error) {
	if err := validID(artifactID); err != nil {
		return "", err
	}
	filename := artifactID + extensionForMime(opts.MimeType)
	filePath := filepath.Join(s.basePath, filename)

	tmp, err := os.CreateTemp(s.basePath, filename+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()        //nolint:errcheck
		_ = os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		_ = os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("rename artifact: %w", err)
	}

	s.mu.Lock()
	s.index[artifactID] = filename
	s.mu.Unlock()

	abs, err := filepath.Abs(filePath)
	if err != nil {
		abs = filePath
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func (s *LocalStore) lookup(artifactID string) (string, error) {
	if err := validID(artifactID); err != nil {
		return "", err
	}
	s.mu.RLock()
	name, ok := s.index[artifactID]
	s.mu.RUnlock()
	if ok {
		return filepath.Join(s.basePath, name), nil
	}
	matches, err := filepath.Glob(filepath.Join(s.basePath, artifactID+".*"))
	if err != nil {
		return "", err
	}
	for _, match := range matches {
		if !strings.HasSuffix(match, ".tmp") {
			return match, nil
		}
	}
	return "", ErrNotFound
}

// Get opens the artifact file.
func (s *LocalStore) Get(_ context.Context, artifactID string) (io.ReadCloser, error) {
	path, err := s.lookup(artifactID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

// Delete removes the file. Unknown ids are not an error.
func (s *LocalStore) Delete(_ context.Context, artifactID string) error {
	path, err := s.lookup(artifactID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.index, artifactID)
	s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

// Exists reports whether the file is present.
func (s *LocalStore) Exists(_ context.Context, artifactID string) (bool, error) {
	path, err := s.lookup(artifactID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *LocalStore) Close() error {
	return nil
}

// validID rejects ids that could escape the base directory.
func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") || strings.ContainsAny(id, "*?[") {
		return fmt.Errorf("invalid artifact id %q", id)
	}
	return nil
}
