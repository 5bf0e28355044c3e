// Package archive provides blob destinations for dead-letter exports:
// a local directory or a GCS bucket.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FSStore writes export snapshots under a local directory.
type FSStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFSStore creates the directory if needed.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// Store writes one snapshot. An existing snapshot with the same name is
// overwritten.
func (s *FSStore) Store(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.baseDir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write archive %s: %w", name, err)
	}
	return nil
}

// Load reads one snapshot back.
func (s *FSStore) Load(_ context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, filepath.Base(name)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archive not found: %s", name)
		}
		return nil, fmt.Errorf("failed to read archive %s: %w", name, err)
	}
	return data, nil
}

// List returns snapshot names, sorted ascending.
func (s *FSStore) List(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
