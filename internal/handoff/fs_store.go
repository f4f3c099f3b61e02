package handoff

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FSStore is a filesystem-backed Store. Keys map directly onto the directory
// layout below the base path:
//
//	<base>/
//	  <executionID>/
//	    <phase>/
//	      <attempt>/
//	        input.json
//	        output.json
//	    spec/
//	      <revision>/spec.json
type FSStore struct {
	basePath string
	mu       sync.RWMutex
}

// NewFSStore creates a filesystem handoff store rooted at basePath.
func NewFSStore(basePath string) (*FSStore, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("create handoff directory %s: %w", basePath, err)
	}
	return &FSStore{basePath: basePath}, nil
}

// Put stores a blob under the given key.
func (fs *FSStore) Put(ctx context.Context, key string, data []byte) error {
	path, err := fs.keyPath(key)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}

	// Write to a temp file first so readers never observe a partial object.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize object: %w", err)
	}
	return nil
}

// Get retrieves a blob by key.
func (fs *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := fs.keyPath(key)
	if err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound{Key: key}
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Exists checks whether a key is present.
func (fs *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := fs.keyPath(key)
	if err != nil {
		return false, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object: %w", err)
	}
	return true, nil
}

// Close is a no-op for the filesystem store.
func (fs *FSStore) Close() error { return nil }

// keyPath resolves a key without letting it escape the base directory.
func (fs *FSStore) keyPath(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return filepath.Join(fs.basePath, filepath.FromSlash(key)), nil
}
