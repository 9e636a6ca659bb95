package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileKV implements KV with one JSON file per key.
// Storage layout:
//
//	~/.personachat/store/
//	  ├── chat_messages_cache_v1.json
//	  └── chat_sessions_cache_v1.json
//
// Writes go to a temporary file that is renamed over the target, so a crash
// never leaves a half-written document behind.
type FileKV struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileKV creates a new file-based backend.
// If baseDir is empty, uses ~/.personachat/store.
func NewFileKV(baseDir string) (*FileKV, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".personachat", "store")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileKV{baseDir: baseDir}, nil
}

// Dir returns the directory holding the documents.
func (f *FileKV) Dir() string {
	return f.baseDir
}

func (f *FileKV) path(key string) string {
	return filepath.Join(f.baseDir, key+".json")
}

// Get reads the document stored under key.
func (f *FileKV) Get(ctx context.Context, key string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return "", ErrClosed
	}
	if err := validateKey(key); err != nil {
		return "", err
	}

	data, err := os.ReadFile(f.path(key)) // #nosec G304 - key validated to prevent traversal
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return string(data), nil
}

// Set replaces the document stored under key.
func (f *FileKV) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if err := validateKey(key); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.baseDir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path(key)); err != nil {
		return fmt.Errorf("replace %s: %w", key, err)
	}
	return nil
}

// Close marks the backend closed.
func (f *FileKV) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

// Ping checks that the base directory is still usable.
func (f *FileKV) Ping(ctx context.Context) error {
	info, err := os.Stat(f.baseDir)
	if err != nil {
		return fmt.Errorf("stat base directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", f.baseDir)
	}
	return nil
}
