// Package offsets persists byte offsets of tailed files per consumer so a
// restarted tailer resumes without reprocessing or skipping lines.
package offsets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Key identifies one consumer's position in one file.
type Key struct {
	Path     string `json:"path"`
	Consumer string `json:"consumer"`
}

func (k Key) String() string {
	return k.Consumer + "@" + k.Path
}

// Store loads and commits offsets. Load of an unknown key returns 0.
type Store interface {
	Load(ctx context.Context, key Key) (int64, error)
	Commit(ctx context.Context, key Key, offset int64) error
}

// MemoryStore keeps offsets in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	offsets map[Key]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offsets: make(map[Key]int64)}
}

func (s *MemoryStore) Load(_ context.Context, key Key) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsets[key], nil
}

func (s *MemoryStore) Commit(_ context.Context, key Key, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[key] = offset
	return nil
}

// FileStore keeps all offsets in one JSON document, rewritten atomically on
// every commit.
type FileStore struct {
	path    string
	mu      sync.Mutex
	offsets map[string]map[string]int64 // consumer -> path -> offset
}

// NewFileStore opens (or lazily creates) the offsets document at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("offsets path cannot be empty")
	}
	s := &FileStore{
		path:    path,
		offsets: make(map[string]map[string]int64),
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(strings.TrimSpace(string(data))) > 0 {
			if err := json.Unmarshal(data, &s.offsets); err != nil {
				return nil, fmt.Errorf("decode offsets file %s: %w", path, err)
			}
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read offsets file: %w", err)
	}
	return s, nil
}

func (s *FileStore) Load(_ context.Context, key Key) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[key.Consumer][key.Path], nil
}

func (s *FileStore) Commit(_ context.Context, key Key, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPath, ok := s.offsets[key.Consumer]
	if !ok {
		byPath = make(map[string]int64)
		s.offsets[key.Consumer] = byPath
	}
	if prev, ok := byPath[key.Path]; ok && prev == offset {
		return nil
	}
	byPath[key.Path] = offset

	data, err := json.MarshalIndent(s.offsets, "", "  ")
	if err != nil {
		return fmt.Errorf("encode offsets: %w", err)
	}
	return writeFileAtomic(s.path, data, 0o644)
}

func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create offsets directory: %w", err)
	}

	tempFile, err := os.CreateTemp(parent, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(content); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Chmod(mode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp file: %w", err)
		}
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove destination before rename: %w", removeErr)
		}
		if renameErr := os.Rename(tempPath, path); renameErr != nil {
			return fmt.Errorf("rename temp file after remove: %w", renameErr)
		}
	}
	cleanup = false
	return nil
}
