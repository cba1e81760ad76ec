package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileKV implements KV with a single JSON file. Writes go through a temp
// file and an atomic rename so a crash mid-write never corrupts the store.
type FileKV struct {
	path string
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

// NewFileKV opens or creates a file-backed store at path.
// If path is empty, defaults to ~/.tabwarden/state.json
func NewFileKV(path string) (*FileKV, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".tabwarden", "state.json")
	}

	store := &FileKV{
		path: path,
		data: make(map[string]json.RawMessage),
	}

	if err := store.load(); err != nil {
		return nil, fmt.Errorf("failed to load state from %s: %w", path, err)
	}
	return store, nil
}

func (s *FileKV) load() error {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist yet, start empty
			return nil
		}
		return fmt.Errorf("failed to open state file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		return fmt.Errorf("failed to decode state file: %w", err)
	}
	if s.data == nil {
		s.data = make(map[string]json.RawMessage)
	}
	return nil
}

// Get returns the value for key and whether it was present.
func (s *FileKV) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	// Return a copy to prevent external modification
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

// Set writes the value for key and flushes the whole store to disk.
func (s *FileKV) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make(json.RawMessage, len(value))
	copy(stored, value)
	s.data[key] = stored
	return s.flush()
}

// Delete removes key and flushes the store to disk.
func (s *FileKV) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	return s.flush()
}

// flush writes the store atomically. Caller holds the lock.
func (s *FileKV) flush() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tempPath := s.path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}

	// No indentation: values are raw messages and must round-trip
	// byte-identical.
	encoder := json.NewEncoder(file)
	if err := encoder.Encode(s.data); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode state: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Close is a no-op for the file backend; every Set already hit the disk.
func (s *FileKV) Close() error {
	return nil
}

// Path returns the file path of the store.
func (s *FileKV) Path() string {
	return s.path
}
