// Package store is the opaque load/save collaborator for client-side caches:
// chat history and the workspace document caches. Values are JSON documents
// keyed by name; the store knows nothing about their shape.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Store persists JSON documents under one directory.
type Store struct {
	dir string
}

// NewStore creates the backing directory if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) pathFor(key string) string {
	return filepath.Join(s.dir, unsafeKeyChars.ReplaceAllString(key, "_")+".json")
}

// Save writes a value under key, replacing any previous one.
func (s *Store) Save(key string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	// Write-then-rename so a crash never leaves a truncated document.
	tmp := s.pathFor(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp, s.pathFor(key)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", key, err)
	}
	return nil
}

// Load reads the value stored under key into v. Returns os.ErrNotExist when
// nothing was stored.
func (s *Store) Load(key string, v interface{}) error {
	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return nil
}

// Delete removes the value stored under key, if any.
func (s *Store) Delete(key string) error {
	err := os.Remove(s.pathFor(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// HistoryEntry is one transcript line of a chat session.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// LoadHistory returns the stored transcript for a session, empty when none
// exists.
func (s *Store) LoadHistory(sessionKey string) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := s.Load("history-"+sessionKey, &entries)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// SaveHistory replaces the stored transcript for a session.
func (s *Store) SaveHistory(sessionKey string, entries []HistoryEntry) error {
	return s.Save("history-"+sessionKey, entries)
}
