// Package store persists the per-device alias and plex.tv bind token data
// the bridge accumulates across restarts, as a single JSON file.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DeviceData is the per-uuid record the data file keeps.
type DeviceData struct {
	Alias string `json:"alias,omitempty"`
	Token string `json:"token,omitempty"`
	// ClientID is only ever set on the reserved bridgeKey record; it holds
	// the bridge's own persistent X-Plex-Client-Identifier.
	ClientID string `json:"clientId,omitempty"`
}

// bridgeKey is a reserved, non-UUID map key (no UPnP device UUID collides
// with it) holding the bridge's own persistent identity record.
const bridgeKey = "_bridge"

// Store is a JSON-file-backed map of uuid -> DeviceData, guarded by a mutex
// and fully read/rewritten on every access — the same shape as the
// original's load_data/save_data, traded for an in-process lock instead of
// relying on the filesystem for concurrency control.
type Store struct {
	mu   sync.Mutex
	path string
}

// New returns a Store backed by <configPath>/<dataFileName>. The directory
// is created lazily, on first write.
func New(configPath, dataFileName string) *Store {
	return &Store{path: filepath.Join(configPath, dataFileName)}
}

// load reads the full data file. A missing or malformed file is treated as
// an empty store rather than an error, matching the original's load_data.
func (s *Store) load() map[string]DeviceData {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return make(map[string]DeviceData)
	}
	var m map[string]DeviceData
	if err := json.Unmarshal(data, &m); err != nil {
		return make(map[string]DeviceData)
	}
	if m == nil {
		m = make(map[string]DeviceData)
	}
	return m
}

// save atomically rewrites the full data file via a temp file + rename, so
// a crash mid-write never leaves a truncated data file behind.
func (s *Store) save(m map[string]DeviceData) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".data-*.json.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	name := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(name)
		if werr != nil {
			return fmt.Errorf("store: write: %w", werr)
		}
		return fmt.Errorf("store: close: %w", cerr)
	}
	if err := os.Rename(name, s.path); err != nil {
		os.Remove(name)
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}

// Get returns the record for uuid, or the zero value if none is saved.
func (s *Store) Get(uuid string) DeviceData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()[uuid]
}

// Alias returns the saved alias for uuid, or "" if none is set.
func (s *Store) Alias(uuid string) string {
	return s.Get(uuid).Alias
}

// Token returns the saved plex.tv bind token for uuid, or "" if none is set.
func (s *Store) Token(uuid string) string {
	return s.Get(uuid).Token
}

// SetAlias persists an alias for uuid, preserving any token already saved.
func (s *Store) SetAlias(uuid, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.load()
	rec := m[uuid]
	rec.Alias = alias
	m[uuid] = rec
	return s.save(m)
}

// SetToken persists a plex.tv bind token for uuid, preserving any alias
// already saved.
func (s *Store) SetToken(uuid, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.load()
	rec := m[uuid]
	rec.Token = token
	m[uuid] = rec
	return s.save(m)
}

// BridgeClientID returns the bridge's own persistent X-Plex-Client-Identifier,
// generating one via genID and persisting it the first time it's needed.
// plex.tv expects every distinct client to present a stable identifier across
// restarts, unlike a device UUID (which the UPnP description already fixes).
func (s *Store) BridgeClientID(genID func() string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.load()
	rec := m[bridgeKey]
	if rec.ClientID != "" {
		return rec.ClientID, nil
	}
	rec.ClientID = genID()
	m[bridgeKey] = rec
	return rec.ClientID, s.save(m)
}
