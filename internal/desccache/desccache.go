// Package desccache persists the last successfully fetched UPnP root
// description and SCPD documents to a small SQLite database, so a bridge
// restart (or a device that's briefly unreachable right at startup) can
// still serve the last-known-good document instead of failing outright.
package desccache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Cache wraps a SQLite-backed key-value store of cached documents, keyed by
// the URL they were fetched from. A Cache built with an empty path (or a
// nil *Cache) is a no-op: every Get returns not-found and every Put
// succeeds trivially, matching spec.md's "optimization, never a
// correctness requirement" framing for the description cache.
type Cache struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path. An empty
// path disables the cache entirely.
func Open(path string) (*Cache, error) {
	if path == "" {
		return &Cache{}, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("desccache: mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("desccache: open %s: %w", path, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS documents (
		kind TEXT NOT NULL,
		url TEXT NOT NULL,
		body BLOB NOT NULL,
		hash TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (kind, url)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("desccache: create table: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database handle. A no-op on a disabled
// Cache.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Hash returns a short content hash for a cached document body, stored
// alongside it for diagnostics (e.g. telling an operator whether a
// redelivered fallback document actually matches what the device last
// served).
func Hash(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:16])
}

// GetDescription returns the last cached root description for url.
func (c *Cache) GetDescription(url string) ([]byte, bool) {
	return c.get("description", url)
}

// PutDescription stores the root description body fetched from url.
func (c *Cache) PutDescription(url string, body []byte) error {
	return c.put("description", url, body)
}

// GetSCPD returns the last cached SCPD document for url.
func (c *Cache) GetSCPD(url string) ([]byte, bool) {
	return c.get("scpd", url)
}

// PutSCPD stores the SCPD document body fetched from url.
func (c *Cache) PutSCPD(url string, body []byte) error {
	return c.put("scpd", url, body)
}

func (c *Cache) get(kind, url string) ([]byte, bool) {
	if c == nil || c.db == nil {
		return nil, false
	}
	var body []byte
	err := c.db.QueryRow(`SELECT body FROM documents WHERE kind = ? AND url = ?`, kind, url).Scan(&body)
	if err != nil {
		return nil, false
	}
	return body, true
}

func (c *Cache) put(kind, url string, body []byte) error {
	if c == nil || c.db == nil {
		return nil
	}
	hash := Hash(body)
	_, err := c.db.Exec(`INSERT INTO documents (kind, url, body, hash, updated_at)
		VALUES (?, ?, ?, ?, strftime('%s','now'))
		ON CONFLICT(kind, url) DO UPDATE SET body = excluded.body, hash = excluded.hash, updated_at = excluded.updated_at`,
		kind, url, body, hash)
	if err != nil {
		return fmt.Errorf("desccache: put %s %s: %w", kind, url, err)
	}
	return nil
}
