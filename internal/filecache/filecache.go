// Package filecache implements the optional, advisory on-disk POT cache
// under CACHE_DIR. A missing, corrupt, or expired file is always treated
// as a miss — nothing here may cause a request to fail.
package filecache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Cache is a file-backed cache keyed by (minter_key, content_binding,
// context).
// It holds no in-process state beyond its root directory.
type Cache struct {
	rootDir string
}

// New builds a Cache rooted at dir, creating it if necessary.
func New(dir string) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("filecache: root dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filecache: create root dir: %w", err)
	}
	return &Cache{rootDir: dir}, nil
}

// Record is the on-disk representation of one cached POT.
type Record struct {
	Token          string    `json:"token"`
	ExpiresAt      time.Time `json:"expires_at"`
	ContentBinding string    `json:"content_binding"`
	Context        string    `json:"context"`
}

func (c *Cache) path(minterKey, contentBinding, context string) string {
	sum := sha256.Sum256([]byte(minterKey + "\x00" + contentBinding + "\x00" + context))
	return filepath.Join(c.rootDir, fmt.Sprintf("%x.json", sum))
}

// Get returns the cached Record for the composite key, or false on any
// miss — including a corrupt or expired file, both of which are silently
// treated as absent and removed from disk.
func (c *Cache) Get(minterKey, contentBinding, context string) (Record, bool) {
	fn := c.path(minterKey, contentBinding, context)

	raw, err := os.ReadFile(fn)
	if err != nil {
		return Record{}, false
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		log.Debug().Err(err).Str("file", fn).Msg("filecache: corrupt entry, treating as miss")
		_ = os.Remove(fn)
		return Record{}, false
	}
	if !time.Now().Before(rec.ExpiresAt) {
		_ = os.Remove(fn)
		return Record{}, false
	}
	return rec, true
}

// Clear removes every persisted entry. Failures are logged, not returned,
// matching the rest of the package's advisory-only error handling.
func (c *Cache) Clear() {
	entries, err := os.ReadDir(c.rootDir)
	if err != nil {
		log.Warn().Err(err).Str("dir", c.rootDir).Msg("filecache: list entries for clear failed")
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		if err := os.Remove(filepath.Join(c.rootDir, e.Name())); err != nil {
			log.Warn().Err(err).Str("file", e.Name()).Msg("filecache: remove entry failed")
		}
	}
}

// Set writes rec to disk, replacing any prior entry for the same composite
// key. Failures are logged, not returned — the file cache is advisory.
func (c *Cache) Set(minterKey, contentBinding, context string, rec Record) {
	fn := c.path(minterKey, contentBinding, context)
	tmp := fn + ".tmp"

	raw, err := json.Marshal(rec)
	if err != nil {
		log.Warn().Err(err).Msg("filecache: marshal entry failed")
		return
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		log.Warn().Err(err).Str("file", tmp).Msg("filecache: write entry failed")
		return
	}
	if err := os.Rename(tmp, fn); err != nil {
		log.Warn().Err(err).Str("file", fn).Msg("filecache: rename entry failed")
		_ = os.Remove(tmp)
	}
}
