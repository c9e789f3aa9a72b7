// Package respcache provides the on-disk response cache collaborator.
// Successful gateway payloads are stored under a key derived from the
// request identity so an offline read can recover the last good
// response (stale-but-available policy).
package respcache

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/attache-app/core/internal/errors"
)

// Key derives the cache key for a request: a SHA-256 over host, path,
// and the sorted query and body parameters. Sorting makes the key
// independent of map iteration order.
func Key(host, path string, query, body map[string]string) string {
	h := sha256.New()
	h.Write([]byte(host))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	writeSorted(h.Write, query)
	h.Write([]byte{0})
	writeSorted(h.Write, body)
	return hex.EncodeToString(h.Sum(nil))
}

func writeSorted(write func([]byte) (int, error), params map[string]string) {
	if len(params) == 0 {
		return
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
		sb.WriteByte('&')
	}
	write([]byte(sb.String()))
}

// Cache is a file-backed response cache. Entries are stored at
// baseDir/{key[0:2]}/{key}, a one-level fan-out keeping directories
// small.
type Cache struct {
	baseDir string
	mu      sync.RWMutex
}

// New creates a Cache rooted at baseDir.
func New(baseDir string) *Cache {
	return &Cache{baseDir: baseDir}
}

// Write persists a payload under key, replacing any previous entry.
func (c *Cache) Write(key string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := filepath.Join(c.baseDir, shard(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to create cache directory", err)
	}

	if err := os.WriteFile(filepath.Join(dir, key), data, 0o644); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to write cache entry", err)
	}
	return nil
}

// Read returns the payload stored under key. A missing entry yields
// NO_CACHED_DATA.
func (c *Cache) Read(key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(c.baseDir, shard(key), key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.ErrNoCachedData, "no cached payload for key")
		}
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read cache entry", err)
	}
	return data, nil
}

// Has reports whether a payload exists for key.
func (c *Cache) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, err := os.Stat(filepath.Join(c.baseDir, shard(key), key))
	return err == nil
}

// Clear removes every cached entry. Used on logout.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(c.baseDir); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to clear cache", err)
	}
	return nil
}

func shard(key string) string {
	if len(key) < 2 {
		return "00"
	}
	return key[:2]
}
