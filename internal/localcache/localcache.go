// Package localcache implements the per-host, file-backed cache from
// spec.md §4.6: one file per fingerprint, atomic writes, TTL expiry, and a
// HostSnapshot compatibility check on read. It is grounded on
// internal/cluster/registry.go's file-backed JSON store (load/save,
// tolerant-of-missing-file semantics) and internal/inspect/lock.go's
// os.IsNotExist-tolerant reads, stored as one flat file per fingerprint in
// a single directory, combined with an atomic
// write-temp-then-rename borrowed from the same registry's durability
// expectations.
package localcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/luckyjian/amorsize/internal/cacheentry"
	"github.com/luckyjian/amorsize/internal/decision"
	"github.com/luckyjian/amorsize/internal/hostcap"
)

// DefaultTTL is the default entry lifetime, spec.md §4.6.
const DefaultTTL = 7 * 24 * time.Hour

// MissReason explains why Load returned no usable Decision.
type MissReason string

const (
	MissNone         MissReason = ""
	MissNotFound     MissReason = "not_found"
	MissExpired      MissReason = "expired"
	MissIncompatible MissReason = "host_incompatible"
	MissCorrupt      MissReason = "corrupt"
)

// Cache is a directory-backed store, one file per fingerprint.
type Cache struct {
	dir   string
	log   zerolog.Logger
	nowFn func() time.Time
}

// New creates a Cache rooted at dir, creating it if necessary.
func New(dir string, log zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("localcache: create cache dir %s: %w", dir, err)
	}
	return &Cache{dir: dir, log: log, nowFn: time.Now}, nil
}

// Load reads the cached Decision for fingerprintHex, validating TTL and
// host compatibility. A miss of any kind (not found, expired, incompatible,
// corrupt) returns a zero Decision, false, and a MissReason rather than an
// error — per spec.md §7, CacheCorrupt degrades in place.
func (c *Cache) Load(fingerprintHex string, current hostcap.Snapshot) (decision.Decision, bool, MissReason) {
	path := c.path(fingerprintHex)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return decision.Decision{}, false, MissNotFound
		}
		c.log.Warn().Err(err).Str("path", path).Msg("localcache: read failed, treating as miss")
		return decision.Decision{}, false, MissCorrupt
	}

	entry, err := cacheentry.DecodeFile(data)
	if err != nil {
		c.log.Warn().Err(err).Str("path", path).Msg("localcache: corrupt entry, unlinking")
		c.unlink(path)
		return decision.Decision{}, false, MissCorrupt
	}

	if entry.Expired(c.now()) {
		c.unlink(path)
		return decision.Decision{}, false, MissExpired
	}

	if !entry.Host.CompatibleWith(current) {
		return decision.Decision{}, false, MissIncompatible
	}

	return entry.Decision, true, MissNone
}

// Save persists d for fingerprintHex, captured against host, with an
// atomic write-to-temp-then-rename so concurrent readers never observe a
// torn file (spec.md §4.6's concurrency note).
func (c *Cache) Save(fingerprintHex string, d decision.Decision, host hostcap.Snapshot, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	entry := cacheentry.Entry{
		Decision:      d,
		Host:          host,
		CreatedAt:     c.now(),
		SchemaVersion: cacheentry.SchemaVersion,
		TTL:           ttl,
	}

	data, err := cacheentry.EncodeFile(entry)
	if err != nil {
		return fmt.Errorf("localcache: encode entry: %w", err)
	}

	path := c.path(fingerprintHex)
	tmpPath := filepath.Join(c.dir, fmt.Sprintf(".%s.tmp", uuid.New().String()))

	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("localcache: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("localcache: rename into place: %w", err)
	}
	return nil
}

// Clear removes cached entries whose fingerprint hex matches pattern. An
// empty pattern clears everything.
func (c *Cache) Clear(pattern string) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("localcache: list cache dir: %w", err)
	}

	var firstErr error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if pattern != "" && !matchesPattern(name, cacheentry.FileName(cacheentry.SchemaVersion, pattern)) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Cache) path(fingerprintHex string) string {
	return filepath.Join(c.dir, cacheentry.FileName(cacheentry.SchemaVersion, fingerprintHex))
}

func (c *Cache) unlink(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Warn().Err(err).Str("path", path).Msg("localcache: failed to unlink corrupt/expired entry")
	}
}

func (c *Cache) now() time.Time {
	if c.nowFn != nil {
		return c.nowFn()
	}
	return time.Now()
}

func matchesPattern(name, pattern string) bool {
	ok, err := filepath.Match(pattern, name)
	return err == nil && ok
}
