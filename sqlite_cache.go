package selaras

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    stored_at  INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
)`

// Compile-time interface satisfaction check.
var _ CacheStore = (*SQLiteCache)(nil)

// SQLiteCache implements CacheStore on a SQLite database so cached results
// survive process restarts. Values are stored as JSON, so a value read back
// carries JSON's type shapes (numbers come back as float64).
//
// CacheStore's methods carry no error returns; storage failures mark the
// affected call as a miss (or no-op) and are retained for inspection via
// Err.
type SQLiteCache struct {
	db *sql.DB

	mu      sync.Mutex
	lastErr error
}

// NewSQLiteCache opens the SQLite database at dbPath and ensures the cache
// schema exists.
func NewSQLiteCache(dbPath string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache table: %w", err)
	}

	return &SQLiteCache{db: db}, nil
}

// Close closes the underlying database connection.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// Get returns the entry for key if present and unexpired. Expired rows are
// deleted lazily on lookup.
func (c *SQLiteCache) Get(key string) (*CacheEntry, bool) {
	var value []byte
	var storedAt, expiresAt int64

	err := c.db.QueryRow(
		"SELECT value, stored_at, expires_at FROM cache_entries WHERE key = ?", key,
	).Scan(&value, &storedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		c.setErr(fmt.Errorf("get cache entry: %w", err))
		return nil, false
	}

	if time.Now().UnixNano() > expiresAt {
		if _, err := c.db.Exec("DELETE FROM cache_entries WHERE key = ? AND expires_at = ?", key, expiresAt); err != nil {
			c.setErr(fmt.Errorf("delete expired entry: %w", err))
		}
		return nil, false
	}

	var decoded any
	if err := json.Unmarshal(value, &decoded); err != nil {
		c.setErr(fmt.Errorf("decode cache entry: %w", err))
		return nil, false
	}

	return &CacheEntry{
		Value:     decoded,
		StoredAt:  time.Unix(0, storedAt),
		ExpiresAt: time.Unix(0, expiresAt),
	}, true
}

// Set stores entry under key for ttl, replacing any previous row.
func (c *SQLiteCache) Set(key string, entry *CacheEntry, ttl time.Duration) {
	encoded, err := json.Marshal(entry.Value)
	if err != nil {
		c.setErr(fmt.Errorf("encode cache entry: %w", err))
		return
	}

	now := time.Now()
	entry.StoredAt = now
	entry.ExpiresAt = now.Add(ttl)

	_, err = c.db.Exec(
		`INSERT INTO cache_entries (key, value, stored_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			stored_at = excluded.stored_at,
			expires_at = excluded.expires_at`,
		key, encoded, now.UnixNano(), entry.ExpiresAt.UnixNano(),
	)
	if err != nil {
		c.setErr(fmt.Errorf("set cache entry: %w", err))
	}
}

// Delete removes key from the cache.
func (c *SQLiteCache) Delete(key string) {
	if _, err := c.db.Exec("DELETE FROM cache_entries WHERE key = ?", key); err != nil {
		c.setErr(fmt.Errorf("delete cache entry: %w", err))
	}
}

// Clear removes every entry.
func (c *SQLiteCache) Clear() {
	if _, err := c.db.Exec("DELETE FROM cache_entries"); err != nil {
		c.setErr(fmt.Errorf("clear cache: %w", err))
	}
}

// PurgeExpired removes all expired rows and reports how many were deleted.
// Intended for periodic maintenance alongside pool janitors.
func (c *SQLiteCache) PurgeExpired() (int64, error) {
	result, err := c.db.Exec("DELETE FROM cache_entries WHERE expires_at < ?", time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge expired entries: %w", err)
	}
	return result.RowsAffected()
}

// Len returns the number of stored entries, expired ones included.
func (c *SQLiteCache) Len() int {
	var count int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM cache_entries").Scan(&count); err != nil {
		c.setErr(fmt.Errorf("count cache entries: %w", err))
		return 0
	}
	return count
}

// Err returns the last storage error observed, if any.
func (c *SQLiteCache) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *SQLiteCache) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}
