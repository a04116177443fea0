package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// MetaEntry is the value half of the meta cache's path -> {hash, mtime, size}
// mapping (I6).
type MetaEntry struct {
	Hash    string `json:"hash"`
	MtimeMs int64  `json:"mtime_ms"`
	Size    int64  `json:"size"`
}

var metaBucket = []byte("meta")

// MetaCache is the embedded key-value store mapping a project-relative path
// to its last-indexed {hash, mtime, size}. It is the durable half of I6: a
// path present in the vector store always has a matching entry here.
//
// Backed by go.etcd.io/bbolt rather than folding this into the relational
// MetadataStore, matching the spec's framing of the meta cache as its own
// embedded key-value store distinct from the columnar chunk table.
type MetaCache struct {
	db   *bbolt.DB
	path string
}

// NewMetaCache opens (creating if absent) the bbolt-backed meta cache at path.
func NewMetaCache(path string) (*MetaCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create meta cache directory: %w", err)
	}
	db, err := bbolt.Open(path, 0644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open meta cache: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize meta cache bucket: %w", err)
	}
	return &MetaCache{db: db, path: path}, nil
}

// Get returns the entry for path, or (nil, nil) if absent.
func (m *MetaCache) Get(path string) (*MetaEntry, error) {
	var entry *MetaEntry
	err := m.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get([]byte(path))
		if raw == nil {
			return nil
		}
		var e MetaEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		entry = &e
		return nil
	})
	return entry, err
}

// Put writes entry for path. Writes are durable (bbolt fsyncs on commit)
// before the next file's processing begins, per §4.6.
func (m *MetaCache) Put(path string, entry MetaEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Put([]byte(path), raw)
	})
}

// Delete removes the entry for path, if any.
func (m *MetaCache) Delete(path string) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Delete([]byte(path))
	})
}

// AllKeys returns every path currently tracked by the cache.
func (m *MetaCache) AllKeys() ([]string, error) {
	var keys []string
	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Close releases the underlying bbolt handle. Idempotent.
func (m *MetaCache) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}
