// Package blobcache stores static-asset responses (binary bodies) in a
// leveldb database. Keys are namespaced by cache version; bumping the
// version and calling Rotate is the only eviction mechanism.
package blobcache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const keyPrefix = "static-"

// Entry is one cached response. Only status-200 responses are stored.
type Entry struct {
	Status   int
	Headers  map[string]string
	Body     []byte
	StoredAt int64
}

type Cache struct {
	db      *leveldb.DB
	version string
}

func Open(path, version string) (*Cache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open blob cache: %w", err)
	}
	return &Cache{db: db, version: version}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) Get(url string) (Entry, bool, error) {
	raw, err := c.db.Get(c.key(url), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("blob get: %w", err)
	}
	var ent Entry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&ent); err != nil {
		return Entry{}, false, fmt.Errorf("decode blob entry: %w", err)
	}
	return ent, true, nil
}

// Put stores ent under url. Non-200 responses are rejected so transient
// upstream errors never poison the cache.
func (c *Cache) Put(url string, ent Entry) error {
	if ent.Status != 200 {
		return fmt.Errorf("refusing to cache status %d for %s", ent.Status, url)
	}
	if ent.StoredAt == 0 {
		ent.StoredAt = time.Now().Unix()
	}
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(ent); err != nil {
		return fmt.Errorf("encode blob entry: %w", err)
	}
	if err := c.db.Put(c.key(url), buf.Bytes(), nil); err != nil {
		return fmt.Errorf("blob put: %w", err)
	}
	return nil
}

func (c *Cache) Delete(url string) error {
	if err := c.db.Delete(c.key(url), nil); err != nil {
		return fmt.Errorf("blob delete: %w", err)
	}
	return nil
}

// Rotate deletes every entry stored under a version other than the current
// one. Called once at activation after a version bump.
func (c *Cache) Rotate() (int, error) {
	current := []byte(keyPrefix + c.version + "/")
	it := c.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	removed := 0
	for it.Next() {
		if bytes.HasPrefix(it.Key(), current) {
			continue
		}
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		batch.Delete(k)
		removed++
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("blob rotate scan: %w", err)
	}
	if removed > 0 {
		if err := c.db.Write(batch, nil); err != nil {
			return 0, fmt.Errorf("blob rotate delete: %w", err)
		}
	}
	return removed, nil
}

// Count returns the number of entries under the current version.
func (c *Cache) Count() (int, error) {
	it := c.db.NewIterator(util.BytesPrefix([]byte(keyPrefix+c.version+"/")), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("blob count: %w", err)
	}
	return n, nil
}

func (c *Cache) key(url string) []byte {
	return []byte(keyPrefix + c.version + "/" + strings.TrimSpace(url))
}
