// Package metadb implements the embedded meta store (spec.md §4.6):
// an ordered key/value store keyed by api_path holding metadata
// attributes, plus a reverse source_path→api_path index kept in
// lockstep, plus the persisted chunk-download bitmaps the downloader
// needs to resume across restarts (spec.md §4.8.2).
//
// It is grounded directly on the teacher's backend/cache/storage_persistent.go
// Persistent wrapper: a single bbolt.DB, one bucket per logical table,
// bucket-scoped View/Update helpers, and errors.Wrapf for failures
// that cross an operator-visible boundary (the "is there another
// repertory running on the same remote?" framing there becomes our
// open() error message below).
package metadb

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/repertory-go/repertory/internal/rerrors"
)

const (
	metaBucket       = "meta"
	sourceBucket     = "source_index"
	chunkStateBucket = "chunk_state"
	apiPathsBucket   = "api_paths"
)

// Well-known metadata attribute keys (spec.md §3 filesystem_item).
const (
	KeySize       = "size"
	KeySourcePath = "source_path"
	KeyChunkSize  = "chunk_size"
	KeyDirectory  = "directory"
	KeyMode       = "mode"
	KeyPinned     = "pinned"
)

// DB is the embedded meta store. The zero value is not usable; call
// Open.
type DB struct {
	mu   sync.Mutex
	db   *bolt.DB
	path string
}

// Open creates (if necessary) dataDir and opens/creates the bbolt file
// inside it, initializing all buckets.
func Open(dataDir string, waitTime time.Duration) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create meta data directory %q", dataDir)
	}
	dbPath := filepath.Join(dataDir, "meta.db")
	bdb, err := bolt.Open(dbPath, 0o644, &bolt.Options{Timeout: waitTime})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open meta store at %q (is another mount running against the same cache dir?)", dbPath)
	}

	d := &DB{db: bdb, path: dbPath}
	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{metaBucket, sourceBucket, chunkStateBucket, apiPathsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = bdb.Close()
		return nil, errors.Wrap(err, "failed to initialize meta store buckets")
	}
	return d, nil
}

// Close releases the underlying bbolt file.
func (d *DB) Close() error {
	return d.db.Close()
}

func encodeAttrs(m map[string]string) ([]byte, error) {
	return json.Marshal(m)
}

func decodeAttrs(data []byte) (map[string]string, error) {
	m := make(map[string]string)
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetItemMeta returns the full attribute map for apiPath.
func (d *DB) GetItemMeta(apiPath string) (map[string]string, error) {
	var out map[string]string
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(metaBucket))
		data := b.Get([]byte(apiPath))
		if data == nil {
			return rerrors.New(rerrors.ItemNotFound)
		}
		m, err := decodeAttrs(data)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// GetItemMetaKey returns a single attribute value for apiPath.
func (d *DB) GetItemMetaKey(apiPath, key string) (string, error) {
	m, err := d.GetItemMeta(apiPath)
	if err != nil {
		return "", err
	}
	return m[key], nil
}

// SetItemMetaKey sets a single attribute, creating the item's row if
// it doesn't exist yet.
func (d *DB) SetItemMetaKey(apiPath, key, value string) error {
	return d.SetItemMeta(apiPath, map[string]string{key: value})
}

// SetItemMeta merges attrs into apiPath's row.
func (d *DB) SetItemMeta(apiPath string, attrs map[string]string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(metaBucket))
		existing, err := decodeAttrs(b.Get([]byte(apiPath)))
		if err != nil {
			return err
		}
		for k, v := range attrs {
			existing[k] = v
		}
		encoded, err := encodeAttrs(existing)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(apiPath), encoded); err != nil {
			return err
		}

		if sp, ok := attrs[KeySourcePath]; ok && sp != "" {
			if err := d.putReverseLocked(tx, sp, apiPath); err != nil {
				return err
			}
		}
		return tx.Bucket([]byte(apiPathsBucket)).Put([]byte(apiPath), []byte{1})
	})
}

func (d *DB) putReverseLocked(tx *bolt.Tx, sourcePath, apiPath string) error {
	return tx.Bucket([]byte(sourceBucket)).Put([]byte(sourcePath), []byte(apiPath))
}

// RemoveItemMetaKey deletes a single attribute from apiPath's row.
func (d *DB) RemoveItemMetaKey(apiPath, key string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(metaBucket))
		existing, err := decodeAttrs(b.Get([]byte(apiPath)))
		if err != nil {
			return err
		}
		delete(existing, key)
		encoded, err := encodeAttrs(existing)
		if err != nil {
			return err
		}
		return b.Put([]byte(apiPath), encoded)
	})
}

// RemoveAPIPath deletes apiPath's meta row, its reverse-index entry
// (if any), and its persisted chunk bitmap.
func (d *DB) RemoveAPIPath(apiPath string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		metaB := tx.Bucket([]byte(metaBucket))
		existing, err := decodeAttrs(metaB.Get([]byte(apiPath)))
		if err != nil {
			return err
		}
		if sp := existing[KeySourcePath]; sp != "" {
			if err := tx.Bucket([]byte(sourceBucket)).Delete([]byte(sp)); err != nil {
				return err
			}
		}
		if err := metaB.Delete([]byte(apiPath)); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(chunkStateBucket)).Delete([]byte(apiPath)); err != nil {
			return err
		}
		return tx.Bucket([]byte(apiPathsBucket)).Delete([]byte(apiPath))
	})
}

// RenameItemMeta atomically moves the meta row (and its reverse-index
// entry) from "from" to "to". Fails with item_exists if "to" already
// has an entry (spec.md §4.6).
func (d *DB) RenameItemMeta(from, to string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		metaB := tx.Bucket([]byte(metaBucket))
		if metaB.Get([]byte(to)) != nil {
			return rerrors.New(rerrors.ItemExists)
		}
		data := metaB.Get([]byte(from))
		if data == nil {
			return rerrors.New(rerrors.ItemNotFound)
		}
		if err := metaB.Put([]byte(to), data); err != nil {
			return err
		}
		if err := metaB.Delete([]byte(from)); err != nil {
			return err
		}

		attrs, err := decodeAttrs(data)
		if err != nil {
			return err
		}
		if sp := attrs[KeySourcePath]; sp != "" {
			if err := tx.Bucket([]byte(sourceBucket)).Put([]byte(sp), []byte(to)); err != nil {
				return err
			}
		}

		chunkB := tx.Bucket([]byte(chunkStateBucket))
		if cs := chunkB.Get([]byte(from)); cs != nil {
			if err := chunkB.Put([]byte(to), cs); err != nil {
				return err
			}
			if err := chunkB.Delete([]byte(from)); err != nil {
				return err
			}
		}

		pathsB := tx.Bucket([]byte(apiPathsBucket))
		if err := pathsB.Delete([]byte(from)); err != nil {
			return err
		}
		return pathsB.Put([]byte(to), []byte{1})
	})
}

// GetAPIPath resolves the api_path currently backed by sourcePath.
func (d *DB) GetAPIPath(sourcePath string) (string, error) {
	var out string
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(sourceBucket)).Get([]byte(sourcePath))
		if data == nil {
			return rerrors.New(rerrors.ItemNotFound)
		}
		out = string(data)
		return nil
	})
	return out, err
}

// GetPinnedFiles returns every api_path whose "pinned" attribute is
// set to "true".
func (d *DB) GetPinnedFiles() ([]string, error) {
	var out []string
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(metaBucket))
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			attrs, err := decodeAttrs(v)
			if err != nil {
				continue
			}
			if attrs[KeyPinned] == "true" {
				out = append(out, string(k))
			}
		}
		return nil
	})
	return out, err
}

// GetTotalItemCount returns the number of api_path rows tracked.
func (d *DB) GetTotalItemCount() (int, error) {
	count := 0
	err := d.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(apiPathsBucket)).Stats().KeyN
		return nil
	})
	return count, err
}

// GetAPIPathList returns every tracked api_path.
func (d *DB) GetAPIPathList() ([]string, error) {
	var out []string
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(apiPathsBucket)).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			out = append(out, string(k))
		}
		return nil
	})
	return out, err
}

// GetChunkState returns the persisted chunk bitmap bytes for apiPath,
// or nil if none is stored.
func (d *DB) GetChunkState(apiPath string) ([]byte, error) {
	var out []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(chunkStateBucket)).Get([]byte(apiPath))
		if data != nil {
			out = append([]byte(nil), data...)
		}
		return nil
	})
	return out, err
}

// SetChunkState persists the chunk bitmap bytes for apiPath.
func (d *DB) SetChunkState(apiPath string, data []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(chunkStateBucket)).Put([]byte(apiPath), data)
	})
}
