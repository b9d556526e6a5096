// Package uploadqueue implements the persisted upload FIFO described
// in spec.md §3 (upload_entry) and §4.7 (uploader). It is grounded
// directly on the teacher's backend/cache/storage_persistent.go
// pending-upload bucket: addPendingUpload/getPendingUpload/
// rollbackPendingUpload/removePendingUpload/ReconcileTempUploads
// become Enqueue/Dequeue/Retry(rollback)/Remove/RestoreOnStart below,
// generalized from rclone's single-remote cache use case to
// repertory's per-provider retry/backoff bookkeeping.
package uploadqueue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/repertory-go/repertory/internal/rerrors"
)

const pendingBucket = "pending_uploads"

// Entry mirrors spec.md §3's upload_entry.
type Entry struct {
	APIPath      string    `json:"api_path"`
	SourcePath   string    `json:"source_path"`
	AddedOn      time.Time `json:"added_on"`
	Started      bool      `json:"started"`
	RetryCount   int       `json:"retry_count"`
	LastErrorMsg string    `json:"last_error,omitempty"`
}

// Queue is the persisted upload FIFO, backed by its own bbolt file so
// upload bookkeeping survives independently of the meta store (the
// teacher keeps pending uploads in the same cache DB as directory
// state; repertory splits them so a corrupt meta store cannot also
// wedge in-flight uploads — documented in DESIGN.md).
type Queue struct {
	db *bolt.DB
}

// Open creates (if necessary) dataDir and opens/creates the queue's
// bbolt file inside it.
func Open(dataDir string, waitTime time.Duration) (*Queue, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create upload queue directory %q", dataDir)
	}
	dbPath := filepath.Join(dataDir, "upload_queue.db")
	bdb, err := bolt.Open(dbPath, 0o644, &bolt.Options{Timeout: waitTime})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open upload queue at %q", dbPath)
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(pendingBucket))
		return err
	})
	if err != nil {
		_ = bdb.Close()
		return nil, errors.Wrap(err, "failed to initialize upload queue bucket")
	}
	return &Queue{db: bdb}, nil
}

// Close releases the underlying bbolt file.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue adds apiPath to the upload queue, or replaces its existing
// entry — a write to an already-queued file restarts its upload
// (spec.md §4.7: "each write resets the pending entry").
func (q *Queue) Enqueue(apiPath, sourcePath string, now time.Time) error {
	entry := Entry{APIPath: apiPath, SourcePath: sourcePath, AddedOn: now}
	return q.put(entry)
}

func (q *Queue) put(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pendingBucket)).Put([]byte(entry.APIPath), data)
	})
}

func (q *Queue) get(apiPath string) (Entry, error) {
	var entry Entry
	err := q.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(pendingBucket)).Get([]byte(apiPath))
		if data == nil {
			return rerrors.New(rerrors.ItemNotFound)
		}
		return json.Unmarshal(data, &entry)
	})
	return entry, err
}

// Dequeue returns the oldest not-yet-started entry and marks it
// started, mirroring the teacher's getPendingUpload cursor-seek: scan
// by AddedOn order, skip anything already Started (another worker has
// it in flight), mark the winner Started under the same transaction so
// two callers never pick the same entry (spec.md §4.7 single uploader
// worker invariant — kept as a queue-level guarantee so a future
// multi-worker uploader stays correct too).
func (q *Queue) Dequeue() (Entry, bool, error) {
	var out Entry
	var found bool
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(pendingBucket))
		c := b.Cursor()

		var bestKey []byte
		var best Entry
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.Started {
				continue
			}
			if bestKey == nil || e.AddedOn.Before(best.AddedOn) {
				bestKey = append([]byte(nil), k...)
				best = e
			}
		}
		if bestKey == nil {
			return nil
		}
		best.Started = true
		data, err := json.Marshal(best)
		if err != nil {
			return err
		}
		if err := b.Put(bestKey, data); err != nil {
			return err
		}
		out = best
		found = true
		return nil
	})
	return out, found, err
}

// Complete removes apiPath from the queue after a successful upload.
func (q *Queue) Complete(apiPath string) error {
	return q.Remove(apiPath)
}

// Remove drops apiPath's entry unconditionally.
func (q *Queue) Remove(apiPath string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pendingBucket)).Delete([]byte(apiPath))
	})
}

// Rekey moves oldAPIPath's queued entry (if any) to newAPIPath,
// preserving its AddedOn/RetryCount/Started bookkeeping — Rename uses
// this so a file renamed while its upload is still pending follows it
// to the new api_path instead of being orphaned under the stale key
// (spec.md §4.8.4).
func (q *Queue) Rekey(oldAPIPath, newAPIPath string) error {
	if oldAPIPath == newAPIPath {
		return nil
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(pendingBucket))
		data := b.Get([]byte(oldAPIPath))
		if data == nil {
			return nil
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		entry.APIPath = newAPIPath
		newData, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(newAPIPath), newData); err != nil {
			return err
		}
		return b.Delete([]byte(oldAPIPath))
	})
}

// Retry rolls an in-flight entry back to not-started, bumping its
// retry count and recording the failure — mirrors
// rollbackPendingUpload in the teacher.
func (q *Queue) Retry(apiPath string, cause error) error {
	entry, err := q.get(apiPath)
	if err != nil {
		return err
	}
	entry.Started = false
	entry.RetryCount++
	if cause != nil {
		entry.LastErrorMsg = cause.Error()
	}
	return q.put(entry)
}

// RestoreOnStart marks every Started entry as not-started again,
// mirroring the teacher's ReconcileTempUploads: a process restart
// means no upload is actually in flight any more, so whatever was
// mid-upload must be retried from the top.
func (q *Queue) RestoreOnStart() error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(pendingBucket))
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if !e.Started {
				continue
			}
			e.Started = false
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Contains reports whether apiPath currently has a queued entry.
func (q *Queue) Contains(apiPath string) (bool, error) {
	_, err := q.get(apiPath)
	if err != nil {
		if rerr, ok := err.(*rerrors.Error); ok && rerr.Code == rerrors.ItemNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns every queued entry, for diagnostics/testing.
func (q *Queue) List() ([]Entry, error) {
	var out []Entry
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(pendingBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}
