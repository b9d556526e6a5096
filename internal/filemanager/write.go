package filemanager

import (
	"context"
	"os"

	"github.com/repertory-go/repertory/internal/rerrors"
)

// Write stores p at offset in apiPath's source file and marks the
// entry modified, queuing it for upload once the last handle closes
// (spec.md §4.8.5). Writing past the current end of file extends it
// and grows the chunk bitmap, marking the newly introduced tail
// chunks present since they are zero-filled locally rather than
// fetched from the provider. Any chunk the write touches that already
// existed before the write is forced present (downloaded if missing)
// first, so a partial overwrite never silently discards provider data
// outside the written range (spec.md §4.8.4: "for each affected
// chunk, force it present, then write through").
func (m *Manager) Write(ctx context.Context, apiPath string, offset int64, p []byte) (int, error) {
	m.mu.Lock()
	entry, ok := m.files[apiPath]
	m.mu.Unlock()
	if !ok {
		return 0, rerrors.New(rerrors.InvalidHandle)
	}

	entry.mu.Lock()
	state := entry.state
	entry.mu.Unlock()
	if state == StateClosed || state == StateUploading {
		return 0, rerrors.New(rerrors.InvalidOperation)
	}

	newEnd := offset + int64(len(p))
	entry.mu.Lock()
	oldSize := entry.size
	needsGrow := newEnd > oldSize
	entry.mu.Unlock()
	if needsGrow {
		entry.resize(newEnd, true)
	}

	if len(p) > 0 {
		firstIdx := entry.chunkIndex(offset)
		lastIdx := entry.chunkIndex(offset + int64(len(p)) - 1)
		for idx := firstIdx; idx <= lastIdx; idx++ {
			if int64(idx)*entry.chunkSize >= oldSize {
				continue // entirely inside the zero-filled grown tail
			}
			if err := m.ensureChunk(ctx, entry, idx); err != nil {
				return 0, err
			}
		}
	}

	f, err := os.OpenFile(entry.sourcePath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, rerrors.Wrap(rerrors.OSError, err)
	}
	defer f.Close()

	n, err := f.WriteAt(p, offset)
	if err != nil {
		return n, rerrors.Wrap(rerrors.OSError, err)
	}

	entry.markModified()
	return n, nil
}

// Resize truncates or extends apiPath's source file to newSize,
// reshaping the chunk bitmap the same way Write's auto-grow does.
func (m *Manager) Resize(ctx context.Context, apiPath string, newSize int64) error {
	m.mu.Lock()
	entry, ok := m.files[apiPath]
	m.mu.Unlock()
	if !ok {
		return rerrors.New(rerrors.InvalidHandle)
	}

	if err := os.Truncate(entry.sourcePath, newSize); err != nil && !os.IsNotExist(err) {
		return rerrors.Wrap(rerrors.OSError, err)
	}

	grow := newSize > entry.size
	entry.resize(newSize, grow)
	entry.markModified()
	return nil
}
