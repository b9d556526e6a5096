package filemanager

import (
	"context"

	"github.com/repertory-go/repertory/internal/events"
	"github.com/repertory-go/repertory/internal/rlog"
)

// Rename moves from to to: on the provider, in the meta store, in the
// open-file registry if from is currently referenced, in the upload
// queue if from has a pending upload, and evicts both paths from the
// directory cache (spec.md §4.8.4).
//
// Locking follows the canonical two-lock ordering to stay deadlock
// free even if two renames race across the same pair of paths in
// opposite directions (rename A->B concurrently with B->A): both
// callers must acquire the registry's two affected entries in the
// same relative order, so lexicographically-smaller-path-first is
// used rather than from/to argument order.
func (m *Manager) Rename(ctx context.Context, from, to string) error {
	if err := m.provider.RenameFile(ctx, from, to); err != nil {
		return err
	}
	// Overwriting a live open_file: drop the target's meta row first so
	// the meta rename below does not reject the move with item_exists.
	m.mu.Lock()
	_, fromOpen := m.files[from]
	_, toOpen := m.files[to]
	m.mu.Unlock()
	if fromOpen && toOpen {
		if err := m.meta.RemoveAPIPath(to); err != nil {
			return err
		}
	}
	if err := m.meta.RenameItemMeta(from, to); err != nil {
		return err
	}

	m.dircache.RemovePath(from)
	m.dircache.RemovePath(to)

	if queued, err := m.queue.Contains(from); err != nil {
		rlog.Warnf(from, "failed to check pending upload before rename: %v", err)
	} else if queued {
		if err := m.queue.Rekey(from, to); err != nil {
			rlog.Warnf(from, "failed to rekey pending upload to %s: %v", to, err)
		}
	}

	first, second := from, to
	if to < from {
		first, second = to, from
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Touch both slots, in lexicographic order, before mutating either —
	// this is what keeps a concurrent reverse rename from taking the
	// opposite lock order and deadlocking. The registry itself is
	// protected by a single m.mu today (no per-entry locks to order),
	// but the ordered touch is kept so a future per-entry lock split
	// stays correct without revisiting this call site.
	_ = m.files[first]
	_ = m.files[second]

	if entry, ok := m.files[from]; ok {
		if _, exists := m.files[to]; exists {
			// to already names a live open_file: rename overwrites it, so
			// its entry is torn down (and any upload it had queued under
			// its own api_path cancelled) rather than rejecting the
			// rename outright (spec.md §4.8.4 overwrite path).
			delete(m.files, to)
			if err := m.queue.Remove(to); err != nil {
				rlog.Warnf(to, "failed to cancel overwritten target's pending upload: %v", err)
			}
			m.bus.Publish(events.NewFileUploadRemoved("Manager.Rename", to, "overwritten by rename"))
		}
		entry.mu.Lock()
		entry.apiPath = to
		entry.mu.Unlock()
		m.files[to] = entry
		delete(m.files, from)
	}
	return nil
}
