package filemanager

import "context"

// ringBufferWindow returns how many chunks ahead of idx the ring
// buffer variant should keep warm, derived from cfg.RingBufferSize
// (spec.md §4.8.4: "ring buffer multiple * chunk size" sets the
// prefetch window for sequential playback-style access).
func (m *Manager) ringBufferWindow(entry *openFile) int {
	if entry.chunkSize <= 0 || m.cfg.RingBufferSize <= 0 {
		return 0
	}
	window := int(m.cfg.RingBufferSize / entry.chunkSize)
	if window < 1 {
		window = 1
	}
	return window
}

// prefetchRingBuffer fires off best-effort background downloads for
// the chunks immediately following idx, up to the ring buffer window.
// It never blocks the caller and never surfaces an error — a failed
// prefetch just means that chunk will be fetched synchronously when a
// future Read reaches it, same as without prefetch.
//
// This generalizes the teacher's queueOffset/seenOffsets sliding
// window (backend/cache/handle.go) from a fixed worker-pool preload
// queue into a per-read spawn bounded by the shared download throttle
// that ensureChunk acquires, since repertory has no standing worker pool.
func (m *Manager) prefetchRingBuffer(ctx context.Context, entry *openFile, fromIdx int) {
	if !entry.ringBuffer {
		return
	}
	window := m.ringBufferWindow(entry)
	if window == 0 {
		return
	}

	entry.mu.Lock()
	total := entry.chunks.Len()
	entry.mu.Unlock()

	for i := 1; i <= window; i++ {
		idx := fromIdx + i
		if idx >= total {
			break
		}
		entry.mu.Lock()
		have := entry.chunks.IsSet(idx)
		entry.mu.Unlock()
		if have {
			continue
		}
		go func(i int) {
			_ = m.ensureChunk(ctx, entry, i)
		}(idx)
	}
}
