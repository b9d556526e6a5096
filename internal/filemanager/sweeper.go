package filemanager

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/repertory-go/repertory/internal/events"
	"github.com/repertory-go/repertory/internal/rlog"
)

const defaultSweepPeriod = 5 * time.Minute

// runSweeper periodically removes cache-directory files that no
// longer have any api_path referencing them as a source_path and are
// not queued for upload — the orphan cleanup spec.md §4.8.6 requires
// so a crash between "write source file" and "record it in the meta
// store" doesn't leak disk space forever.
func (m *Manager) runSweeper(ctx context.Context) {
	defer m.wg.Done()

	period := m.cfg.OrphanSweepPeriod
	if period <= 0 {
		period = defaultSweepPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	entries, err := os.ReadDir(m.cfg.CacheDir)
	if err != nil {
		if !os.IsNotExist(err) {
			rlog.Warnf("sweeper", "failed to list cache dir: %v", err)
		}
		return
	}

	queued, err := m.queue.List()
	if err != nil {
		rlog.Warnf("sweeper", "failed to list upload queue: %v", err)
		return
	}
	queuedSources := make(map[string]struct{}, len(queued))
	for _, e := range queued {
		queuedSources[e.SourcePath] = struct{}{}
	}

	m.mu.Lock()
	openSources := make(map[string]struct{}, len(m.files))
	for _, entry := range m.files {
		openSources[entry.sourcePath] = struct{}{}
	}
	m.mu.Unlock()

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		sourcePath := filepath.Join(m.cfg.CacheDir, e.Name())

		if _, ok := openSources[sourcePath]; ok {
			continue
		}
		if _, ok := queuedSources[sourcePath]; ok {
			continue
		}
		if _, err := m.meta.GetAPIPath(sourcePath); err == nil {
			continue
		}

		if err := os.Remove(sourcePath); err != nil {
			rlog.Warnf("sweeper", "failed to remove orphaned source file %q: %v", sourcePath, err)
			continue
		}
		m.bus.Publish(events.NewOrphanedSourceFileRemoved("Manager.sweepOnce", sourcePath))
	}
}
