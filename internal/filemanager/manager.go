package filemanager

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/repertory-go/repertory/internal/chunkstate"
	"github.com/repertory-go/repertory/internal/dircache"
	"github.com/repertory-go/repertory/internal/events"
	"github.com/repertory-go/repertory/internal/metadb"
	"github.com/repertory-go/repertory/internal/provider"
	"github.com/repertory-go/repertory/internal/rerrors"
	"github.com/repertory-go/repertory/internal/rlog"
	"github.com/repertory-go/repertory/internal/throttle"
	"github.com/repertory-go/repertory/internal/uploadqueue"
)

// Config holds the tunables spec.md §4.8/§5 exposes for the file
// manager; the concrete values come from internal/config at startup.
type Config struct {
	CacheDir          string
	ChunkSize         int64
	MaxConcurrentDL   int
	MaxConcurrentUL   int
	RingBufferSize    int64
	UseRingBuffer     bool
	UploadRetryWait   time.Duration
	OrphanSweepPeriod time.Duration
}

// Manager is the spec.md §4.8 file_manager: it owns every currently
// referenced open_file entry, the persisted meta/upload stores, and
// the background uploader/sweeper goroutines, and is the single
// choke point FUSE glue calls into for read/write/rename/resize.
//
// It generalizes the teacher's backend/cache.Fs+Handle pairing
// (which is one Fs per configured remote) into a single struct
// fronting exactly one provider, since repertory mounts one backing
// store per process (spec.md §1).
type Manager struct {
	cfg      Config
	provider provider.Provider
	meta     *metadb.DB
	queue    *uploadqueue.Queue
	bus      *events.Bus
	dircache *dircache.Cache

	dlThrottle *throttle.Throttle
	ulThrottle *throttle.Throttle

	mu       sync.Mutex
	files    map[string]*openFile // api_path -> entry
	nextHnd  uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Manager. Callers must call Start before routing
// any FUSE operations through it, and Stop on unmount.
func New(cfg Config, p provider.Provider, meta *metadb.DB, queue *uploadqueue.Queue, bus *events.Bus) *Manager {
	return &Manager{
		cfg:        cfg,
		provider:   p,
		meta:       meta,
		queue:      queue,
		bus:        bus,
		dircache:   dircache.New(),
		dlThrottle: throttle.New(maxOr(cfg.MaxConcurrentDL, 4)),
		ulThrottle: throttle.New(maxOr(cfg.MaxConcurrentUL, 2)),
		files:      make(map[string]*openFile),
		stopCh:     make(chan struct{}),
	}
}

func maxOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// Start restores any uploads interrupted by the previous process exit
// and launches the background uploader and orphan sweeper (spec.md
// §4.7, §4.8.6).
func (m *Manager) Start(ctx context.Context) error {
	if err := m.queue.RestoreOnStart(); err != nil {
		return err
	}
	m.wg.Add(2)
	go m.runUploader(ctx)
	go m.runSweeper(ctx)
	return nil
}

// Stop signals the background workers to exit and waits for them,
// then shuts down both throttles so any blocked Acquire calls return
// immediately instead of hanging a shutdown.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.dlThrottle.Shutdown()
	m.ulThrottle.Shutdown()
	m.wg.Wait()
}

// AllocHandle returns a fresh handle id for a newly opened file
// (spec.md §3 invariant: handle ids are process-unique for the life of
// the mount).
func (m *Manager) AllocHandle() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHnd++
	return m.nextHnd
}

// Open registers apiPath in the open-file table (or joins an existing
// entry) and returns a handle id the caller uses for subsequent
// Read/Write/Close calls.
func (m *Manager) Open(ctx context.Context, apiPath string) (uint64, error) {
	handle := m.AllocHandle()

	m.mu.Lock()
	entry, exists := m.files[apiPath]
	if exists {
		entry.addHandle(handle)
		m.mu.Unlock()
		m.cancelPendingClose(apiPath, entry)
		return handle, nil
	}
	m.mu.Unlock()

	item, err := m.provider.GetItem(ctx, apiPath)
	if err != nil {
		return 0, err
	}

	chunkSize := m.cfg.ChunkSize
	if item.ChunkSize > 0 {
		chunkSize = item.ChunkSize
	}

	sourcePath, err := m.resolveSourcePath(apiPath)
	if err != nil {
		return 0, err
	}

	entry = newOpenFile(apiPath, sourcePath, item.Size, chunkSize, m.cfg.UseRingBuffer)
	if err := m.restoreChunkState(entry); err != nil {
		rlog.Warnf(apiPath, "discarding persisted chunk state: %v", err)
	}
	entry.addHandle(handle)
	if err := entry.transition(StateOpen); err != nil {
		return 0, err
	}

	m.bus.Publish(events.NewDownloadTypeSelected("Manager.Open", apiPath, entry.ringBuffer))

	m.mu.Lock()
	m.files[apiPath] = entry
	m.mu.Unlock()

	return handle, nil
}

// cancelPendingClose implements scenario 2 / spec.md §4.8.7: a new
// open racing an entry still sitting in closing_modified returns it to
// open and cancels its queued upload rather than letting a file that
// is open for writes again get uploaded out from under the writer. An
// entry already past closing_modified (uploading, or already closed
// and evicted) is left alone — the transfer already in flight runs to
// completion.
func (m *Manager) cancelPendingClose(apiPath string, entry *openFile) {
	if entry.currentState() != StateClosingModified {
		return
	}
	if err := entry.transition(StateOpen); err != nil {
		return
	}
	if err := m.queue.Remove(apiPath); err != nil {
		rlog.Warnf(apiPath, "failed to cancel pending upload on reopen: %v", err)
	}
	m.bus.Publish(events.NewFileUploadRemoved("Manager.Open", apiPath, "file reopened before upload started"))
}

// resolveSourcePath derives a stable on-disk cache path for apiPath
// from the meta store's reverse index, creating one (a random UUID
// under cfg.CacheDir) the first time the path is seen — so a rename
// never requires renaming the backing file (spec.md §3 invariant).
func (m *Manager) resolveSourcePath(apiPath string) (string, error) {
	attrs, err := m.meta.GetItemMeta(apiPath)
	if err == nil {
		if sp := attrs[metadb.KeySourcePath]; sp != "" {
			return sp, nil
		}
	}

	sourcePath := filepath.Join(m.cfg.CacheDir, uuid.NewString())
	if err := os.MkdirAll(m.cfg.CacheDir, 0o755); err != nil {
		return "", rerrors.Wrap(rerrors.OSError, err)
	}
	if err := m.meta.SetItemMeta(apiPath, map[string]string{metadb.KeySourcePath: sourcePath}); err != nil {
		return "", err
	}
	return sourcePath, nil
}

// restoreChunkState accepts a persisted bitmap only if its byte length
// matches what entry's current (provider-reported) size and chunk
// size demand; any mismatch means the provider-side file changed
// shape since last run, so the persisted state is untrustworthy and
// is discarded instead (spec.md §4.8.2).
func (m *Manager) restoreChunkState(entry *openFile) error {
	data, err := m.meta.GetChunkState(entry.apiPath)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}

	expectedWords := (entry.chunks.Len() + 63) / 64
	if len(data) != expectedWords*8 {
		m.bus.Publish(events.NewDownloadRestoreFailed("Manager.Open", entry.apiPath, "persisted chunk state size mismatch"))
		return nil
	}

	entry.mu.Lock()
	entry.chunks = chunkstate.FromBytes(entry.chunks.Len(), data)
	entry.mu.Unlock()
	m.bus.Publish(events.NewDownloadRestored("Manager.Open", entry.apiPath))
	return nil
}

// Close detaches handle from apiPath's entry. When it was the last
// handle and the entry was modified, the entry moves to
// closing_modified and is handed to the upload queue; otherwise it is
// evicted outright (spec.md §4.8.7).
func (m *Manager) Close(ctx context.Context, apiPath string, handle uint64) error {
	m.mu.Lock()
	entry, ok := m.files[apiPath]
	m.mu.Unlock()
	if !ok {
		return rerrors.New(rerrors.InvalidHandle)
	}

	last := entry.removeHandle(handle)
	if !last {
		return nil
	}

	if err := m.persistChunkState(entry); err != nil {
		rlog.Warnf(apiPath, "failed to persist chunk state on close: %v", err)
	}

	if entry.isModified() {
		if err := entry.transition(StateClosingModified); err != nil {
			return err
		}
		// The entry stays in the registry (with zero handles) through
		// closing_modified/uploading so the uploader can still find and
		// advance its state; runUploader evicts it once the transfer
		// finishes or is permanently abandoned.
		return m.queue.Enqueue(apiPath, entry.sourcePath, time.Now())
	}

	if err := entry.transition(StateClosed); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.files, apiPath)
	m.mu.Unlock()
	return nil
}

func (m *Manager) persistChunkState(entry *openFile) error {
	entry.mu.Lock()
	data := entry.chunks.Bytes()
	entry.mu.Unlock()
	return m.meta.SetChunkState(entry.apiPath, data)
}
