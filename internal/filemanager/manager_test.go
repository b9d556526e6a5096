package filemanager

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repertory-go/repertory/internal/dircache"
	"github.com/repertory-go/repertory/internal/events"
	"github.com/repertory-go/repertory/internal/metadb"
	"github.com/repertory-go/repertory/internal/uploadqueue"
)

func newTestManager(t *testing.T, p *fakeProvider) *Manager {
	t.Helper()
	dir := t.TempDir()

	meta, err := metadb.Open(dir+"/meta", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	queue, err := uploadqueue.Open(dir+"/queue", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })

	bus := events.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	cfg := Config{
		CacheDir:        dir + "/cache",
		ChunkSize:       4,
		MaxConcurrentDL: 2,
		MaxConcurrentUL: 1,
	}
	m := New(cfg, p, meta, queue, bus)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func TestOpenReadDownloadsChunksOnDemand(t *testing.T) {
	p := newFakeProvider()
	p.putFile("/a.txt", []byte("0123456789ABCDEF"), 4)
	m := newTestManager(t, p)

	ctx := context.Background()
	handle, err := m.Open(ctx, "/a.txt")
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := m.Read(ctx, "/a.txt", 0, buf)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	require.Equal(t, "0123456789ABCDEF", string(buf))

	require.NoError(t, m.Close(ctx, "/a.txt", handle))
}

func TestReadPartialWindowSpanningChunkBoundary(t *testing.T) {
	p := newFakeProvider()
	p.putFile("/a.txt", []byte("0123456789ABCDEF"), 4)
	m := newTestManager(t, p)

	ctx := context.Background()
	handle, err := m.Open(ctx, "/a.txt")
	require.NoError(t, err)

	buf := make([]byte, 6)
	n, err := m.Read(ctx, "/a.txt", 2, buf)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, "234567", string(buf))

	require.NoError(t, m.Close(ctx, "/a.txt", handle))
}

func TestReadRetriesOnProviderFailureThenSucceeds(t *testing.T) {
	p := newFakeProvider()
	p.putFile("/a.txt", []byte("0123"), 4)
	p.failReads["/a.txt"] = 2

	m := newTestManager(t, p)
	ctx := context.Background()
	handle, err := m.Open(ctx, "/a.txt")
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := m.Read(ctx, "/a.txt", 0, buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "0123", string(buf))

	require.NoError(t, m.Close(ctx, "/a.txt", handle))
}

func TestWriteThenCloseEnqueuesUploadAndUploaderDeliversIt(t *testing.T) {
	p := newFakeProvider()
	p.putFile("/a.txt", []byte("0000"), 4)
	m := newTestManager(t, p)

	ctx := context.Background()
	handle, err := m.Open(ctx, "/a.txt")
	require.NoError(t, err)

	n, err := m.Write(ctx, "/a.txt", 0, []byte("ZZZZ"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	require.NoError(t, m.Close(ctx, "/a.txt", handle))

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		got, ok := p.uploaded["/a.txt"]
		return ok && bytes.Equal(got, []byte("ZZZZ"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWritePastEndOfFileGrowsSizeAndMarksTailPresent(t *testing.T) {
	p := newFakeProvider()
	p.putFile("/a.txt", []byte("0123"), 4)
	m := newTestManager(t, p)

	ctx := context.Background()
	handle, err := m.Open(ctx, "/a.txt")
	require.NoError(t, err)

	_, err = m.Write(ctx, "/a.txt", 4, []byte("4567"))
	require.NoError(t, err)

	m.mu.Lock()
	entry := m.files["/a.txt"]
	m.mu.Unlock()
	require.Equal(t, int64(8), entry.size)
	require.True(t, entry.chunks.IsSet(1), "extension chunk must be marked present")

	require.NoError(t, m.Close(ctx, "/a.txt", handle))
}

func TestRenameMovesRegistryEntryAndMeta(t *testing.T) {
	p := newFakeProvider()
	p.putFile("/a.txt", []byte("data"), 4)
	m := newTestManager(t, p)

	ctx := context.Background()
	handle, err := m.Open(ctx, "/a.txt")
	require.NoError(t, err)

	require.NoError(t, m.Rename(ctx, "/a.txt", "/b.txt"))

	m.mu.Lock()
	_, stillUnderOld := m.files["/a.txt"]
	_, underNew := m.files["/b.txt"]
	m.mu.Unlock()
	require.False(t, stillUnderOld)
	require.True(t, underNew)

	require.NoError(t, m.Close(ctx, "/b.txt", handle))
}

func TestCloseWithoutModificationDoesNotEnqueueUpload(t *testing.T) {
	p := newFakeProvider()
	p.putFile("/a.txt", []byte("data"), 4)
	m := newTestManager(t, p)

	ctx := context.Background()
	handle, err := m.Open(ctx, "/a.txt")
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, "/a.txt", handle))

	queued, err := m.queue.List()
	require.NoError(t, err)
	require.Empty(t, queued)
}

func TestSecondOpenSharesRegistryEntry(t *testing.T) {
	p := newFakeProvider()
	p.putFile("/a.txt", []byte("data"), 4)
	m := newTestManager(t, p)

	ctx := context.Background()
	h1, err := m.Open(ctx, "/a.txt")
	require.NoError(t, err)
	h2, err := m.Open(ctx, "/a.txt")
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	m.mu.Lock()
	entry := m.files["/a.txt"]
	m.mu.Unlock()
	require.Equal(t, 2, entry.handleCount())

	require.NoError(t, m.Close(ctx, "/a.txt", h1))
	m.mu.Lock()
	_, stillPresent := m.files["/a.txt"]
	m.mu.Unlock()
	require.True(t, stillPresent, "entry must survive while a second handle is open")

	require.NoError(t, m.Close(ctx, "/a.txt", h2))
}

func TestConcurrentReadsOfSameChunkDownloadOnce(t *testing.T) {
	p := newFakeProvider()
	p.putFile("/a.txt", []byte("0123456789ABCDEF"), 16)
	p.readDelay = 50 * time.Millisecond
	m := newTestManager(t, p)

	ctx := context.Background()
	handle, err := m.Open(ctx, "/a.txt")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 4)
			_, _ = m.Read(ctx, "/a.txt", int64(i%4), buf)
		}()
	}
	wg.Wait()

	p.mu.Lock()
	calls := p.readCalls["/a.txt"]
	p.mu.Unlock()
	require.Equal(t, 1, calls, "concurrent readers of the same chunk must share a single provider download")

	require.NoError(t, m.Close(ctx, "/a.txt", handle))
}

func TestUploadWaitsForFullDownloadBeforeSending(t *testing.T) {
	p := newFakeProvider()
	p.putFile("/a.txt", []byte("01234567"), 4) // two 4-byte chunks
	m := newTestManager(t, p)

	ctx := context.Background()
	handle, err := m.Open(ctx, "/a.txt")
	require.NoError(t, err)

	// Only chunk 0 is ever touched locally; chunk 1 is never read or
	// written before close, so it starts the upload un-downloaded.
	_, err = m.Write(ctx, "/a.txt", 0, []byte("ZZZZ"))
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx, "/a.txt", handle))

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		got, ok := p.uploaded["/a.txt"]
		return ok && bytes.Equal(got, []byte("ZZZZ4567"))
	}, 2*time.Second, 10*time.Millisecond, "upload must backfill the undownloaded chunk instead of sending a hole")
}

func TestReopenWhileClosingModifiedCancelsPendingUpload(t *testing.T) {
	p := newFakeProvider()
	p.putFile("/a.txt", []byte("0000"), 4)
	m := newTestManager(t, p)

	ctx := context.Background()
	h1, err := m.Open(ctx, "/a.txt")
	require.NoError(t, err)

	_, err = m.Write(ctx, "/a.txt", 0, []byte("ZZZZ"))
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, "/a.txt", h1))

	m.mu.Lock()
	entry := m.files["/a.txt"]
	m.mu.Unlock()
	require.Equal(t, StateClosingModified, entry.currentState())

	h2, err := m.Open(ctx, "/a.txt")
	require.NoError(t, err)
	require.Equal(t, StateOpen, entry.currentState(), "reopen must return the entry to open")

	queued, err := m.queue.Contains("/a.txt")
	require.NoError(t, err)
	require.False(t, queued, "reopen must cancel the pending upload")

	require.NoError(t, m.Close(ctx, "/a.txt", h2))
}

func TestRenameRekeysQueuedUploadAndEvictsDirCache(t *testing.T) {
	p := newFakeProvider()
	p.putFile("/a.txt", []byte("0000"), 4)
	m := newTestManager(t, p)

	ctx := context.Background()
	handle, err := m.Open(ctx, "/a.txt")
	require.NoError(t, err)

	_, err = m.Write(ctx, "/a.txt", 0, []byte("ZZZZ"))
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, "/a.txt", handle))

	queuedBeforeRename, err := m.queue.Contains("/a.txt")
	require.NoError(t, err)
	require.True(t, queuedBeforeRename)

	m.dircache.Set("/a.txt", 999, dircache.NewSnapshot(nil))

	require.NoError(t, m.Rename(ctx, "/a.txt", "/b.txt"))

	queuedOld, err := m.queue.Contains("/a.txt")
	require.NoError(t, err)
	require.False(t, queuedOld, "the old api_path must no longer have a queued upload")

	queuedNew, err := m.queue.Contains("/b.txt")
	require.NoError(t, err)
	require.True(t, queuedNew, "the pending upload must follow the rename to the new api_path")

	_, found := m.dircache.Get(999)
	require.False(t, found, "rename must evict cached directory listings for the renamed path")
}

func TestRenameOntoExistingTargetTearsDownItsOpenFile(t *testing.T) {
	p := newFakeProvider()
	p.putFile("/a.txt", []byte("aaaa"), 4)
	p.putFile("/b.txt", []byte("bbbb"), 4)
	m := newTestManager(t, p)

	ctx := context.Background()
	ha, err := m.Open(ctx, "/a.txt")
	require.NoError(t, err)
	hb, err := m.Open(ctx, "/b.txt")
	require.NoError(t, err)

	require.NoError(t, m.Rename(ctx, "/a.txt", "/b.txt"))

	m.mu.Lock()
	_, stillUnderOld := m.files["/a.txt"]
	entry, underNew := m.files["/b.txt"]
	m.mu.Unlock()
	require.False(t, stillUnderOld)
	require.True(t, underNew)
	require.Equal(t, "/b.txt", entry.apiPath)

	_ = hb // the overwritten target's handle is now orphaned by design
	require.NoError(t, m.Close(ctx, "/b.txt", ha))
}
