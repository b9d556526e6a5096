package filemanager

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/repertory-go/repertory/internal/provider"
	"github.com/repertory-go/repertory/internal/rerrors"
)

// fakeProvider is an in-memory provider.Provider used across this
// package's tests, standing in for S3/Sia/remote.
type fakeProvider struct {
	mu        sync.Mutex
	items     map[string]provider.Item
	data      map[string][]byte
	uploaded  map[string][]byte
	failReads map[string]int // apiPath -> remaining failures before success

	// readDelay/readCalls let tests widen the race window between
	// concurrent ReadChunk calls and count how many actually reached
	// the provider, to assert per-chunk download dedup.
	readDelay time.Duration
	readCalls map[string]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		items:     make(map[string]provider.Item),
		data:      make(map[string][]byte),
		uploaded:  make(map[string][]byte),
		failReads: make(map[string]int),
		readCalls: make(map[string]int),
	}
}

func (p *fakeProvider) putFile(apiPath string, content []byte, chunkSize int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[apiPath] = provider.Item{APIPath: apiPath, Size: int64(len(content)), ChunkSize: chunkSize}
	p.data[apiPath] = content
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) CheckVersion(ctx context.Context) error { return nil }

func (p *fakeProvider) GetItem(ctx context.Context, apiPath string) (provider.Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[apiPath]
	if !ok {
		return provider.Item{}, rerrors.New(rerrors.ItemNotFound)
	}
	return item, nil
}

func (p *fakeProvider) GetItemList(ctx context.Context, apiPath string) ([]provider.Item, error) {
	return nil, nil
}

func (p *fakeProvider) CreateDirectory(ctx context.Context, apiPath string) error { return nil }
func (p *fakeProvider) RemoveDirectory(ctx context.Context, apiPath string) error { return nil }
func (p *fakeProvider) RemoveFile(ctx context.Context, apiPath string) error      { return nil }

func (p *fakeProvider) RenameFile(ctx context.Context, from, to string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[from]
	if !ok {
		return rerrors.New(rerrors.ItemNotFound)
	}
	item.APIPath = to
	p.items[to] = item
	p.data[to] = p.data[from]
	delete(p.items, from)
	delete(p.data, from)
	return nil
}

func (p *fakeProvider) ReadChunk(ctx context.Context, apiPath string, offset, size int64) ([]byte, error) {
	p.mu.Lock()
	p.readCalls[apiPath]++
	delay := p.readDelay
	if remaining := p.failReads[apiPath]; remaining > 0 {
		p.failReads[apiPath] = remaining - 1
		p.mu.Unlock()
		return nil, rerrors.New(rerrors.DownloadFailed)
	}
	content, ok := p.data[apiPath]
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if !ok {
		return nil, rerrors.New(rerrors.ItemNotFound)
	}
	end := offset + size
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	if offset > end {
		return nil, nil
	}
	return append([]byte(nil), content[offset:end]...), nil
}

func (p *fakeProvider) UploadFile(ctx context.Context, apiPath string, r io.Reader, size int64) error {
	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, r); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploaded[apiPath] = buf.Bytes()
	return nil
}

var _ provider.Provider = (*fakeProvider)(nil)
