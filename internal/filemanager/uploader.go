package filemanager

import (
	"context"
	"os"
	"time"

	"github.com/repertory-go/repertory/internal/events"
	"github.com/repertory-go/repertory/internal/rerrors"
	"github.com/repertory-go/repertory/internal/rlog"
)

const uploaderPollInterval = time.Second

// quiescenceWindow/quiescencePoll implement spec.md §4.8.5 step 2: a
// modified entry must stop being written to for a full window before
// closing_modified is allowed to advance to uploading, so a burst of
// writes racing the last handle's close collapses into one upload
// instead of several.
const (
	quiescenceWindow = 250 * time.Millisecond
	quiescencePoll   = 25 * time.Millisecond
)

// runUploader is the single background worker that drains the upload
// queue, mirroring the teacher's backgroundWriter.run: poll for a
// pending entry, upload it, retry on failure, notify on completion.
// spec.md §4.7 specifies exactly one uploader worker per mount so
// providers that serialize writes per object are never handed
// concurrent uploads of the same api_path.
func (m *Manager) runUploader(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		entry, ok, err := m.queue.Dequeue()
		if err != nil {
			rlog.Errorf("uploader", "failed to dequeue pending upload: %v", err)
			time.Sleep(uploaderPollInterval)
			continue
		}
		if !ok {
			time.Sleep(uploaderPollInterval)
			continue
		}

		m.uploadOne(ctx, entry.APIPath, entry.SourcePath, entry.RetryCount)
	}
}

func (m *Manager) uploadOne(ctx context.Context, apiPath, sourcePath string, priorRetries int) {
	m.ulThrottle.Acquire()
	defer m.ulThrottle.Release()

	m.mu.Lock()
	entry, hasEntry := m.files[apiPath]
	m.mu.Unlock()

	if hasEntry {
		m.awaitQuiescence(ctx, entry)

		if entry.currentState() != StateClosingModified {
			// A reopen raced the dequeue and cancelled this upload
			// (scenario 2, spec.md §4.8.7); the cancellation already
			// dropped the queue entry, so there is nothing left to do.
			return
		}

		// §4.8.1 step 3 / §4.8.7: closing_modified must not advance to
		// uploading until every chunk is present, or an upload would
		// send the provider a file with holes where remote-only data
		// was never pulled down locally.
		if err := m.ensureFullyDownloaded(ctx, entry); err != nil {
			m.retryUpload(apiPath, priorRetries, err)
			return
		}
		entry.mu.Lock()
		complete := entry.chunks.IsComplete()
		entry.mu.Unlock()
		if !complete {
			m.retryUpload(apiPath, priorRetries, rerrors.New(rerrors.DownloadFailed))
			return
		}

		if err := entry.transition(StateUploading); err != nil {
			rlog.Warnf(apiPath, "unexpected state entering upload: %v", err)
		}
	}

	f, err := os.Open(sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			// The source file vanished before upload — nothing to send.
			m.bus.Publish(events.NewFileUploadRemoved("Manager.uploadOne", apiPath, "source file missing"))
			_ = m.queue.Remove(apiPath)
			m.finishUploadingState(apiPath)
			return
		}
		m.retryUpload(apiPath, priorRetries, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		m.retryUpload(apiPath, priorRetries, err)
		return
	}

	if err := m.provider.UploadFile(ctx, apiPath, f, info.Size()); err != nil {
		m.retryUpload(apiPath, priorRetries, err)
		return
	}

	if err := m.queue.Complete(apiPath); err != nil {
		rlog.Errorf(apiPath, "failed to remove completed upload from queue: %v", err)
	}
	m.finishUploadingState(apiPath)
	m.bus.Publish(events.NewFileUploadCompleted("Manager.uploadOne", apiPath))
}

// awaitQuiescence blocks until entry has gone quiescenceWindow without
// a write, or the manager/context is shutting down.
func (m *Manager) awaitQuiescence(ctx context.Context, entry *openFile) {
	for !entry.quietFor(quiescenceWindow) {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-time.After(quiescencePoll):
		}
	}
}

func (m *Manager) retryUpload(apiPath string, priorRetries int, cause error) {
	attempts := priorRetries + 1
	if err := m.queue.Retry(apiPath, cause); err != nil {
		rlog.Errorf(apiPath, "failed to reschedule upload retry: %v", err)
	}

	m.mu.Lock()
	entry, hasEntry := m.files[apiPath]
	m.mu.Unlock()
	if hasEntry {
		_ = entry.transition(StateClosingModified)
	}

	m.bus.Publish(events.NewFileUploadRetry("Manager.uploadOne", apiPath, attempts, cause.Error()))

	if wait := m.cfg.UploadRetryWait; wait > 0 {
		select {
		case <-time.After(wait):
		case <-m.stopCh:
		}
	}
}

// finishUploadingState transitions apiPath's registry entry (if it is
// still resident — it may already have been evicted on close) to
// closed now that its upload has completed.
func (m *Manager) finishUploadingState(apiPath string) {
	m.mu.Lock()
	entry, ok := m.files[apiPath]
	if ok {
		delete(m.files, apiPath)
	}
	m.mu.Unlock()
	if ok {
		_ = entry.transition(StateClosed)
	}
}
