package events

import "encoding/json"

// base carries the fields every concrete event shares, mirroring the
// teacher's "subject-first" log-line convention (fs.Debugf(r, ...)):
// function and api_path identify where in the codebase and on which
// entity the event was raised.
type base struct {
	Function string `json:"function"`
	APIPath  string `json:"api_path,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (b base) SingleLine() string {
	if b.APIPath == "" {
		return b.Function + ": " + b.Message
	}
	return b.Function + ": " + b.APIPath + ": " + b.Message
}

func (b base) AllowAsync() bool { return true }

func marshal(name string, b base, extra map[string]interface{}) ([]byte, error) {
	m := map[string]interface{}{
		"name":     name,
		"function": b.Function,
	}
	if b.APIPath != "" {
		m["api_path"] = b.APIPath
	}
	if b.Message != "" {
		m["message"] = b.Message
	}
	for k, v := range extra {
		m[k] = v
	}
	return json.Marshal(m)
}

// DownloadProgress is raised at 0%, every +0.2% boundary, and exactly
// 100% while a chunked download is in flight (spec.md §4.8.2).
type DownloadProgress struct {
	base
	Percent float64
}

func NewDownloadProgress(function, apiPath string, percent float64) *DownloadProgress {
	return &DownloadProgress{base: base{Function: function, APIPath: apiPath}, Percent: percent}
}
func (*DownloadProgress) Name() string   { return "download_progress" }
func (*DownloadProgress) Level() Level   { return LevelDebug }
func (e *DownloadProgress) JSON() ([]byte, error) {
	return marshal(e.Name(), e.base, map[string]interface{}{"percent": e.Percent})
}

// DownloadRestored fires when a persisted chunk bitmap is accepted on
// open, resuming without refetching.
type DownloadRestored struct{ base }

func NewDownloadRestored(function, apiPath string) *DownloadRestored {
	return &DownloadRestored{base{Function: function, APIPath: apiPath}}
}
func (*DownloadRestored) Name() string         { return "download_restored" }
func (*DownloadRestored) Level() Level         { return LevelInfo }
func (e *DownloadRestored) JSON() ([]byte, error) { return marshal(e.Name(), e.base, nil) }

// DownloadRestoreFailed fires when persisted state disagrees with the
// provider on size or chunk_size; the persisted state is discarded.
type DownloadRestoreFailed struct {
	base
	Reason string
}

func NewDownloadRestoreFailed(function, apiPath, reason string) *DownloadRestoreFailed {
	return &DownloadRestoreFailed{base: base{Function: function, APIPath: apiPath, Message: reason}, Reason: reason}
}
func (*DownloadRestoreFailed) Name() string { return "download_restore_failed" }
func (*DownloadRestoreFailed) Level() Level { return LevelWarn }
func (e *DownloadRestoreFailed) JSON() ([]byte, error) {
	return marshal(e.Name(), e.base, map[string]interface{}{"reason": e.Reason})
}

// DownloadTypeSelected distinguishes the default chunked downloader
// from the ring-buffer variant at open time (supplemented from
// original_source's download/events.hpp; not present in spec.md).
type DownloadTypeSelected struct {
	base
	RingBuffer bool
}

func NewDownloadTypeSelected(function, apiPath string, ringBuffer bool) *DownloadTypeSelected {
	return &DownloadTypeSelected{base: base{Function: function, APIPath: apiPath}, RingBuffer: ringBuffer}
}
func (*DownloadTypeSelected) Name() string { return "download_type_selected" }
func (*DownloadTypeSelected) Level() Level { return LevelDebug }
func (e *DownloadTypeSelected) JSON() ([]byte, error) {
	return marshal(e.Name(), e.base, map[string]interface{}{"ring_buffer": e.RingBuffer})
}

// FileUploadRetry fires when the uploader schedules a retryable
// failure back onto the upload queue.
type FileUploadRetry struct {
	base
	Attempts int
}

func NewFileUploadRetry(function, apiPath string, attempts int, reason string) *FileUploadRetry {
	return &FileUploadRetry{base: base{Function: function, APIPath: apiPath, Message: reason}, Attempts: attempts}
}
func (*FileUploadRetry) Name() string { return "file_upload_retry" }
func (*FileUploadRetry) Level() Level { return LevelWarn }
func (e *FileUploadRetry) JSON() ([]byte, error) {
	return marshal(e.Name(), e.base, map[string]interface{}{"attempts": e.Attempts})
}

// FileUploadCompleted fires when the uploader confirms a successful
// provider upload and dequeues the entry.
type FileUploadCompleted struct{ base }

func NewFileUploadCompleted(function, apiPath string) *FileUploadCompleted {
	return &FileUploadCompleted{base{Function: function, APIPath: apiPath}}
}
func (*FileUploadCompleted) Name() string         { return "file_upload_completed" }
func (*FileUploadCompleted) Level() Level         { return LevelInfo }
func (e *FileUploadCompleted) JSON() ([]byte, error) { return marshal(e.Name(), e.base, nil) }

// FileUploadRemoved fires on terminal upload failure (e.g. the source
// file went missing before it could be sent).
type FileUploadRemoved struct{ base }

func NewFileUploadRemoved(function, apiPath, reason string) *FileUploadRemoved {
	return &FileUploadRemoved{base{Function: function, APIPath: apiPath, Message: reason}}
}
func (*FileUploadRemoved) Name() string         { return "file_upload_removed" }
func (*FileUploadRemoved) Level() Level         { return LevelError }
func (e *FileUploadRemoved) JSON() ([]byte, error) { return marshal(e.Name(), e.base, nil) }

// OrphanedSourceFileRemoved fires when the sweeper deletes a source
// file with no corresponding api_path or upload-queue reference.
type OrphanedSourceFileRemoved struct {
	base
	SourcePath string
}

func NewOrphanedSourceFileRemoved(function, sourcePath string) *OrphanedSourceFileRemoved {
	return &OrphanedSourceFileRemoved{base: base{Function: function, Message: sourcePath}, SourcePath: sourcePath}
}
func (*OrphanedSourceFileRemoved) Name() string { return "orphaned_source_file_removed" }
func (*OrphanedSourceFileRemoved) Level() Level { return LevelInfo }
func (e *OrphanedSourceFileRemoved) JSON() ([]byte, error) {
	return marshal(e.Name(), e.base, map[string]interface{}{"source_path": e.SourcePath})
}

// ProviderOffline reports a failed provider health check (supplemented
// from original_source's events/types/provider_offline.hpp). No code in
// this module publishes it, and no retry loop reacts to it.
type ProviderOffline struct{ base }

func NewProviderOffline(function, reason string) *ProviderOffline {
	return &ProviderOffline{base{Function: function, Message: reason}}
}
func (*ProviderOffline) Name() string         { return "provider_offline" }
func (*ProviderOffline) Level() Level         { return LevelError }
func (e *ProviderOffline) JSON() ([]byte, error) { return marshal(e.Name(), e.base, nil) }

// ProviderInvalidVersion reports a provider that check_version rejects
// as incompatible (spec.md §9 open question, resolved uniformly).
// runMount returns incompatible_version on a failed CheckVersion
// without publishing this event.
type ProviderInvalidVersion struct{ base }

func NewProviderInvalidVersion(function, reason string) *ProviderInvalidVersion {
	return &ProviderInvalidVersion{base{Function: function, Message: reason}}
}
func (*ProviderInvalidVersion) Name() string         { return "provider_invalid_version" }
func (*ProviderInvalidVersion) Level() Level         { return LevelError }
func (e *ProviderInvalidVersion) JSON() ([]byte, error) { return marshal(e.Name(), e.base, nil) }

// DirectoryRemoveFailed reports a directory removal that failed on the
// underlying provider or filesystem. The file manager removes no
// directories and does not publish it.
type DirectoryRemoveFailed struct{ base }

func NewDirectoryRemoveFailed(function, apiPath, reason string) *DirectoryRemoveFailed {
	return &DirectoryRemoveFailed{base{Function: function, APIPath: apiPath, Message: reason}}
}
func (*DirectoryRemoveFailed) Name() string         { return "directory_remove_failed" }
func (*DirectoryRemoveFailed) Level() Level         { return LevelError }
func (e *DirectoryRemoveFailed) JSON() ([]byte, error) { return marshal(e.Name(), e.base, nil) }

// RepertoryException is the catch-all raised when a subscriber panics
// or an unrecoverable internal error needs surfacing without crashing
// the process (spec.md §4.1 failure policy).
type RepertoryException struct{ base }

func newSubscriberPanic(subscriberEventName, detail string) *RepertoryException {
	return &RepertoryException{base{Function: "events.Bus.invoke", Message: "handling " + subscriberEventName + ": " + detail}}
}

func NewRepertoryException(function, reason string) *RepertoryException {
	return &RepertoryException{base{Function: function, Message: reason}}
}
func (*RepertoryException) Name() string         { return "repertory_exception" }
func (*RepertoryException) Level() Level         { return LevelCritical }
func (e *RepertoryException) JSON() ([]byte, error) { return marshal(e.Name(), e.base, nil) }
