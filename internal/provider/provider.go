// Package provider defines the capability interfaces file_manager
// drives to talk to a backing store (spec.md §4.8, "provider"):
// S3, Sia, or a remote repertory instance reached over
// internal/packet. It is grounded on the teacher's fs.Fs/fs.Object
// split (backend/s3/s3.go, backend/sia/sia.go): a stateless Fs-like
// root handle enumerates and resolves items, which then expose the
// Object-like byte-range read/write operations file_manager needs for
// chunked download and upload.
package provider

import (
	"context"
	"io"
	"time"
)

// Item describes one filesystem entry as the provider sees it,
// independent of any local cache state (spec.md §3 filesystem_item).
type Item struct {
	APIPath      string
	Directory    bool
	Size         int64
	ModTime      time.Time
	ChunkSize    int64 // 0 for directories
}

// Provider is the capability surface file_manager requires of any
// backing store. Concrete implementations live in
// internal/provider/{s3,sia,remote}.
type Provider interface {
	// Name identifies the provider for logging and events.
	Name() string

	// CheckVersion validates the provider is reachable and speaks a
	// compatible protocol version (spec.md §9 open question: resolved
	// uniformly — every provider exposes this, remote's over packet,
	// s3/sia's as a reachability probe against the backing API).
	CheckVersion(ctx context.Context) error

	// GetItem resolves metadata for apiPath, or item_not_found.
	GetItem(ctx context.Context, apiPath string) (Item, error)

	// GetItemList lists apiPath's direct children (non-recursive).
	GetItemList(ctx context.Context, apiPath string) ([]Item, error)

	// CreateDirectory creates apiPath as a directory.
	CreateDirectory(ctx context.Context, apiPath string) error

	// RemoveDirectory removes an empty directory at apiPath.
	RemoveDirectory(ctx context.Context, apiPath string) error

	// RemoveFile removes the file at apiPath.
	RemoveFile(ctx context.Context, apiPath string) error

	// RenameFile moves from -> to on the backing store.
	RenameFile(ctx context.Context, from, to string) error

	// ReadChunk reads exactly size bytes (or less, at EOF) from
	// apiPath starting at offset.
	ReadChunk(ctx context.Context, apiPath string, offset, size int64) ([]byte, error)

	// UploadFile sends the full contents of r (sourcePath's local
	// bytes) to apiPath, overwriting any existing object.
	UploadFile(ctx context.Context, apiPath string, r io.Reader, size int64) error
}

// OpenFile is a capability a provider can expose for a pinned/open
// handle: a streaming byte-range reader held across multiple chunk
// fetches instead of reconnecting each time. None of the providers in
// this module implement it, and file_manager does not use it.
type OpenFile interface {
	ReadAt(ctx context.Context, offset int64, size int64) ([]byte, error)
	Size() int64
}

// CloseableOpenFile extends OpenFile with an explicit close, for
// providers that hold a live connection or handle underneath.
type CloseableOpenFile interface {
	OpenFile
	Close() error
}

// RemoteJSON is implemented by providers whose wire format is a JSON
// envelope (the remote packet provider), for diagnostics/config
// display. file_manager does not call it, so a provider that doesn't
// support it can simply not implement this interface.
type RemoteJSON interface {
	ConfigJSON() ([]byte, error)
}
