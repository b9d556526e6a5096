// Package rerrors defines repertory's closed error taxonomy.
//
// Every operation that can fail across a process boundary (the packet
// RPC, the CLI, the FUSE glue) returns one of these named codes rather
// than an ad-hoc error string, so callers can errors.Is against a
// stable identity instead of matching text.
package rerrors

import "github.com/pkg/errors"

// Code is a stable, wire-safe error identity. Its string value is the
// text of an *Error that has no cause, which is what crosses the
// packet transport.
type Code string

// Taxonomy, as specified. Names are the wire strings a peer sends
// back; the remote provider's mapRemoteErr turns item_not_found,
// item_exists and directory_not_empty back into their Codes.
const (
	Success                   Code = "success"
	AccessDenied              Code = "access_denied"
	BadAddress                Code = "bad_address"
	BufferOverflow            Code = "buffer_overflow"
	BufferTooSmall            Code = "buffer_too_small"
	CommError                 Code = "comm_error"
	DecryptionError           Code = "decryption_error"
	DirectoryEndOfFiles       Code = "directory_end_of_files"
	DirectoryExists           Code = "directory_exists"
	DirectoryNotEmpty         Code = "directory_not_empty"
	DirectoryNotFound         Code = "directory_not_found"
	DownloadFailed            Code = "download_failed"
	DownloadIncomplete        Code = "download_incomplete"
	DownloadStopped           Code = "download_stopped"
	EmptyRingBufferChunkSize  Code = "empty_ring_buffer_chunk_size"
	EmptyRingBufferSize       Code = "empty_ring_buffer_size"
	Error                     Code = "error"
	FileInUse                 Code = "file_in_use"
	FileSizeMismatch          Code = "file_size_mismatch"
	IncompatibleVersion       Code = "incompatible_version"
	InvalidHandle             Code = "invalid_handle"
	InvalidOperation          Code = "invalid_operation"
	InvalidRingBufferMultiple Code = "invalid_ring_buffer_multiple"
	InvalidRingBufferSize     Code = "invalid_ring_buffer_size"
	InvalidVersion            Code = "invalid_version"
	ItemExists                Code = "item_exists"
	ItemNotFound              Code = "item_not_found"
	NoDiskSpace               Code = "no_disk_space"
	NotImplemented            Code = "not_implemented"
	NotSupported              Code = "not_supported"
	OSError                   Code = "os_error"
	OutOfMemory               Code = "out_of_memory"
	PermissionDenied          Code = "permission_denied"
	UploadFailed              Code = "upload_failed"
	UploadStopped             Code = "upload_stopped"
	XattrNotFound             Code = "xattr_not_found"
	XattrTooBig               Code = "xattr_too_big"
)

// Error pairs a Code with an optional underlying cause. The cause is
// kept for logging only; equality for control flow always goes
// through the Code via errors.Is.
type Error struct {
	Code  Code
	cause error
}

// New builds an Error with no wrapped cause.
func New(code Code) *Error {
	return &Error{Code: code}
}

// Wrap attaches cause to code, recording a stack via pkg/errors so
// logs retain the originating frame.
func Wrap(code Code, cause error) *Error {
	if cause == nil {
		return New(code)
	}
	return &Error{Code: code, cause: errors.WithStack(cause)}
}

func (e *Error) Error() string {
	if e.cause == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.cause.Error()
}

// Unwrap lets errors.Is/errors.As see through to the cause while
// Is(target) below still matches on Code identity.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error with the same Code, so
// errors.Is(err, rerrors.New(X)) matches on the code alone.
func (e *Error) Is(target error) bool {
	if other, ok := target.(*Error); ok {
		return e.Code == other.Code
	}
	return false
}

// ExitCode is the CLI-visible subset of codes the file_manager
// surfaces to the top-level command (spec.md §6).
type ExitCode int

const (
	ExitSuccess ExitCode = iota
	ExitCommunicationError
	ExitIncompatibleVersion
	ExitFailedToGetMountState
	ExitLockFailed
	ExitMountActive
	ExitProviderOffline
	ExitSetOptionNotFound
	ExitUnpinFailed
	ExitInvalidSyntax
)

// ExitCodeFor maps a Code to the CLI exit status it should produce,
// defaulting to ExitCommunicationError for anything not explicitly
// surfaced by spec.md §6.
func ExitCodeFor(code Code) ExitCode {
	switch code {
	case Success:
		return ExitSuccess
	case IncompatibleVersion:
		return ExitIncompatibleVersion
	case CommError:
		return ExitCommunicationError
	default:
		return ExitCommunicationError
	}
}
