// Package filemanager implements the open-file registry, chunked
// downloader, upload queue consumer, and rename/resize interlocks
// described in spec.md §4.8. It is the largest single subsystem and
// is grounded throughout on the teacher's backend/cache/handle.go
// (Handle, worker, backgroundWriter) — generalized from rclone's
// single local-disk cache backend into a provider-agnostic file
// manager sitting in front of S3, Sia, or a remote repertory
// instance.
package filemanager

// State is the open_file lifecycle described in spec.md §4.8.7.
type State int

const (
	// StateCreated is the moment an entry is registered but no handle
	// has completed open() yet.
	StateCreated State = iota
	// StateOpen is steady-state: at least one handle has the file open
	// for read and/or write.
	StateOpen
	// StateClosingModified is entered when the last handle releases a
	// file that was written to; the file is queued for upload before
	// its entry is fully discarded.
	StateClosingModified
	// StateUploading means the upload queue has picked the entry up
	// and a transfer to the provider is in flight.
	StateUploading
	// StateClosed is terminal: the entry is ready for eviction from the
	// registry.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpen:
		return "open"
	case StateClosingModified:
		return "closing_modified"
	case StateUploading:
		return "uploading"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions enumerates the legal moves out of each state; anything
// not listed is rejected by (*openFile).transition.
var transitions = map[State][]State{
	StateCreated:         {StateOpen, StateClosed},
	StateOpen:            {StateClosingModified, StateClosed},
	StateClosingModified: {StateUploading, StateClosed, StateOpen}, // reopen cancels the pending close, scenario 2
	StateUploading:       {StateClosed, StateClosingModified},      // retry loops back
	StateClosed:          {},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
