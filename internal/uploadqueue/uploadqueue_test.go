package uploadqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(t.TempDir(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueThenDequeueReturnsEntryStarted(t *testing.T) {
	q := newTestQueue(t)
	now := time.Unix(1000, 0)
	require.NoError(t, q.Enqueue("/a.txt", "/cache/src-a", now))

	entry, ok, err := q.Dequeue()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/a.txt", entry.APIPath)
	require.True(t, entry.Started)
}

func TestDequeueSkipsAlreadyStartedEntries(t *testing.T) {
	q := newTestQueue(t)
	now := time.Unix(1000, 0)
	require.NoError(t, q.Enqueue("/a.txt", "/cache/src-a", now))

	_, ok, err := q.Dequeue()
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = q.Dequeue()
	require.NoError(t, err)
	require.False(t, ok, "the only entry is already started; nothing else to hand out")
}

func TestDequeueReturnsOldestFirst(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue("/newer.txt", "/cache/newer", time.Unix(2000, 0)))
	require.NoError(t, q.Enqueue("/older.txt", "/cache/older", time.Unix(1000, 0)))

	entry, ok, err := q.Dequeue()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/older.txt", entry.APIPath)
}

func TestRetryClearsStartedAndBumpsCount(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue("/a.txt", "/cache/src-a", time.Unix(1000, 0)))
	_, _, err := q.Dequeue()
	require.NoError(t, err)

	require.NoError(t, q.Retry("/a.txt", assertErr("provider offline")))

	entries, err := q.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, entries[0].Started)
	require.Equal(t, 1, entries[0].RetryCount)
	require.Equal(t, "provider offline", entries[0].LastErrorMsg)

	// Retried entry must be dequeuable again.
	entry, ok, err := q.Dequeue()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/a.txt", entry.APIPath)
}

func TestCompleteRemovesEntry(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue("/a.txt", "/cache/src-a", time.Unix(1000, 0)))
	require.NoError(t, q.Complete("/a.txt"))

	ok, err := q.Contains("/a.txt")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRestoreOnStartClearsStartedFlagAfterRestart(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue("/a.txt", "/cache/src-a", time.Unix(1000, 0)))
	_, _, err := q.Dequeue()
	require.NoError(t, err)

	require.NoError(t, q.RestoreOnStart())

	entries, err := q.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, entries[0].Started)
}

func TestEnqueueOverwritesExistingEntryResettingRetryCount(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue("/a.txt", "/cache/src-a", time.Unix(1000, 0)))
	_, _, err := q.Dequeue()
	require.NoError(t, err)
	require.NoError(t, q.Retry("/a.txt", assertErr("fail")))

	// A fresh write re-queues from scratch.
	require.NoError(t, q.Enqueue("/a.txt", "/cache/src-a", time.Unix(2000, 0)))

	entries, err := q.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 0, entries[0].RetryCount)
	require.False(t, entries[0].Started)
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
