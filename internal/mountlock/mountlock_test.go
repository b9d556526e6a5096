package mountlock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/repertory-go/repertory/internal/rerrors"
)

func TestAcquireThenSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir)
	require.NoError(t, err)
	defer l1.Unlock()

	_, err = Acquire(dir)
	require.ErrorIs(t, err, rerrors.New(rerrors.FileInUse))
}

func TestUnlockThenReacquireSucceeds(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, l1.Unlock())

	l2, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, l2.Unlock())
}
