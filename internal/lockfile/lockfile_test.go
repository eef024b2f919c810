package lockfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireThenRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.lock")

	lock, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestAcquire_SecondAcquireFailsWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.lock")

	lock, err := Acquire(path)
	require.NoError(t, err)
	defer lock.Release()

	_, err = Acquire(path)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestAcquire_SucceedsAgainAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.lock")

	lock, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, lock.Release())

	lock2, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}
