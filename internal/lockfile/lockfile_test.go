package lockfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockfile_AcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "host.lock")
	lock := New(path)

	require.NoError(t, lock.TryAcquire("a", "127.0.0.1:9998"))
	assert.True(t, lock.Locked())
	assert.Equal(t, os.Getpid(), lock.Owner().PID)

	owner, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "a", owner.Instance)
	assert.Equal(t, "127.0.0.1:9998", owner.Address)

	require.NoError(t, lock.Release())
	assert.False(t, lock.Locked())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, lock.TryAcquire("b", "127.0.0.1:9998"))
	require.NoError(t, lock.Release())
}

func TestLockfile_AlreadyLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.lock")

	first := New(path)
	require.NoError(t, first.TryAcquire("first", "127.0.0.1:1"))
	defer first.Release()

	second := New(path)
	err := second.TryAcquire("second", "127.0.0.1:2")
	require.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), "first")
	assert.False(t, second.Locked())
}

func TestLockfile_Stale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.lock")
	// Above any pid_max, so no such process exists.
	data, err := json.Marshal(Owner{PID: 1 << 30, Instance: "gone", Started: time.Now()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	lock := New(path)
	require.NoError(t, lock.TryAcquire("new", "127.0.0.1:9998"))
	defer lock.Release()

	owner, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "new", owner.Instance)
}

func TestLockfile_CorruptIsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.lock")
	require.NoError(t, os.WriteFile(path, []byte("12345\n"), 0644))

	lock := New(path)
	require.NoError(t, lock.TryAcquire("new", "127.0.0.1:9998"))
	require.NoError(t, lock.Release())
}

func TestLockfile_ReleaseKeepsForeignLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.lock")
	lock := New(path)
	require.NoError(t, lock.TryAcquire("mine", "127.0.0.1:9998"))

	data, err := json.Marshal(Owner{PID: os.Getpid(), Instance: "other"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	assert.ErrorIs(t, lock.Release(), ErrNotLocked)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestLockfile_ReleaseNotLocked(t *testing.T) {
	lock := New(filepath.Join(t.TempDir(), "host.lock"))
	assert.NoError(t, lock.Release())
}
