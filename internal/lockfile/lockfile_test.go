package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockAcquisition(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir, WithTransport("twilio"))
	require.NoError(t, err)
	defer lock.Release()

	assert.Equal(t, filepath.Join(dir, LockFileName), lock.Path())
	content, err := os.ReadFile(lock.Path())
	require.NoError(t, err)

	owner := parseOwner(string(content))
	assert.Equal(t, os.Getpid(), owner.PID)
	assert.Equal(t, "twilio", owner.Transport)
	assert.False(t, owner.StartedAt.IsZero())
	assert.Equal(t, lock.Owner().PID, owner.PID)
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir)
	require.NoError(t, err)
	defer first.Release()

	second, err := AcquireLock(dir)
	require.Error(t, err)
	assert.Nil(t, second)

	var lockErr *LockError
	require.True(t, errors.As(err, &lockErr))
	assert.Equal(t, os.Getpid(), lockErr.Holder.PID, "holder info survives the failed attempt")
	assert.Contains(t, err.Error(), "another ScenarioPipe instance")
	assert.Contains(t, err.Error(), dir)
	assert.Contains(t, err.Error(), "(running)")
}

func TestLockReleaseAndReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	require.NoError(t, err)
	require.NoError(t, lock.Release())

	_, err = os.Stat(filepath.Join(dir, LockFileName))
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, lock.Release(), "second release is a no-op")

	again, err := AcquireLock(dir)
	require.NoError(t, err)
	assert.NoError(t, again.Release())
}

func TestAcquireCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	require.NoError(t, err)
	defer lock.Release()
	assert.DirExists(t, dir)
}

func TestParseOwner(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	o := parseOwner(Owner{PID: 42, Host: "box", Transport: "whatsapp", StartedAt: started}.encode())
	assert.Equal(t, Owner{PID: 42, Host: "box", Transport: "whatsapp", StartedAt: started}, o)

	tests := []struct {
		name    string
		content string
		pid     int
	}{
		{"legacy body", "pid=12345\n", 12345},
		{"invalid pid", "pid=abc", 0},
		{"negative pid", "pid=-3", 0},
		{"no separator", "pid12345", 0},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.pid, parseOwner(tt.content).PID)
		})
	}
}

func TestIsProcessRunning(t *testing.T) {
	assert.True(t, isProcessRunning(os.Getpid()))
}
