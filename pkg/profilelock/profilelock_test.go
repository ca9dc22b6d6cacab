package profilelock

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	dir := t.TempDir()
	m := New(dir, 5*time.Millisecond, 200*time.Millisecond, 20*time.Second)
	return m
}

func TestAcquireAndRelease(t *testing.T) {
	m := newTestManager(t)
	lock, err := m.Acquire("auth")
	require.Nil(t, err)
	require.NotNil(t, lock)

	_, err2 := os.Stat(m.path("auth"))
	require.NoError(t, err2)

	require.NoError(t, lock.Release())
	_, statErr := os.Stat(m.path("auth"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	lock, err := m.Acquire("auth")
	require.Nil(t, err)
	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())
}

func TestAcquireFailsWhenHeldByLiveProcess(t *testing.T) {
	m := newTestManager(t)
	m.pidAlive = func(pid int) bool { return true }

	require.NoError(t, os.MkdirAll(m.dir, 0o700))
	content := fmt.Sprintf("%d %d", os.Getpid(), time.Now().UnixMilli())
	require.NoError(t, os.WriteFile(m.path("auth"), []byte(content), 0o600))

	_, cerr := m.Acquire("auth")
	require.NotNil(t, cerr)
	assert.Equal(t, "E_PROFILE_LOCKED", string(cerr.Kind))
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	m := newTestManager(t)
	m.pidAlive = func(pid int) bool { return false } // pid not alive

	require.NoError(t, os.MkdirAll(m.dir, 0o700))
	staleContent := fmt.Sprintf("999999 %d", time.Now().Add(-time.Minute).UnixMilli())
	require.NoError(t, os.WriteFile(m.path("auth"), []byte(staleContent), 0o600))

	lock, cerr := m.Acquire("auth")
	require.Nil(t, cerr)
	require.NotNil(t, lock)
}

func TestListReportsStaleAndAlive(t *testing.T) {
	m := newTestManager(t)
	m.pidAlive = func(pid int) bool { return false }
	require.NoError(t, os.MkdirAll(m.dir, 0o700))
	staleContent := fmt.Sprintf("999999 %d", time.Now().Add(-time.Minute).UnixMilli())
	require.NoError(t, os.WriteFile(filepath.Join(m.dir, "auth.lock"), []byte(staleContent), 0o600))

	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "auth", list[0].Profile)
	assert.True(t, list[0].Stale)
	assert.False(t, list[0].PIDAlive)
}

func TestClearRefusesNonStaleWithoutForce(t *testing.T) {
	m := newTestManager(t)
	m.pidAlive = func(pid int) bool { return true }
	require.NoError(t, os.MkdirAll(m.dir, 0o700))
	content := fmt.Sprintf("%d %d", os.Getpid(), time.Now().UnixMilli())
	require.NoError(t, os.WriteFile(m.path("auth"), []byte(content), 0o600))

	cleared, reason, err := m.Clear("auth", false)
	assert.False(t, cleared)
	assert.Equal(t, "not-stale", reason)
	require.NotNil(t, err)
}

func TestClearStaleLockWithoutForce(t *testing.T) {
	// Scenario S4: a stale lock (pid not alive, age 60s) clears even
	// without --force.
	m := newTestManager(t)
	m.pidAlive = func(pid int) bool { return false }
	require.NoError(t, os.MkdirAll(m.dir, 0o700))
	staleContent := fmt.Sprintf("999999 %d", time.Now().Add(-60*time.Second).UnixMilli())
	require.NoError(t, os.WriteFile(m.path("auth"), []byte(staleContent), 0o600))

	cleared, reason, err := m.Clear("auth", false)
	require.Nil(t, err)
	assert.True(t, cleared)
	assert.Equal(t, "cleared", reason)
}
