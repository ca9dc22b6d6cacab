package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	assert.Equal(t, 8, d.GlobalActiveLanes)
	assert.Equal(t, 8, d.LaneQueueDepth)
	assert.Equal(t, 2000, d.QueueWaitMs)
	assert.Equal(t, 40, d.LockPollMs)
	assert.Equal(t, 2500, d.LockTimeoutMs)
	assert.Equal(t, 20000, d.LockStaleMs)
}

func TestLoadAppliesFileOverridesBeneathEnv(t *testing.T) {
	dir := t.TempDir()
	yamlContent := "globalActiveLanes: 4\nqueueWaitMs: 500\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yamlContent), 0o600))

	t.Setenv("SURFWRIGHT_STATE_DIR", "")
	t.Setenv("SURFWRIGHT_DAEMON", "false")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.GlobalActiveLanes)
	assert.Equal(t, 500, cfg.QueueWaitMs)
	assert.Equal(t, 8, cfg.LaneQueueDepth) // untouched default
	assert.False(t, cfg.DaemonEnabled)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Defaults().GlobalActiveLanes, cfg.GlobalActiveLanes)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 2000_000_000, int(cfg.QueueWait()))
	assert.Equal(t, 40_000_000, int(cfg.LockPoll()))
}
