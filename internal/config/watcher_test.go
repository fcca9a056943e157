package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatcher_Check(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zones.yaml")
	require.NoError(t, os.WriteFile(path, []byte("zones: {}\n"), 0644))

	var calls int32
	w := NewWatcher(path, time.Hour, func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, zap.NewNop())

	assert.False(t, w.Check(), "unchanged file should not trigger a reload")

	require.NoError(t, os.WriteFile(path, []byte("zones:\n  den: {}\n"), 0644))
	assert.True(t, w.Check())
	assert.False(t, w.Check(), "a change is reported once")

	require.NoError(t, os.Remove(path))
	assert.True(t, w.Check(), "removal is a change")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestWatcher_StartStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zones.yaml")

	reloaded := make(chan struct{}, 1)
	w := NewWatcher(path, 10*time.Millisecond, func() error {
		select {
		case reloaded <- struct{}{}:
		default:
		}
		return nil
	}, zap.NewNop())
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("zones: {}\n"), 0644))

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not pick up the new file")
	}

	w.Stop()
	w.Stop()
}
