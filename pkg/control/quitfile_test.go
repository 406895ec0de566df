package control

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quitRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (q *quitRecorder) quit(reason string) {
	q.mu.Lock()
	q.reasons = append(q.reasons, reason)
	q.mu.Unlock()
}

func (q *quitRecorder) list() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.reasons...)
}

func startWatcher(t *testing.T, path string, q *quitRecorder, opts ...WatcherOption) *QuitFileWatcher {
	t.Helper()
	opts = append([]WatcherOption{WithDebounce(50 * time.Millisecond)}, opts...)
	w, err := NewQuitFileWatcher(path, q.quit, opts...)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func TestNewQuitFileWatcherValidation(t *testing.T) {
	_, err := NewQuitFileWatcher("", func(string) {})
	assert.Error(t, err)

	_, err = NewQuitFileWatcher("stop", nil)
	assert.Error(t, err)

	w, err := NewQuitFileWatcher("stop", func(string) {})
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(w.Path()))
	assert.NoError(t, w.Stop(), "stopping an unstarted watcher is a no-op")
}

func TestQuitFileCreatedTriggersQuit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stop")
	q := &quitRecorder{}
	startWatcher(t, path, q)

	require.NoError(t, os.WriteFile(path, []byte("  shift over\n"), 0o644))

	require.Eventually(t, func() bool { return len(q.list()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"shift over"}, q.list())
}

func TestQuitFileDebounce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stop")
	q := &quitRecorder{}
	startWatcher(t, path, q, WithDebounce(200*time.Millisecond))

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("stop"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(q.list()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, q.list(), 1)
}

func TestQuitFilePresentAtStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stop")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	q := &quitRecorder{}
	startWatcher(t, path, q)

	require.Eventually(t, func() bool { return len(q.list()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "quit file stop present", q.list()[0])
}

func TestQuitFileRemovedAfterTrigger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stop")
	q := &quitRecorder{}
	startWatcher(t, path, q, WithRemove())

	require.NoError(t, os.WriteFile(path, []byte("done"), 0o644))

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"done"}, q.list())
}

func TestQuitFileIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	q := &quitRecorder{}
	startWatcher(t, filepath.Join(dir, "stop"), q)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other"), []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, q.list())
}

func TestQuitFileWatcherStopsWithContext(t *testing.T) {
	w, err := NewQuitFileWatcher(filepath.Join(t.TempDir(), "stop"), func(string) {})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx), "second start is rejected")

	cancel()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after context cancellation")
	}
}

func TestQuitFileWatcherMissingDirectory(t *testing.T) {
	w, err := NewQuitFileWatcher(filepath.Join(t.TempDir(), "missing", "stop"), func(string) {})
	require.NoError(t, err)
	assert.Error(t, w.Start(context.Background()))
}
