// Package control provides operator controls that stop a running station.
package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/testrig/testrig/pkg/telemetry"
)

// DefaultDebounce is the quiet period after the last file event before quit fires.
const DefaultDebounce = 500 * time.Millisecond

// maxReasonBytes bounds how much of the quit file is read as the reason.
const maxReasonBytes = 512

// QuitFunc requests a voluntary quit. engine.Station.Quit satisfies it.
type QuitFunc func(reason string)

// QuitFileWatcher requests a quit when an operator creates or writes a stop
// file. The file contents, if any, become the quit reason.
type QuitFileWatcher struct {
	path     string
	debounce time.Duration
	remove   bool
	quit     QuitFunc
	logger   *telemetry.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	done    chan struct{}
}

// WatcherOption configures a QuitFileWatcher.
type WatcherOption func(*QuitFileWatcher)

// WithDebounce sets the debounce period.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *QuitFileWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithRemove deletes the stop file once the quit has been requested, so the
// next run of the station does not stop immediately.
func WithRemove() WatcherOption {
	return func(w *QuitFileWatcher) {
		w.remove = true
	}
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) WatcherOption {
	return func(w *QuitFileWatcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewQuitFileWatcher creates a watcher for path.
func NewQuitFileWatcher(path string, quit QuitFunc, opts ...WatcherOption) (*QuitFileWatcher, error) {
	if path == "" {
		return nil, errors.New("quit file path is required")
	}
	if quit == nil {
		return nil, errors.New("quit func is required")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve quit file path: %w", err)
	}

	w := &QuitFileWatcher{
		path:     abs,
		debounce: DefaultDebounce,
		quit:     quit,
		logger:   telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithField("component", "quit_file").WithField("path", abs)
	return w, nil
}

// Path returns the absolute path of the stop file.
func (w *QuitFileWatcher) Path() string {
	return w.path
}

// Start begins watching. The directory of the stop file must exist; the file
// itself need not. A stop file already present triggers a quit right away.
// Watching ends when ctx is done or Stop is called.
func (w *QuitFileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return errors.New("quit file watcher already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// The file may not exist yet, so its directory is watched.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.watcher = watcher
	w.done = make(chan struct{})
	go w.processEvents(ctx, watcher, w.done)

	if _, err := os.Stat(w.path); err == nil {
		w.logger.Info("Quit file already present")
		w.scheduleLocked()
	}

	w.logger.Debug("Started watching quit file")
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (w *QuitFileWatcher) Stop() error {
	w.mu.Lock()
	watcher, done := w.watcher, w.done
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}

// Done is closed when the event loop has exited.
func (w *QuitFileWatcher) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

func (w *QuitFileWatcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.WithField("op", event.Op.String()).Debug("Quit file changed")

			w.mu.Lock()
			w.scheduleLocked()
			w.mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Watcher error")
		}
	}
}

func (w *QuitFileWatcher) scheduleLocked() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.trigger)
}

func (w *QuitFileWatcher) trigger() {
	// A rename away from the watched name also produces an event.
	if _, err := os.Stat(w.path); err != nil {
		return
	}

	reason := w.reason()
	w.logger.WithField("reason", reason).Info("Quit requested by quit file")
	w.quit(reason)

	if w.remove {
		if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logger.WithError(err).Warn("Failed to remove quit file")
		}
	}
}

func (w *QuitFileWatcher) reason() string {
	f, err := os.Open(w.path)
	if err == nil {
		defer f.Close()
		buf := make([]byte, maxReasonBytes)
		n, _ := f.Read(buf)
		if text := strings.TrimSpace(string(buf[:n])); text != "" {
			return text
		}
	}
	return fmt.Sprintf("quit file %s present", filepath.Base(w.path))
}
