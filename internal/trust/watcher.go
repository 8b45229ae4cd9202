package trust

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DriftKind enumerates the bundle changes a Watcher reports.
type DriftKind string

const (
	// DriftModified means the file now hashes differently from the loaded bundle.
	DriftModified DriftKind = "modified"
	// DriftRemoved means the file no longer exists.
	DriftRemoved DriftKind = "removed"
	// DriftRestored means the file matches the loaded bundle again.
	DriftRestored DriftKind = "restored"
)

// DriftEvent describes a change to the bundle file after initialization.
type DriftEvent struct {
	Kind          DriftKind
	Path          string
	LoadedSHA256  string
	CurrentSHA256 string
	At            time.Time
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce defaults to 100ms.
	Debounce time.Duration
	// Buffer is the event channel capacity, default 16.
	Buffer  int
	Logger  *slog.Logger
	Metrics *MetricsCollector
}

// Watcher reports when the bundle file on disk diverges from the bundle a
// provider loaded. It never reloads the provider.
type Watcher struct {
	path     string
	loaded   string
	debounce time.Duration
	logger   *Logger
	metrics  *MetricsCollector

	watcher *fsnotify.Watcher
	events  chan DriftEvent

	mu      sync.Mutex
	current string
	timer   *time.Timer
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for the bundle at path, loaded with digest
// loadedSHA256.
func NewWatcher(path, loadedSHA256 string, opts WatcherOptions) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		path:     absPath,
		loaded:   loadedSHA256,
		current:  loadedSHA256,
		debounce: opts.Debounce,
		logger:   NewLogger(opts.Logger),
		metrics:  opts.Metrics,
		watcher:  fw,
		events:   make(chan DriftEvent, opts.Buffer),
	}, nil
}

// WatchProvider creates and starts a watcher for a Ready provider whose
// bundle came from a file.
func WatchProvider(ctx context.Context, p *Provider, src Source, opts WatcherOptions) (*Watcher, error) {
	path, ok := PathOf(src)
	if !ok {
		err := NewInvalidArgumentError("bundle source", "only file sources can be watched")
		if src != nil {
			err = err.WithContext("source", src.Name())
		}
		return nil, err
	}
	bundle := p.Bundle()
	if bundle == nil {
		return nil, NewNotInitializedError(p.State())
	}
	if opts.Metrics == nil {
		opts.Metrics = p.metrics
	}

	w, err := NewWatcher(path, bundle.SHA256(), opts)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// Events returns the channel drift events are delivered on. It is closed by
// Close. Events are dropped when the channel is full.
func (w *Watcher) Events() <-chan DriftEvent {
	return w.events
}

// Start begins watching the bundle's directory.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.watchLoop(ctx)
	return nil
}

// Close stops watching and closes the event channel.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	close(w.events)
	w.mu.Unlock()
	return err
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.schedule(ctx)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.logger.Warn("Trust bundle watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.check(ctx)
	})
}

// check hashes the file and emits an event when its state changed.
func (w *Watcher) check(ctx context.Context) {
	sum, err := hashFile(w.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.logger.Warn("Failed to hash trust bundle", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || sum == w.current {
		return
	}

	var kind DriftKind
	switch {
	case sum == "":
		kind = DriftRemoved
	case sum == w.loaded:
		kind = DriftRestored
	default:
		kind = DriftModified
	}
	w.current = sum

	event := DriftEvent{
		Kind:          kind,
		Path:          w.path,
		LoadedSHA256:  w.loaded,
		CurrentSHA256: sum,
		At:            time.Now(),
	}

	w.logger.LogBundleDrift(ctx, event)
	w.metrics.RecordBundleDrift(ctx, kind)

	select {
	case w.events <- event:
	default:
		w.logger.logger.Warn("Dropping trust bundle drift event, consumer is slow", "kind", string(kind))
	}
}

// hashFile returns "" and fs.ErrNotExist when the file is missing.
func hashFile(path string) (string, error) {
	// #nosec G304 -- path is the configured bundle path
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:]), nil
}
