package quotacfg

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher fires a callback when the quota file changes on disk, so
// edits take effect without waiting out the refresh interval. It
// watches the file's directory, which also catches editors that
// replace the file by rename.
type Watcher struct {
	path      string
	watcher   *fsnotify.Watcher
	onChange  func()
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWatcher creates a watcher for path that invokes onChange on every
// relevant filesystem event. The callback must be safe to call from
// the watcher goroutine and should be cheap; wake signals coalesce at
// the scheduler.
func NewWatcher(path string, onChange func()) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve quota file path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		watcher:  fsw,
		onChange: onChange,
		closed:   make(chan struct{}),
	}, nil
}

// Run processes events until ctx is canceled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.closed:
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				log.Debug().Str("path", w.path).Str("op", ev.Op.String()).Msg("Quota file changed")
				w.onChange()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

// Close stops the watcher and releases its resources.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return w.watcher.Close()
}
