package depgraph

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 250 * time.Millisecond

// Invalidator is notified when the project structure changes.
type Invalidator interface {
	Invalidate()
}

// Watcher invalidates a cached graph when source files under the builder's
// root are created, removed, renamed, or rewritten. Bursts of events within the
// debounce window cause a single invalidation.
type Watcher struct {
	builder  *Builder
	target   Invalidator
	debounce time.Duration
	logger   *zap.Logger

	fw    *fsnotify.Watcher
	mu    sync.Mutex
	timer *time.Timer
	fired int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWatcher creates a watcher for builder's tree. Call Start to begin.
func NewWatcher(builder *Builder, target Invalidator, debounce time.Duration, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		builder:  builder,
		target:   target,
		debounce: debounce,
		logger:   logger,
	}
}

// Start registers every non-ignored directory and begins processing events.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w.fw = fw

	if err := w.addTree(w.builder.Root()); err != nil {
		fw.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.Info("graph_watcher_started", zap.String("root", w.builder.Root()))
	return nil
}

func (w *Watcher) skipDir(path string, name string) bool {
	if path == w.builder.Root() {
		return false
	}
	return w.builder.ignoreDirs[name] || strings.HasPrefix(name, ".")
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.skipDir(p, d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

// loop processes filesystem change events.
func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("graph_watcher_error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.skipDir(event.Name, info.Name()) {
				if err := w.addTree(event.Name); err != nil {
					w.logger.Warn("graph_watcher_add_failed", zap.String("dir", event.Name), zap.Error(err))
				}
				w.schedule()
			}
			return
		}
	}
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}
	if !w.builder.isSource(event.Name) {
		// A removed or renamed directory takes its sources with it.
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			if filepath.Ext(event.Name) == "" {
				w.schedule()
			}
		}
		return
	}
	w.logger.Debug("graph_watcher_event", zap.String("op", event.Op.String()), zap.String("file", event.Name))
	w.schedule()
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.fired++
		w.mu.Unlock()
		w.target.Invalidate()
	})
}

// Invalidations counts debounced invalidations issued so far.
func (w *Watcher) Invalidations() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	var err error
	if w.fw != nil {
		err = w.fw.Close()
	}
	w.wg.Wait()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}
