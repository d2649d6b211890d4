package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/SpamExperts/bitten/internal/logfields"
)

// defaultDebounce absorbs editor write bursts before a reload.
const defaultDebounce = 2 * time.Second

// Watcher reloads an environment whenever its configuration files
// change and hands the result to an apply callback, typically
// Environment.Sync against the master's store. A reload that fails to
// load or apply is logged and dropped; the previous state stays in
// effect.
type Watcher struct {
	dir      string
	apply    func(context.Context, *Environment) error
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for one environment directory.
func NewWatcher(env *Environment, apply func(context.Context, *Environment) error) *Watcher {
	return &Watcher{dir: env.Dir, apply: apply, debounce: defaultDebounce}
}

// Run watches the environment until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fsw.Close()

	// Watch the directories, not the files: editors replace files on
	// save, and new config files must be picked up too.
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	configs := filepath.Join(w.dir, configsDir)
	if err := fsw.Add(configs); err != nil {
		slog.Warn("watching configs directory failed",
			logfields.Path(configs), logfields.Error(err))
	}

	slog.Info("watching environment", logfields.Path(w.dir))

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			slog.Debug("environment file changed",
				logfields.Path(event.Name), slog.String("op", event.Op.String()))
			w.trigger(ctx)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Error("environment watcher error", logfields.Error(err))
		}
	}
}

// relevant filters the noise: only project.yml, build config files and
// recipe documents matter, and only events that change content.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	if filepath.Base(event.Name) == projectFile {
		return true
	}
	if filepath.Dir(event.Name) != filepath.Join(w.dir, configsDir) {
		return false
	}
	switch filepath.Ext(event.Name) {
	case ".yml", ".yaml", ".xml":
		return true
	}
	return false
}

// trigger (re)starts the debounce timer; the reload runs once the
// burst of file events settles.
func (w *Watcher) trigger(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.reload(ctx)
	})
}

func (w *Watcher) reload(ctx context.Context) {
	slog.Info("reloading environment", logfields.Path(w.dir))

	env, err := LoadEnvironment(w.dir)
	if err != nil {
		slog.Error("reloading environment failed; keeping previous configuration",
			logfields.Path(w.dir), logfields.Error(err))
		return
	}
	if err := w.apply(ctx, env); err != nil {
		slog.Error("applying reloaded environment failed",
			logfields.Project(env.Project), logfields.Error(err))
	}
}
