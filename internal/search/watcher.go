package search

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/crewpilot/crewpilot/internal/platform"
	"github.com/crewpilot/crewpilot/internal/project"
)

// DefaultDebounce coalesces bursts of writes into one rebuild.
const DefaultDebounce = 500 * time.Millisecond

// RebuildFunc is called after every rebuild attempt.
type RebuildFunc func(ix *Index, err error)

// IndexWatcher rebuilds the memory index whenever a document under
// .team-config changes.
type IndexWatcher struct {
	layout    project.Layout
	debounce  time.Duration
	onRebuild RebuildFunc
	now       func() time.Time
}

// NewIndexWatcher returns a watcher for layout. onRebuild may be nil.
func NewIndexWatcher(layout project.Layout, onRebuild RebuildFunc) *IndexWatcher {
	return &IndexWatcher{
		layout:    layout,
		debounce:  DefaultDebounce,
		onRebuild: onRebuild,
		now:       time.Now,
	}
}

// Warning reports when file events are unreliable for this project.
func (w *IndexWatcher) Warning() string {
	return platform.CheckFsnotifySupport(w.layout.TeamConfigDir())
}

// relevant filters out the index itself and atomic-write temp files.
func (w *IndexWatcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(ev.Name)
	if base == filepath.Base(w.layout.MemoryIndex()) || strings.HasPrefix(base, ".") {
		return false
	}
	return strings.HasSuffix(base, ".md") || w.isDocDir(ev.Name)
}

func (w *IndexWatcher) isDocDir(path string) bool {
	dir := w.layout.TeamConfigDir()
	return path == filepath.Join(dir, researchDirName) || path == filepath.Join(dir, evalDirName)
}

// Run builds the index once, then rebuilds after changes until ctx is done.
func (w *IndexWatcher) Run(ctx context.Context) error {
	if err := w.layout.RequireInitialized(); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := w.layout.TeamConfigDir()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.addDocDirs(watcher)
	w.rebuild()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			if w.isDocDir(ev.Name) && ev.Op&fsnotify.Create != 0 {
				w.addDocDirs(watcher)
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			w.rebuild()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			searchLog.Warn("index_watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (w *IndexWatcher) addDocDirs(watcher *fsnotify.Watcher) {
	for _, sub := range []string{researchDirName, evalDirName} {
		p := filepath.Join(w.layout.TeamConfigDir(), sub)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			if err := watcher.Add(p); err != nil {
				searchLog.Warn("index_watcher_add_failed", slog.String("dir", p), slog.String("error", err.Error()))
			}
		}
	}
}

func (w *IndexWatcher) rebuild() {
	ix, err := BuildIndex(w.layout, w.now())
	if err != nil {
		searchLog.Warn("index_rebuild_failed", slog.String("error", err.Error()))
	}
	if w.onRebuild != nil {
		w.onRebuild(ix, err)
	}
}
