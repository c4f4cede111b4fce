package storage

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joeydtaylor/steeze-hotload/pkg/namespace"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const debounce = 100 * time.Millisecond

// BatchFunc receives relative paths that changed on disk.
type BatchFunc func(ctx context.Context, paths []string)

// Watcher reports edits made directly to the modules directory. Events are
// debounced so an editor's write-rename dance produces one batch. It keeps
// the set of unit files it has seen so a directory moved out of the tree
// reports every unit it contained.
type Watcher struct {
	store   *Store
	onBatch BatchFunc
	log     *zap.Logger
	fw      *fsnotify.Watcher
	known   map[string]struct{}
}

func NewWatcher(store *Store, onBatch BatchFunc, log *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	w := &Watcher{store: store, onBatch: onBatch, log: log, fw: fw, known: map[string]struct{}{}}
	units, err := w.addTree(store.Root())
	if err != nil {
		_ = fw.Close()
		return nil, err
	}
	for _, rel := range units {
		w.known[rel] = struct{}{}
	}
	return w, nil
}

// Run blocks until ctx is done, delivering batches to the callback.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fw.Close()

	pending := map[string]time.Time{}
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	mark := func(rel string) {
		pending[rel] = time.Now()
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			rel, ok := w.store.Rel(ev.Name)
			if !ok || namespace.InReservedDir(rel) {
				continue
			}

			if ev.Has(fsnotify.Create) {
				if fi, err := w.store.fs.Stat(ev.Name); err == nil && fi.IsDir() {
					if namespace.ReservedDir(fi.Name()) {
						continue
					}
					// units moved or copied in with the directory
					units, err := w.addTree(ev.Name)
					if err != nil {
						w.log.Warn("watch new directory", zap.String("dir", ev.Name), zap.Error(err))
					}
					for _, u := range units {
						w.known[u] = struct{}{}
						mark(u)
					}
					continue
				}
			}

			if w.store.mapper.IsUnitFile(rel) {
				if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					delete(w.known, rel)
				} else {
					w.known[rel] = struct{}{}
				}
				mark(rel)
				continue
			}

			// a directory removed or moved away takes its units with it
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				dir := rel + "/"
				for u := range w.known {
					if strings.HasPrefix(u, dir) {
						delete(w.known, u)
						mark(u)
					}
				}
			}

		case <-ticker.C:
			now := time.Now()
			var batch []string
			for rel, t := range pending {
				if now.Sub(t) >= debounce {
					batch = append(batch, rel)
					delete(pending, rel)
				}
			}
			if len(batch) > 0 {
				sort.Strings(batch)
				w.log.Debug("file changes", zap.Strings("paths", batch))
				w.onBatch(ctx, batch)
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}

// addTree watches dir and every non-reserved directory below it, and returns
// the unit files it finds there.
func (w *Watcher) addTree(dir string) ([]string, error) {
	var units []string
	err := afero.Walk(w.store.fs, dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			if rel, ok := w.store.Rel(p); ok && w.store.mapper.IsUnitFile(rel) && !namespace.InReservedDir(rel) {
				units = append(units, rel)
			}
			return nil
		}
		if p != w.store.Root() && namespace.ReservedDir(info.Name()) {
			return filepath.SkipDir
		}
		return w.fw.Add(p)
	})
	return units, err
}
