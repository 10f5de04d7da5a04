package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
)

// ErrOverflow means events were lost; the tree needs a Scan.
var ErrOverflow = errors.New("watch events lost")

// Watcher reports changes below a root as Events, watching every
// directory that isn't ignored.
type Watcher struct {
	root   string
	ignore *Ignore
	window time.Duration
	fsw    *fsnotify.Watcher
}

// NewWatcher starts watching root. A rename is reported as one Rename
// event when the old name's event is followed by the new name's within
// window; otherwise the old name is reported deleted.
func NewWatcher(root string, ignore *Ignore, window time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	w := &Watcher{root: root, ignore: ignore, window: window, fsw: fsw}
	if err := w.watchTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) rel(full string) (string, bool) {
	rel, err := filepath.Rel(w.root, full)
	if err != nil || rel == "." {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := w.rel(full); ok && w.ignore.Ignored(rel, true) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(full); err != nil {
			return fmt.Errorf("watch %s: %w", full, err)
		}
		return nil
	})
}

// Run calls f with each event, in order, until ctx is done, f fails, or
// events are lost, which is reported as ErrOverflow.
func (w *Watcher) Run(ctx context.Context, f func(Event) error) error {
	var renamed *Event
	var expire <-chan time.Time
	flush := func() error {
		if renamed == nil {
			return nil
		}
		ev := Event{Kind: Delete, Path: renamed.OldPath, IsDir: renamed.IsDir}
		renamed, expire = nil, nil
		return f(ev)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-expire:
			if err := flush(); err != nil {
				return err
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				return fmt.Errorf("%w: %v", ErrOverflow, err)
			}
			glog.Warningf("[indexer]watch: %v", err)
		case e, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			p, ok := w.rel(e.Name)
			if !ok {
				continue
			}
			glog.V(3).Infof("[indexer]fsnotify %s", e)
			switch {
			case e.Has(fsnotify.Create):
				isDir := false
				if info, err := os.Lstat(e.Name); err == nil {
					isDir = info.IsDir()
				}
				if isDir && !w.ignore.Ignored(p, true) {
					if renamed != nil {
						// the old name's watch would report the new name's events
						w.unwatchTree(filepath.Join(w.root, filepath.FromSlash(renamed.OldPath)))
					}
					if err := w.watchTree(e.Name); err != nil {
						glog.Warningf("[indexer]%v", err)
					}
				}
				ev := Event{Kind: Create, Path: p, IsDir: isDir}
				if renamed != nil {
					ev = Event{Kind: Rename, Path: p, OldPath: renamed.OldPath, IsDir: isDir}
					renamed, expire = nil, nil
				}
				if err := f(ev); err != nil {
					return err
				}
			case e.Has(fsnotify.Rename):
				if err := flush(); err != nil {
					return err
				}
				renamed = &Event{Kind: Rename, OldPath: p}
				expire = time.After(w.window)
			case e.Has(fsnotify.Remove):
				if err := flush(); err != nil {
					return err
				}
				if err := f(Event{Kind: Delete, Path: p}); err != nil {
					return err
				}
			case e.Has(fsnotify.Write), e.Has(fsnotify.Chmod):
				if err := f(Event{Kind: Modify, Path: p}); err != nil {
					return err
				}
			}
		}
	}
}

// unwatchTree drops the watches at and below dir.
func (w *Watcher) unwatchTree(dir string) {
	for _, watched := range w.fsw.WatchList() {
		if watched == dir || len(watched) > len(dir) && watched[:len(dir)+1] == dir+string(filepath.Separator) {
			w.fsw.Remove(watched)
		}
	}
}
