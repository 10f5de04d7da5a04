// Package indexer turns changes to a directory tree on disk into
// operations on a replica: directories become objects and files become
// registers holding their FileMeta.
package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/golang/glog"
	"github.com/jrhy/crdtree"
)

// EventKind says what happened to a path.
type EventKind int

const (
	Create EventKind = iota + 1
	Modify
	Delete
	Rename
)

func (k EventKind) String() string {
	switch k {
	case Create:
		return "Create"
	case Modify:
		return "Modify"
	case Delete:
		return "Delete"
	case Rename:
		return "Rename"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a change below the watched root. Paths are slash-separated and
// relative to the root; OldPath is only set for Rename.
type Event struct {
	Kind    EventKind
	Path    string
	OldPath string
	IsDir   bool
}

func (e Event) String() string {
	if e.Kind == Rename {
		return fmt.Sprintf("Rename %s -> %s", e.OldPath, e.Path)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Path)
}

// Tree is the part of a replica the indexer edits.
type Tree interface {
	Lookup(path string) (*crdtree.Entry, bool)
	Render() *crdtree.Entry
	Insert(ctx context.Context, parent crdtree.OpID, key string, kind crdtree.NodeKind, value []byte) (crdtree.Operation, error)
	Update(ctx context.Context, id crdtree.OpID, value []byte) (crdtree.Operation, error)
	Delete(ctx context.Context, id crdtree.OpID) ([]crdtree.Operation, error)
	Move(ctx context.Context, id, parent crdtree.OpID, key string) ([]crdtree.Operation, error)
}

// Indexer applies events for the directory root to a Tree. It is not safe
// for concurrent use.
type Indexer struct {
	root   string
	tree   Tree
	ignore *Ignore
}

// New returns an indexer of root. A nil ignore ignores nothing.
func New(root string, tree Tree, ignore *Ignore) *Indexer {
	return &Indexer{root: root, tree: tree, ignore: ignore}
}

func cleanPath(p string) (string, error) {
	c := path.Clean("/" + p)[1:]
	if c == "" || c != strings.TrimSuffix(p, "/") {
		return "", fmt.Errorf("bad path %q", p)
	}
	return c, nil
}

// Handle applies one event.
func (ix *Indexer) Handle(ctx context.Context, ev Event) error {
	p, err := cleanPath(ev.Path)
	if err != nil {
		return err
	}
	if ev.Kind == Rename {
		old, err := cleanPath(ev.OldPath)
		if err != nil {
			return err
		}
		switch {
		case ix.ignore.Ignored(p, ev.IsDir):
			ev = Event{Kind: Delete, Path: old, IsDir: ev.IsDir}
			p = old
		case ix.ignore.Ignored(old, ev.IsDir):
			ev = Event{Kind: Create, Path: p, IsDir: ev.IsDir}
		default:
			glog.V(2).Infof("[indexer]%s", ev)
			return ix.rename(ctx, old, p)
		}
	}
	if ix.ignore.Ignored(p, ev.IsDir) {
		glog.V(3).Infof("[indexer]ignoring %s", ev)
		return nil
	}
	glog.V(2).Infof("[indexer]%s", ev)
	switch ev.Kind {
	case Create, Modify:
		return ix.upsert(ctx, p, ev.IsDir)
	case Delete:
		return ix.remove(ctx, p)
	}
	return fmt.Errorf("event %s: unknown kind", ev)
}

// dir returns the object at p, creating it and any missing ancestors.
// A register in the way is replaced.
func (ix *Indexer) dir(ctx context.Context, p string) (crdtree.OpID, error) {
	parent := crdtree.RootID
	if p == "" {
		return parent, nil
	}
	sofar := ""
	for _, name := range strings.Split(p, "/") {
		sofar = path.Join(sofar, name)
		e, ok := ix.tree.Lookup(sofar)
		if ok && e.Kind == crdtree.Object {
			parent = e.ID
			continue
		}
		if ok {
			if _, err := ix.tree.Delete(ctx, e.ID); err != nil {
				return crdtree.OpID{}, fmt.Errorf("replace %s: %w", sofar, err)
			}
		}
		op, err := ix.tree.Insert(ctx, parent, name, crdtree.Object, nil)
		if err != nil {
			return crdtree.OpID{}, fmt.Errorf("mkdir %s: %w", sofar, err)
		}
		parent = op.ID
	}
	return parent, nil
}

func split(p string) (string, string) {
	dir, name := path.Split(p)
	return strings.TrimSuffix(dir, "/"), name
}

// upsert makes p match the disk. Creating an existing file is a Modify.
func (ix *Indexer) upsert(ctx context.Context, p string, isDir bool) error {
	full := filepath.Join(ix.root, filepath.FromSlash(p))
	var value []byte
	if !isDir {
		meta, err := ix.stat(full, p)
		if errors.Is(err, errIsDir) {
			isDir = true
		} else if errors.Is(err, fs.ErrNotExist) {
			// gone already; its Delete follows
			glog.V(1).Infof("[indexer]%s vanished", p)
			return nil
		} else if err != nil {
			return err
		}
		value = meta
	}
	if isDir {
		if _, err := ix.dir(ctx, p); err != nil {
			return err
		}
		return ix.contents(ctx, p)
	}
	e, ok := ix.tree.Lookup(p)
	if ok && e.Kind == crdtree.Register {
		if bytes.Equal(e.Value, value) {
			return nil
		}
		if _, err := ix.tree.Update(ctx, e.ID, value); err != nil {
			return fmt.Errorf("update %s: %w", p, err)
		}
		return nil
	}
	if ok {
		if _, err := ix.tree.Delete(ctx, e.ID); err != nil {
			return fmt.Errorf("replace %s: %w", p, err)
		}
	}
	dir, name := split(p)
	parent, err := ix.dir(ctx, dir)
	if err != nil {
		return err
	}
	if _, err := ix.tree.Insert(ctx, parent, name, crdtree.Register, value); err != nil {
		return fmt.Errorf("create %s: %w", p, err)
	}
	return nil
}

// contents indexes everything on disk below the directory p.
func (ix *Indexer) contents(ctx context.Context, p string) error {
	full := filepath.Join(ix.root, filepath.FromSlash(p))
	entries, err := os.ReadDir(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", p, err)
	}
	for _, d := range entries {
		if !d.IsDir() && !d.Type().IsRegular() {
			continue
		}
		c := path.Join(p, d.Name())
		if ix.ignore.Ignored(c, d.IsDir()) {
			continue
		}
		if err := ix.upsert(ctx, c, d.IsDir()); err != nil {
			return err
		}
	}
	return nil
}

// stat returns the encoded metadata of the file at full, reusing the
// indexed hash when the file's size, mode and time are unchanged.
func (ix *Indexer) stat(full, p string) ([]byte, error) {
	if e, ok := ix.tree.Lookup(p); ok && e.Kind == crdtree.Register {
		info, err := os.Stat(full)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, errIsDir
		}
		if old, err := UnmarshalFileMeta(e.Value); err == nil && old.sameStat(info) {
			return e.Value, nil
		}
	}
	meta, err := Stat(full)
	if err != nil {
		return nil, err
	}
	return meta.Marshal(), nil
}

func (ix *Indexer) remove(ctx context.Context, p string) error {
	e, ok := ix.tree.Lookup(p)
	if !ok {
		return nil
	}
	if _, err := ix.tree.Delete(ctx, e.ID); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// rename moves the node at old to p, keeping its identity. Whatever was
// at p is deleted first.
func (ix *Indexer) rename(ctx context.Context, old, p string) error {
	if old == p {
		return ix.upsert(ctx, p, false)
	}
	src, ok := ix.tree.Lookup(old)
	if !ok {
		glog.V(1).Infof("[indexer]rename of unindexed %s", old)
		return ix.upsert(ctx, p, false)
	}
	if dst, ok := ix.tree.Lookup(p); ok && dst.ID != src.ID {
		if _, err := ix.tree.Delete(ctx, dst.ID); err != nil {
			return fmt.Errorf("replace %s: %w", p, err)
		}
	}
	dir, name := split(p)
	parent, err := ix.dir(ctx, dir)
	if err != nil {
		return err
	}
	if _, err := ix.tree.Move(ctx, src.ID, parent, name); err != nil {
		return fmt.Errorf("rename %s to %s: %w", old, p, err)
	}
	if src.Kind == crdtree.Register {
		// renamed files may have been written too
		return ix.upsert(ctx, p, false)
	}
	return nil
}

// modified reports whether the file at p looks different from its
// indexed metadata.
func (ix *Indexer) modified(p string, e *crdtree.Entry) bool {
	info, err := os.Stat(filepath.Join(ix.root, filepath.FromSlash(p)))
	if err != nil {
		return true
	}
	old, err := UnmarshalFileMeta(e.Value)
	return err != nil || !old.sameStat(info)
}

type diskEntry struct {
	path  string
	isDir bool
}

// Scan compares the disk with the tree and applies the events that make
// the tree match, returning them. This is how changes made while nothing
// was watching get indexed.
func (ix *Indexer) Scan(ctx context.Context) ([]Event, error) {
	var disk []diskEntry
	onDisk := map[string]bool{}
	err := filepath.WalkDir(ix.root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(ix.root, full)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		p := filepath.ToSlash(rel)
		if ix.ignore.Ignored(p, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}
		disk = append(disk, diskEntry{p, d.IsDir()})
		onDisk[p] = d.IsDir()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", ix.root, err)
	}

	var events []Event
	var gone func(dir string, e *crdtree.Entry)
	gone = func(dir string, e *crdtree.Entry) {
		for _, c := range e.Children {
			if c.Kind == crdtree.Sequence {
				continue
			}
			p := path.Join(dir, c.Name)
			isDir, ok := onDisk[p]
			switch {
			case !ok || isDir != (c.Kind == crdtree.Object):
				if !ix.ignore.Ignored(p, c.Kind == crdtree.Object) {
					events = append(events, Event{Kind: Delete, Path: p, IsDir: c.Kind == crdtree.Object})
				}
			case c.Kind == crdtree.Object:
				gone(p, c)
			}
		}
	}
	gone("", ix.tree.Render())

	creating := map[string]bool{}
	for _, d := range disk {
		if dir, _ := split(d.path); creating[dir] {
			// indexed along with its new directory
			if d.isDir {
				creating[d.path] = true
			}
			continue
		}
		e, ok := ix.tree.Lookup(d.path)
		switch {
		case !ok || (e.Kind == crdtree.Object) != d.isDir:
			events = append(events, Event{Kind: Create, Path: d.path, IsDir: d.isDir})
			if d.isDir {
				creating[d.path] = true
			}
		case !d.isDir && ix.modified(d.path, e):
			events = append(events, Event{Kind: Modify, Path: d.path})
		}
	}

	var applied []Event
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if err := ix.Handle(ctx, ev); err != nil {
			return applied, err
		}
		applied = append(applied, ev)
	}
	glog.V(1).Infof("[indexer]scanned %d entries, applied %d events", len(disk), len(applied))
	return applied, nil
}
