package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jrhy/crdtree"
)

// Persist implements the crdtree.Persist interface for storing and loading
// log entries and snapshots as files.
type Persist struct {
	basepath string
}

// Load loads the bytes persisted in the named file.
func (p Persist) Load(ctx context.Context, name string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(p.basepath, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, crdtree.ErrNotFound)
	}
	return b, err
}

// Store persists the given bytes in a file of the given name, if it
// doesn't exist already. The file appears complete or not at all.
func (p Persist) Store(ctx context.Context, name string, bytes []byte) error {
	path := filepath.Join(p.basepath, name)
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	tmp, err := os.CreateTemp(p.basepath, ".tmp-"+name+"-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(bytes); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// NewPersistForPath returns a Persist that loads and stores blobs as
// files in the directory at the given path, creating it if needed.
//
//	p, err := NewPersistForPath("/var/lib/crdtree")
//	blob, err := p.Load(ctx, "snapshot.1")
func NewPersistForPath(path string) (Persist, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Persist{}, fmt.Errorf("persist directory: %w", err)
	}
	return Persist{path}, nil
}
