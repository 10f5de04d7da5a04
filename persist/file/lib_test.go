package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jrhy/crdtree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestFiles(t *testing.T) {
	dir, err := os.MkdirTemp("", "test")
	require.NoError(t, err)

	p, err := NewPersistForPath(filepath.Join(dir, "state"))
	require.NoError(t, err)

	err = p.Store(ctx, "foo", []byte("hello"))
	require.NoError(t, err)
	loaded, err := p.Load(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), loaded)

	err = p.Store(ctx, "foo", []byte("goodbye"))
	require.NoError(t, err)
	loaded, err = p.Load(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), loaded, "names are immutable")

	_, err = p.Load(ctx, "bar")
	require.True(t, errors.Is(err, crdtree.ErrNotFound), "%v", err)

	entries, err := os.ReadDir(filepath.Join(dir, "state"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files left behind")

	if !t.Failed() {
		os.RemoveAll(dir)
	} else {
		fmt.Println("temp directory:", dir)
	}
}

func TestReplicaInDirectory(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPersistForPath(dir)
	require.NoError(t, err)
	config := crdtree.Config{PeerID: "a", StoreImmutablePartsWith: p, SnapshotEvery: 2}
	r, err := crdtree.Open(ctx, &config)
	require.NoError(t, err)
	for _, name := range []string{"x", "y", "z"} {
		_, err := r.Insert(ctx, crdtree.RootID, name, crdtree.Register, []byte(name))
		require.NoError(t, err)
	}

	reopened, err := crdtree.Open(ctx, &config)
	require.NoError(t, err)
	require.Equal(t, r.Digest(), reopened.Digest())
	e, ok := reopened.Lookup("z")
	require.True(t, ok)
	require.Equal(t, "z", string(e.Value))
}
