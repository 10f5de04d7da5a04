package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jrhy/crdtree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestStoreLoad(t *testing.T) {
	p, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Store(ctx, "foo", []byte("hello")))
	require.NoError(t, p.Store(ctx, "foo", []byte("goodbye")))
	loaded, err := p.Load(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), loaded)

	_, err = p.Load(ctx, "bar")
	require.True(t, errors.Is(err, crdtree.ErrNotFound), "%v", err)
}

func TestReplicaSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	p, err := Open(path)
	require.NoError(t, err)
	config := crdtree.Config{PeerID: "a", StoreImmutablePartsWith: p, SnapshotEvery: 3}
	r, err := crdtree.Open(ctx, &config)
	require.NoError(t, err)
	for _, name := range []string{"w", "x", "y", "z"} {
		_, err := r.Insert(ctx, crdtree.RootID, name, crdtree.Object, nil)
		require.NoError(t, err)
	}
	digest := r.Digest()
	require.NoError(t, p.Close())

	p, err = Open(path)
	require.NoError(t, err)
	defer p.Close()
	config.StoreImmutablePartsWith = p
	r, err = crdtree.Open(ctx, &config)
	require.NoError(t, err)
	require.Equal(t, digest, r.Digest())
	require.Equal(t, 4, r.Len())
}
