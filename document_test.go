package crdtree

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncReplicas exchanges everything each replica is missing, both ways.
func syncReplicas(t *testing.T, replicas ...*Replica) {
	t.Helper()
	for _, from := range replicas {
		for _, to := range replicas {
			if from == to {
				continue
			}
			for _, op := range from.OpsMissing(to.Context()) {
				res, err := to.Apply(ctx, op)
				require.NoError(t, err)
				require.Equal(t, Applied, res, "%s", &op)
			}
		}
	}
}

func requireValue(t *testing.T, r *Replica, path, want string) {
	t.Helper()
	e, ok := r.Lookup(path)
	require.True(t, ok, "%s has no %s", r.PeerID(), path)
	require.Equal(t, Register, e.Kind)
	require.Equal(t, want, string(e.Value), "%s at %s", r.PeerID(), path)
}

func requireConverged(t *testing.T, replicas ...*Replica) {
	t.Helper()
	want := MarshalEntry(replicas[0].Render())
	for _, r := range replicas[1:] {
		require.Equal(t, want, MarshalEntry(r.Render()), "%s and %s differ", replicas[0].PeerID(), r.PeerID())
		require.Equal(t, replicas[0].Digest(), r.Digest())
	}
}

func TestConcurrentCreateSameFile(t *testing.T) {
	t.Parallel()
	for _, order := range [][]string{{"a", "b"}, {"b", "a"}} {
		a := NewInMemory("a")
		b := NewInMemory("b")
		_, err := a.Insert(ctx, RootID, "a.txt", Register, []byte("x"))
		require.NoError(t, err)
		_, err = b.Insert(ctx, RootID, "a.txt", Register, []byte("y"))
		require.NoError(t, err)
		replicas := map[string]*Replica{"a": a, "b": b}
		syncReplicas(t, replicas[order[0]], replicas[order[1]])

		// 1@b sorts after 1@a, so b's value wins everywhere.
		requireValue(t, a, "a.txt", "y")
		requireValue(t, b, "a.txt", "y")
		requireConverged(t, a, b)
	}
}

func TestDeleteAfterConcurrentCreate(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	b := NewInMemory("b")
	_, err := a.Insert(ctx, RootID, "a.txt", Register, []byte("x"))
	require.NoError(t, err)
	_, err = b.Insert(ctx, RootID, "a.txt", Register, []byte("y"))
	require.NoError(t, err)
	syncReplicas(t, a, b)

	e, ok := a.Lookup("a.txt")
	require.True(t, ok)
	require.Equal(t, OpID{Peer: "b", Counter: 1}, e.ID)
	require.Equal(t, []OpID{{Peer: "a", Counter: 1}}, e.Shadowed)
	ops, err := a.Delete(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	_, ok = a.Lookup("a.txt")
	require.False(t, ok, "the shadowed file shows through")
	syncReplicas(t, a, b)
	_, ok = b.Lookup("a.txt")
	require.False(t, ok)
	requireConverged(t, a, b)
}

func TestDeleteDirectoryWithConcurrentChildren(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	b := NewInMemory("b")
	d, err := a.Insert(ctx, RootID, "d", Object, nil)
	require.NoError(t, err)
	syncReplicas(t, a, b)
	_, err = a.Insert(ctx, d.ID, "x", Register, []byte("1"))
	require.NoError(t, err)
	_, err = b.Insert(ctx, d.ID, "x", Register, []byte("2"))
	require.NoError(t, err)
	syncReplicas(t, a, b)

	ops, err := a.Delete(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	syncReplicas(t, a, b)
	for _, r := range []*Replica{a, b} {
		_, ok := r.Lookup("d")
		require.False(t, ok, "%s still has d", r.PeerID())
	}
	requireConverged(t, a, b)
}

func TestDeleteFileShadowingDirectory(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	b := NewInMemory("b")
	d, err := a.Insert(ctx, RootID, "d", Object, nil)
	require.NoError(t, err)
	_, err = a.Insert(ctx, d.ID, "f", Register, []byte("1"))
	require.NoError(t, err)
	_, err = b.Insert(ctx, RootID, "d", Register, []byte("file"))
	require.NoError(t, err)
	syncReplicas(t, a, b)

	requireValue(t, a, "d", "file")
	e, _ := a.Lookup("d")
	require.Equal(t, []OpID{d.ID}, e.Shadowed)
	ops, err := a.Delete(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	syncReplicas(t, a, b)
	for _, r := range []*Replica{a, b} {
		_, ok := r.Lookup("d")
		require.False(t, ok)
	}
	requireConverged(t, a, b)
}

func TestMoveAfterConcurrentCreate(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	b := NewInMemory("b")
	_, err := a.Insert(ctx, RootID, "x", Register, []byte("x"))
	require.NoError(t, err)
	_, err = b.Insert(ctx, RootID, "x", Register, []byte("y"))
	require.NoError(t, err)
	syncReplicas(t, a, b)

	e, ok := a.Lookup("x")
	require.True(t, ok)
	ops, err := a.Move(ctx, e.ID, RootID, "y")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, e.ID, ops[0].Target)
	syncReplicas(t, a, b)
	for _, r := range []*Replica{a, b} {
		_, ok := r.Lookup("x")
		require.False(t, ok, "%s still has x", r.PeerID())
		requireValue(t, r, "y", "y")
	}
	requireConverged(t, a, b)
}

func TestMoveMergedDirectory(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	b := NewInMemory("b")
	da, err := a.Insert(ctx, RootID, "d", Object, nil)
	require.NoError(t, err)
	_, err = a.Insert(ctx, da.ID, "p", Register, []byte("p"))
	require.NoError(t, err)
	db, err := b.Insert(ctx, RootID, "d", Object, nil)
	require.NoError(t, err)
	_, err = b.Insert(ctx, db.ID, "q", Register, []byte("q"))
	require.NoError(t, err)
	syncReplicas(t, a, b)

	ops, err := b.Move(ctx, da.ID, RootID, "e")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	syncReplicas(t, a, b)
	for _, r := range []*Replica{a, b} {
		_, ok := r.Lookup("d")
		require.False(t, ok)
		requireValue(t, r, "e/p", "p")
		requireValue(t, r, "e/q", "q")
	}
	requireConverged(t, a, b)
}

func TestDeleteDirectoryConcurrentWithInsertBelow(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	b := NewInMemory("b")
	d, err := a.Insert(ctx, RootID, "d", Object, nil)
	require.NoError(t, err)
	syncReplicas(t, a, b)

	_, err = a.Delete(ctx, d.ID)
	require.NoError(t, err)
	_, ok := a.Lookup("d")
	require.False(t, ok)
	_, err = b.Insert(ctx, d.ID, "file.txt", Register, []byte("z"))
	require.NoError(t, err)
	syncReplicas(t, a, b)

	for _, r := range []*Replica{a, b} {
		_, ok := r.Lookup("d")
		require.True(t, ok)
		requireValue(t, r, "d/file.txt", "z")
		require.True(t, r.doc.nodes[d.ID].tombstoned())
	}
	requireConverged(t, a, b)
}

func TestMoveConcurrentWithUpdate(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	b := NewInMemory("b")
	x, err := a.Insert(ctx, RootID, "x", Register, []byte("v1"))
	require.NoError(t, err)
	syncReplicas(t, a, b)

	mv, err := a.Move(ctx, x.ID, RootID, "y")
	require.NoError(t, err)
	require.Len(t, mv, 1)
	require.Equal(t, x.ID, mv[0].Target)
	_, err = b.Update(ctx, x.ID, []byte("v2"))
	require.NoError(t, err)
	syncReplicas(t, b, a)

	for _, r := range []*Replica{a, b} {
		requireValue(t, r, "y", "v2")
		_, ok := r.Lookup("x")
		require.False(t, ok)
		e, _ := r.Lookup("y")
		require.Equal(t, x.ID, e.ID)
	}
	requireConverged(t, a, b)
}

func TestResumeAfterPartialBatch(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	b := NewInMemory("b")
	dir, err := a.Insert(ctx, RootID, "dir", Object, nil)
	require.NoError(t, err)
	for _, name := range []string{"1", "2", "3", "4"} {
		_, err := a.Insert(ctx, dir.ID, name, Register, []byte(name))
		require.NoError(t, err)
	}
	batch := a.OpsMissing(b.Context())
	require.Len(t, batch, 5)
	for _, op := range batch[:3] {
		res, err := b.Apply(ctx, op)
		require.NoError(t, err)
		require.Equal(t, Applied, res)
	}

	// reconnect: the handshake contexts give exactly the rest
	require.Equal(t, []Range{{Peer: "a", From: 4, To: 5}}, Missing(b.Context(), a.Context()))
	delta := a.OpsMissing(b.Context())
	require.Len(t, delta, 2)
	require.Equal(t, batch[3:], delta)
	for _, op := range delta {
		res, err := b.Apply(ctx, op)
		require.NoError(t, err)
		require.Equal(t, Applied, res)
	}
	digest := b.Digest()
	version := b.doc.Version()

	// at-least-once delivery of the whole batch again changes nothing
	for _, op := range batch {
		res, err := b.Apply(ctx, op)
		require.NoError(t, err)
		require.Equal(t, Applied, res)
	}
	require.Equal(t, digest, b.Digest())
	require.Equal(t, version, b.doc.Version())
	require.Equal(t, 5, b.Len())
	requireConverged(t, a, b)
}

func TestCausalGating(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	dir, err := a.Insert(ctx, RootID, "dir", Object, nil)
	require.NoError(t, err)
	file, err := a.Insert(ctx, dir.ID, "file", Register, []byte("f"))
	require.NoError(t, err)

	d := NewDocument()
	res, err := d.Apply(file)
	require.NoError(t, err)
	require.Equal(t, Buffered, res)
	res, err = d.Apply(file)
	require.NoError(t, err)
	require.Equal(t, Buffered, res, "resubmitting a buffered operation")
	require.Empty(t, d.Render().Children)
	require.Equal(t, 1, d.Pending())
	require.Empty(t, d.Context())

	res, err = d.Apply(dir)
	require.NoError(t, err)
	require.Equal(t, Applied, res)
	require.Equal(t, 0, d.Pending())
	e, ok := d.Lookup("dir/file")
	require.True(t, ok)
	require.Equal(t, "f", string(e.Value))
	require.Equal(t, Context{"a": 2}, d.Context())
}

func TestCrossPeerDependency(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	b := NewInMemory("b")
	c := NewInMemory("c")
	f, err := b.Insert(ctx, RootID, "f", Register, []byte("1"))
	require.NoError(t, err)
	dir, err := a.Insert(ctx, RootID, "dir", Object, nil)
	require.NoError(t, err)
	syncReplicas(t, a, b)
	moved, err := b.Move(ctx, f.ID, dir.ID, "f")
	require.NoError(t, err)
	require.Len(t, moved, 1)
	mv := moved[0]
	require.Equal(t, Context{"a": 1, "b": 1}, mv.Deps)

	// c hears from b before it hears from a
	res, err := c.Apply(ctx, f)
	require.NoError(t, err)
	require.Equal(t, Applied, res)
	res, err = c.Apply(ctx, mv)
	require.NoError(t, err)
	require.Equal(t, Buffered, res)
	requireValue(t, c, "f", "1")

	res, err = c.Apply(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, Applied, res)
	require.Equal(t, 0, c.Pending())
	requireValue(t, c, "dir/f", "1")
	_, ok := c.Lookup("f")
	require.False(t, ok)
	requireConverged(t, b, c)
}

func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	x, err := a.Insert(ctx, RootID, "x", Register, []byte("1"))
	require.NoError(t, err)
	up, err := a.Update(ctx, x.ID, []byte("2"))
	require.NoError(t, err)

	d := NewDocument()
	for i := 0; i < 3; i++ {
		for _, op := range []Operation{x, up} {
			res, err := d.Apply(op)
			require.NoError(t, err)
			require.Equal(t, Applied, res)
		}
	}
	require.Equal(t, 2, d.Len())
	require.Equal(t, a.Digest(), d.Digest())
}

func TestRejectMalformed(t *testing.T) {
	t.Parallel()
	d := NewDocument()
	dir := Operation{ID: OpID{"a", 1}, Kind: Insert, Key: "dir", NodeKind: Object, Deps: Context{}}
	res, err := d.Apply(dir)
	require.NoError(t, err)
	require.Equal(t, Applied, res)
	for _, op := range []Operation{
		{ID: OpID{"", 1}, Kind: Insert, Key: "k", NodeKind: Object},
		{ID: OpID{"b", 0}, Kind: Insert, Key: "k", NodeKind: Object},
		{ID: OpID{"b", 2}, Kind: Insert, Key: "k", NodeKind: Object, Deps: Context{"b": 5}},
		{ID: OpID{"b", 1}, Kind: OpKind(9), Deps: Context{}},
		{ID: OpID{"b", 1}, Kind: Insert, Key: "k", NodeKind: NodeKind(7), Deps: Context{}},
		{ID: OpID{"b", 1}, Kind: Insert, Key: "k", NodeKind: Object, Value: []byte("v"), Deps: Context{}},
		{ID: OpID{"b", 1}, Kind: Insert, Key: "a/b", NodeKind: Object, Deps: Context{}},
		{ID: OpID{"b", 1}, Kind: Insert, Key: "", NodeKind: Object, Deps: Context{}},
		{ID: OpID{"b", 1}, Kind: Delete, Deps: Context{}},
		{ID: OpID{"b", 1}, Kind: Move, Target: OpID{"a", 1}, Key: "k", Deps: Context{}},
		{ID: OpID{"b", 1}, Kind: Update, Target: OpID{"a", 1}, Value: []byte("v"), Deps: Context{"a": 1}},
		{ID: OpID{"b", 1}, Kind: Insert, Parent: OpID{"a", 1}, After: OpID{"a", 1}, Key: "k", NodeKind: Object, Deps: Context{"a": 1}},
		{ID: OpID{"b", 1}, Kind: Move, Target: RootID, Key: "k", Deps: Context{}},
	} {
		res, err := d.Apply(op)
		require.Equal(t, Rejected, res, "%s", &op)
		require.True(t, errors.Is(err, ErrMalformed), "%s: %v", &op, err)
	}
	require.Equal(t, Context{"a": 1}, d.Context())
}

func TestRegisterCausallyLaterWriteWins(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	b := NewInMemory("b")
	for i := 0; i < 5; i++ {
		_, err := a.Insert(ctx, RootID, string(rune('p'+i)), Object, nil)
		require.NoError(t, err)
	}
	x, err := a.Insert(ctx, RootID, "x", Register, []byte("from a"))
	require.NoError(t, err)
	syncReplicas(t, a, b)

	// 1@b is lower than 6@a but b had seen a's write
	up, err := b.Update(ctx, x.ID, []byte("from b"))
	require.NoError(t, err)
	require.True(t, up.ID.Less(x.ID))
	syncReplicas(t, a, b)
	requireValue(t, a, "x", "from b")
	requireConverged(t, a, b)
}

func TestConcurrentUpdatesHighestWins(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	b := NewInMemory("b")
	x, err := a.Insert(ctx, RootID, "x", Register, []byte("0"))
	require.NoError(t, err)
	syncReplicas(t, a, b)
	ua, err := a.Update(ctx, x.ID, []byte("a"))
	require.NoError(t, err)
	ub, err := b.Update(ctx, x.ID, []byte("b"))
	require.NoError(t, err)
	require.True(t, ub.ID.Less(ua.ID))
	syncReplicas(t, a, b)
	requireValue(t, a, "x", "a")
	requireConverged(t, a, b)
}

func TestUpdateConcurrentWithDeleteSurvives(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	b := NewInMemory("b")
	x, err := a.Insert(ctx, RootID, "x", Register, []byte("0"))
	require.NoError(t, err)
	syncReplicas(t, a, b)
	_, err = a.Delete(ctx, x.ID)
	require.NoError(t, err)
	_, err = b.Update(ctx, x.ID, []byte("kept"))
	require.NoError(t, err)
	syncReplicas(t, a, b)
	requireValue(t, a, "x", "kept")
	requireConverged(t, a, b)

	// a delete that has seen the update removes it
	_, err = a.Delete(ctx, x.ID)
	require.NoError(t, err)
	syncReplicas(t, a, b)
	_, ok := b.Lookup("x")
	require.False(t, ok)
	requireConverged(t, a, b)
}

func TestConcurrentMkdirMerges(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	b := NewInMemory("b")
	da, err := a.Insert(ctx, RootID, "d", Object, nil)
	require.NoError(t, err)
	_, err = a.Insert(ctx, da.ID, "f1", Register, []byte("1"))
	require.NoError(t, err)
	db, err := b.Insert(ctx, RootID, "d", Object, nil)
	require.NoError(t, err)
	_, err = b.Insert(ctx, db.ID, "f2", Register, []byte("2"))
	require.NoError(t, err)
	syncReplicas(t, a, b)

	for _, r := range []*Replica{a, b} {
		requireValue(t, r, "d/f1", "1")
		requireValue(t, r, "d/f2", "2")
		e, _ := r.Lookup("d")
		require.Equal(t, db.ID, e.ID)
		require.Equal(t, []OpID{da.ID}, e.Merged)
	}
	requireConverged(t, a, b)

	// deleting the merged directory removes every part of it
	_, err = a.Delete(ctx, db.ID)
	require.NoError(t, err)
	syncReplicas(t, a, b)
	_, ok := b.Lookup("d")
	require.False(t, ok)
	requireConverged(t, a, b)
}

func TestConcurrentMovesHighestWins(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	b := NewInMemory("b")
	x, err := a.Insert(ctx, RootID, "x", Register, []byte("x"))
	require.NoError(t, err)
	syncReplicas(t, a, b)
	ma, err := a.Move(ctx, x.ID, RootID, "m1")
	require.NoError(t, err)
	mb, err := b.Move(ctx, x.ID, RootID, "m2")
	require.NoError(t, err)
	require.True(t, mb[0].ID.Less(ma[0].ID))
	syncReplicas(t, a, b)
	for _, r := range []*Replica{a, b} {
		requireValue(t, r, "m1", "x")
		_, ok := r.Lookup("m2")
		require.False(t, ok)
	}
	requireConverged(t, a, b)
	// the losing move is still part of the history
	_, ok := a.Operation(mb[0].ID)
	require.True(t, ok)
}

func TestConcurrentMovesCycle(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	b := NewInMemory("b")
	p, err := a.Insert(ctx, RootID, "p", Object, nil)
	require.NoError(t, err)
	q, err := a.Insert(ctx, RootID, "q", Object, nil)
	require.NoError(t, err)
	syncReplicas(t, a, b)

	_, err = a.Move(ctx, p.ID, q.ID, "p")
	require.NoError(t, err)
	_, err = b.Move(ctx, q.ID, p.ID, "q")
	require.NoError(t, err)
	syncReplicas(t, a, b)

	// a's move has the higher OpID and is the one undone
	for _, r := range []*Replica{a, b} {
		_, ok := r.Lookup("p/q")
		require.True(t, ok)
		_, ok = r.Lookup("q")
		require.False(t, ok)
	}
	requireConverged(t, a, b)
}

func TestLocalMoveBelowItself(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	p, err := a.Insert(ctx, RootID, "p", Object, nil)
	require.NoError(t, err)
	q, err := a.Insert(ctx, p.ID, "q", Object, nil)
	require.NoError(t, err)
	_, err = a.Move(ctx, p.ID, q.ID, "p")
	require.True(t, errors.Is(err, ErrInvalidMove), "%v", err)
	_, err = a.Move(ctx, p.ID, p.ID, "p")
	require.True(t, errors.Is(err, ErrInvalidMove), "%v", err)
	_, err = a.Move(ctx, RootID, p.ID, "r")
	require.True(t, errors.Is(err, ErrInvalidMove), "%v", err)
	_, err = a.Update(ctx, OpID{"zz", 9}, nil)
	require.True(t, errors.Is(err, ErrNoSuchNode), "%v", err)
}

func TestSequenceOrder(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	b := NewInMemory("b")
	seq, err := a.Insert(ctx, RootID, "list", Sequence, nil)
	require.NoError(t, err)
	syncReplicas(t, a, b)

	after := RootID
	for _, v := range []string{"1", "2", "3"} {
		op, err := a.InsertAfter(ctx, seq.ID, after, Register, []byte(v))
		require.NoError(t, err)
		after = op.ID
	}
	_, err = b.InsertAfter(ctx, seq.ID, RootID, Register, []byte("b"))
	require.NoError(t, err)
	syncReplicas(t, a, b)

	for _, r := range []*Replica{a, b} {
		e, ok := r.Lookup("list")
		require.True(t, ok)
		require.Equal(t, Sequence, e.Kind)
		var values []string
		for _, c := range e.Children {
			values = append(values, string(c.Value))
		}
		assert.Equal(t, []string{"1", "2", "3", "b"}, values)
	}
	requireConverged(t, a, b)

	// deleting an element keeps the elements inserted after it in place;
	// "c" follows "3" since 4@a sorts above 2@b
	second := a.Render().Children[0].Children[1]
	_, err = a.Delete(ctx, second.ID)
	require.NoError(t, err)
	_, err = b.InsertAfter(ctx, seq.ID, second.ID, Register, []byte("c"))
	require.NoError(t, err)
	syncReplicas(t, a, b)
	e, _ := a.Lookup("list")
	var values []string
	for _, c := range e.Children {
		values = append(values, string(c.Value))
	}
	assert.Equal(t, []string{"1", "3", "c", "b"}, values)
	requireConverged(t, a, b)
}

func TestMergeDocuments(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	b := NewInMemory("b")
	_, err := a.Insert(ctx, RootID, "from-a", Register, []byte("a"))
	require.NoError(t, err)
	_, err = b.Insert(ctx, RootID, "from-b", Register, []byte("b"))
	require.NoError(t, err)

	ab := NewDocument()
	require.NoError(t, ab.Merge(a.doc))
	require.NoError(t, ab.Merge(b.doc))
	ba := NewDocument()
	require.NoError(t, ba.Merge(b.doc))
	require.NoError(t, ba.Merge(a.doc))
	require.NoError(t, ba.Merge(ab))
	require.Equal(t, ab.Digest(), ba.Digest())
	require.Equal(t, Context{"a": 1, "b": 1}, ab.Context())
}

func TestEndRoundReportsStuck(t *testing.T) {
	t.Parallel()
	a := NewInMemory("a")
	dir, err := a.Insert(ctx, RootID, "dir", Object, nil)
	require.NoError(t, err)
	file, err := a.Insert(ctx, dir.ID, "f", Register, nil)
	require.NoError(t, err)

	b := newReplica(&Config{PeerID: "b", MaxPendingRounds: 2})
	res, err := b.Apply(ctx, file)
	require.NoError(t, err)
	require.Equal(t, Buffered, res)
	require.Empty(t, b.EndRound())
	require.Empty(t, b.EndRound())
	stuck := b.EndRound()
	require.Equal(t, []Stuck{{Op: file.ID, Waiting: dir.ID, Rounds: 3}}, stuck)
	require.Empty(t, b.EndRound(), "reported once")
	require.Equal(t, 1, b.Pending())

	res, err = b.Apply(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, Applied, res)
	require.Equal(t, 0, b.Pending())
}
