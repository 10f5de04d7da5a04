package crdtree

import (
	"context"
	"fmt"
)

func ExampleReplica() {
	ctx := context.Background()
	a := NewInMemory("a")
	b := NewInMemory("b")
	a.Insert(ctx, RootID, "a.txt", Register, []byte("x"))
	b.Insert(ctx, RootID, "a.txt", Register, []byte("y"))
	for _, op := range b.OpsMissing(a.Context()) {
		a.Apply(ctx, op)
	}
	for _, op := range a.OpsMissing(b.Context()) {
		b.Apply(ctx, op)
	}
	ea, _ := a.Lookup("a.txt")
	eb, _ := b.Lookup("a.txt")
	fmt.Printf("%s %s %v\n", ea.Value, eb.Value, a.Digest() == b.Digest())
	// Output:
	// y y true
}

func ExampleDiffIter() {
	ctx := context.Background()
	r := NewInMemory("a")
	foo, _ := r.Insert(ctx, RootID, "foo", Register, []byte("1"))
	r.Insert(ctx, RootID, "bar", Register, []byte("2"))
	v1 := r.Render()
	r.Update(ctx, foo.ID, []byte("3"))
	bar, _ := r.Lookup("bar")
	r.Move(ctx, bar.ID, RootID, "baz")
	DiffIter(ctx, v1, r.Render(), func(added, removed bool, path string, addedEntry, removedEntry *Entry) (bool, error) {
		if removed {
			fmt.Printf("removed '%s' value '%s'\n", path, removedEntry.Value)
		} else if added {
			fmt.Printf("added   '%s' value '%s'\n", path, addedEntry.Value)
		} else {
			fmt.Printf("changed '%s'   from '%s' to '%s'\n", path, removedEntry.Value, addedEntry.Value)
		}
		return true, nil
	})
	// Output:
	// removed 'bar' value '2'
	// added   'baz' value '2'
	// changed 'foo'   from '1' to '3'
}
