package crdtree

import (
	"bytes"
	"context"
	"fmt"
)

type diffItem struct {
	path string
	old  *Entry
	new  *Entry
}

type diffStack []diffItem

func (s *diffStack) push(item diffItem) {
	*s = append(*s, item)
}

func (s *diffStack) pop() (diffItem, bool) {
	if len(*s) == 0 {
		return diffItem{}, false
	}
	item := (*s)[len(*s)-1]
	*s = (*s)[:len(*s)-1]
	return item, true
}

// pushChildren queues the children of two objects, merged by name, so they
// pop in name order.
func (s *diffStack) pushChildren(path string, old, new *Entry) {
	var items []diffItem
	var oc, nc []*Entry
	if old != nil {
		oc = old.Children
	}
	if new != nil {
		nc = new.Children
	}
	i, j := 0, 0
	for i < len(oc) || j < len(nc) {
		switch {
		case j == len(nc) || i < len(oc) && oc[i].Name < nc[j].Name:
			items = append(items, diffItem{path: join(path, oc[i].Name), old: oc[i]})
			i++
		case i == len(oc) || nc[j].Name < oc[i].Name:
			items = append(items, diffItem{path: join(path, nc[j].Name), new: nc[j]})
			j++
		default:
			items = append(items, diffItem{path: join(path, oc[i].Name), old: oc[i], new: nc[j]})
			i++
			j++
		}
	}
	for k := len(items) - 1; k >= 0; k-- {
		s.push(items[k])
	}
}

func join(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// DiffIter invokes the given callback for every path whose entry differs
// between the old and new visible trees, parents before children, and in
// name order among siblings. The iteration will stop if the callback
// returns keepGoing==false or an error. Callback invocation with
// added==removed==false signifies an entry that changed kind or value;
// objects present in both trees are not reported themselves, only their
// differing descendants. Every entry of an added or removed object is
// reported.
func DiffIter(
	ctx context.Context,
	old, new *Entry,
	f func(added, removed bool, path string, addedEntry, removedEntry *Entry) (bool, error),
) error {
	var stack diffStack
	stack.push(diffItem{old: old, new: new})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, ok := stack.pop()
		if !ok {
			return nil
		}
		o, n := item.old, item.new
		var keepGoing bool
		var err error
		switch {
		case o == nil && n == nil:
			continue
		case o == nil:
			keepGoing, err = f(true, false, item.path, n, nil)
			if n.Kind == Object {
				stack.pushChildren(item.path, nil, n)
			}
		case n == nil:
			keepGoing, err = f(false, true, item.path, nil, o)
			if o.Kind == Object {
				stack.pushChildren(item.path, o, nil)
			}
		case o.Kind == Object && n.Kind == Object:
			stack.pushChildren(item.path, o, n)
			continue
		case o.Kind != n.Kind || !sameContent(o, n):
			keepGoing, err = f(false, false, item.path, n, o)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("callback: %w", err)
		}
		if !keepGoing {
			return nil
		}
	}
}

func sameContent(a, b *Entry) bool {
	if a.Kind == Sequence {
		return bytes.Equal(MarshalEntry(a), MarshalEntry(b))
	}
	return bytes.Equal(a.Value, b.Value)
}
