package crdtree

import (
	"sort"
	"strings"

	"github.com/minio/blake2b-simd"
)

// Entry is a node of the visible tree. Entries returned by a Document or
// Replica are shared and must not be modified.
type Entry struct {
	// Name is the key in the parent object; empty for the root and for
	// sequence elements.
	Name string
	Kind NodeKind
	// ID is the node shown. For an object merged from several concurrent
	// inserts under one key, it is the highest of them.
	ID OpID
	// Merged lists the other object nodes shown as part of this entry.
	Merged []OpID
	// Shadowed lists visible nodes filed under the same key that the
	// entry doesn't show, such as a register losing to a concurrent one.
	Shadowed []OpID
	// Value is the winning register value.
	Value []byte
	// Children are sorted by Name for objects and in sequence order for
	// sequences.
	Children []*Entry
}

// Child returns the child with the given name.
func (e *Entry) Child(name string) (*Entry, bool) {
	if e.Kind != Object {
		return nil, false
	}
	i := sort.Search(len(e.Children), func(i int) bool { return e.Children[i].Name >= name })
	if i < len(e.Children) && e.Children[i].Name == name {
		return e.Children[i], true
	}
	return nil, false
}

// Nodes returns the IDs filed under e's key: the one shown, the ones
// merged into it and the ones it shadows.
func (e *Entry) Nodes() []OpID {
	ids := append([]OpID{e.ID}, e.Merged...)
	return append(ids, e.Shadowed...)
}

// Walk visits e and its descendants depth-first, stopping early if f
// returns false.
func (e *Entry) Walk(f func(path string, e *Entry) bool) {
	e.walk("", f)
}

func (e *Entry) walk(path string, f func(string, *Entry) bool) bool {
	if !f(path, e) {
		return false
	}
	for _, c := range e.Children {
		p := path
		if c.Name != "" {
			p = strings.TrimPrefix(path+"/"+c.Name, "/")
		}
		if !c.walk(p, f) {
			return false
		}
	}
	return true
}

// view is the visible tree derived from a document version.
type view struct {
	version uint64
	root    *Entry
	byNode  map[OpID]*Entry
	digest  [32]byte
	r       *renderer
}

// Render returns the visible tree. The result is cached until the next
// applied operation.
func (d *Document) Render() *Entry {
	return d.currentView().root
}

// Digest returns the blake2b hash of the canonical encoding of the
// visible tree. Replicas that have applied the same operations have the
// same digest.
func (d *Document) Digest() [32]byte {
	return d.currentView().digest
}

// Lookup finds the entry at a slash-separated path from the root. The
// empty path is the root.
func (d *Document) Lookup(path string) (*Entry, bool) {
	return lookupEntry(d.currentView().root, path)
}

// Visible returns the entry showing node id, if it is visible.
func (d *Document) Visible(id OpID) (*Entry, bool) {
	e, ok := d.currentView().byNode[id]
	return e, ok
}

func lookupEntry(e *Entry, path string) (*Entry, bool) {
	for _, name := range strings.Split(path, "/") {
		if name == "" {
			continue
		}
		c, ok := e.Child(name)
		if !ok {
			return nil, false
		}
		e = c
	}
	return e, true
}

func (d *Document) currentView() *view {
	if d.view != nil && d.view.version == d.version {
		return d.view
	}
	r := renderer{
		d:       d,
		parents: d.effectivePlacements(),
		objects: map[OpID]map[string][]OpID{},
		seqs:    map[OpID]map[OpID][]OpID{},
		visible: map[OpID]bool{},
		byNode:  map[OpID]*Entry{},
	}
	r.index()
	root := r.object("", []OpID{RootID})
	d.view = &view{
		version: d.version,
		root:    root,
		byNode:  r.byNode,
		digest:  blake2b.Sum256(marshalEntry(nil, root)),
		r:       &r,
	}
	return d.view
}

// subtree returns ids and every visible node placed below them, shown or
// shadowed, in ascending order.
func (d *Document) subtree(ids []OpID) []OpID {
	r := d.currentView().r
	seen := map[OpID]bool{}
	var out []OpID
	stack := append([]OpID(nil), ids...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		for _, c := range r.objectChildren(id) {
			if r.isVisible(c) {
				stack = append(stack, c)
			}
		}
		for _, c := range r.sequenceElements(id) {
			if r.isVisible(c) {
				stack = append(stack, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// effectivePlacements picks each node's winning placement, then breaks
// any cycles the winning moves form by sending the cycle member with the
// highest move back to where it was created. Creation placements can't
// form a cycle, so this terminates.
func (d *Document) effectivePlacements() map[OpID]placement {
	placed := make(map[OpID]placement, len(d.nodes))
	for id, n := range d.nodes {
		if !id.IsRoot() {
			placed[id] = n.placed()
		}
	}
	for {
		culprits := findCycleCulprits(placed)
		if len(culprits) == 0 {
			return placed
		}
		for _, id := range culprits {
			placed[id] = d.nodes[id].origin
		}
	}
}

// findCycleCulprits returns, for every cycle in the parent graph, the
// moved member whose placement has the highest OpID.
func findCycleCulprits(placed map[OpID]placement) []OpID {
	const (
		unseen = iota
		onPath
		done
	)
	state := make(map[OpID]int, len(placed))
	ids := make([]OpID, 0, len(placed))
	for id := range placed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	var culprits []OpID
	for _, start := range ids {
		var path []OpID
		id := start
		for !id.IsRoot() && state[id] == unseen {
			state[id] = onPath
			path = append(path, id)
			id = placed[id].parent
		}
		if !id.IsRoot() && state[id] == onPath {
			var culprit OpID
			found := false
			cur := id
			for {
				if moved := placed[cur].op != cur; moved && (!found || placed[culprit].op.Less(placed[cur].op)) {
					culprit, found = cur, true
				}
				cur = placed[cur].parent
				if cur == id {
					break
				}
			}
			if found {
				culprits = append(culprits, culprit)
			}
		}
		for _, p := range path {
			state[p] = done
		}
	}
	return culprits
}

type renderer struct {
	d       *Document
	parents map[OpID]placement
	objects map[OpID]map[string][]OpID
	seqs    map[OpID]map[OpID][]OpID
	visible map[OpID]bool
	byNode  map[OpID]*Entry
}

func (r *renderer) index() {
	for id, p := range r.parents {
		parent := r.d.nodes[p.parent]
		switch parent.kind {
		case Object:
			keys, ok := r.objects[p.parent]
			if !ok {
				keys = map[string][]OpID{}
				r.objects[p.parent] = keys
			}
			keys[p.key] = append(keys[p.key], id)
		case Sequence:
			lefts, ok := r.seqs[p.parent]
			if !ok {
				lefts = map[OpID][]OpID{}
				r.seqs[p.parent] = lefts
			}
			lefts[p.after] = append(lefts[p.after], id)
		}
	}
	for _, keys := range r.objects {
		for _, ids := range keys {
			sortDescending(ids)
		}
	}
	for _, lefts := range r.seqs {
		for _, ids := range lefts {
			sortDescending(ids)
		}
	}
}

func sortDescending(ids []OpID) {
	sort.Slice(ids, func(i, j int) bool { return ids[j].Less(ids[i]) })
}

// isVisible: a register is visible while it has a write no delete has
// seen; objects and sequences while they aren't deleted or still have a
// visible child.
func (r *renderer) isVisible(id OpID) bool {
	if v, ok := r.visible[id]; ok {
		return v
	}
	n := r.d.nodes[id]
	var v bool
	switch n.kind {
	case Register:
		_, v = n.value()
	case Object:
		v = !n.tombstoned() || r.anyVisible(r.objectChildren(id))
	case Sequence:
		v = !n.tombstoned() || r.anyVisible(r.sequenceElements(id))
	}
	r.visible[id] = v
	return v
}

func (r *renderer) anyVisible(ids []OpID) bool {
	for _, id := range ids {
		if r.isVisible(id) {
			return true
		}
	}
	return false
}

func (r *renderer) objectChildren(id OpID) []OpID {
	var ids []OpID
	for _, children := range r.objects[id] {
		ids = append(ids, children...)
	}
	return ids
}

func (r *renderer) sequenceElements(id OpID) []OpID {
	var ids []OpID
	for _, children := range r.seqs[id] {
		ids = append(ids, children...)
	}
	return ids
}

// object renders the objects ids (sorted descending) as one directory.
func (r *renderer) object(name string, ids []OpID) *Entry {
	e := &Entry{Name: name, Kind: Object, ID: ids[0], Merged: ids[1:]}
	if len(e.Merged) == 0 {
		e.Merged = nil
	}
	for _, id := range ids {
		r.byNode[id] = e
	}
	candidates := map[string][]OpID{}
	for _, id := range ids {
		for key, children := range r.objects[id] {
			for _, c := range children {
				if r.isVisible(c) {
					candidates[key] = append(candidates[key], c)
				}
			}
		}
	}
	keys := make([]string, 0, len(candidates))
	for key := range candidates {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		cands := candidates[key]
		sortDescending(cands)
		e.Children = append(e.Children, r.entry(key, cands))
	}
	return e
}

// entry renders the visible candidates under one key, highest first.
func (r *renderer) entry(name string, cands []OpID) *Entry {
	winner := r.d.nodes[cands[0]]
	var e *Entry
	var shadowed []OpID
	switch winner.kind {
	case Object:
		var objs []OpID
		for _, c := range cands {
			if r.d.nodes[c].kind == Object {
				objs = append(objs, c)
			} else {
				shadowed = append(shadowed, c)
			}
		}
		e = r.object(name, objs)
	case Sequence:
		e = r.sequence(name, winner.id)
		shadowed = cands[1:]
	default:
		value, _ := winner.value()
		e = &Entry{Name: name, Kind: Register, ID: winner.id, Value: value}
		r.byNode[winner.id] = e
		shadowed = cands[1:]
	}
	if len(shadowed) > 0 {
		e.Shadowed = append([]OpID(nil), shadowed...)
		for _, id := range shadowed {
			r.byNode[id] = e
		}
	}
	return e
}

// sequence walks the elements depth-first from the head: each element is
// followed by the elements inserted right after it, newest first.
func (r *renderer) sequence(name string, id OpID) *Entry {
	e := &Entry{Name: name, Kind: Sequence, ID: id}
	r.byNode[id] = e
	lefts := r.seqs[id]
	stack := append([]OpID(nil), reversed(lefts[RootID])...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if r.isVisible(cur) {
			e.Children = append(e.Children, r.entry("", []OpID{cur}))
		}
		stack = append(stack, reversed(lefts[cur])...)
	}
	return e
}

func reversed(ids []OpID) []OpID {
	out := make([]OpID, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}
