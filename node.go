package crdtree

// placement puts a node under a parent. Object children are filed by key;
// sequence elements by the element to their left.
type placement struct {
	op     OpID
	deps   Context
	parent OpID
	key    string
	after  OpID
}

// stamp is a write or delete, with what its author had seen.
type stamp struct {
	op    OpID
	deps  Context
	value []byte
}

// node keeps every input that decides its visible state. Writes and moves
// that a later write or move has seen are dropped, since they can never
// win again.
type node struct {
	id      OpID
	kind    NodeKind
	origin  placement
	moves   []placement
	writes  []stamp
	deletes []stamp
}

func newRootNode() *node {
	return &node{id: RootID, kind: Object}
}

func (n *node) inSequence(d *Document) bool {
	if n.id.IsRoot() {
		return false
	}
	parent := d.nodes[n.origin.parent]
	return parent != nil && parent.kind == Sequence
}

func (n *node) addWrite(w stamp) {
	kept := n.writes[:0]
	for _, old := range n.writes {
		if !w.deps.Covers(old.op) {
			kept = append(kept, old)
		}
	}
	n.writes = append(kept, w)
}

func (n *node) addMove(p placement) {
	kept := n.moves[:0]
	for _, old := range n.moves {
		if !p.deps.Covers(old.op) {
			kept = append(kept, old)
		}
	}
	n.moves = append(kept, p)
}

func (n *node) tombstoned() bool {
	return len(n.deletes) > 0
}

// coveredByDelete reports whether some delete of this node saw op.
func (n *node) coveredByDelete(op OpID) bool {
	for _, d := range n.deletes {
		if d.deps.Covers(op) {
			return true
		}
	}
	return false
}

// liveWrites returns the writes still in effect: all of them, unless the
// node is tombstoned, in which case only those no delete has seen.
func (n *node) liveWrites() []stamp {
	if !n.tombstoned() {
		return n.writes
	}
	var live []stamp
	for _, w := range n.writes {
		if !n.coveredByDelete(w.op) {
			live = append(live, w)
		}
	}
	return live
}

// value returns the winning write of a register, if it is visible.
func (n *node) value() ([]byte, bool) {
	live := n.liveWrites()
	if len(live) == 0 {
		return nil, false
	}
	win := live[0]
	for _, w := range live[1:] {
		if win.op.Less(w.op) {
			win = w
		}
	}
	return win.value, true
}

// placed returns the winning placement, ignoring cycles.
func (n *node) placed() placement {
	if len(n.moves) == 0 {
		return n.origin
	}
	win := n.moves[0]
	for _, m := range n.moves[1:] {
		if win.op.Less(m.op) {
			win = m
		}
	}
	return win
}
