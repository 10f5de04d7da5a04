package crdtree

import (
	"fmt"
	"sort"

	"github.com/golang/glog"
)

// Document is the replicated tree: every node ever created, the
// operations that shaped them, and the causal context they add up to.
// A Document is not safe for concurrent use; Replica serializes access.
type Document struct {
	nodes    map[OpID]*node
	clock    *Clock
	log      map[string][]*Operation
	order    []*Operation
	position map[OpID]int
	pending  *pendingBuffer
	version  uint64
	view     *view
}

// NewDocument returns a document holding only the root.
func NewDocument() *Document {
	return &Document{
		nodes:    map[OpID]*node{RootID: newRootNode()},
		clock:    NewClock(),
		log:      map[string][]*Operation{},
		position: map[OpID]int{},
		pending:  newPendingBuffer(),
	}
}

// Apply merges op into the document. Operations whose dependencies are
// missing are buffered and applied automatically once the dependencies
// arrive. Rejected operations come with an error wrapping ErrMalformed.
func (d *Document) Apply(op Operation) (Result, error) {
	res, _, err := d.apply(&op)
	return res, err
}

// apply returns, for Applied, the operations that became part of the
// document: op itself and any buffered operations it released, in the
// order they were integrated. Duplicates return Applied and nothing.
func (d *Document) apply(op *Operation) (Result, []*Operation, error) {
	if err := op.validate(); err != nil {
		return Rejected, nil, err
	}
	if d.clock.Covers(op.ID) {
		return Applied, nil, nil
	}
	if d.pending.contains(op.ID) {
		return Buffered, nil, nil
	}
	if dep, missing := d.missingDep(op); missing {
		d.pending.park(dep, op)
		return Buffered, nil, nil
	}
	if err := d.integrate(op); err != nil {
		return Rejected, nil, err
	}
	applied := []*Operation{op}
	for i := 0; i < len(applied); i++ {
		for _, waiting := range d.pending.take(applied[i].ID) {
			if dep, missing := d.missingDep(waiting); missing {
				d.pending.park(dep, waiting)
				continue
			}
			d.pending.remove(waiting.ID)
			if err := d.integrate(waiting); err != nil {
				glog.Warningf("[document]dropping buffered %s: %v", waiting, err)
				continue
			}
			applied = append(applied, waiting)
		}
	}
	return Applied, applied, nil
}

// missingDep returns the first dependency of op that isn't applied yet.
func (d *Document) missingDep(op *Operation) (OpID, bool) {
	for _, peer := range op.Deps.Peers() {
		if need := op.Deps[peer]; d.clock.Get(peer) < need {
			return OpID{Peer: peer, Counter: need}, true
		}
	}
	return OpID{}, false
}

// integrate checks op against the document and merges it. All of op's
// dependencies are applied.
func (d *Document) integrate(op *Operation) error {
	switch op.Kind {
	case Insert:
		parent, ok := d.nodes[op.Parent]
		if !ok {
			return fmt.Errorf("%w: %s: no parent %s", ErrMalformed, op.ID, op.Parent)
		}
		p := placement{op: op.ID, deps: op.Deps, parent: op.Parent}
		switch parent.kind {
		case Object:
			if err := validKey(op.Key); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrMalformed, op.ID, err)
			}
			if !op.After.IsRoot() {
				return fmt.Errorf("%w: %s: position in an object", ErrMalformed, op.ID)
			}
			p.key = op.Key
		case Sequence:
			if !op.After.IsRoot() {
				left, ok := d.nodes[op.After]
				if !ok || left.origin.parent != op.Parent || !left.inSequence(d) {
					return fmt.Errorf("%w: %s: %s isn't in sequence %s", ErrMalformed, op.ID, op.After, op.Parent)
				}
			}
			p.after = op.After
		default:
			return fmt.Errorf("%w: %s: insert into a %s", ErrMalformed, op.ID, parent.kind)
		}
		n := &node{id: op.ID, kind: op.NodeKind, origin: p}
		if op.NodeKind == Register {
			n.writes = []stamp{{op: op.ID, deps: op.Deps, value: op.Value}}
		}
		d.nodes[op.ID] = n
	case Update:
		n, ok := d.nodes[op.Target]
		if !ok || n.kind != Register {
			return fmt.Errorf("%w: %s: %s isn't a register", ErrMalformed, op.ID, op.Target)
		}
		n.addWrite(stamp{op: op.ID, deps: op.Deps, value: op.Value})
	case Delete:
		n, ok := d.nodes[op.Target]
		if !ok {
			return fmt.Errorf("%w: %s: no node %s", ErrMalformed, op.ID, op.Target)
		}
		n.deletes = append(n.deletes, stamp{op: op.ID, deps: op.Deps})
	case Move:
		n, ok := d.nodes[op.Target]
		if !ok {
			return fmt.Errorf("%w: %s: no node %s", ErrMalformed, op.ID, op.Target)
		}
		if n.inSequence(d) {
			return fmt.Errorf("%w: %s: %s is a sequence element", ErrMalformed, op.ID, op.Target)
		}
		parent, ok := d.nodes[op.Parent]
		if !ok || parent.kind != Object {
			return fmt.Errorf("%w: %s: %s isn't an object", ErrMalformed, op.ID, op.Parent)
		}
		n.addMove(placement{op: op.ID, deps: op.Deps, parent: op.Parent, key: op.Key})
	default:
		return fmt.Errorf("%w: %s has kind %s", ErrMalformed, op.ID, op.Kind)
	}
	d.clock.Observe(op.ID)
	d.log[op.ID.Peer] = append(d.log[op.ID.Peer], op)
	d.position[op.ID] = len(d.order)
	d.order = append(d.order, op)
	d.version++
	return nil
}

// Merge applies every operation of other that d lacks. Afterwards both
// documents render the same if other has no buffered operations of its
// own that d is missing the dependencies for.
func (d *Document) Merge(other *Document) error {
	for _, op := range other.order {
		if _, _, err := d.apply(op); err != nil {
			return fmt.Errorf("merge %s: %w", op.ID, err)
		}
	}
	for _, op := range other.pending.entries() {
		if _, _, err := d.apply(op); err != nil {
			return fmt.Errorf("merge buffered %s: %w", op.ID, err)
		}
	}
	return nil
}

// Context returns a copy of the document's causal context.
func (d *Document) Context() Context {
	return d.clock.Context()
}

// Version changes whenever an operation is applied.
func (d *Document) Version() uint64 {
	return d.version
}

// Len returns the number of applied operations.
func (d *Document) Len() int {
	return len(d.order)
}

// Pending returns the number of buffered operations.
func (d *Document) Pending() int {
	return d.pending.len()
}

// Operation returns the applied operation with the given id.
func (d *Document) Operation(id OpID) (Operation, bool) {
	ops := d.log[id.Peer]
	if id.Counter == 0 || id.Counter > uint64(len(ops)) {
		return Operation{}, false
	}
	return *ops[id.Counter-1], true
}

// Operations returns the applied operations in the order they were
// applied, which respects every operation's dependencies.
func (d *Document) Operations() []Operation {
	out := make([]Operation, len(d.order))
	for i, op := range d.order {
		out[i] = *op
	}
	return out
}

// OpsMissing returns the operations d has that a peer with context theirs
// lacks, in an order that respects their dependencies.
func (d *Document) OpsMissing(theirs Context) []Operation {
	var ops []*Operation
	for _, r := range Missing(theirs, d.clock.ctx) {
		log := d.log[r.Peer]
		for c := r.From; c <= r.To; c++ {
			ops = append(ops, log[c-1])
		}
	}
	sort.Slice(ops, func(i, j int) bool { return d.position[ops[i].ID] < d.position[ops[j].ID] })
	out := make([]Operation, len(ops))
	for i, op := range ops {
		out[i] = *op
	}
	return out
}

// EndRound counts a sync round and returns the buffered operations that
// have waited longer than maxRounds, each reported once.
func (d *Document) EndRound(maxRounds int) []Stuck {
	return d.pending.endRound(maxRounds)
}

func (d *Document) kindOf(id OpID) (NodeKind, bool) {
	n, ok := d.nodes[id]
	if !ok {
		return 0, false
	}
	return n.kind, true
}
