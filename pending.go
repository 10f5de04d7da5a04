package crdtree

import "sort"

// Stuck describes an operation that has been waiting for a dependency
// for more sync rounds than allowed.
type Stuck struct {
	Op      OpID
	Waiting OpID
	Rounds  int
}

type pendingEntry struct {
	op       *Operation
	waiting  OpID
	since    int
	reported bool
}

// pendingBuffer holds operations whose dependencies haven't been applied,
// indexed by the operation each is waiting for.
type pendingBuffer struct {
	byDep map[OpID][]OpID
	ops   map[OpID]*pendingEntry
	round int
}

func newPendingBuffer() *pendingBuffer {
	return &pendingBuffer{
		byDep: map[OpID][]OpID{},
		ops:   map[OpID]*pendingEntry{},
	}
}

func (p *pendingBuffer) contains(id OpID) bool {
	_, ok := p.ops[id]
	return ok
}

func (p *pendingBuffer) len() int {
	return len(p.ops)
}

// park files op under dep. An operation that was already buffered keeps
// the round it was first buffered in.
func (p *pendingBuffer) park(dep OpID, op *Operation) {
	e, ok := p.ops[op.ID]
	if !ok {
		e = &pendingEntry{op: op, since: p.round}
		p.ops[op.ID] = e
	}
	e.waiting = dep
	p.byDep[dep] = append(p.byDep[dep], op.ID)
}

// take removes and returns the operations waiting for dep. They stay
// counted as buffered until remove or park.
func (p *pendingBuffer) take(dep OpID) []*Operation {
	ids := p.byDep[dep]
	if len(ids) == 0 {
		return nil
	}
	delete(p.byDep, dep)
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	ops := make([]*Operation, 0, len(ids))
	for _, id := range ids {
		if e, ok := p.ops[id]; ok && e.waiting == dep {
			ops = append(ops, e.op)
		}
	}
	return ops
}

func (p *pendingBuffer) remove(id OpID) {
	delete(p.ops, id)
}

// endRound counts a sync round and returns the operations that have now
// been waiting longer than max rounds, each reported once.
func (p *pendingBuffer) endRound(max int) []Stuck {
	p.round++
	var stuck []Stuck
	for id, e := range p.ops {
		rounds := p.round - e.since
		if rounds > max && !e.reported {
			e.reported = true
			stuck = append(stuck, Stuck{Op: id, Waiting: e.waiting, Rounds: rounds})
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].Op.Less(stuck[j].Op) })
	return stuck
}

func (p *pendingBuffer) entries() []*Operation {
	ops := make([]*Operation, 0, len(p.ops))
	for _, e := range p.ops {
		ops = append(ops, e.op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID.Less(ops[j].ID) })
	return ops
}
