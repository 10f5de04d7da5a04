package crdtree

import (
	"fmt"
	"sort"
)

// Context maps each peer to the highest counter observed from it with no
// gaps. A missing peer is the same as a zero counter. Contexts handed out
// by this package are copies and may be kept.
type Context map[string]uint64

// Ordering is the result of comparing two contexts.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "Equal"
	case Before:
		return "Before"
	case After:
		return "After"
	case Concurrent:
		return "Concurrent"
	}
	return fmt.Sprintf("Ordering(%d)", int(o))
}

// Get returns the counter for peer, or 0.
func (c Context) Get(peer string) uint64 {
	return c[peer]
}

// Covers reports whether the operation with the given id is included.
// The root is always covered.
func (c Context) Covers(id OpID) bool {
	return id.IsRoot() || c[id.Peer] >= id.Counter
}

// Clone returns a copy without zero entries.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for peer, n := range c {
		if n > 0 {
			out[peer] = n
		}
	}
	return out
}

// Merge returns the pointwise maximum of c and other.
func (c Context) Merge(other Context) Context {
	out := c.Clone()
	for peer, n := range other {
		if n > out[peer] {
			out[peer] = n
		}
	}
	return out
}

// Peers returns the peers with a non-zero counter, sorted.
func (c Context) Peers() []string {
	peers := make([]string, 0, len(c))
	for peer, n := range c {
		if n > 0 {
			peers = append(peers, peer)
		}
	}
	sort.Strings(peers)
	return peers
}

// Compare returns Before if b has seen everything a has and more, After
// for the reverse, Equal if they have seen the same operations, and
// Concurrent otherwise.
func Compare(a, b Context) Ordering {
	aAhead, bAhead := false, false
	for peer, n := range a {
		if n > b[peer] {
			aAhead = true
		}
	}
	for peer, n := range b {
		if n > a[peer] {
			bAhead = true
		}
	}
	switch {
	case aAhead && bAhead:
		return Concurrent
	case aAhead:
		return After
	case bAhead:
		return Before
	}
	return Equal
}

// Range is the inclusive span of counters From..To authored by Peer.
type Range struct {
	Peer string
	From uint64
	To   uint64
}

// Len is the number of operations in the range.
func (r Range) Len() uint64 {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

func (r Range) String() string {
	return fmt.Sprintf("%s[%d..%d]", r.Peer, r.From, r.To)
}

// Missing enumerates the operations b has that a lacks, as one range per
// peer, sorted by peer.
func Missing(a, b Context) []Range {
	var ranges []Range
	for _, peer := range b.Peers() {
		if have := a[peer]; b[peer] > have {
			ranges = append(ranges, Range{Peer: peer, From: have + 1, To: b[peer]})
		}
	}
	return ranges
}

// Clock is a Context that tolerates gaps: counters observed out of order
// are parked until the counters before them arrive.
type Clock struct {
	ctx    Context
	parked map[string]map[uint64]struct{}
}

// NewClock returns an empty clock.
func NewClock() *Clock {
	return &Clock{
		ctx:    Context{},
		parked: map[string]map[uint64]struct{}{},
	}
}

// Observe records id. If id extends its peer's contiguous counter by
// exactly one, the counter advances, along with any parked counters that
// now follow on, and Observe returns true. Otherwise id is parked and
// Observe returns false.
func (c *Clock) Observe(id OpID) bool {
	if id.IsRoot() || c.ctx.Covers(id) {
		return false
	}
	if id.Counter != c.ctx[id.Peer]+1 {
		p, ok := c.parked[id.Peer]
		if !ok {
			p = map[uint64]struct{}{}
			c.parked[id.Peer] = p
		}
		p[id.Counter] = struct{}{}
		return false
	}
	c.ctx[id.Peer] = id.Counter
	p := c.parked[id.Peer]
	for {
		next := c.ctx[id.Peer] + 1
		if _, ok := p[next]; !ok {
			break
		}
		delete(p, next)
		c.ctx[id.Peer] = next
	}
	if len(p) == 0 {
		delete(c.parked, id.Peer)
	}
	return true
}

// Covers reports whether id is within the contiguous context.
func (c *Clock) Covers(id OpID) bool {
	return c.ctx.Covers(id)
}

// Get returns the contiguous counter for peer.
func (c *Clock) Get(peer string) uint64 {
	return c.ctx[peer]
}

// Context returns a copy of the contiguous context.
func (c *Clock) Context() Context {
	return c.ctx.Clone()
}

// Parked returns the number of counters waiting for a gap to close.
func (c *Clock) Parked() int {
	n := 0
	for _, p := range c.parked {
		n += len(p)
	}
	return n
}
