package crdtree

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

const (
	// DefaultSnapshotEvery is how many applied operations go by between
	// snapshots.
	DefaultSnapshotEvery = 1000
	// DefaultMaxPendingRounds is how many sync rounds an operation can
	// wait for a dependency before it is reported stuck.
	DefaultMaxPendingRounds = 16
	// DefaultPathCacheSize is the number of path lookups remembered.
	DefaultPathCacheSize = 4096
)

// Config controls a replica's identity and how it is persisted.
type Config struct {
	// PeerID names this replica as the author of its operations. It must
	// be stable across restarts and unique among peers.
	PeerID string

	// StoreImmutablePartsWith is used to store and load the operation
	// log and snapshots. Nil keeps everything in memory.
	StoreImmutablePartsWith Persist

	// SnapshotEvery is the number of applied operations between
	// snapshots. 0 means DefaultSnapshotEvery; negative disables them.
	SnapshotEvery int

	// MaxPendingRounds bounds how long buffered operations wait before
	// EndRound reports them. 0 means DefaultMaxPendingRounds.
	MaxPendingRounds int

	// PathCache caches path lookups, and may be shared by replicas.
	PathCache PathCache
}

// Replica is a document that can be edited locally and synchronized.
// All changes, local or remote, are serialized by a single writer lock,
// so conflict resolution always sees a consistent prior state. Reads
// share a read lock.
type Replica struct {
	mu      sync.RWMutex
	viewMu  sync.Mutex
	peer    string
	doc     *Document
	persist Persist
	paths   PathCache
	changed chan struct{}

	origins          map[string]bool
	nOrigins         int
	nSnapshots       int
	sinceSnapshot    int
	snapshotted      int // operations held by snapshots
	snapshotEvery    int
	maxPendingRounds int
}

func newReplica(config *Config) *Replica {
	r := &Replica{
		peer:             config.PeerID,
		doc:              NewDocument(),
		persist:          config.StoreImmutablePartsWith,
		paths:            config.PathCache,
		changed:          make(chan struct{}),
		origins:          map[string]bool{},
		snapshotEvery:    config.SnapshotEvery,
		maxPendingRounds: config.MaxPendingRounds,
	}
	if r.snapshotEvery == 0 {
		r.snapshotEvery = DefaultSnapshotEvery
	}
	if r.maxPendingRounds == 0 {
		r.maxPendingRounds = DefaultMaxPendingRounds
	}
	if r.paths == nil {
		r.paths = NewPathCache(DefaultPathCacheSize)
	}
	return r
}

// NewInMemory returns a replica that isn't persisted.
func NewInMemory(peerID string) *Replica {
	return newReplica(&Config{PeerID: peerID})
}

// Open loads a replica from its persisted snapshot and log. Errors other
// than a missing blob mean the persisted state can't be trusted; callers
// shouldn't continue without operator intervention.
func Open(ctx context.Context, config *Config) (*Replica, error) {
	if config.PeerID == "" {
		return nil, errors.New("open: no peer ID")
	}
	r := newReplica(config)
	if r.persist == nil {
		return r, nil
	}
	if err := r.load(ctx); err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return r, nil
}

func (r *Replica) load(ctx context.Context) error {
	var origins []string
	for n := 1; ; n++ {
		b, ok, err := loadOptional(ctx, r.persist, originName(n))
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		origins = append(origins, string(b))
		r.origins[string(b)] = true
		r.nOrigins = n
	}
	n, last, err := latestSnapshot(ctx, r.persist)
	if err != nil {
		return err
	}
	for i := 1; i <= n; i++ {
		b := last
		if i < n {
			if b, err = r.persist.Load(ctx, snapshotName(i)); err != nil {
				return fmt.Errorf("persist load %s: %w", snapshotName(i), err)
			}
		}
		s, err := unmarshalSnapshot(b)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupt, snapshotName(i), err)
		}
		for j := range s.ops {
			if _, _, err := r.doc.apply(&s.ops[j]); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrCorrupt, snapshotName(i), err)
			}
		}
		if Compare(r.doc.Context(), s.ctx) != Equal {
			return fmt.Errorf("%w: %s doesn't add up to its context", ErrCorrupt, snapshotName(i))
		}
		if i == n && r.doc.Digest() != s.digest {
			return fmt.Errorf("%w: %s doesn't render to its digest", ErrCorrupt, snapshotName(i))
		}
	}
	if n > 0 {
		r.nSnapshots = n
		r.snapshotted = r.doc.Len()
		glog.V(1).Infof("[replica]loaded %d snapshots with %d operations", n, r.snapshotted)
	}
	replayed := 0
	for _, origin := range origins {
		for c := r.doc.clock.Get(origin) + 1; ; c++ {
			id := OpID{Peer: origin, Counter: c}
			b, ok, err := loadOptional(ctx, r.persist, logName(id))
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			op, err := UnmarshalOperation(b)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrCorrupt, logName(id), err)
			}
			if op.ID != id {
				return fmt.Errorf("%w: %s holds %s", ErrCorrupt, logName(id), op.ID)
			}
			if _, _, err := r.doc.apply(&op); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrCorrupt, logName(id), err)
			}
			replayed++
		}
	}
	r.sinceSnapshot = replayed
	if pending := r.doc.Pending(); pending > 0 {
		glog.Warningf("[replica]%d logged operations are missing dependencies", pending)
	}
	glog.V(1).Infof("[replica]replayed %d logged operations, context %v", replayed, r.doc.Context())
	return nil
}

// PeerID returns the ID this replica authors operations as.
func (r *Replica) PeerID() string {
	return r.peer
}

// Apply merges an operation from another replica. Operations that wait
// for dependencies are Buffered; malformed ones are Rejected with an
// error wrapping ErrMalformed. An error with Applied means the operation
// is merged but couldn't be persisted.
func (r *Replica) Apply(ctx context.Context, op Operation) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, applied, err := r.doc.apply(&op)
	if err != nil {
		glog.Warningf("[replica]rejected %s: %v", &op, err)
		return res, err
	}
	if len(applied) == 0 {
		return res, nil
	}
	err = r.persistOps(ctx, applied)
	r.notify()
	return res, err
}

// persistOps logs newly applied operations and snapshots when due.
// Called with the write lock held.
func (r *Replica) persistOps(ctx context.Context, ops []*Operation) error {
	if r.persist == nil {
		return nil
	}
	var names []string
	var blobs [][]byte
	for _, op := range ops {
		if !r.origins[op.ID.Peer] {
			r.nOrigins++
			if err := r.persist.Store(ctx, originName(r.nOrigins), []byte(op.ID.Peer)); err != nil {
				r.nOrigins--
				return fmt.Errorf("persist store %s: %w", originName(r.nOrigins+1), err)
			}
			r.origins[op.ID.Peer] = true
		}
		names = append(names, logName(op.ID))
		blobs = append(blobs, MarshalOperation(*op))
	}
	if err := storeAll(ctx, r.persist, names, blobs); err != nil {
		return err
	}
	r.sinceSnapshot += len(ops)
	if r.snapshotEvery > 0 && r.sinceSnapshot >= r.snapshotEvery {
		return r.snapshot(ctx)
	}
	return nil
}

// Snapshot persists the operations applied since the last snapshot as one
// blob, so the next Open needn't replay them from the log one by one.
func (r *Replica) Snapshot(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.persist == nil {
		return errors.New("snapshot: no persistence; set Config.StoreImmutablePartsWith")
	}
	return r.snapshot(ctx)
}

func (r *Replica) snapshot(ctx context.Context) error {
	s := snapshot{
		ctx:    r.doc.Context(),
		digest: r.doc.Digest(),
	}
	for _, op := range r.doc.order[r.snapshotted:] {
		s.ops = append(s.ops, *op)
	}
	name := snapshotName(r.nSnapshots + 1)
	if err := r.persist.Store(ctx, name, s.marshal()); err != nil {
		return fmt.Errorf("persist store %s: %w", name, err)
	}
	r.nSnapshots++
	r.snapshotted += len(s.ops)
	r.sinceSnapshot = 0
	glog.V(1).Infof("[replica]stored %s with %d operations", name, len(s.ops))
	return nil
}

// author applies a locally built operation. The caller has checked that
// it will apply. Called with the write lock held.
func (r *Replica) author(ctx context.Context, op Operation) (Operation, error) {
	op.ID = OpID{Peer: r.peer, Counter: r.doc.clock.Get(r.peer) + 1}
	op.Deps = r.doc.Context()
	res, applied, err := r.doc.apply(&op)
	if err != nil {
		return Operation{}, fmt.Errorf("local %s: %w", &op, err)
	}
	if res != Applied {
		return Operation{}, fmt.Errorf("local %s was %s", &op, res)
	}
	err = r.persistOps(ctx, applied)
	r.notify()
	return op, err
}

func (r *Replica) node(id OpID) (*node, error) {
	n, ok := r.doc.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchNode, id)
	}
	return n, nil
}

// Insert creates a node of the given kind under the object parent, at
// key. Only registers take a value.
func (r *Replica) Insert(ctx context.Context, parent OpID, key string, kind NodeKind, value []byte) (Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.node(parent)
	if err != nil {
		return Operation{}, err
	}
	if p.kind != Object {
		return Operation{}, fmt.Errorf("insert under %s: %s isn't an object", parent, p.kind)
	}
	if err := validKey(key); err != nil {
		return Operation{}, fmt.Errorf("insert: %w", err)
	}
	if err := checkValue(kind, value); err != nil {
		return Operation{}, err
	}
	return r.author(ctx, Operation{Kind: Insert, Parent: parent, Key: key, NodeKind: kind, Value: value})
}

// InsertAfter creates a node in a sequence right after the element after,
// or at the head if after is the zero OpID.
func (r *Replica) InsertAfter(ctx context.Context, seq, after OpID, kind NodeKind, value []byte) (Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.node(seq)
	if err != nil {
		return Operation{}, err
	}
	if s.kind != Sequence {
		return Operation{}, fmt.Errorf("insert into %s: %s isn't a sequence", seq, s.kind)
	}
	if !after.IsRoot() {
		left, err := r.node(after)
		if err != nil {
			return Operation{}, err
		}
		if left.origin.parent != seq {
			return Operation{}, fmt.Errorf("insert after %s: not in sequence %s", after, seq)
		}
	}
	if err := checkValue(kind, value); err != nil {
		return Operation{}, err
	}
	return r.author(ctx, Operation{Kind: Insert, Parent: seq, After: after, NodeKind: kind, Value: value})
}

func checkValue(kind NodeKind, value []byte) error {
	if !kind.valid() {
		return fmt.Errorf("insert: bad kind %s", kind)
	}
	if kind != Register && len(value) > 0 {
		return fmt.Errorf("insert: a %s has no value", kind)
	}
	return nil
}

// Update writes a new value to a register.
func (r *Replica) Update(ctx context.Context, id OpID, value []byte) (Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.node(id)
	if err != nil {
		return Operation{}, err
	}
	if n.kind != Register {
		return Operation{}, fmt.Errorf("update %s: %s isn't a register", id, n.kind)
	}
	return r.author(ctx, Operation{Kind: Update, Target: id, Value: value})
}

// Delete removes the entry showing node id, and everything visible below
// it, with one Delete operation per node. That includes nodes the entry
// shadows under the same key. Nodes inserted concurrently elsewhere are
// not affected and keep their ancestors visible.
func (r *Replica) Delete(ctx context.Context, id OpID) ([]Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id.IsRoot() {
		return nil, errors.New("delete: can't delete the root")
	}
	if _, err := r.node(id); err != nil {
		return nil, err
	}
	targets := []OpID{id}
	if e, ok := r.doc.Visible(id); ok {
		targets = r.doc.subtree(e.Nodes())
	}
	ops := make([]Operation, 0, len(targets))
	for _, target := range targets {
		op, err := r.author(ctx, Operation{Kind: Delete, Target: target})
		if err != nil {
			return ops, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Move re-parents the entry showing node id under the object parent at
// key, keeping its identity and history. Every node filed under the
// entry's key moves, so none is left behind at the old path; the Move of
// id comes first.
func (r *Replica) Move(ctx context.Context, id, parent OpID, key string) ([]Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id.IsRoot() {
		return nil, fmt.Errorf("%w: the root", ErrInvalidMove)
	}
	n, err := r.node(id)
	if err != nil {
		return nil, err
	}
	if n.inSequence(r.doc) {
		return nil, fmt.Errorf("%w: %s is a sequence element", ErrInvalidMove, id)
	}
	p, err := r.node(parent)
	if err != nil {
		return nil, err
	}
	if p.kind != Object {
		return nil, fmt.Errorf("%w: %s isn't an object", ErrInvalidMove, parent)
	}
	if err := validKey(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMove, err)
	}
	targets := []OpID{id}
	if e, ok := r.doc.Visible(id); ok {
		for _, other := range e.Nodes() {
			if other != id {
				targets = append(targets, other)
			}
		}
	}
	placed := r.doc.effectivePlacements()
	for cur := parent; !cur.IsRoot(); cur = placed[cur].parent {
		for _, t := range targets {
			if cur == t {
				return nil, fmt.Errorf("%w: %s is below %s", ErrInvalidMove, parent, t)
			}
		}
	}
	ops := make([]Operation, 0, len(targets))
	for _, t := range targets {
		op, err := r.author(ctx, Operation{Kind: Move, Target: t, Parent: parent, Key: key})
		if err != nil {
			return ops, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// notify wakes everyone waiting on Changed. Called with the write lock
// held.
func (r *Replica) notify() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Changed returns a channel that is closed the next time an operation is
// applied. Fetch it before reading state to avoid missing a change.
func (r *Replica) Changed() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.changed
}

// Context returns a copy of the causal context.
func (r *Replica) Context() Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.Context()
}

// OpsMissing returns the operations a peer with context theirs lacks, in
// an order that respects their dependencies.
func (r *Replica) OpsMissing(theirs Context) []Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.OpsMissing(theirs)
}

// Operation returns an applied operation.
func (r *Replica) Operation(id OpID) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.Operation(id)
}

// Len returns the number of applied operations.
func (r *Replica) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.Len()
}

// Pending returns the number of buffered operations.
func (r *Replica) Pending() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.Pending()
}

// EndRound counts a sync round and reports operations that have waited
// for a dependency for too many rounds. Each is reported once; it stays
// buffered in case the dependency turns up later.
func (r *Replica) EndRound() []Stuck {
	r.mu.Lock()
	defer r.mu.Unlock()
	stuck := r.doc.EndRound(r.maxPendingRounds)
	for _, s := range stuck {
		glog.Warningf("[replica]%s has waited %d rounds for %s; its author may have lost state", s.Op, s.Rounds, s.Waiting)
	}
	return stuck
}

// Render returns the visible tree.
func (r *Replica) Render() *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.viewMu.Lock()
	defer r.viewMu.Unlock()
	return r.doc.Render()
}

// Digest returns the hash of the visible tree.
func (r *Replica) Digest() [32]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.viewMu.Lock()
	defer r.viewMu.Unlock()
	return r.doc.Digest()
}

// Lookup finds the visible entry at a slash-separated path.
func (r *Replica) Lookup(path string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := pathKey{r.doc, r.doc.Version(), path}
	if v, ok := r.paths.Get(key); ok {
		res := v.(pathResult)
		return res.entry, res.found
	}
	r.viewMu.Lock()
	e, ok := r.doc.Lookup(path)
	r.viewMu.Unlock()
	r.paths.Add(key, pathResult{e, ok})
	return e, ok
}
