/*
Package crdtree replicates a directory tree between peers without a
central coordinator.  The tree is a document of conflict-free
replicated nodes: objects (directories), sequences (ordered lists) and
registers (leaf values, like file metadata).  Any two replicas that
have applied the same set of operations render byte-identical trees,
no matter the order the operations arrived in, how many times they
were delivered, or how long the peers were partitioned.

# Operations

Every change is an immutable Operation identified by an OpID, a pair
of the authoring peer and that peer's dense counter.  OpIDs are
totally ordered by counter and then by peer; the order is arbitrary
but the same everywhere, which is all that deterministic tie-breaking
needs.  Each operation also carries the causal Context its author had
when creating it, and is only applied once that context is covered
locally.  Operations that arrive early are buffered, keyed by the
exact dependency they are waiting for, and retried when it arrives.

# Conflict resolution

Registers are last-writer-wins by OpID among the writes that no other
write has seen.  Object keys are add-wins: a delete only removes what
its author observed, so a concurrent insert below a deleted directory
keeps the directory visible.  Sequences are replicated growable arrays
that order concurrent inserts at the same position by OpID.  Moves are
last-writer-wins per node, and moves that would form a cycle are
reverted to the node's original placement.

# Persistence

A Replica stores operations as immutable named blobs through the
Persist interface, one per operation in a per-origin log, plus
periodic snapshots for fast restart. Each snapshot holds only the
operations applied since the one before it.  Backends for files, bbolt, and
S3 live under persist/.

Synchronization between peers is in the syncproto and peers
packages; translating filesystem events into operations is in
indexer.
*/
package crdtree
