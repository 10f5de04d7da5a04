package crdtree

import (
	"fmt"
	"strings"
)

// OpKind says what an operation does.
type OpKind uint8

const (
	// Insert creates node ID under Parent, at Key in an object or after
	// After in a sequence.
	Insert OpKind = iota + 1
	// Update writes Value to the register Target.
	Update
	// Delete tombstones Target.
	Delete
	// Move re-parents Target under the object Parent at Key.
	Move
)

func (k OpKind) String() string {
	switch k {
	case Insert:
		return "Insert"
	case Update:
		return "Update"
	case Delete:
		return "Delete"
	case Move:
		return "Move"
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// NodeKind is the CRDT type of a node.
type NodeKind uint8

const (
	// Object maps keys to children; directories are objects.
	Object NodeKind = iota + 1
	// Sequence keeps its children in a replicated order.
	Sequence
	// Register holds a single value; files are registers.
	Register
)

func (k NodeKind) String() string {
	switch k {
	case Object:
		return "Object"
	case Sequence:
		return "Sequence"
	case Register:
		return "Register"
	}
	return fmt.Sprintf("NodeKind(%d)", int(k))
}

func (k NodeKind) valid() bool {
	return k >= Object && k <= Register
}

// Result is the outcome of applying an operation.
type Result int

const (
	// Applied means the operation is part of the document, possibly from
	// an earlier delivery.
	Applied Result = iota
	// Buffered means the operation waits for a dependency.
	Buffered
	// Rejected means the operation is malformed and was dropped.
	Rejected
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "Applied"
	case Buffered:
		return "Buffered"
	case Rejected:
		return "Rejected"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Operation is an immutable change to a document. Operations are never
// modified after they are authored; in particular Value and Deps must not
// be changed once an operation has been handed to Apply.
type Operation struct {
	ID       OpID
	Kind     OpKind
	Target   OpID
	Parent   OpID
	Key      string
	After    OpID
	NodeKind NodeKind
	Value    []byte
	// Deps is the author's context when the operation was created.
	Deps Context
}

func (op *Operation) String() string {
	switch op.Kind {
	case Insert:
		if op.After.IsRoot() {
			return fmt.Sprintf("%s Insert %s %s/%q", op.ID, op.NodeKind, op.Parent, op.Key)
		}
		return fmt.Sprintf("%s Insert %s %s after %s", op.ID, op.NodeKind, op.Parent, op.After)
	case Update:
		return fmt.Sprintf("%s Update %s (%d bytes)", op.ID, op.Target, len(op.Value))
	case Delete:
		return fmt.Sprintf("%s Delete %s", op.ID, op.Target)
	case Move:
		return fmt.Sprintf("%s Move %s to %s/%q", op.ID, op.Target, op.Parent, op.Key)
	}
	return fmt.Sprintf("%s %s", op.ID, op.Kind)
}

// validate checks what can be checked without looking at the document.
func (op *Operation) validate() error {
	if op.ID.Peer == "" || op.ID.Counter == 0 {
		return fmt.Errorf("%w: bad id %v", ErrMalformed, op.ID)
	}
	if op.Deps.Get(op.ID.Peer) != op.ID.Counter-1 {
		return fmt.Errorf("%w: %s depends on %d from its own peer", ErrMalformed, op.ID, op.Deps.Get(op.ID.Peer))
	}
	for peer, n := range op.Deps {
		if peer == "" && n > 0 {
			return fmt.Errorf("%w: %s depends on an unnamed peer", ErrMalformed, op.ID)
		}
	}
	switch op.Kind {
	case Insert:
		if !op.NodeKind.valid() {
			return fmt.Errorf("%w: %s inserts %s", ErrMalformed, op.ID, op.NodeKind)
		}
		if op.NodeKind != Register && len(op.Value) > 0 {
			return fmt.Errorf("%w: %s gives a value to a %s", ErrMalformed, op.ID, op.NodeKind)
		}
	case Update:
		if op.Target.IsRoot() {
			return fmt.Errorf("%w: %s updates the root", ErrMalformed, op.ID)
		}
	case Delete:
		if op.Target.IsRoot() {
			return fmt.Errorf("%w: %s deletes the root", ErrMalformed, op.ID)
		}
	case Move:
		if op.Target.IsRoot() {
			return fmt.Errorf("%w: %s moves the root", ErrMalformed, op.ID)
		}
		if err := validKey(op.Key); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, op.ID, err)
		}
	default:
		return fmt.Errorf("%w: %s has kind %s", ErrMalformed, op.ID, op.Kind)
	}
	for _, ref := range []OpID{op.Target, op.Parent, op.After} {
		if !op.Deps.Covers(ref) {
			return fmt.Errorf("%w: %s refers to %s outside its dependencies", ErrMalformed, op.ID, ref)
		}
	}
	return nil
}

func validKey(key string) error {
	if key == "" || key == "." || key == ".." {
		return fmt.Errorf("bad key %q", key)
	}
	if strings.ContainsAny(key, "/\x00") {
		return fmt.Errorf("key %q contains a separator", key)
	}
	return nil
}
