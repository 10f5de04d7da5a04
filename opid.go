package crdtree

import (
	"fmt"
	"strings"
)

// OpID identifies an operation, and the node an Insert creates. The zero
// OpID is the document root.
type OpID struct {
	Peer    string
	Counter uint64
}

// RootID identifies the root object of every document.
var RootID = OpID{}

// IsRoot reports whether id is the root.
func (id OpID) IsRoot() bool {
	return id == RootID
}

// Compare orders OpIDs by counter, then by peer.
func (id OpID) Compare(other OpID) int {
	switch {
	case id.Counter < other.Counter:
		return -1
	case id.Counter > other.Counter:
		return 1
	}
	return strings.Compare(id.Peer, other.Peer)
}

// Less reports whether id sorts before other.
func (id OpID) Less(other OpID) bool {
	return id.Compare(other) < 0
}

func (id OpID) String() string {
	if id.IsRoot() {
		return "root"
	}
	return fmt.Sprintf("%d@%s", id.Counter, id.Peer)
}

func maxOpID(ids []OpID) OpID {
	var max OpID
	for i, id := range ids {
		if i == 0 || max.Less(id) {
			max = id
		}
	}
	return max
}
