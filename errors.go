package crdtree

import "errors"

var (
	// ErrMalformed marks an operation that fails structural validation.
	// Such operations are rejected and never retried.
	ErrMalformed = errors.New("malformed operation")

	// ErrNotFound is returned by Persist implementations when the named
	// blob doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt marks persisted state that can't be decoded or doesn't
	// match its recorded digest.
	ErrCorrupt = errors.New("corrupt persisted state")

	// ErrNoSuchNode is returned when authoring against a node the
	// replica doesn't have.
	ErrNoSuchNode = errors.New("no such node")

	// ErrInvalidMove is returned when a local move would place a node
	// below itself or somewhere a move can't go.
	ErrInvalidMove = errors.New("invalid move")
)
