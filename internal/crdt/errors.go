package crdt

import "errors"

var (
	ErrMalformedUpdate  = errors.New("crdt: malformed update")
	ErrMalformedMessage = errors.New("crdt: malformed sync message")
)
