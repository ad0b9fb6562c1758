package store

import "errors"

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists signals a create for an id that is already taken.
	ErrAlreadyExists = errors.New("record already exists")
)

// ErrConflict signals that the record's current state does not allow the change.
var ErrConflict = errors.New("record state does not allow the change")
