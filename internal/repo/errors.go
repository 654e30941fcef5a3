package repo

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a lost compare-and-set or a duplicate key.
	ErrConflict = errors.New("conflict")
)
