package repository

import "errors"

// Sentinel kinds for repository errors. Lookup misses wrap fault.ErrNotFound.
var (
	ErrEmptyDSN = errors.New("database dsn is empty")
)
