package models

import "errors"

var (
	// ErrTransactionNotFound is returned by single-record operations when no row has the given id.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrCacheMiss is returned by the lookup cache when nothing is stored for a user.
	ErrCacheMiss = errors.New("cache miss")
)
