package localstore

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded means the underlying engine ran out of storage space.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrIndexingNotSupported means the underlying engine reported a failure
	// it cannot recover from (corrupt file, unusable environment). Once seen,
	// the store instance is disabled for its lifetime.
	ErrIndexingNotSupported = errors.New("indexing not supported")

	// ErrSchemaUpgradeFailed means the versioned upgrade callback failed.
	// The handle is poisoned: every later call reports this error.
	ErrSchemaUpgradeFailed = errors.New("schema upgrade failed")
)

// StoreError wraps all other engine failures with the operation that hit them.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error in %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
