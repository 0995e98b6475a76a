package conversationports

import (
	"errors"
	"fmt"
)

// ErrStaleTrigger marks an invocation superseded by a newer user turn.
var ErrStaleTrigger = errors.New("stale trigger")

// TransportError is returned when an outbound HTTP-style call fails.
type TransportError struct {
	Op         string
	StatusCode int    // 0 when no response was received
	Body       string // raw response body when available
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StorageError is returned when a backing store cannot be reached or queried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }
