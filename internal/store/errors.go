package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is wrapped by RemoteStoreError when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// RemoteStoreError reports a failed store operation.
type RemoteStoreError struct {
	Op  string
	Err error
}

func (e *RemoteStoreError) Error() string {
	return fmt.Sprintf("remote store %s: %v", e.Op, e.Err)
}

func (e *RemoteStoreError) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RemoteStoreError{Op: op, Err: err}
}
