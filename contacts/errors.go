package contacts

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the target contact is not present — in the
// local snapshot for Delete, or in the remote array for ToggleFavorite.
var ErrNotFound = errors.New("contact not found")

// ValidationError reports a user-correctable form error. Field is "name",
// "addresses", or "addresses[i]" for a single offending entry. Validation
// errors are resolved entirely client-side and never reach the store.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// StoreError wraps a backend failure. The cause is opaque to callers;
// surface it as a generic failure message and wait for the next push
// notification — the local snapshot is unchanged.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}
