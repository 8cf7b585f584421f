package snapshot

import (
	"errors"
	"strings"
)

// ErrTransport covers every way of failing to get a snapshot body from the CMS:
// timeouts, connection failures and non-2xx responses.
var ErrTransport = errors.New("snapshot transport failure")

// ValidationError means a body was received but it can't be trusted.
// A structurally invalid snapshot must never be acted on.
type ValidationError struct {
	Problems []string
	Err      error
}

func (e *ValidationError) Error() string {
	return "invalid snapshot: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
