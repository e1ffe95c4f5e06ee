package librarian

import (
	"errors"
	"fmt"
)

// ErrPathEscapesRoot is returned by stores when a requested path would
// resolve outside the store root. Paths from peers are untrusted input.
var ErrPathEscapesRoot = errors.New("path escapes store root")

// ErrStoreFull is returned when a store cannot accept a staged upload
// because it would push free space below the configured minimum.
var ErrStoreFull = errors.New("store does not have enough free space")

// ErrStoreUnavailable is returned when a store backend cannot be reached.
var ErrStoreUnavailable = errors.New("store is not available")

// HTTPError carries a structured failure from a peer librarian. Peers
// respond to rejected requests with a reason and, where they can, a
// suggested remedy for the operator.
type HTTPError struct {
	Status          int
	Reason          string
	SuggestedRemedy string
}

func (e *HTTPError) Error() string {
	if e.SuggestedRemedy != "" {
		return fmt.Sprintf("peer returned %d: %s (suggested remedy: %s)", e.Status, e.Reason, e.SuggestedRemedy)
	}
	return fmt.Sprintf("peer returned %d: %s", e.Status, e.Reason)
}
