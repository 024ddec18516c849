package domain

import "errors"

var (
	// ErrTransport marks network and timeout level failures. Retrying the
	// whole turn is safe.
	ErrTransport = errors.New("transport error")
	// ErrUpstream marks a reachable endpoint that answered with a non-success
	// status or a malformed body.
	ErrUpstream = errors.New("upstream error")
	// ErrNotFound is returned by repositories for unknown conversations.
	ErrNotFound = errors.New("not found")
)
