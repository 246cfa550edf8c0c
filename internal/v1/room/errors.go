package room

import "errors"

var (
	// ErrPermissionDenied marks an operation the actor's role does not allow.
	// Surfaced as a soft error; the socket stays open.
	ErrPermissionDenied = errors.New("room: permission denied")

	// ErrNotFound marks a missing target (user or message).
	ErrNotFound = errors.New("room: target not found")
)
