package store

import "errors"

var (
	// ErrDisconnected wraps a failed round trip to the backing store; a
	// failed write also marks the adapter disconnected. Operations are still
	// attempted while the adapter is marked disconnected; they are not
	// skipped.
	ErrDisconnected = errors.New("store_disconnected")
	// ErrBadArgument is returned for an out-of-range channel index.
	ErrBadArgument = errors.New("bad_argument")
)
