package radar

import "errors"

// Sentinel errors, wrapped with fmt.Errorf("%w: %v", Sentinel, cause) so
// callers can classify failures with errors.Is.
var (
	ErrConnect = errors.New("connect_error")
	ErrIO      = errors.New("io_error")
	ErrClosed  = errors.New("session closed")
)
