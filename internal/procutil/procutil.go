// Package procutil wraps the platform specific parts of spawning supervised
// modules in their own process group and signalling them.
package procutil

import "errors"

// ErrInvalidPID is returned when a non-positive pid is signalled.
var ErrInvalidPID = errors.New("procutil: invalid pid")
