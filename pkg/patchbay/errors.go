package patchbay

import "errors"

// ErrClosed indicates the engine was closed.
var ErrClosed = errors.New("engine is closed")
