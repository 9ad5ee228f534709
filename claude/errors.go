package claude

import "errors"

// Sentinel errors for adapter misuse.
var (
	ErrAlreadyStreaming = errors.New("adapter is already streaming")
	ErrDisposed         = errors.New("adapter is disposed")
)
