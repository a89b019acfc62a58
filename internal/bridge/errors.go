package bridge

import "errors"

// Error kinds for the Bridge and its callers. Sentinel errors wrapped with
// %w so callers can branch with errors.Is instead of string matching.
var (
	ErrChildExited  = errors.New("bridge: child exited")
	ErrRpcFailed    = errors.New("bridge: rpc failed")
	ErrWriteFailed  = errors.New("bridge: write failed")
	ErrStopped      = errors.New("bridge: stopped")
	ErrNotStarted   = errors.New("bridge: not started")
	ErrAlreadyDone  = errors.New("bridge: already started")
	ErrOverloaded   = errors.New("bridge: overloaded")
	ErrInvalidInput = errors.New("bridge: invalid input")
)
