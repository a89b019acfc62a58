package bridge

import "fmt"

// Policy bounds how deeply a Bridge's text-response waiter queue may grow
// before a new prompt is rejected with ErrOverloaded. One slow or stuck
// child shouldn't let callers pile up unbounded goroutines waiting on
// turns that may never resolve.
type Policy struct {
	MaxQueuedTurns int
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxQueuedTurns: 8,
	}
}

// CheckQueueDepth returns ErrOverloaded if queuing one more turn would
// exceed the configured bound.
func (p *Policy) CheckQueueDepth(queued int) error {
	if p.MaxQueuedTurns > 0 && queued >= p.MaxQueuedTurns {
		return fmt.Errorf("%w: %d turns already queued (max %d)", ErrOverloaded, queued, p.MaxQueuedTurns)
	}
	return nil
}
