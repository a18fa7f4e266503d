package policy

import (
	"fmt"
	"sync/atomic"
)

// Engine holds the active policy snapshot and swaps it atomically on
// reload. Readers always see one consistent Policy; a reload never
// exposes a mix of old and new fields.
type Engine struct {
	current atomic.Pointer[Policy]
}

// NewEngine validates and activates the initial policy.
func NewEngine(p *Policy) (*Engine, error) {
	e := &Engine{}
	if err := e.Swap(p); err != nil {
		return nil, err
	}
	return e, nil
}

// Current returns the active snapshot. Treat it as immutable.
func (e *Engine) Current() *Policy {
	return e.current.Load()
}

// Swap validates the new policy and makes it the active snapshot.
// Invalid policies are rejected and the previous snapshot stays active.
func (e *Engine) Swap(p *Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("activate policy: %w", err)
	}
	copied := *p
	e.current.Store(&copied)
	return nil
}

// Authorize evaluates the action against the active snapshot.
func (e *Engine) Authorize(action Action) Decision {
	return e.Current().Authorize(action)
}
