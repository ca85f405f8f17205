package pipeline

import "context"

// Gate is a counting concurrency limiter. The pipeline owns two: the
// outer gate bounds rows in flight across the run, the inner gate
// bounds conversion calls specifically, because the conversion service
// has a stricter concurrency ceiling than the rest of the pipeline.
type Gate struct {
	slots chan struct{}
}

// NewGate creates a gate admitting at most limit concurrent holders.
func NewGate(limit int) *Gate {
	if limit < 1 {
		limit = 1
	}
	return &Gate{slots: make(chan struct{}, limit)}
}

// Acquire blocks until a slot is free or the context is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot. Must pair with a successful Acquire.
func (g *Gate) Release() {
	<-g.slots
}

// Limit returns the gate's capacity.
func (g *Gate) Limit() int {
	return cap(g.slots)
}
