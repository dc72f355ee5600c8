package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// CalcRequest is one amount-entry keystroke's worth of calculator input.
type CalcRequest struct {
	PIN            string
	ObligationID   string
	ObligationCode string
	Period         string
	Amount         float64
	Frequency      string
}

// Calculator debounces a stream of amount inputs into advisory tax
// estimates. Only the last value within the quiet window triggers a
// network call, and a result is applied only if its generation is still
// the latest issued, so an out-of-order network completion never
// overwrites a fresher estimate. The estimate is advisory only; the
// authoritative tax is computed server-side at filing time.
type Calculator struct {
	calculate func(context.Context, CalcRequest) float64
	apply     func(float64)
	quiet     time.Duration

	gen   atomic.Int64
	mu    sync.Mutex
	timer *time.Timer
}

func NewCalculator(quiet time.Duration, calculate func(context.Context, CalcRequest) float64, apply func(float64)) *Calculator {
	if quiet <= 0 {
		quiet = 800 * time.Millisecond
	}
	return &Calculator{calculate: calculate, apply: apply, quiet: quiet}
}

// Input registers a new value. Invalid or zero amounts and a missing
// period short-circuit to zero without a network call.
func (c *Calculator) Input(ctx context.Context, req CalcRequest) {
	gen := c.gen.Add(1)
	if req.Amount <= 0 || req.Period == "" {
		c.cancelPending()
		c.applyIfLatest(gen, 0)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.quiet, func() {
		// Superseded while waiting out the quiet window.
		if c.gen.Load() != gen {
			return
		}
		tax := c.calculate(ctx, req)
		c.applyIfLatest(gen, tax)
	})
}

// Flush runs any pending input immediately. Test hook and submit-time
// convenience; respects the same staleness guard.
func (c *Calculator) Flush() {
	c.mu.Lock()
	t := c.timer
	c.mu.Unlock()
	if t != nil && t.Stop() {
		t.Reset(0)
	}
}

func (c *Calculator) cancelPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Calculator) applyIfLatest(gen int64, tax float64) {
	if c.gen.Load() != gen {
		return
	}
	c.apply(tax)
}
