// Package sendchain serializes a tab's outbound UI actions.
//
// Each tab gets one chain: a single worker goroutine that executes queued
// actions strictly in order, so at most one user-visible action (typing a
// prompt, clicking a send button) is ever in flight per tab. Before running
// an action the worker waits for the traffic gate to read free and for any
// externally observed streaming condition to clear, both as bounded polls.
package sendchain

import (
	"context"
	"log"
	"time"

	"github.com/lessonpipe/lessonpipe/internal/gate"
	"github.com/lessonpipe/lessonpipe/internal/role"
)

// Action is one outbound UI action.
type Action struct {
	ID string
	// Run performs the UI action. An error abandons the action (logged,
	// never retried): indefinite retries against a changed DOM hang the
	// whole pipeline.
	Run func(ctx context.Context) error
	// DelayAfter optionally lets the target UI settle before the next
	// action executes.
	DelayAfter time.Duration
}

// Chain is the per-tab serial action queue.
type Chain struct {
	role    role.Role
	gate    *gate.Gate
	queue   chan Action
	wake    chan struct{}
	actWait time.Duration
	// streaming reports an externally observed "already streaming"
	// condition independent of the gate. Optional.
	streaming func() bool
}

// Config tunes a chain.
type Config struct {
	// GateWait bounds how long one action may wait for the gate/streaming
	// condition before being abandoned. Zero means 2 minutes.
	GateWait time.Duration
	// QueueCap bounds the pending action queue. Zero means 128.
	QueueCap int
	// Streaming is the optional external streaming probe.
	Streaming func() bool
}

// New creates a chain gated by g. Start must be called to begin execution.
func New(r role.Role, g *gate.Gate, cfg Config) *Chain {
	if cfg.GateWait <= 0 {
		cfg.GateWait = 2 * time.Minute
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 128
	}
	c := &Chain{
		role:      r,
		gate:      g,
		queue:     make(chan Action, cfg.QueueCap),
		wake:      make(chan struct{}, 1),
		actWait:   cfg.GateWait,
		streaming: cfg.Streaming,
	}
	g.OnFree(c.notify)
	return c
}

// Enqueue appends an action to the chain. Returns false when the queue is
// full (the action is dropped and logged, not blocked on).
func (c *Chain) Enqueue(a Action) bool {
	select {
	case c.queue <- a:
		return true
	default:
		log.Printf("[SendChain] %s queue full, dropping action %s", c.role, a.ID)
		return false
	}
}

// Pending returns the number of queued actions.
func (c *Chain) Pending() int { return len(c.queue) }

// Start runs the worker loop until ctx is cancelled.
func (c *Chain) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Chain) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-c.queue:
			c.execute(ctx, a)
		}
	}
}

func (c *Chain) execute(ctx context.Context, a Action) {
	if !c.waitReady(ctx) {
		log.Printf("[SendChain] %s gate wait timed out, abandoning action %s", c.role, a.ID)
		return
	}

	if err := a.Run(ctx); err != nil {
		// Abandon, do not retry. The action is gone; the pipeline moves on.
		log.Printf("[SendChain] %s action %s failed: %v", c.role, a.ID, err)
		return
	}

	if a.DelayAfter > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(a.DelayAfter):
		}
	}
}

// waitReady polls until the gate reads free and no streaming condition is
// observed, waking early on gate free signals. Returns false on timeout or
// cancellation.
func (c *Chain) waitReady(ctx context.Context) bool {
	deadline := time.Now().Add(c.actWait)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.gate.IsFree() && !c.isStreaming() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.wake:
		case <-ticker.C:
		}
	}
}

func (c *Chain) isStreaming() bool {
	return c.streaming != nil && c.streaming()
}

func (c *Chain) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
