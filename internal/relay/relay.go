// Package relay bridges the router's pull-style queues and the push-style
// tab transport.
//
// The relay polls the router for every role with a live registered tab and
// pushes drained envelopes through the tab handle. Roles without a live tab
// are never drained; their messages stay queued server-side, which is the
// invariant that prevents loss while a page reloads. Failed deliveries are
// requeued (after a short throttle) instead of dropped.
package relay

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/lessonpipe/lessonpipe/internal/eventlog"
	"github.com/lessonpipe/lessonpipe/internal/message"
	"github.com/lessonpipe/lessonpipe/internal/registry"
	"github.com/lessonpipe/lessonpipe/internal/role"
	"github.com/lessonpipe/lessonpipe/internal/router"
)

// Sentinel errors tab transports return from Push. The relay classifies on
// these rather than on transport error strings.
var (
	// ErrTabGone means the tab handle is dead (socket closed, tab closed).
	ErrTabGone = errors.New("tab gone")
	// ErrNotReceiving means the tab is attached but cannot accept messages
	// right now (mid-reload). Retryable without evicting.
	ErrNotReceiving = errors.New("no receiving end")
)

// DeliveryStatus is the typed outcome of one delivery attempt.
type DeliveryStatus int

const (
	Delivered DeliveryStatus = iota
	Retryable
	TargetGone
)

// Relay runs the delivery loop.
type Relay struct {
	router *router.Router
	reg    *registry.Registry
	events *eventlog.Log

	pollInterval time.Duration
	requeueDelay time.Duration

	kick chan role.Role
}

// Config tunes the relay. Zero values get defaults (1s poll, 200ms requeue
// throttle).
type Config struct {
	PollInterval time.Duration
	RequeueDelay time.Duration
}

// New creates a relay and hooks it into the router's enqueue path so fresh
// sends are delivered without waiting for the next tick.
func New(rt *router.Router, reg *registry.Registry, events *eventlog.Log, cfg Config) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = 200 * time.Millisecond
	}
	b := &Relay{
		router:       rt,
		reg:          reg,
		events:       events,
		pollInterval: cfg.PollInterval,
		requeueDelay: cfg.RequeueDelay,
		kick:         make(chan role.Role, 64),
	}
	rt.SetEnqueueHook(b.Kick)
	return b
}

// Kick requests an immediate poll for r. Safe to call from any goroutine;
// a full kick buffer degrades to the regular poll tick.
func (b *Relay) Kick(r role.Role) {
	select {
	case b.kick <- r:
	default:
	}
}

// Run drives the poll/deliver loop until ctx is cancelled.
func (b *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	log.Printf("[Relay] delivery loop started (poll %s)", b.pollInterval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Relay] delivery loop stopped")
			return
		case r := <-b.kick:
			b.pollRole(r)
		case <-ticker.C:
			for _, r := range b.reg.LiveRoles() {
				b.pollRole(r)
			}
		}
	}
}

// pollRole drains r's queue if a live tab is attached and attempts delivery
// of each envelope, requeueing the rest after the first hard failure.
func (b *Relay) pollRole(r role.Role) {
	tab, ok := b.reg.Live(r)
	if !ok {
		return
	}

	envs := b.router.Drain(r)
	for i, env := range envs {
		switch status, err := b.deliver(tab, env); status {
		case Delivered:
			continue
		case Retryable:
			b.events.Warn("deliver_retry", map[string]any{
				"to": r.String(), "message_id": env.Message.ID, "error": errString(err),
			})
			b.requeueRest(envs[i:])
			return
		case TargetGone:
			b.events.Warn("deliver_target_gone", map[string]any{
				"to": r.String(), "message_id": env.Message.ID, "error": errString(err),
			})
			b.reg.Evict(r, tab)
			b.requeueRest(envs[i:])
			return
		}
	}
}

// deliver pushes one envelope and classifies the outcome.
func (b *Relay) deliver(tab registry.Tab, env message.Envelope) (DeliveryStatus, error) {
	err := tab.Push(env)
	switch {
	case err == nil:
		return Delivered, nil
	case errors.Is(err, ErrTabGone):
		return TargetGone, err
	case errors.Is(err, ErrNotReceiving):
		return Retryable, err
	default:
		// Unknown transport failure: treat the handle as dead rather than
		// retry blind against it.
		return TargetGone, err
	}
}

// requeueRest puts undelivered envelopes back at the head of the queue
// after a short delay, throttling requeue storms against a reloading tab.
// Head placement keeps the recipient's FIFO intact even when fresh sends
// landed during the delay, which matters for the Retryable case where the
// tab stays live and keeps draining.
func (b *Relay) requeueRest(envs []message.Envelope) {
	if len(envs) == 0 {
		return
	}
	pending := make([]message.Envelope, len(envs))
	copy(pending, envs)
	time.AfterFunc(b.requeueDelay, func() {
		b.router.RequeueFront(pending)
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
