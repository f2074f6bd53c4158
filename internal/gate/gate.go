// Package gate implements the per-tab traffic gate: a busy/free flag that
// decides whether queued outbound UI actions may run.
//
// Local DOM evidence of "currently generating" sets busy; evidence of
// completion or an explicit peer turn-finished signal sets free. Roles whose
// backpressure is handled entirely by explicit unlock signals can be forced
// free so unreliable DOM polling never blocks them.
package gate

import (
	"log"
	"sync"

	"github.com/lessonpipe/lessonpipe/internal/role"
)

// State is the gate position.
type State string

const (
	Busy State = "busy"
	Free State = "free"
)

// Gate is one tab's traffic gate.
type Gate struct {
	mu     sync.Mutex
	role   role.Role
	state  State
	forced bool

	subs []func()
}

// New creates a gate for r, initially free. When forced is set the gate
// reports free regardless of SetBusy calls.
func New(r role.Role, forced bool) *Gate {
	return &Gate{role: r, state: Free, forced: forced}
}

// Forced reports whether this gate ignores busy signals.
func (g *Gate) Forced() bool { return g.forced }

// State returns the effective gate state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.forced {
		return Free
	}
	return g.state
}

// IsFree reports whether outbound actions may run.
func (g *Gate) IsFree() bool { return g.State() == Free }

// SetBusy records local evidence of in-flight generation. No-op on forced
// gates.
func (g *Gate) SetBusy() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.forced || g.state == Busy {
		return
	}
	g.state = Busy
	log.Printf("[Gate] %s -> busy", g.role)
}

// SetFree records completion evidence (local or an explicit peer signal)
// and notifies subscribers so buffered outbound actions get flushed.
func (g *Gate) SetFree() {
	g.mu.Lock()
	wasBusy := g.state == Busy
	g.state = Free
	subs := g.subs
	g.mu.Unlock()

	if wasBusy {
		log.Printf("[Gate] %s -> free", g.role)
	}
	// Notify even when already free: an explicit unlock is also the retry
	// trigger for a chain that stalled waiting on a streaming condition.
	for _, fn := range subs {
		fn()
	}
}

// OnFree registers fn to run whenever the gate transitions to (or is
// re-signalled) free.
func (g *Gate) OnFree(fn func()) {
	g.mu.Lock()
	g.subs = append(g.subs, fn)
	g.mu.Unlock()
}
