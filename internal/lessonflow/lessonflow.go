// Package lessonflow orchestrates the scrape-prepare-send cycle for a
// textbook lesson: wait for the lesson page to become ready, identify which
// book it shows, hand off to the matching book handler, and push the
// resulting package downstream exactly once per lesson identity.
package lessonflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lessonpipe/lessonpipe/internal/dedup"
	"github.com/lessonpipe/lessonpipe/internal/eventlog"
)

// State names the machine's current phase.
type State string

const (
	StateIdle        State = "idle"
	StateWaitingSrc  State = "waiting_for_source_ready"
	StateDetecting   State = "detecting"
	StatePreparing   State = "preparing"
	StateSending     State = "sending"
	StateAwaitingAck State = "awaiting_ack"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Mode selects how far a run goes.
type Mode int

const (
	// PrepareOnly scrapes and caches the lesson without sending it.
	PrepareOnly Mode = iota
	// PrepareAndSend scrapes (or reuses the cache) and sends downstream.
	PrepareAndSend
)

var (
	ErrInFlight       = errors.New("lessonflow: a run is already in flight")
	ErrNoHandler      = errors.New("lessonflow: no handler for book type")
	ErrSourceNotReady = errors.New("lessonflow: lesson source never became ready")
	ErrAckTimeout     = errors.New("lessonflow: timed out waiting for delivery ack")
)

// Package is one scraped lesson ready to send.
type Package struct {
	Identity   dedup.LessonIdentity
	Content    string
	PreparedAt time.Time
}

// Handler implements one book type's scrape and send behavior. Handlers are
// registered at startup and looked up by the book type the probe reports.
type Handler interface {
	Prepare(ctx context.Context, id dedup.LessonIdentity) (*Package, error)
	Send(ctx context.Context, pkg *Package) error
}

// Probe observes the lesson source page.
type Probe interface {
	// Ready reports whether the lesson content is loaded enough to read.
	Ready(ctx context.Context) (bool, error)
	// Identify extracts the lesson identity (book type plus whatever ids
	// the page exposes). Only called after Ready returns true.
	Identify(ctx context.Context) (dedup.LessonIdentity, error)
}

// Config holds the machine tunables.
type Config struct {
	PollInterval time.Duration // readiness poll spacing (default 1s)
	MaxPolls     int           // readiness poll attempts (default 30)
	AckTimeout   time.Duration // wait for the downstream ack (default 90s)
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = 30
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 90 * time.Second
	}
}

// Result reports how a run ended.
type Result struct {
	State    State
	Identity dedup.LessonIdentity
	Skipped  bool // send suppressed by the sent-keys ledger
	Package  *Package
}

// Machine is the lesson flow state machine. One instance per class tab;
// a single in-flight guard rejects overlapping runs.
type Machine struct {
	mu       sync.Mutex
	state    State
	inFlight bool

	handlers map[string]Handler
	probe    Probe
	sent     *dedup.SentKeys
	events   *eventlog.Log
	cfg      Config

	// cache holds the last prepared package per book type so a later
	// send run can skip the scrape. Invalidated when the identity moves.
	cache map[string]*Package

	ack chan struct{}
}

// New builds a machine. Register handlers before the first Run.
func New(probe Probe, sent *dedup.SentKeys, events *eventlog.Log, cfg Config) *Machine {
	cfg.applyDefaults()
	return &Machine{
		state:    StateIdle,
		handlers: make(map[string]Handler),
		probe:    probe,
		sent:     sent,
		events:   events,
		cfg:      cfg,
		cache:    make(map[string]*Package),
		ack:      make(chan struct{}, 1),
	}
}

// RegisterHandler binds a book type to its handler. Later registrations
// for the same type replace earlier ones.
func (m *Machine) RegisterHandler(bookType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[bookType] = h
}

// State returns the machine's current phase.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ack signals that the downstream consumer confirmed the last send.
func (m *Machine) Ack() {
	select {
	case m.ack <- struct{}{}:
	default:
	}
}

// Run executes one flow. force bypasses the already-sent ledger.
// Returns ErrInFlight without touching state when a run is active.
func (m *Machine) Run(ctx context.Context, mode Mode, force bool) (*Result, error) {
	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		return nil, ErrInFlight
	}
	m.inFlight = true
	m.setStateLocked(StateWaitingSrc)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
	}()

	res, err := m.run(ctx, mode, force)
	if err != nil {
		m.setState(StateFailed)
		m.logEvent("lesson_flow_failed", map[string]any{"error": err.Error()})
		return res, err
	}
	m.setState(StateDone)
	return res, nil
}

func (m *Machine) run(ctx context.Context, mode Mode, force bool) (*Result, error) {
	if err := m.waitReady(ctx); err != nil {
		return nil, err
	}

	m.setState(StateDetecting)
	id, err := m.probe.Identify(ctx)
	if err != nil {
		return nil, fmt.Errorf("identify lesson: %w", err)
	}
	m.mu.Lock()
	h, ok := m.handlers[id.BookType]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoHandler, id.BookType)
	}

	m.setState(StatePreparing)
	pkg, err := m.preparedPackage(ctx, h, id)
	if err != nil {
		return nil, err
	}

	res := &Result{Identity: id, Package: pkg}
	if mode == PrepareOnly {
		m.logEvent("lesson_prepared", map[string]any{"book_type": id.BookType})
		res.State = StateDone
		return res, nil
	}

	m.setState(StateSending)
	// A run that timed out in awaiting_ack may have left a late ack in the
	// buffer. Drop it so it cannot satisfy this run's send.
	select {
	case <-m.ack:
	default:
	}

	key := dedup.SentKey(id)
	if !m.sent.MarkIfNew(ctx, key, force) {
		log.Printf("[LessonFlow] lesson already sent this run (%s), skipping", key)
		m.logEvent("lesson_send_skipped", map[string]any{"key": key})
		res.Skipped = true
		res.State = StateDone
		return res, nil
	}

	if err := h.Send(ctx, pkg); err != nil {
		// Release the key so a retry is not shadowed by this failure.
		m.sent.Forget(ctx, key)
		return nil, fmt.Errorf("send lesson package: %w", err)
	}
	m.logEvent("lesson_package_sent", map[string]any{
		"book_type": id.BookType,
		"key":       key,
		"forced":    force,
	})

	m.setState(StateAwaitingAck)
	if err := m.awaitAck(ctx); err != nil {
		return res, err
	}
	res.State = StateDone
	return res, nil
}

// preparedPackage reuses the cached package when its identity still
// matches, otherwise scrapes fresh through the handler.
func (m *Machine) preparedPackage(ctx context.Context, h Handler, id dedup.LessonIdentity) (*Package, error) {
	m.mu.Lock()
	cached := m.cache[id.BookType]
	m.mu.Unlock()

	if cached != nil && cached.Identity == id {
		log.Printf("[LessonFlow] using cached package for %s", id.BookType)
		return cached, nil
	}

	pkg, err := h.Prepare(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("prepare lesson: %w", err)
	}
	if pkg.PreparedAt.IsZero() {
		pkg.PreparedAt = time.Now()
	}
	m.mu.Lock()
	m.cache[id.BookType] = pkg
	m.mu.Unlock()
	return pkg, nil
}

func (m *Machine) waitReady(ctx context.Context) error {
	for attempt := 0; attempt < m.cfg.MaxPolls; attempt++ {
		ready, err := m.probe.Ready(ctx)
		if err != nil {
			log.Printf("[LessonFlow] readiness probe error: %v", err)
		} else if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}
	}
	return ErrSourceNotReady
}

func (m *Machine) awaitAck(ctx context.Context) error {
	select {
	case <-m.ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.AckTimeout):
		return ErrAckTimeout
	}
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.setStateLocked(s)
	m.mu.Unlock()
}

func (m *Machine) setStateLocked(s State) {
	if m.state != s {
		log.Printf("[LessonFlow] %s -> %s", m.state, s)
	}
	m.state = s
}

func (m *Machine) logEvent(kind string, data map[string]any) {
	if m.events == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["source"] = "lessonflow"
	m.events.Info(kind, data)
}
