// Package walkie relays push-to-talk pairing signals between a classroom
// receiver page and a phone transmitter on the same LAN. Sessions pair via
// a short numeric code, authenticate with per-side tokens, and exchange
// bounded queues of signaling messages over long-polls.
package walkie

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/lessonpipe/lessonpipe/internal/eventlog"
	"github.com/lessonpipe/lessonpipe/internal/message"
)

// Side identifies one end of a pairing session.
type Side string

const (
	Receiver    Side = "receiver"
	Transmitter Side = "transmitter"
)

// Signal types accepted on the push endpoint.
var validSignalTypes = map[string]struct{}{
	"offer":     {},
	"answer":    {},
	"ptt_state": {},
	"heartbeat": {},
}

const (
	maxSignalQueue = 300
	maxPullWait    = 25 * time.Second
	defaultTTL     = 1800 * time.Second
)

var (
	ErrPairCodeNotFound = errors.New("walkie: pair code not found")
	ErrSessionNotFound  = errors.New("walkie: session not found")
	ErrSessionClosed    = errors.New("walkie: session closed")
	ErrSessionExpired   = errors.New("walkie: session expired")
	ErrMissingToken     = errors.New("walkie: missing token")
	ErrInvalidToken     = errors.New("walkie: invalid token")
	ErrInvalidSide      = errors.New("walkie: invalid target side")
	ErrInvalidSignal    = errors.New("walkie: invalid signal type")
	ErrSameSide         = errors.New("walkie: cannot signal own side")
	ErrCodeSpace        = errors.New("walkie: pair code generation failed")
)

// Signal is one queued signaling message.
type Signal struct {
	Type    string `json:"type"`
	From    Side   `json:"from"`
	To      Side   `json:"to"`
	Payload any    `json:"payload"`
	TsMs    int64  `json:"ts_ms"`
}

type session struct {
	id        string
	pairCode  string
	flowRunID string
	tokens    map[Side]string
	createdAt int64
	expiresAt int64
	closed    bool
	queues    map[Side][]Signal
	notify    map[Side]chan struct{}
	lastSeen  map[Side]int64
}

// Service owns the pairing-session table.
type Service struct {
	mu     sync.Mutex
	byID   map[string]*session
	byCode map[string]string
	ttl    time.Duration
	events *eventlog.Log
	now    func() time.Time
}

// New builds a service. ttl <= 0 uses the 30 minute default.
func New(ttl time.Duration, events *eventlog.Log) *Service {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{
		byID:   make(map[string]*session),
		byCode: make(map[string]string),
		ttl:    ttl,
		events: events,
		now:    time.Now,
	}
}

// CreateResult is returned to the receiver page that opened the session.
type CreateResult struct {
	SessionID     string `json:"session_id"`
	PairCode      string `json:"pair_code"`
	ReceiverToken string `json:"receiver_token"`
	ExpiresAt     int64  `json:"expires_at"`
	FlowRunID     string `json:"flow_run_id,omitempty"`
}

// Create opens a session and returns the pair code the transmitter dials.
func (s *Service) Create(flowRunID string) (*CreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	code := ""
	for i := 0; i < 40; i++ {
		c := pairCode()
		if _, taken := s.byCode[c]; !taken {
			code = c
			break
		}
	}
	if code == "" {
		return nil, ErrCodeSpace
	}

	now := s.now().UnixMilli()
	sess := &session{
		id:        message.NewID("walkie"),
		pairCode:  code,
		flowRunID: flowRunID,
		tokens:    map[Side]string{Receiver: token()},
		createdAt: now,
		expiresAt: now + s.ttl.Milliseconds(),
		queues:    map[Side][]Signal{},
		notify: map[Side]chan struct{}{
			Receiver:    make(chan struct{}, 1),
			Transmitter: make(chan struct{}, 1),
		},
		lastSeen: map[Side]int64{Receiver: now},
	}
	s.byID[sess.id] = sess
	s.byCode[code] = sess.id

	s.logEvent("walkie_session_created", map[string]any{
		"session_id":  sess.id,
		"pair_code":   code,
		"flow_run_id": flowRunID,
		"expires_at":  sess.expiresAt,
	}, eventlog.LevelInfo)

	return &CreateResult{
		SessionID:     sess.id,
		PairCode:      code,
		ReceiverToken: sess.tokens[Receiver],
		ExpiresAt:     sess.expiresAt,
		FlowRunID:     flowRunID,
	}, nil
}

// JoinResult is returned to the transmitter that dialed a pair code.
type JoinResult struct {
	SessionID        string `json:"session_id"`
	TransmitterToken string `json:"transmitter_token"`
	ExpiresAt        int64  `json:"expires_at"`
	FlowRunID        string `json:"flow_run_id,omitempty"`
}

// Join redeems a pair code for a transmitter token. Joining again replaces
// the previous transmitter token.
func (s *Service) Join(pairCode string) (*JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	sid, ok := s.byCode[pairCode]
	if !ok {
		s.rejectLocked("pair_code_not_found", map[string]any{"pair_code": pairCode})
		return nil, ErrPairCodeNotFound
	}
	sess := s.byID[sid]
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if err := sess.usable(s.now().UnixMilli()); err != nil {
		s.rejectLocked("session_unusable", map[string]any{"session_id": sid, "error": err.Error()})
		return nil, err
	}

	sess.tokens[Transmitter] = token()
	sess.lastSeen[Transmitter] = s.now().UnixMilli()

	s.logEvent("walkie_session_joined", map[string]any{
		"session_id":  sid,
		"pair_code":   pairCode,
		"flow_run_id": sess.flowRunID,
	}, eventlog.LevelInfo)

	return &JoinResult{
		SessionID:        sid,
		TransmitterToken: sess.tokens[Transmitter],
		ExpiresAt:        sess.expiresAt,
		FlowRunID:        sess.flowRunID,
	}, nil
}

// Push queues one signal for the opposite side.
func (s *Service) Push(sessionID, tok string, to Side, signalType string, payload any) error {
	if to != Receiver && to != Transmitter {
		return ErrInvalidSide
	}
	if _, ok := validSignalTypes[signalType]; !ok {
		return ErrInvalidSignal
	}

	s.mu.Lock()
	s.pruneLocked()
	sess, from, err := s.authLocked(sessionID, tok)
	if err != nil {
		s.rejectLocked("push_rejected", map[string]any{"session_id": sessionID, "type": signalType, "error": err.Error()})
		s.mu.Unlock()
		return err
	}
	if from == to {
		s.mu.Unlock()
		return ErrSameSide
	}

	now := s.now().UnixMilli()
	sig := Signal{Type: signalType, From: from, To: to, Payload: payload, TsMs: now}
	q := append(sess.queues[to], sig)
	if len(q) > maxSignalQueue {
		q = q[len(q)-maxSignalQueue:]
	}
	sess.queues[to] = q
	sess.lastSeen[from] = now
	notify := sess.notify[to]
	flowRunID := sess.flowRunID
	s.mu.Unlock()

	select {
	case notify <- struct{}{}:
	default:
	}

	// Heartbeats are too chatty for the event stream.
	if signalType != "heartbeat" {
		s.logEvent("walkie_signal_"+signalType, map[string]any{
			"session_id":  sessionID,
			"flow_run_id": flowRunID,
			"from":        from,
			"to":          to,
		}, eventlog.LevelInfo)
	}
	return nil
}

// Pull drains the caller's queue, long-polling up to wait (capped at 25s)
// when it is empty. An empty slice with nil error means the poll timed out.
func (s *Service) Pull(ctx context.Context, sessionID, tok string, wait time.Duration) ([]Signal, Side, error) {
	if wait <= 0 || wait > maxPullWait {
		wait = maxPullWait
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		s.pruneLocked()
		sess, side, err := s.authLocked(sessionID, tok)
		if err != nil {
			s.mu.Unlock()
			return nil, "", err
		}
		if q := sess.queues[side]; len(q) > 0 {
			sess.queues[side] = nil
			sess.lastSeen[side] = s.now().UnixMilli()
			s.mu.Unlock()
			return q, side, nil
		}
		notify := sess.notify[side]
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, side, ctx.Err()
		case <-deadline.C:
			return nil, side, nil
		case <-notify:
		}
	}
}

// Close tears the session down. Either side may close.
func (s *Service) Close(sessionID, tok string) error {
	s.mu.Lock()
	s.pruneLocked()
	sess, side, err := s.authLocked(sessionID, tok)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	sess.closed = true
	if s.byCode[sess.pairCode] == sessionID {
		delete(s.byCode, sess.pairCode)
	}
	delete(s.byID, sessionID)
	flowRunID := sess.flowRunID
	s.mu.Unlock()

	s.logEvent("walkie_session_closed", map[string]any{
		"session_id":  sessionID,
		"closed_by":   side,
		"flow_run_id": flowRunID,
	}, eventlog.LevelInfo)
	return nil
}

// SessionCount reports live sessions, pruning expired ones first.
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return len(s.byID)
}

func (sess *session) usable(nowMs int64) error {
	if sess.closed {
		return ErrSessionClosed
	}
	if sess.expiresAt > 0 && nowMs > sess.expiresAt {
		return ErrSessionExpired
	}
	return nil
}

func (s *Service) authLocked(sessionID, tok string) (*session, Side, error) {
	sess := s.byID[sessionID]
	if sess == nil {
		return nil, "", ErrSessionNotFound
	}
	if err := sess.usable(s.now().UnixMilli()); err != nil {
		return nil, "", err
	}
	if tok == "" {
		return nil, "", ErrMissingToken
	}
	for side, t := range sess.tokens {
		if t != "" && t == tok {
			return sess, side, nil
		}
	}
	return nil, "", ErrInvalidToken
}

func (s *Service) pruneLocked() {
	now := s.now().UnixMilli()
	for sid, sess := range s.byID {
		if !sess.closed && (sess.expiresAt == 0 || now <= sess.expiresAt) {
			continue
		}
		delete(s.byID, sid)
		if s.byCode[sess.pairCode] == sid {
			delete(s.byCode, sess.pairCode)
		}
		if !sess.closed {
			s.logEvent("walkie_session_expired", map[string]any{
				"session_id":  sid,
				"pair_code":   sess.pairCode,
				"flow_run_id": sess.flowRunID,
			}, eventlog.LevelWarn)
		}
		// Wake any poller stuck on the dead session so it re-auths.
		for _, ch := range sess.notify {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

func (s *Service) rejectLocked(reason string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["reason"] = reason
	s.logEvent("walkie_signal_rejected", data, eventlog.LevelWarn)
}

func (s *Service) logEvent(event string, data map[string]any, level eventlog.Level) {
	if s.events == nil {
		log.Printf("[Walkie] %s %v", event, data)
		return
	}
	s.events.Append(event, data, level)
}

func pairCode() string {
	// Six digits is enough for short-lived LAN pairing.
	const digits = "0123456789"
	out := make([]byte, 6)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		if err != nil {
			n = big.NewInt(time.Now().UnixNano() % 10)
		}
		out[i] = digits[n.Int64()]
	}
	return string(out)
}

func token() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return message.NewID("tok")
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
