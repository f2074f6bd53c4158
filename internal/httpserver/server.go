// Package httpserver exposes the router's loopback HTTP surface: message
// send/drain, event logging, pipeline status, and the tab attach WebSocket.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lessonpipe/lessonpipe/internal/eventlog"
	"github.com/lessonpipe/lessonpipe/internal/message"
	"github.com/lessonpipe/lessonpipe/internal/pipeline"
	"github.com/lessonpipe/lessonpipe/internal/registry"
	"github.com/lessonpipe/lessonpipe/internal/role"
	"github.com/lessonpipe/lessonpipe/internal/router"
	"github.com/lessonpipe/lessonpipe/internal/walkie"
)

// Server is the router's HTTP front end.
type Server struct {
	port     int
	router   *router.Router
	registry *registry.Registry
	events   *eventlog.Log
	tracker  *pipeline.Tracker
	walkie   *walkie.Service

	// legacy best-effort status mirror, fed by /update_status
	statusMu   sync.Mutex
	tabStatus  map[string]any
	statusSeen map[string]int64

	startTime time.Time
	mux       *http.ServeMux
	srv       *http.Server
}

// Config configures the Server.
type Config struct {
	Port     int
	Router   *router.Router
	Registry *registry.Registry
	Events   *eventlog.Log
	Tracker  *pipeline.Tracker
	Walkie   *walkie.Service
}

// New creates the server and registers its routes.
func New(cfg Config) *Server {
	s := &Server{
		port:       cfg.Port,
		router:     cfg.Router,
		registry:   cfg.Registry,
		events:     cfg.Events,
		tracker:    cfg.Tracker,
		walkie:     cfg.Walkie,
		tabStatus:  make(map[string]any),
		statusSeen: make(map[string]int64),
		startTime:  time.Now(),
		mux:        http.NewServeMux(),
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/send_message", s.handleSendMessage)
	s.mux.HandleFunc("/get_messages/", s.handleGetMessages)
	s.mux.HandleFunc("/log_event", s.handleLogEvent)
	s.mux.HandleFunc("/update_status", s.handleUpdateStatus)
	s.mux.HandleFunc("/pipeline_status", s.handlePipelineStatus)
	s.mux.HandleFunc("/get_logs", s.handleGetLogs)
	s.mux.HandleFunc("/inject/student_text", s.handleInjectStudentText)
	s.mux.HandleFunc("/ws", s.handleWS)

	if s.walkie != nil {
		s.mux.HandleFunc("/walkie/api/session/create", s.handleWalkieCreate)
		s.mux.HandleFunc("/walkie/api/session/join", s.handleWalkieJoin)
		s.mux.HandleFunc("/walkie/api/signal/push", s.handleWalkiePush)
		s.mux.HandleFunc("/walkie/api/signal/pull", s.handleWalkiePull)
		s.mux.HandleFunc("/walkie/api/session/close", s.handleWalkieClose)
	}

	return s
}

// Start runs the server until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler: s.mux,
	}

	log.Printf("[Server] ✅ Router API → http://127.0.0.1:%d", s.port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down outside the Start ctx path.
func (s *Server) Stop() {
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(ctx)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": int(time.Since(s.startTime).Seconds()),
	})
}

// sendMessageRequest is the JSON body for /send_message.
type sendMessageRequest struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Message message.Message `json:"message"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	to := role.Parse(req.To)
	if !to.Routable() {
		writeJSONError(w, fmt.Sprintf("invalid receiver %q", req.To), http.StatusBadRequest)
		return
	}

	res, err := s.router.Send(role.Parse(req.From), to, req.Message)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"ok":          true,
		"expanded":    res.Expanded,
		"dropped":     res.Dropped,
		"segment_id":  res.SegmentID,
		"flow_run_id": res.FlowRunID,
	})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/get_messages/")
	to := role.Parse(name)
	if !to.Routable() {
		writeJSONError(w, fmt.Sprintf("invalid role %q", name), http.StatusBadRequest)
		return
	}

	if s.registry != nil {
		s.registry.Keepalive(to)
	}
	msgs := s.router.Drain(to)
	if msgs == nil {
		msgs = []message.Envelope{}
	}
	writeJSON(w, map[string]any{"messages": msgs})
}

// logEventRequest is the JSON body for /log_event.
type logEventRequest struct {
	Source string         `json:"source"`
	Entry  map[string]any `json:"entry"`
	Level  string         `json:"level"`
}

func (s *Server) handleLogEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req logEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	entry := req.Entry
	if entry == nil {
		entry = map[string]any{}
	}
	event, _ := entry["event"].(string)
	if event == "" {
		event = "tab_event"
	}
	if req.Source != "" {
		entry["source"] = req.Source
	}
	s.events.Append(event, entry, eventlog.Level(req.Level))
	writeJSON(w, map[string]any{"ok": true})
}

// updateStatusRequest is the JSON body for the legacy /update_status path.
type updateStatusRequest struct {
	Tab    string `json:"tab"`
	Status any    `json:"status"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Tab == "" {
		writeJSONError(w, "tab is required", http.StatusBadRequest)
		return
	}

	s.statusMu.Lock()
	s.tabStatus[req.Tab] = req.Status
	s.statusSeen[req.Tab] = message.NowMs()
	s.statusMu.Unlock()
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handlePipelineStatus(w http.ResponseWriter, _ *http.Request) {
	s.statusMu.Lock()
	mirror := make(map[string]any, len(s.tabStatus))
	for k, v := range s.tabStatus {
		mirror[k] = map[string]any{"status": v, "updated_ts": s.statusSeen[k]}
	}
	s.statusMu.Unlock()

	out := map[string]any{
		"queues":     s.router.QueueLens(),
		"tab_status": mirror,
		"uptime":     int(time.Since(s.startTime).Seconds()),
	}
	if s.tracker != nil {
		out["segments"] = s.tracker.Recent(50)
	}
	if s.registry != nil {
		out["tabs"] = s.registry.Status()
	}
	if s.walkie != nil {
		out["walkie_sessions"] = s.walkie.SessionCount()
	}
	writeJSON(w, out)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	clear := r.URL.Query().Get("clear") == "1"
	writeJSON(w, map[string]any{"events": s.events.Recent(clear)})
}

// injectRequest is the JSON body for /inject/student_text.
type injectRequest struct {
	Text       string `json:"text"`
	FlowRunID  string `json:"flow_run_id"`
	InjectedBy string `json:"injected_by"`
}

func (s *Server) handleInjectStudentText(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req injectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSONError(w, "text is required", http.StatusBadRequest)
		return
	}
	if req.InjectedBy == "" {
		req.InjectedBy = "http"
	}

	res, err := s.router.InjectStudentText(req.Text, req.FlowRunID, req.InjectedBy)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"ok":         true,
		"dropped":    res.Dropped,
		"segment_id": res.SegmentID,
	})
}

// --- Walkie handlers ---

type walkieCreateRequest struct {
	FlowRunID string `json:"flow_run_id"`
}

func (s *Server) handleWalkieCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req walkieCreateRequest
	json.NewDecoder(r.Body).Decode(&req)

	res, err := s.walkie.Create(req.FlowRunID)
	if err != nil {
		writeWalkieError(w, err)
		return
	}
	writeJSON(w, res)
}

type walkieJoinRequest struct {
	PairCode string `json:"pair_code"`
}

func (s *Server) handleWalkieJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req walkieJoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PairCode == "" {
		writeJSONError(w, "pair_code is required", http.StatusBadRequest)
		return
	}

	res, err := s.walkie.Join(req.PairCode)
	if err != nil {
		writeWalkieError(w, err)
		return
	}
	writeJSON(w, res)
}

type walkiePushRequest struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	To        string `json:"to"`
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
}

func (s *Server) handleWalkiePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req walkiePushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	err := s.walkie.Push(req.SessionID, req.Token, walkie.Side(strings.ToLower(req.To)), strings.ToLower(req.Type), req.Payload)
	if err != nil {
		writeWalkieError(w, err)
		return
	}
	writeJSON(w, map[string]any{"status": "ok"})
}

func (s *Server) handleWalkiePull(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	token := r.URL.Query().Get("token")
	wait := 25 * time.Second
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		var ms int
		if _, err := fmt.Sscanf(raw, "%d", &ms); err == nil && ms >= 100 {
			wait = time.Duration(ms) * time.Millisecond
		}
	}

	signals, sideName, err := s.walkie.Pull(r.Context(), sessionID, token, wait)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		writeWalkieError(w, err)
		return
	}
	if signals == nil {
		signals = []walkie.Signal{}
	}
	writeJSON(w, map[string]any{"status": "ok", "role": sideName, "messages": signals})
}

type walkieCloseRequest struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

func (s *Server) handleWalkieClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req walkieCloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := s.walkie.Close(req.SessionID, req.Token); err != nil {
		writeWalkieError(w, err)
		return
	}
	writeJSON(w, map[string]any{"status": "ok"})
}

func writeWalkieError(w http.ResponseWriter, err error) {
	code := http.StatusUnauthorized
	switch {
	case errors.Is(err, walkie.ErrPairCodeNotFound), errors.Is(err, walkie.ErrSessionNotFound):
		code = http.StatusNotFound
	case errors.Is(err, walkie.ErrSessionExpired):
		code = http.StatusGone
	case errors.Is(err, walkie.ErrInvalidSide), errors.Is(err, walkie.ErrInvalidSignal), errors.Is(err, walkie.ErrSameSide):
		code = http.StatusBadRequest
	case errors.Is(err, walkie.ErrCodeSpace):
		code = http.StatusInternalServerError
	}
	writeJSONError(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
