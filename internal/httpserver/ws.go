package httpserver

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lessonpipe/lessonpipe/internal/message"
	"github.com/lessonpipe/lessonpipe/internal/relay"
	"github.com/lessonpipe/lessonpipe/internal/role"
)

const (
	wsKeepalive = 25 * time.Second
	wsStale     = 75 * time.Second // three missed keepalives
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn wraps a websocket.Conn with a write mutex.
// gorilla/websocket does NOT support concurrent writes.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) WriteJSONSafe(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteJSON(v)
}

func (c *wsConn) WritePing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.PingMessage, nil)
}

// wsTab adapts a WebSocket connection to the registry's Tab interface so
// the relay can push envelopes straight to an attached tab.
type wsTab struct {
	conn   *wsConn
	role   role.Role
	closed chan struct{}
	once   sync.Once
}

func (t *wsTab) Push(env message.Envelope) error {
	select {
	case <-t.closed:
		return relay.ErrTabGone
	default:
	}
	if err := t.conn.WriteJSONSafe(map[string]any{"type": "envelope", "envelope": env}); err != nil {
		return fmt.Errorf("%w: %v", relay.ErrTabGone, err)
	}
	return nil
}

func (t *wsTab) Close() {
	t.once.Do(func() {
		close(t.closed)
		t.conn.Close()
	})
}

// handleWS attaches a tab for push delivery. Connect with ?role=<role>.
//
// Protocol:
//
//	server → tab: {"type": "envelope", "envelope": {...}}
//	tab → server: {"type": "keepalive"}
//	tab → server: {"type": "status", "status": {...}}
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	tabRole := role.Parse(r.URL.Query().Get("role"))
	if !tabRole.Routable() {
		writeJSONError(w, fmt.Sprintf("invalid role %q", r.URL.Query().Get("role")), http.StatusBadRequest)
		return
	}

	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] ⚠️ Upgrade failed: %v", err)
		return
	}

	conn := &wsConn{Conn: raw}
	tab := &wsTab{conn: conn, role: tabRole, closed: make(chan struct{})}
	peer := r.RemoteAddr
	log.Printf("[WS] 🔗 %s tab attached: %s", tabRole, peer)

	s.registry.Register(tabRole, tab)

	defer func() {
		tab.Close()
		if s.registry.Evict(tabRole, tab) {
			log.Printf("[WS] 🔌 %s tab detached: %s", tabRole, peer)
		}
	}()

	raw.SetReadDeadline(time.Now().Add(wsStale))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(wsStale))
		s.registry.Keepalive(tabRole)
		return nil
	})

	// Server-side ping so half-dead connections are noticed.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(wsKeepalive)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				if conn.WritePing() != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] ⚠️ %s read error: %v", tabRole, err)
			}
			return
		}
		raw.SetReadDeadline(time.Now().Add(wsStale))
		s.registry.Keepalive(tabRole)

		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		msgType, _ := msg["type"].(string)

		switch msgType {
		case "keepalive":
			// Deadline already extended above.
		case "status":
			s.statusMu.Lock()
			s.tabStatus[string(tabRole)] = msg["status"]
			s.statusSeen[string(tabRole)] = message.NowMs()
			s.statusMu.Unlock()
		}
	}
}
