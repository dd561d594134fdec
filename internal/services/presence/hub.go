package presence

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"brewlog/internal/models"

	"github.com/gorilla/websocket"
)

/*
LEARNING: HEARTBEAT HUB

Capture agents keep one websocket open to /ws/connectivity and treat it as
their "am I online" signal. The hub owns every session:

1. **register/unregister channels**: only the hub goroutine mutates the map
   and closes a session's Send channel
2. **heartbeat tick**: one JSON frame per interval to every agent, and idle
   sessions are dropped on the same tick
3. **slow consumers**: a full Send buffer means the agent is gone, the
   session is dropped instead of blocking the hub
*/

const (
	DefaultHeartbeatInterval = 30 * time.Second

	writeWait  = 10 * time.Second
	sendBuffer = 16
)

// Hub tracks connected capture agents.
type Hub struct {
	sessions   map[*Session]struct{}
	register   chan *Session
	unregister chan *Session
	mu         sync.RWMutex

	interval    time.Duration
	idleTimeout time.Duration
	logger      *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Session is one connected agent.
type Session struct {
	*models.PresenceSession
	Conn *websocket.Conn
	Send chan []byte

	hub        *Hub
	lastActive atomic.Int64
}

// NewHub creates a hub that ticks every interval. Sessions silent for three
// intervals are dropped.
func NewHub(interval time.Duration, logger *slog.Logger) *Hub {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions:    make(map[*Session]struct{}),
		register:    make(chan *Session),
		unregister:  make(chan *Session),
		interval:    interval,
		idleTimeout: 3 * interval,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Start runs the hub event loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.run()
	h.logger.Info("presence hub started", "heartbeat_interval", h.interval)
}

func (h *Hub) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			h.closeAll()
			return

		case s := <-h.register:
			h.handleRegister(s)

		case s := <-h.unregister:
			h.remove(s, "disconnected")

		case now := <-ticker.C:
			h.dropIdle(now)
			h.heartbeat(now)
		}
	}
}

func (h *Hub) handleRegister(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	count := len(h.sessions)
	h.mu.Unlock()

	h.logger.Info("agent connected",
		"session_id", s.ID,
		"agent_id", s.AgentID,
		"remote_addr", s.RemoteAddr,
		"agents", count,
	)

	h.sendTo(s, models.PresenceMessage{
		Type:      models.PresenceWelcome,
		SessionID: s.ID,
		Agents:    count,
		Time:      time.Now().UTC(),
	})
}

// remove deletes s and closes its Send channel. Only the hub goroutine calls it.
func (h *Hub) remove(s *Session, reason string) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	if ok {
		delete(h.sessions, s)
		close(s.Send)
	}
	count := len(h.sessions)
	h.mu.Unlock()

	if ok {
		h.logger.Info("agent disconnected",
			"session_id", s.ID,
			"agent_id", s.AgentID,
			"reason", reason,
			"agents", count,
		)
	}
}

func (h *Hub) dropIdle(now time.Time) {
	for _, s := range h.snapshot() {
		if now.Sub(s.LastActive()) > h.idleTimeout {
			h.remove(s, "idle")
		}
	}
}

func (h *Hub) heartbeat(now time.Time) {
	sessions := h.snapshot()
	msg := models.PresenceMessage{
		Type:   models.PresenceHeartbeat,
		Agents: len(sessions),
		Time:   now.UTC(),
	}
	for _, s := range sessions {
		h.sendTo(s, msg)
	}
}

// sendTo queues msg without blocking. Runs on the hub goroutine.
func (h *Hub) sendTo(s *Session, msg models.PresenceMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode presence frame", "error", err)
		return
	}

	select {
	case s.Send <- data:
	default:
		h.logger.Warn("agent send buffer full, dropping session", "session_id", s.ID)
		h.remove(s, "slow consumer")
	}
}

func (h *Hub) closeAll() {
	goodbye, _ := json.Marshal(models.PresenceMessage{Type: models.PresenceGoodbye, Time: time.Now().UTC()})

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		select {
		case s.Send <- goodbye:
		default:
		}
		close(s.Send)
		delete(h.sessions, s)
	}
}

func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of connected agents.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Agents returns a snapshot of the connected agents.
func (h *Hub) Agents() []models.PresenceSession {
	sessions := h.snapshot()
	out := make([]models.PresenceSession, 0, len(sessions))
	for _, s := range sessions {
		ps := *s.PresenceSession
		ps.LastActiveAt = s.LastActive()
		out = append(out, ps)
	}
	return out
}

// Shutdown says goodbye to every agent and stops the event loop.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
		h.logger.Info("presence hub stopped")
	})
}

// join hands s to the hub. It reports false once the hub has stopped.
func (h *Hub) join(s *Session) bool {
	select {
	case h.register <- s:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

func newSession(h *Hub, conn *websocket.Conn, info *models.PresenceSession) *Session {
	s := &Session{
		PresenceSession: info,
		Conn:            conn,
		Send:            make(chan []byte, sendBuffer),
		hub:             h,
	}
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive is the last time the agent answered a ping or sent a frame.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// ReadPump consumes frames from the agent until the connection fails.
// Learning: the agent only needs to answer pings; any frame counts as activity.
func (s *Session) ReadPump() {
	defer func() {
		s.hub.leave(s)
		s.Conn.Close()
	}()

	pongWait := 2 * s.hub.interval
	s.Conn.SetReadLimit(4096)
	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.touch()
		return s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.hub.logger.Warn("heartbeat socket error", "session_id", s.ID, "error", err)
			}
			return
		}
		s.touch()
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// WritePump writes queued frames and pings. It owns all writes on Conn.
func (s *Session) WritePump() {
	ticker := time.NewTicker(s.hub.interval)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing session"))
				return
			}
			if err := s.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
