package presence

import (
	"net/http"
	"time"

	"brewlog/internal/middleware"
	"brewlog/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader turns the HTTP request into a websocket. Agents are not
browsers, so the origin check accepts everything.
*/

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler serves GET /ws/connectivity.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// HandleConnectivity upgrades the request and registers the agent.
func (h *Handler) HandleConnectivity(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		agentID = "anonymous"
	}

	ctx, span := middleware.StartSpan(r.Context(), "Presence.Connect",
		attribute.String("agent.id", agentID),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		middleware.AddSpanError(ctx, err)
		h.hub.logger.Warn("failed to upgrade heartbeat socket", "agent_id", agentID, "error", err)
		return
	}

	s := newSession(h.hub, conn, models.NewPresenceSession(agentID, r.RemoteAddr))
	if !h.hub.join(s) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseServiceRestart, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	// Learning: separate goroutines so a slow write never stalls reads
	go s.WritePump()
	go s.ReadPump()
}

// Count returns the number of connected agents.
func (h *Handler) Count() int {
	return h.hub.Count()
}

// Agents returns a snapshot of the connected agents.
func (h *Handler) Agents() []models.PresenceSession {
	return h.hub.Agents()
}
