package models

import (
	"time"

	"github.com/google/uuid"
)

// PresenceSession represents one connected capture agent on the
// /ws/connectivity heartbeat endpoint.
type PresenceSession struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// PresenceMessage is the JSON frame exchanged on the heartbeat socket.
type PresenceMessage struct {
	Type      PresenceMessageType `json:"type"`
	SessionID string              `json:"session_id,omitempty"`
	Agents    int                 `json:"agents,omitempty"`
	Time      time.Time           `json:"time"`
}

// PresenceMessageType defines the frames of the heartbeat protocol
type PresenceMessageType string

const (
	PresenceWelcome   PresenceMessageType = "welcome"   // sent once after upgrade
	PresenceHeartbeat PresenceMessageType = "heartbeat" // periodic server tick
	PresenceGoodbye   PresenceMessageType = "goodbye"   // server shutting down
)

func NewPresenceSession(agentID, remoteAddr string) *PresenceSession {
	now := time.Now()
	return &PresenceSession{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
