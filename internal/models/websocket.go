package models

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// ClientMessage is an inbound WebSocket frame. Every frame carries its own
// authentication evidence: the access token is verified per-message, not once
// per connection.
type ClientMessage struct {
	Type        string `json:"type"`
	AccessToken any    `json:"access_token,omitempty"`
	Content     string `json:"content,omitempty"`
}

// Token returns the access token if it is present and a non-empty string.
func (m *ClientMessage) Token() (string, bool) {
	token, ok := m.AccessToken.(string)
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// ServerMessage is an outbound WebSocket frame.
type ServerMessage struct {
	Type      string             `json:"type"`
	Status    string             `json:"status,omitempty"`
	Message   string             `json:"message,omitempty"`
	User      *AuthenticatedUser `json:"user,omitempty"`
	Companion string             `json:"companion,omitempty"`
	Response  string             `json:"response,omitempty"`
	Audio     string             `json:"audio,omitempty"`
}

// UserConnection represents one live WebSocket connection. The client picks
// the ID (unique per live socket); the registry owns the lifecycle.
type UserConnection struct {
	ClientID    string
	Conn        *websocket.Conn
	ConnectedAt time.Time

	// WriteChan serializes all outbound frames through the write loop.
	WriteChan chan ServerMessage

	// Mutex guards control-frame writes (ping) which bypass WriteChan.
	Mutex sync.Mutex

	closeOnce sync.Once
}

// CloseWrite closes the write channel exactly once. Safe to call from both
// the registry removal path and the read-loop teardown path.
func (c *UserConnection) CloseWrite() {
	c.closeOnce.Do(func() {
		close(c.WriteChan)
	})
}
