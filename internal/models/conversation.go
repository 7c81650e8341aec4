package models

import "time"

// Conversation is one persisted exchange: a user turn and the companion's
// reply, recorded from the WebSocket session that produced it.
type Conversation struct {
	ID            string    `json:"id"`
	UserID        string    `json:"-"`
	SessionID     string    `json:"-"`
	UserMessage   string    `json:"user_message"`
	AIResponse    string    `json:"ai_response"`
	CompanionName string    `json:"companion_name"`
	CreatedAt     time.Time `json:"created_at"`
}
