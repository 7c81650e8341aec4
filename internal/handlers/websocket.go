package handlers

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"voicecompanion/internal/logging"
	"voicecompanion/internal/models"
	"voicecompanion/internal/services"
	"voicecompanion/internal/speech"
)

// ConversationStore persists finished exchanges. Persistence is best-effort
// from the dispatcher's point of view.
type ConversationStore interface {
	SaveConversation(ctx context.Context, id, userID, sessionID, userMessage, aiResponse, companionName string) error
}

// WebSocketHandler is the protocol dispatcher: it reads typed frames, checks
// each frame's own authentication evidence, routes to the right service and
// emits typed replies through the connection registry.
type WebSocketHandler struct {
	connManager *services.ConnectionManager
	authService *services.AuthService
	companions  *services.CompanionService
	speech      *speech.Service
	store       ConversationStore
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(connManager *services.ConnectionManager, authService *services.AuthService, companions *services.CompanionService, speechService *speech.Service, store ConversationStore) *WebSocketHandler {
	return &WebSocketHandler{
		connManager: connManager,
		authService: authService,
		companions:  companions,
		speech:      speechService,
		store:       store,
	}
}

// Handle handles a new WebSocket connection at /ws/:client_id
func (h *WebSocketHandler) Handle(c *websocket.Conn) {
	clientID := c.Params("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	userConn := &models.UserConnection{
		ClientID:    clientID,
		Conn:        c,
		ConnectedAt: time.Now(),
		WriteChan:   make(chan models.ServerMessage, 100),
	}

	h.connManager.Connect(userConn)

	done := make(chan struct{})
	defer func() {
		close(done)
		h.connManager.Disconnect(clientID)
	}()

	// Liveness probe: dead peers are reclaimed when the read deadline passes
	// without a pong.
	c.SetReadDeadline(time.Now().Add(360 * time.Second))
	c.SetPongHandler(func(appData string) error {
		c.SetReadDeadline(time.Now().Add(360 * time.Second))
		return nil
	})

	go h.pingLoop(userConn, done)
	go h.writeLoop(userConn)

	logging.WithConnection(clientID, "").Info("🔌 WebSocket connection established")

	h.readLoop(userConn)
}

// pingLoop sends periodic pings so half-open connections are detected
func (h *WebSocketHandler) pingLoop(userConn *models.UserConnection, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			userConn.Mutex.Lock()
			err := userConn.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			userConn.Mutex.Unlock()
			if err != nil {
				log.Printf("⚠️ Ping failed for %s: %v", userConn.ClientID, err)
				return
			}
		}
	}
}

// readLoop handles incoming frames. Frames from one connection are processed
// strictly in receipt order; every per-frame failure is answered on that
// frame and never tears down the connection. Only a transport error ends the
// loop.
func (h *WebSocketHandler) readLoop(userConn *models.UserConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in readLoop: %v", r)
		}
	}()

	for {
		_, raw, err := userConn.Conn.ReadMessage()
		if err != nil {
			log.Printf("🔌 WebSocket connection closed: %s (%v)", userConn.ClientID, err)
			return
		}

		userConn.Conn.SetReadDeadline(time.Now().Add(360 * time.Second))

		var msg models.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("⚠️  Invalid message format from %s: %v", userConn.ClientID, err)
			h.connManager.Send(userConn.ClientID, models.ServerMessage{
				Type:    "error",
				Message: "Invalid message format",
				Status:  "error",
			})
			continue
		}

		if !h.dispatch(userConn.ClientID, msg) {
			return
		}
	}
}

// dispatch routes one frame to its handler. It returns false when the
// connection is gone and the read loop should stop.
func (h *WebSocketHandler) dispatch(clientID string, msg models.ClientMessage) bool {
	if m := services.GetMetrics(); m != nil {
		m.WebSocketMessages.WithLabelValues(msg.Type, "inbound").Inc()
	}

	switch msg.Type {
	case "auth":
		h.handleAuth(clientID, msg)
	case "create_companion":
		h.handleCreateCompanion(clientID, msg)
	case "user_message":
		h.handleUserMessage(clientID, msg)
	case "disconnect":
		h.handleDisconnect(clientID)
		return false
	default:
		log.Printf("⚠️  Invalid message type from %s: %q", clientID, msg.Type)
		h.connManager.Send(clientID, models.ServerMessage{
			Type:    "error",
			Message: "Invalid message type",
			Status:  "error",
		})
	}
	return true
}

// requireToken extracts the frame's access token. A missing or ill-typed
// token is answered with auth_error immediately; no further fields of the
// frame are processed.
func (h *WebSocketHandler) requireToken(clientID string, msg models.ClientMessage) (string, bool) {
	token, ok := msg.Token()
	if !ok {
		h.connManager.Send(clientID, models.ServerMessage{
			Type:    "auth_error",
			Message: "Missing or ill formed access token",
			Status:  "error",
		})
		return "", false
	}
	return token, true
}

// handleAuth verifies the access token against the store and attaches a fresh
// authenticated context to the connection.
func (h *WebSocketHandler) handleAuth(clientID string, msg models.ClientMessage) {
	token, ok := h.requireToken(clientID, msg)
	if !ok {
		return
	}

	user, err := h.authService.VerifyAccessUser(context.Background(), token)
	if err != nil {
		log.Printf("⚠️  Auth failed for %s: %v", clientID, err)
		h.connManager.Send(clientID, models.ServerMessage{
			Type:    "auth_error",
			Message: "Invalid or expired access token",
			Status:  "error",
		})
		return
	}

	h.connManager.Authenticate(clientID, user)

	logging.WithConnection(clientID, user.UserID).Info("✅ User authenticated")
	h.connManager.Send(clientID, models.ServerMessage{
		Type: "auth_success",
		User: user,
	})
}

// handleCreateCompanion verifies the token by claims alone (fast path) and
// creates or returns the user's companion.
func (h *WebSocketHandler) handleCreateCompanion(clientID string, msg models.ClientMessage) {
	token, ok := h.requireToken(clientID, msg)
	if !ok {
		return
	}

	claims, err := h.authService.VerifyAccessClaims(token)
	if err != nil {
		h.connManager.Send(clientID, models.ServerMessage{
			Type:    "auth_error",
			Message: "Invalid or expired access token",
			Status:  "error",
		})
		return
	}

	companion, err := h.companions.GetOrCreate(claims.Subject)
	if err != nil {
		log.Printf("❌ Failed to create companion for user %s: %v", claims.Subject, err)
		h.connManager.Send(clientID, models.ServerMessage{
			Type:    "error",
			Message: "Failed to create companion",
			Status:  "error",
		})
		return
	}

	h.connManager.Send(clientID, models.ServerMessage{
		Type:      "companion_created",
		Companion: companion.Name,
		Status:    "success",
	})
}

// handleUserMessage runs one conversation turn: verify the token, fetch (or
// lazily create) the companion, invoke it, render speech and reply.
func (h *WebSocketHandler) handleUserMessage(clientID string, msg models.ClientMessage) {
	token, ok := h.requireToken(clientID, msg)
	if !ok {
		return
	}

	claims, err := h.authService.VerifyAccessClaims(token)
	if err != nil {
		h.connManager.Send(clientID, models.ServerMessage{
			Type:    "auth_error",
			Message: "Invalid or expired access token",
			Status:  "error",
		})
		return
	}

	companion, exists := h.companions.Get(claims.Subject)
	if !exists {
		companion, err = h.companions.GetOrCreate(claims.Subject)
		if err != nil {
			h.connManager.Send(clientID, models.ServerMessage{
				Type:    "error",
				Message: "Failed to create companion",
				Status:  "error",
			})
			return
		}
	}

	start := time.Now()
	reply, err := h.companions.Invoke(context.Background(), companion, msg.Content)
	if err != nil {
		log.Printf("❌ Companion invocation failed for %s: %v", clientID, err)
		if m := services.GetMetrics(); m != nil {
			m.InvocationErrors.WithLabelValues("invocation").Inc()
		}
		h.connManager.Send(clientID, models.ServerMessage{
			Type:    "error",
			Message: err.Error(),
			Status:  "error",
		})
		return
	}

	if m := services.GetMetrics(); m != nil {
		m.CompanionInvocations.Inc()
		m.InvocationLatency.Observe(time.Since(start).Seconds())
	}

	// Speech is best-effort: a rendering failure degrades to no audio.
	var audio string
	if h.speech != nil {
		audio, err = h.speech.Synthesize(context.Background(), reply.Response)
		if err != nil {
			log.Printf("⚠️  Speech rendering failed for %s: %v", clientID, err)
			audio = ""
		}
	}

	h.connManager.Send(clientID, models.ServerMessage{
		Type:      "companion_response",
		Companion: reply.Companion,
		Response:  reply.Response,
		Audio:     audio,
		Status:    "success",
	})

	if h.store != nil {
		go func(userID, content, response, companionName string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.store.SaveConversation(ctx, uuid.New().String(), userID, clientID, content, response, companionName); err != nil {
				log.Printf("⚠️  Failed to persist conversation for %s: %v", clientID, err)
			}
		}(claims.Subject, msg.Content, reply.Response, reply.Companion)
	}
}

// handleDisconnect tears down the connection and the user's companion. The
// registry entry is released before anything else can dispatch to it.
func (h *WebSocketHandler) handleDisconnect(clientID string) {
	user, authenticated := h.connManager.AuthenticatedUser(clientID)
	h.connManager.Disconnect(clientID)
	if authenticated {
		h.companions.Delete(user.UserID)
	}
}

// writeLoop drains the connection's outbound channel. A write error means the
// remote end is gone; it triggers registry cleanup and ends the loop.
func (h *WebSocketHandler) writeLoop(userConn *models.UserConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in writeLoop: %v", r)
		}
	}()

	for msg := range userConn.WriteChan {
		if err := userConn.Conn.WriteJSON(msg); err != nil {
			log.Printf("❌ WebSocket write error for %s: %v", userConn.ClientID, err)
			h.connManager.Disconnect(userConn.ClientID)
			return
		}
		if m := services.GetMetrics(); m != nil {
			m.WebSocketMessages.WithLabelValues(msg.Type, "outbound").Inc()
		}
	}
}
