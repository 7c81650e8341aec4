package services

import (
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"voicecompanion/internal/models"
)

// ConnectionManager owns the set of live WebSocket connections and their
// authentication state. All mutations are visible immediately to subsequent
// lookups; nothing is buffered.
type ConnectionManager struct {
	connections   map[string]*models.UserConnection
	authenticated map[string]*models.AuthenticatedUser
	mutex         sync.RWMutex

	stopStats chan struct{}
	statsOnce sync.Once
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections:   make(map[string]*models.UserConnection),
		authenticated: make(map[string]*models.AuthenticatedUser),
		stopStats:     make(chan struct{}),
	}
}

// Connect registers a new connection
func (cm *ConnectionManager) Connect(conn *models.UserConnection) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.connections[conn.ClientID] = conn
	log.Printf("✅ Connection added: %s (Total: %d)", conn.ClientID, len(cm.connections))
}

// Disconnect removes a connection and all its registry entries. Idempotent:
// calling it on an unknown or already-removed ID is a logged no-op. The
// transport close is best-effort; close failures are logged, never returned.
func (cm *ConnectionManager) Disconnect(clientID string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	conn, exists := cm.connections[clientID]
	if !exists {
		log.Printf("ℹ️  Disconnect for unknown connection: %s (no-op)", clientID)
		return
	}

	if conn.Conn != nil {
		deadline := time.Now().Add(2 * time.Second)
		if err := conn.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Server closed connection"),
			deadline); err != nil {
			log.Printf("⚠️  Error sending close frame to %s: %v", clientID, err)
		}
		if err := conn.Conn.Close(); err != nil {
			log.Printf("⚠️  Error closing connection %s: %v", clientID, err)
		}
	}

	conn.CloseWrite()
	delete(cm.connections, clientID)
	delete(cm.authenticated, clientID)

	duration := time.Since(conn.ConnectedAt)
	log.Printf("❌ Connection removed: %s (Duration: %s, Total: %d)", clientID, duration.Round(time.Second), len(cm.connections))
}

// Send delivers a frame to a connection's write loop. Unknown IDs are a
// no-op. A full write buffer means the client is not draining; the frame is
// dropped and logged rather than blocking the dispatcher.
func (cm *ConnectionManager) Send(clientID string, msg models.ServerMessage) {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	conn, exists := cm.connections[clientID]
	if !exists {
		return
	}

	select {
	case conn.WriteChan <- msg:
	default:
		log.Printf("⚠️  Write buffer full for %s, dropping %s frame", clientID, msg.Type)
	}
}

// Authenticate attaches a fresh authenticated-user snapshot to a connection.
// A later successful verification replaces the whole snapshot; it is never
// partially updated.
func (cm *ConnectionManager) Authenticate(clientID string, user *models.AuthenticatedUser) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if _, exists := cm.connections[clientID]; !exists {
		log.Printf("⚠️  Authenticate for unknown connection: %s", clientID)
		return
	}
	cm.authenticated[clientID] = user
}

// AuthenticatedUser returns the authenticated context for a connection, if any.
func (cm *ConnectionManager) AuthenticatedUser(clientID string) (*models.AuthenticatedUser, bool) {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	user, exists := cm.authenticated[clientID]
	return user, exists
}

// Get retrieves a connection by ID
func (cm *ConnectionManager) Get(clientID string) (*models.UserConnection, bool) {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	conn, exists := cm.connections[clientID]
	return conn, exists
}

// Count returns the number of active connections
func (cm *ConnectionManager) Count() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.connections)
}

// AuthenticatedCount returns the number of authenticated connections
func (cm *ConnectionManager) AuthenticatedCount() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.authenticated)
}

// StartStatsReporter starts the background connection-stats logger. It only
// takes the registry read lock, so it can never block or deadlock a frame
// handler.
func (cm *ConnectionManager) StartStatsReporter(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-cm.stopStats:
				return
			case <-ticker.C:
				cm.logStats()
			}
		}
	}()
}

// StopStatsReporter stops the background stats logger
func (cm *ConnectionManager) StopStatsReporter() {
	cm.statsOnce.Do(func() {
		close(cm.stopStats)
	})
}

func (cm *ConnectionManager) logStats() {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	log.Printf("📊 Active connections: %d", len(cm.connections))
	log.Printf("📊 Authenticated users: %d", len(cm.authenticated))
	for clientID, user := range cm.authenticated {
		log.Printf("📊 User: %s - Client ID: %s", user.UserName, clientID)
	}
}
