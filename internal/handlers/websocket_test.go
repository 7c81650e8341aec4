package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"voicecompanion/internal/llm"
	"voicecompanion/internal/models"
	"voicecompanion/internal/services"
	"voicecompanion/pkg/auth"
)

type fakeStore struct {
	users map[string]*models.User
}

func (s *fakeStore) GetActiveUserByID(ctx context.Context, userID string) (*models.User, error) {
	return s.users[userID], nil
}

func (s *fakeStore) GetSessionByToken(ctx context.Context, token string) (*models.UserSession, error) {
	return nil, nil
}

type fakeEngine struct {
	reply string
	err   error
}

func (e *fakeEngine) Respond(ctx context.Context, system string, history []llm.Message) (string, error) {
	return e.reply, e.err
}

type fixture struct {
	handler     *WebSocketHandler
	connManager *services.ConnectionManager
	companions  *services.CompanionService
	jwtAuth     *auth.JWTAuth
	conn        *models.UserConnection
}

const testClientID = "client-1"

func newFixture(t *testing.T, engine services.ReasoningEngine, users map[string]*models.User) *fixture {
	t.Helper()

	jwtAuth, err := auth.NewJWTAuth("test-secret-key", 30*time.Minute, 72*time.Hour)
	if err != nil {
		t.Fatalf("NewJWTAuth failed: %v", err)
	}

	connManager := services.NewConnectionManager()
	companions := services.NewCompanionService(engine)
	authService := services.NewAuthService(jwtAuth, &fakeStore{users: users})
	handler := NewWebSocketHandler(connManager, authService, companions, nil, nil)

	conn := &models.UserConnection{
		ClientID:    testClientID,
		ConnectedAt: time.Now(),
		WriteChan:   make(chan models.ServerMessage, 100),
	}
	connManager.Connect(conn)

	return &fixture{
		handler:     handler,
		connManager: connManager,
		companions:  companions,
		jwtAuth:     jwtAuth,
		conn:        conn,
	}
}

func (f *fixture) accessToken(t *testing.T, userID string) string {
	t.Helper()
	access, _, err := f.jwtAuth.GenerateTokens(userID, userID+"@example.com")
	if err != nil {
		t.Fatalf("GenerateTokens failed: %v", err)
	}
	return access
}

// sentFrames drains every frame queued for the test connection
func (f *fixture) sentFrames() []models.ServerMessage {
	var frames []models.ServerMessage
	for {
		select {
		case msg := <-f.conn.WriteChan:
			frames = append(frames, msg)
		default:
			return frames
		}
	}
}

func TestDispatchUnknownType(t *testing.T) {
	f := newFixture(t, &fakeEngine{}, nil)

	keepGoing := f.handler.dispatch(testClientID, models.ClientMessage{Type: "ping"})

	if !keepGoing {
		t.Error("unknown frame type must not end the connection")
	}
	frames := f.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("expected exactly 1 reply frame, got %d", len(frames))
	}
	if frames[0].Type != "error" || frames[0].Message != "Invalid message type" {
		t.Errorf("unexpected reply: %+v", frames[0])
	}
	if f.companions.Count() != 0 {
		t.Error("unknown frame must not create companions")
	}
}

func TestDispatchMissingToken(t *testing.T) {
	f := newFixture(t, &fakeEngine{reply: "hi"}, nil)

	for _, msgType := range []string{"auth", "create_companion", "user_message"} {
		f.handler.dispatch(testClientID, models.ClientMessage{Type: msgType, Content: "hello"})

		frames := f.sentFrames()
		if len(frames) != 1 {
			t.Fatalf("%s: expected 1 reply frame, got %d", msgType, len(frames))
		}
		if frames[0].Type != "auth_error" || frames[0].Message != "Missing or ill formed access token" {
			t.Errorf("%s: unexpected reply: %+v", msgType, frames[0])
		}
	}

	if f.companions.Count() != 0 {
		t.Error("no companion should exist without a valid token")
	}
	if _, exists := f.connManager.AuthenticatedUser(testClientID); exists {
		t.Error("no authenticated context should exist without a valid token")
	}
}

func TestDispatchNonStringToken(t *testing.T) {
	f := newFixture(t, &fakeEngine{}, nil)

	f.handler.dispatch(testClientID, models.ClientMessage{Type: "auth", AccessToken: 12345})

	frames := f.sentFrames()
	if len(frames) != 1 || frames[0].Message != "Missing or ill formed access token" {
		t.Fatalf("expected missing-token auth_error, got %+v", frames)
	}
}

func TestDispatchEmptyStringToken(t *testing.T) {
	f := newFixture(t, &fakeEngine{}, nil)

	f.handler.dispatch(testClientID, models.ClientMessage{Type: "auth", AccessToken: ""})

	frames := f.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 reply frame, got %d", len(frames))
	}
	if frames[0].Type != "auth_error" || frames[0].Message != "Missing or ill formed access token" {
		t.Errorf("unexpected reply: %+v", frames[0])
	}
	if _, exists := f.connManager.AuthenticatedUser(testClientID); exists {
		t.Error("empty token must not attach authenticated context")
	}
}

func TestAuthInvalidToken(t *testing.T) {
	f := newFixture(t, &fakeEngine{}, nil)

	f.handler.dispatch(testClientID, models.ClientMessage{Type: "auth", AccessToken: "not.a.jwt"})

	frames := f.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 reply frame, got %d", len(frames))
	}
	if frames[0].Type != "auth_error" || frames[0].Message != "Invalid or expired access token" {
		t.Errorf("unexpected reply: %+v", frames[0])
	}
	if _, exists := f.connManager.AuthenticatedUser(testClientID); exists {
		t.Error("invalid token must not attach authenticated context")
	}
}

func TestAuthSuccess(t *testing.T) {
	f := newFixture(t, &fakeEngine{}, map[string]*models.User{
		"user-42": {ID: "user-42", Email: "u42@example.com", Name: "Forty Two", IsActive: true},
	})

	f.handler.dispatch(testClientID, models.ClientMessage{Type: "auth", AccessToken: f.accessToken(t, "user-42")})

	frames := f.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 reply frame, got %d", len(frames))
	}
	if frames[0].Type != "auth_success" {
		t.Fatalf("expected auth_success, got %+v", frames[0])
	}
	if frames[0].User == nil || frames[0].User.UserID != "user-42" || !frames[0].User.IsAuthenticated {
		t.Errorf("unexpected user snapshot: %+v", frames[0].User)
	}

	attached, exists := f.connManager.AuthenticatedUser(testClientID)
	if !exists || attached.UserID != "user-42" {
		t.Error("expected authenticated context on the connection")
	}
}

func TestCreateCompanion(t *testing.T) {
	f := newFixture(t, &fakeEngine{reply: "hi"}, nil)
	token := f.accessToken(t, "user-42")

	f.handler.dispatch(testClientID, models.ClientMessage{Type: "create_companion", AccessToken: token})
	// Repeat: same companion, same reply, still exactly one live companion.
	f.handler.dispatch(testClientID, models.ClientMessage{Type: "create_companion", AccessToken: token})

	frames := f.sentFrames()
	if len(frames) != 2 {
		t.Fatalf("expected 2 reply frames, got %d", len(frames))
	}
	for _, frame := range frames {
		if frame.Type != "companion_created" || frame.Status != "success" || frame.Companion == "" {
			t.Errorf("unexpected reply: %+v", frame)
		}
	}
	if f.companions.Count() != 1 {
		t.Errorf("expected exactly 1 companion, got %d", f.companions.Count())
	}
}

func TestCreateCompanionNoEngine(t *testing.T) {
	f := newFixture(t, nil, nil)

	f.handler.dispatch(testClientID, models.ClientMessage{Type: "create_companion", AccessToken: f.accessToken(t, "user-42")})

	frames := f.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 reply frame, got %d", len(frames))
	}
	if frames[0].Type != "error" || frames[0].Message != "Failed to create companion" {
		t.Errorf("unexpected reply: %+v", frames[0])
	}
}

func TestUserMessageConversationTurn(t *testing.T) {
	f := newFixture(t, &fakeEngine{reply: "Good to hear from you!"}, map[string]*models.User{
		"user-42": {ID: "user-42", Email: "u42@example.com", Name: "Forty Two", IsActive: true},
	})
	token := f.accessToken(t, "user-42")

	f.handler.dispatch(testClientID, models.ClientMessage{Type: "auth", AccessToken: token})
	f.handler.dispatch(testClientID, models.ClientMessage{Type: "user_message", AccessToken: token, Content: "hello"})

	frames := f.sentFrames()
	if len(frames) != 2 {
		t.Fatalf("expected 2 reply frames, got %d", len(frames))
	}
	if frames[0].Type != "auth_success" {
		t.Fatalf("expected auth_success first, got %+v", frames[0])
	}
	response := frames[1]
	if response.Type != "companion_response" || response.Status != "success" {
		t.Fatalf("expected companion_response, got %+v", response)
	}
	if response.Response != "Good to hear from you!" || response.Companion == "" {
		t.Errorf("unexpected response frame: %+v", response)
	}
	// Lazy creation: the turn itself creates the companion.
	if f.companions.Count() != 1 {
		t.Errorf("expected companion to be created lazily, got %d", f.companions.Count())
	}
}

func TestUserMessageInvocationFailure(t *testing.T) {
	f := newFixture(t, &fakeEngine{err: errors.New("model overloaded")}, nil)

	f.handler.dispatch(testClientID, models.ClientMessage{Type: "user_message", AccessToken: f.accessToken(t, "user-42"), Content: "hello"})

	frames := f.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 reply frame, got %d", len(frames))
	}
	if frames[0].Type != "error" || frames[0].Status != "error" {
		t.Errorf("expected an error frame, got %+v", frames[0])
	}
	// The connection survives an invocation failure.
	if _, exists := f.connManager.Get(testClientID); !exists {
		t.Error("invocation failure must not tear down the connection")
	}
}

func TestDisconnectTearsDownConnectionAndCompanion(t *testing.T) {
	f := newFixture(t, &fakeEngine{reply: "hi"}, map[string]*models.User{
		"user-42": {ID: "user-42", Email: "u42@example.com", Name: "Forty Two", IsActive: true},
	})
	token := f.accessToken(t, "user-42")

	f.handler.dispatch(testClientID, models.ClientMessage{Type: "auth", AccessToken: token})
	f.handler.dispatch(testClientID, models.ClientMessage{Type: "create_companion", AccessToken: token})

	keepGoing := f.handler.dispatch(testClientID, models.ClientMessage{Type: "disconnect"})

	if keepGoing {
		t.Error("disconnect must end the read loop")
	}
	if _, exists := f.connManager.Get(testClientID); exists {
		t.Error("expected connection to be removed")
	}
	if f.companions.Count() != 0 {
		t.Errorf("expected companion to be deleted, got %d", f.companions.Count())
	}

	// A second disconnect for the same ID is a safe no-op.
	if f.handler.dispatch(testClientID, models.ClientMessage{Type: "disconnect"}) {
		t.Error("repeated disconnect must still end the read loop")
	}
}

func TestDisconnectUnauthenticatedKeepsCompanions(t *testing.T) {
	f := newFixture(t, &fakeEngine{reply: "hi"}, nil)

	// Another user's companion, created from a different connection.
	if _, err := f.companions.GetOrCreate("other-user"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	f.handler.dispatch(testClientID, models.ClientMessage{Type: "disconnect"})

	if f.companions.Count() != 1 {
		t.Error("disconnect of an unauthenticated connection must not delete companions")
	}
}
