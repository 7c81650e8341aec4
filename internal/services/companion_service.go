package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"voicecompanion/internal/llm"
)

// ReasoningEngine is the external collaborator that produces a reply given a
// persona prompt and the conversation history. Opaque to this server.
type ReasoningEngine interface {
	Respond(ctx context.Context, system string, history []llm.Message) (string, error)
}

// InvocationError wraps a reasoning engine failure. The dispatcher converts it
// into an error frame; it never terminates the connection.
type InvocationError struct {
	Companion string
	Err       error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("companion %s invocation failed: %v", e.Companion, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// Companion is the per-user conversational agent: a persona, a stable
// conversation thread and a binding to the reasoning engine. At most one
// exists per user ID system-wide, however many connections that user has open.
type Companion struct {
	Name        string
	Role        string
	Description string
	UserID      string
	ThreadID    string

	engine ReasoningEngine
}

// systemPrompt builds the persona instructions sent with every invocation
func (c *Companion) systemPrompt() string {
	return fmt.Sprintf(`You are %s, a %s.
%s
Your responses should be:

1. CONVERSATIONAL: Speak naturally like a friend, not formally
2. CONCISE: Keep responses under 3 sentences unless specifically asked for more detail
3. ACCESSIBLE: Avoid visual references, focus on other senses
4. ENGAGING: Ask follow-up questions to keep conversations flowing
5. EMPATHETIC: Show genuine care and understanding for the user's situation
6. SUPPORTIVE: Be a source of comfort and encouragement`,
		c.Name, c.Role, c.Description)
}

// CompanionReply is the result of one invocation
type CompanionReply struct {
	Companion string
	Response  string
}

// CompanionService owns the companion lifecycle. Creation is exactly-once per
// user under arbitrary concurrency: a per-user creation lock is obtained via
// an atomic get-or-insert, and existence is re-checked inside the lock.
type CompanionService struct {
	companions map[string]*Companion
	mutex      sync.RWMutex

	// creationLocks maps user_id -> *sync.Mutex. sync.Map's LoadOrStore is the
	// atomic insert-if-absent: a race to first-create a lock for a new user
	// can never produce two distinct locks for the same ID.
	creationLocks sync.Map

	// threadLocks maps thread_id -> *sync.Mutex, guarding the history
	// read-modify-write. A user with several live connections can have
	// overlapping invocations against one thread; without this, the last
	// writer's Set discards the other exchange. Never held across the engine
	// call.
	threadLocks sync.Map

	engine  ReasoningEngine
	history *cache.Cache // thread_id -> []llm.Message, TTL-evicted
}

// NewCompanionService creates a new companion service
func NewCompanionService(engine ReasoningEngine) *CompanionService {
	return &CompanionService{
		companions: make(map[string]*Companion),
		engine:     engine,
		history:    cache.New(30*time.Minute, 10*time.Minute),
	}
}

// configureCompanion builds the companion profile for a user.
// TODO: load per-user companion profiles from the users table instead of the
// single default persona.
func (s *CompanionService) configureCompanion(userID string) *Companion {
	name := "Jessica"
	return &Companion{
		Name:        name,
		Role:        "Friend",
		Description: "You are a caring, encouraging but practical companion. You are fun and warm, but also a realist: you show tough love when needed, always in a supportive way.",
		UserID:      userID,
		ThreadID:    fmt.Sprintf("user_%s_companion_%s", userID, name),
		engine:      s.engine,
	}
}

// GetOrCreate returns the user's companion, constructing it on first use.
// The fast path is a read-lock lookup with no creation lock. Exactly one
// companion is ever constructed per user ID regardless of how many callers
// race here.
func (s *CompanionService) GetOrCreate(userID string) (*Companion, error) {
	if companion, ok := s.Get(userID); ok {
		return companion, nil
	}

	if s.engine == nil {
		return nil, fmt.Errorf("no reasoning engine configured")
	}

	lockAny, _ := s.creationLocks.LoadOrStore(userID, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)

	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock: another caller may have created it while we
	// were waiting.
	if companion, ok := s.Get(userID); ok {
		return companion, nil
	}

	companion := s.configureCompanion(userID)

	s.mutex.Lock()
	s.companions[userID] = companion
	s.mutex.Unlock()

	log.Printf("✅ Companion %s created for user %s", companion.Name, userID)
	return companion, nil
}

// Get returns the user's companion if one has been created
func (s *CompanionService) Get(userID string) (*Companion, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	companion, exists := s.companions[userID]
	return companion, exists
}

// Delete removes the user's companion and its conversation history.
// Idempotent. It takes only the registry lock, not the creation lock: a
// delete racing a concurrent create may leave a fresh companion behind, which
// is the same outcome as deleting and recreating.
func (s *CompanionService) Delete(userID string) {
	s.mutex.Lock()
	companion, exists := s.companions[userID]
	delete(s.companions, userID)
	s.mutex.Unlock()

	if exists {
		s.history.Delete(companion.ThreadID)
		log.Printf("🗑️  Companion deleted for user %s", userID)
	}
}

// Count returns the number of live companions
func (s *CompanionService) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.companions)
}

// Invoke runs one conversation step: append the user turn, call the reasoning
// engine with the full thread history, append the reply. The engine call can
// take substantial wall-clock time and holds no lock for its duration; the
// thread lock covers only the history snapshot and, after the engine returns,
// the re-read-and-append. Overlapping invocations on one thread each append
// their completed exchange to the latest history rather than overwriting each
// other's.
func (s *CompanionService) Invoke(ctx context.Context, companion *Companion, userText string) (*CompanionReply, error) {
	lock := s.threadLock(companion.ThreadID)
	userTurn := llm.Message{Role: "user", Content: userText}

	lock.Lock()
	history := s.threadHistory(companion.ThreadID)
	lock.Unlock()
	history = append(history, userTurn)

	reply, err := companion.engine.Respond(ctx, companion.systemPrompt(), history)
	if err != nil {
		return nil, &InvocationError{Companion: companion.Name, Err: err}
	}

	lock.Lock()
	latest := s.threadHistory(companion.ThreadID)
	latest = append(latest, userTurn, llm.Message{Role: "assistant", Content: reply})
	s.history.Set(companion.ThreadID, latest, cache.DefaultExpiration)
	lock.Unlock()

	return &CompanionReply{
		Companion: companion.Name,
		Response:  reply,
	}, nil
}

// threadLock returns the mutex for one conversation thread, creating it
// atomically on first use. Like creation locks, thread locks live for the
// process lifetime.
func (s *CompanionService) threadLock(threadID string) *sync.Mutex {
	lockAny, _ := s.threadLocks.LoadOrStore(threadID, &sync.Mutex{})
	return lockAny.(*sync.Mutex)
}

// threadHistory returns a copy of the thread's conversation history so the
// caller can append without racing other readers of the cached slice.
func (s *CompanionService) threadHistory(threadID string) []llm.Message {
	cached, found := s.history.Get(threadID)
	if !found {
		return nil
	}
	messages, ok := cached.([]llm.Message)
	if !ok {
		return nil
	}
	out := make([]llm.Message, len(messages))
	copy(out, messages)
	return out
}
