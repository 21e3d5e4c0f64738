package agent

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// historyCap bounds conversation history per session; the oldest
// messages are evicted first.
const historyCap = 20

// Message is one turn of conversation history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session holds per-conversation state. All access must hold mu; the
// agent serializes whole operations under it so confirm/cancel races
// resolve to exactly one winner.
type Session struct {
	mu sync.Mutex

	ID          string
	CharacterID string
	State       ConversationState
	History     []Message

	Pending     *PendingGeneration
	PendingEdit *PendingEdit

	// FetchedReferenceImages are gallery images queued to be consumed
	// as the reference of the next generation request.
	FetchedReferenceImages []string

	tasks map[string]*GenerationTask

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AddMessage appends to history, evicting the oldest entries beyond
// the cap. Caller must hold mu.
func (s *Session) AddMessage(role, content string) {
	s.History = append(s.History, Message{Role: role, Content: content, Timestamp: time.Now()})
	if len(s.History) > historyCap {
		s.History = s.History[len(s.History)-historyCap:]
	}
	s.UpdatedAt = time.Now()
}

// RecentHistory returns up to n most recent messages. Caller must
// hold mu.
func (s *Session) RecentHistory(n int) []Message {
	if len(s.History) <= n {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// RegisterTask indexes a task for later status lookups. Caller must
// hold mu.
func (s *Session) RegisterTask(t *GenerationTask) {
	if s.tasks == nil {
		s.tasks = make(map[string]*GenerationTask)
	}
	s.tasks[t.TaskID] = t
}

// Task returns a registered task by ID. Caller must hold mu.
func (s *Session) Task(id string) (*GenerationTask, bool) {
	t, ok := s.tasks[id]
	return t, ok
}

// SessionStore provides session lookup and lifecycle.
type SessionStore interface {
	GetOrCreate(sessionID, characterID string) *Session
	Get(sessionID string) (*Session, bool)
	Delete(sessionID string)
}

// MemorySessionStore keeps sessions in process memory.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the session for sessionID, creating one when
// absent. A non-empty characterID updates the session's character
// binding.
func (m *MemorySessionStore) GetOrCreate(sessionID, characterID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessionID == "" {
		sessionID = newSessionID()
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		now := time.Now()
		s = &Session{
			ID:        sessionID,
			State:     StateIdle,
			tasks:     make(map[string]*GenerationTask),
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.sessions[sessionID] = s
	}
	if characterID != "" {
		s.CharacterID = characterID
	}
	return s
}

func (m *MemorySessionStore) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

func (m *MemorySessionStore) Delete(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

func newSessionID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
