package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rawblock/pattern-engine/internal/engine"
)

// Session Manager
//
// A session is one live engine instance plus the mutex that serializes
// access to it. The engine itself is single-threaded by contract; the
// session mutex is the external serialization the concurrency model
// requires, shared between the message handler and the corpus trainer.
//
// Session lifecycle:
//   created  → fresh engine, or restored from a saved snapshot
//   active   → messages and training interleave under the session lock
//   saved    → snapshot persisted under a name; session keeps running
//   deleted  → dropped from the manager; persisted snapshots survive

// Session is one live engine with its serialization lock.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Engine  *engine.Engine  `json:"-"`
	Trainer *engine.Trainer `json:"-"`

	mu sync.Mutex
}

// Lock serializes engine access for one call.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// Touch bumps the modification time.
func (s *Session) Touch() { s.UpdatedAt = time.Now() }

// SessionManager handles CRUD for live sessions.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates an empty manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
	}
}

// Create starts a session with a fresh engine.
func (m *SessionManager) Create(cfg engine.Config, name string) (*Session, error) {
	e, err := engine.New(cfg)
	if err != nil {
		return nil, err
	}
	return m.adopt(e, name), nil
}

// CreateFromSnapshot starts a session by restoring a snapshot payload.
func (m *SessionManager) CreateFromSnapshot(payload []byte, name string) (*Session, error) {
	e, err := engine.UnmarshalSnapshot(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}
	e.SessionStart()
	return m.adopt(e, name), nil
}

func (m *SessionManager) adopt(e *engine.Engine, name string) *Session {
	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		Engine:    e,
	}
	sess.Trainer = engine.NewTrainer(e, &sess.mu)

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	return sess
}

// Get retrieves a session by ID.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Delete removes a session from the manager.
func (m *SessionManager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// List returns all live sessions.
func (m *SessionManager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		list = append(list, sess)
	}
	return list
}

// Size returns the number of live sessions.
func (m *SessionManager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
