package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aeolun/parlor/pkg/chat"
)

// Session represents an active client connection
type Session struct {
	ID         uuid.UUID
	Conn       *SafeConn // WebSocket connection with automatic write synchronization
	RemoteAddr string
	CreatedAt  time.Time

	mu       sync.RWMutex // Protects username
	username string       // Canonical name of the signed-in user, "" if anonymous
}

// Username returns the user this connection last authenticated as.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *Session) setUsername(name string) {
	s.mu.Lock()
	s.username = name
	s.mu.Unlock()
}

// SessionManager manages all active sessions
type SessionManager struct {
	sessions map[uuid.UUID]*Session
	mu       sync.RWMutex
	metrics  *Metrics
}

// NewSessionManager creates a new session manager
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[uuid.UUID]*Session),
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a freshly upgraded connection.
func (sm *SessionManager) CreateSession(conn *websocket.Conn) *Session {
	sess := &Session{
		ID:         uuid.New(),
		Conn:       NewSafeConn(conn),
		RemoteAddr: conn.RemoteAddr().String(),
		CreatedAt:  time.Now(),
	}

	sm.mu.Lock()
	sm.sessions[sess.ID] = sess
	sm.mu.Unlock()

	sm.metrics.connectionOpened()
	return sess
}

// GetAllSessions returns all active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// SessionsFor returns every connection signed in as username, ignoring case.
func (sm *SessionManager) SessionsFor(username string) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	key := chat.FoldName(username)
	var sessions []*Session
	for _, sess := range sm.sessions {
		if name := sess.Username(); name != "" && chat.FoldName(name) == key {
			sessions = append(sessions, sess)
		}
	}
	return sessions
}

// RemoveSession removes a session and closes the connection
func (sm *SessionManager) RemoveSession(id uuid.UUID) {
	sm.mu.Lock()
	sess, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	if !ok {
		return
	}
	sess.Conn.Close()
	sm.metrics.connectionClosed()
}

// CountOnlineUsers returns the number of distinct signed-in users.
func (sm *SessionManager) CountOnlineUsers() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	users := make(map[string]struct{}, len(sm.sessions))
	for _, sess := range sm.sessions {
		if name := sess.Username(); name != "" {
			users[name] = struct{}{}
		}
	}
	return len(users)
}

// Count returns the number of open connections.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes all sessions
func (sm *SessionManager) CloseAll() {
	sm.mu.RLock()
	ids := make([]uuid.UUID, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	sm.mu.RUnlock()

	for _, id := range ids {
		sm.RemoveSession(id)
	}
}
