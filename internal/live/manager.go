// Package live serves the interview over a websocket connection.
package live

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnManager tracks the open connection for each user's interview. A
// second connection to the same interview replaces the first.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewConnManager creates an empty ConnManager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// GetActive returns the open connection for a user's interview, or nil.
func (m *ConnManager) GetActive(userID, interviewID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conns, ok := m.active[userID]; ok {
		return conns[interviewID]
	}
	return nil
}

// Count returns the number of open connections.
func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, conns := range m.active {
		n += len(conns)
	}
	return n
}

// Register records conn as the connection for a user's interview.
func (m *ConnManager) Register(userID, interviewID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}

	// Close runs a handshake with the peer; do not hold the lock for it.
	if existing, exists := m.active[userID][interviewID]; exists && existing != conn {
		go func() { _ = existing.Close(websocket.StatusPolicyViolation, "interview opened elsewhere") }()
	}

	m.active[userID][interviewID] = conn
	slog.Info("interview connection registered", "user_id", userID, "session_id", interviewID)
}

// Unregister removes conn if it is still the current connection.
func (m *ConnManager) Unregister(userID, interviewID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conns, ok := m.active[userID]; ok {
		if current, exists := conns[interviewID]; exists && current == conn {
			delete(conns, interviewID)
			if len(conns) == 0 {
				delete(m.active, userID)
			}
			slog.Info("interview connection unregistered", "user_id", userID, "session_id", interviewID)
		}
	}
}

// Close closes the connection for one interview, if any. The sweeper calls
// it after abandoning an idle session.
func (m *ConnManager) Close(userID, interviewID string) {
	m.mu.Lock()
	conn := m.active[userID][interviewID]
	if conn != nil {
		delete(m.active[userID], interviewID)
		if len(m.active[userID]) == 0 {
			delete(m.active, userID)
		}
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "interview abandoned")
		slog.Info("interview connection closed", "user_id", userID, "session_id", interviewID)
	}
}

// CloseAll closes every open connection. Used on shutdown.
func (m *ConnManager) CloseAll() {
	m.mu.Lock()
	active := m.active
	m.active = make(map[string]map[string]*websocket.Conn)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for userID, conns := range active {
		for id, conn := range conns {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				slog.Info("interview connection closed", "user_id", userID, "session_id", id)
			}()
		}
	}
	wg.Wait()
}
