// README: Live WebSocket channel (connected user sessions keyed by user id).
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"cargolink/internal/types"
)

var ErrNoSession = errors.New("no live session")

// WSSession is one connected client. Writes are serialized per connection.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(in Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(in)
}

// WSRegistry holds the live sessions. A reconnect replaces the prior session.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[types.ID]*WSSession
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[types.ID]*WSSession)}
}

func (r *WSRegistry) Add(userID types.ID, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.sessions[userID]; ok {
		_ = prev.conn.Close()
	}
	r.sessions[userID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(userID types.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok {
		_ = s.conn.Close()
		delete(r.sessions, userID)
	}
}

func (r *WSRegistry) Name() string { return "websocket" }

// Send pushes the intent over the recipient's live socket, if any.
func (r *WSRegistry) Send(_ context.Context, rec Recipient, in Intent) error {
	r.mu.RLock()
	s, ok := r.sessions[rec.UserID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(in)
}
