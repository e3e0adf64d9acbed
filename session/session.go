// session/session.go
package session

import (
	"sync"
	"time"

	"github.com/Marcinkowski-D/dma-vtt/logger"
	"github.com/Marcinkowski-D/dma-vtt/models"
	"github.com/Marcinkowski-D/dma-vtt/network"
)

// Session represents one authenticated websocket connection. Outgoing
// messages go through a buffered outbox drained by a dedicated writer
// goroutine, so a slow reader never blocks the scene that produced the
// message.
type Session struct {
	ID        string
	Conn      network.Connection
	UserID    string
	Username  string
	Role      models.Role
	CreatedAt time.Time

	mutex   sync.RWMutex
	sceneID string

	outbox    chan *network.ServerMessage
	done      chan struct{}
	closeOnce sync.Once
}

func NewSession(id string, conn network.Connection, userID, username string, role models.Role, outboxSize int) *Session {
	s := &Session{
		ID:        id,
		Conn:      conn,
		UserID:    userID,
		Username:  username,
		Role:      role,
		CreatedAt: time.Now(),
		outbox:    make(chan *network.ServerMessage, outboxSize),
		done:      make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *Session) writeLoop() {
	for {
		select {
		case msg := <-s.outbox:
			if err := s.Conn.WriteMessage(msg); err != nil {
				logger.Log.Debugw("session write failed", "session", s.ID, "error", err)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// Enqueue queues a message for delivery. A full outbox means the client
// has stopped reading; the session is closed and false is returned so
// the caller can drop it from its recipient set.
func (s *Session) Enqueue(msg *network.ServerMessage) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbox <- msg:
		return true
	default:
		logger.Log.Warnw("session outbox full, disconnecting", "session", s.ID, "user", s.UserID)
		s.Close()
		return false
	}
}

func (s *Session) SceneID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.sceneID
}

func (s *Session) SetSceneID(sceneID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sceneID = sceneID
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.Conn.Close()
	})
	return err
}

// Registry tracks live sessions by ID.
type Registry struct {
	sessions map[string]*Session
	mutex    sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) Add(session *Session) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.sessions[session.ID] = session
}

func (r *Registry) Remove(sessionID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.sessions, sessionID)
}

func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	session, exists := r.sessions[sessionID]
	return session, exists
}

func (r *Registry) All() []*Session {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}

func (r *Registry) InScene(sceneID string) []*Session {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	var result []*Session
	for _, s := range r.sessions {
		if s.SceneID() == sceneID {
			result = append(result, s)
		}
	}
	return result
}

func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.sessions)
}
