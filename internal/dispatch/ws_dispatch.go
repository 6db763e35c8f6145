package dispatch

import (
	"context"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// WSSession is one connected driver socket.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds driver sessions and implements Publisher for the
// driver-notifications topic; other topics pass through untouched so it can
// sit inside a MultiPublisher.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, driverID)
}

func (r *WSRegistry) Publish(ctx context.Context, topic string, payload any) error {
	if topic != TopicDriverNotifications {
		return nil
	}
	note, ok := payload.(Notification)
	if !ok {
		return nil
	}
	r.mu.RLock()
	s, ok := r.sessions[note.RecipientID]
	r.mu.RUnlock()
	if !ok {
		// driver has no live socket; another transport carries the message
		return nil
	}
	if err := s.send(note); err != nil {
		log.Printf("ws send error: %v", err)
		return err
	}
	return nil
}
