package session

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Envelope is the wire shape for every pushed event.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// WSChannel wraps a websocket connection as a Channel. gorilla conns do
// not allow concurrent writers, hence the mutex.
type WSChannel struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSChannel(conn *websocket.Conn) *WSChannel {
	return &WSChannel{conn: conn}
}

func (c *WSChannel) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(Envelope{Event: event, Payload: payload})
}

func (c *WSChannel) Close() error {
	return c.conn.Close()
}
