// network/connection.go
package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrMalformed marks a frame that arrived intact but did not decode. The
// read loop reports it to the client and keeps the connection open.
var ErrMalformed = errors.New("malformed message")

// Connection abstracts the transport below the event-payload level so the
// session layer can be tested without a live websocket.
type Connection interface {
	WriteMessage(msg *ServerMessage) error
	ReadMessage() (*ClientMessage, error)
	Close() error
	RemoteAddr() net.Addr
	SetReadDeadline(d time.Duration)
}

// WSConnection carries the JSON protocol over a gorilla websocket, one text
// frame per message. Writes are serialized with a mutex because the session
// writer and close paths may race.
type WSConnection struct {
	conn      *websocket.Conn
	sendMutex sync.Mutex
	deadline  time.Duration
}

func NewWSConnection(conn *websocket.Conn) *WSConnection {
	return &WSConnection{conn: conn}
}

func (c *WSConnection) WriteMessage(msg *ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WSConnection) ReadMessage() (*ClientMessage, error) {
	if c.deadline > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.deadline))
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &msg, nil
}

func (c *WSConnection) SetReadDeadline(d time.Duration) {
	c.deadline = d
	c.conn.SetReadDeadline(time.Now().Add(d))
}

func (c *WSConnection) Close() error {
	return c.conn.Close()
}

func (c *WSConnection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
