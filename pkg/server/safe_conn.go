package server

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/parlor/pkg/protocol"
)

const writeWait = 10 * time.Second

// SafeConn wraps a *websocket.Conn with write synchronization.
//
// Request handlers and broadcasts to other sessions write to the same
// connection from different goroutines; gorilla/websocket allows at most one
// concurrent writer.
type SafeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a WebSocket connection with write synchronization
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{
		conn: conn,
	}
}

// Send encodes an event and writes it as one text message.
func (sc *SafeConn) Send(typ string, payload any) error {
	data, err := protocol.Encode(typ, payload)
	if err != nil {
		return err
	}
	return sc.WriteBytes(data)
}

// WriteBytes writes a pre-encoded envelope. Used for broadcasts, which encode once.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a WebSocket ping control frame.
func (sc *SafeConn) Ping() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// ReadMessage reads the next data message from the connection.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadMessage() ([]byte, error) {
	_, data, err := sc.conn.ReadMessage()
	return data, err
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
