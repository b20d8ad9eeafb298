package push

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the write side of one client's push channel. Implemented
// by the websocket adapter in production and by fakes in tests.
type Transport interface {
	WriteMessage(data []byte) error
	Close() error
}

// Pinger is implemented by transports that can emit a protocol-level
// ping. A peer answers pings automatically, so a silent but live client
// produces pong traffic and is not reaped as stale.
type Pinger interface {
	Ping() error
}

// Time allowed to complete one frame write to the peer.
const writeWait = 10 * time.Second

// wsTransport adapts a gorilla connection to the Transport interface.
// Gorilla connections allow one concurrent writer, so writes are
// serialized with a mutex.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketTransport wraps a websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Best-effort close frame before dropping the socket
	_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = t.conn.WriteMessage(websocket.CloseMessage, []byte{})
	return t.conn.Close()
}
