package streaming

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketPacketConn carries frames as binary WebSocket messages, one frame
// per message. It is a point-to-point net.PacketConn: every frame read comes
// from the remote end and WriteTo ignores its address. Unlike UDP the
// underlying channel is reliable, which is useful where only HTTP gets
// through; the engine above works unchanged.
type WebSocketPacketConn struct {
	conn *websocket.Conn

	// gorilla/websocket allows one concurrent writer.
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

var _ net.PacketConn = (*WebSocketPacketConn)(nil)

// NewWebSocketPacketConn wraps an established WebSocket connection.
func NewWebSocketPacketConn(conn *websocket.Conn) *WebSocketPacketConn {
	return &WebSocketPacketConn{conn: conn}
}

// DialWebSocket connects to a WebSocket URL such as "ws://host:8080/streams".
func DialWebSocket(url string) (*WebSocketPacketConn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", url, err)
	}
	log.Debug().Str("url", url).Msg("websocket dialed")
	return NewWebSocketPacketConn(conn), nil
}

// WebSocketHandler is an http.Handler upgrading every request and handing the
// resulting packet connection to Serve, typically to run an Endpoint on it.
type WebSocketHandler struct {
	Upgrader websocket.Upgrader
	Serve    func(*WebSocketPacketConn)
}

// ServeHTTP implements http.Handler.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	h.Serve(NewWebSocketPacketConn(conn))
}

// ReadFrom reads the next binary message. Other message types are skipped. A
// message longer than p is discarded with ErrFrameTooLarge rather than
// truncated.
func (c *WebSocketPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, nil, net.ErrClosed
			}
			return 0, nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if len(data) > len(p) {
			return 0, c.conn.RemoteAddr(), fmt.Errorf("%w: %d bytes, buffer holds %d", ErrFrameTooLarge, len(data), len(p))
		}
		return copy(p, data), c.conn.RemoteAddr(), nil
	}
}

// WriteTo sends p as one binary message.
func (c *WebSocketPacketConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close message and closes the connection.
func (c *WebSocketPacketConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()

		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

func (c *WebSocketPacketConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *WebSocketPacketConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *WebSocketPacketConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *WebSocketPacketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *WebSocketPacketConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
