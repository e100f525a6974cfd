package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eleven-am/speech-gateway/internal/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSConnection is one browser client. Only writePump writes to the socket;
// Send never blocks the caller.
type WSConnection struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger
	send   chan transport.ServerMessage
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewWSConnection(ws *websocket.Conn, logger *slog.Logger) *WSConnection {
	id := uuid.NewString()
	return &WSConnection{
		id:     id,
		ws:     ws,
		logger: logger.With("connection_id", id),
		send:   make(chan transport.ServerMessage, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *WSConnection) ID() string {
	return c.id
}

func (c *WSConnection) Send(msg transport.ServerMessage) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.send <- msg:
		return nil
	default:
		c.logger.Warn("send buffer full, dropping message", "type", msg.Type)
		return ErrSendBufferFull
	}
}

func (c *WSConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	return c.ws.Close()
}

func (c *WSConnection) readPump(handle func(data []byte)) {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return
		}
		handle(message)
	}
}

func (c *WSConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))

			data, err := json.Marshal(msg)
			if err != nil {
				c.logger.Error("failed to marshal message", "error", err)
				continue
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reject writes one message directly and closes the socket. It is only used
// before the pumps start.
func reject(ws *websocket.Conn, msg transport.ServerMessage) {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if data, err := json.Marshal(msg); err == nil {
		_ = ws.WriteMessage(websocket.TextMessage, data)
	}
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg.Message))
	_ = ws.Close()
}
