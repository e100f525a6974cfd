package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 15 * time.Second
	maxMessageSize   = 8 * 1024 * 1024
)

var (
	ErrMissingAPIKey = errors.New("missing upstream api key")
	ErrNotConnected  = errors.New("upstream not connected")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateClosing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

type DialOptions struct {
	URL    string
	APIKey string
	Header http.Header
	Query  map[string]string
}

func (o DialOptions) target() (string, error) {
	u, err := url.Parse(o.URL)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	if len(o.Query) > 0 {
		q := u.Query()
		for k, v := range o.Query {
			if v != "" {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Conn is a single upstream WebSocket. Writes are serialized; reads must come
// from one goroutine.
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var dialer = &websocket.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: handshakeTimeout,
}

func Dial(ctx context.Context, opts DialOptions) (*Conn, error) {
	if opts.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	target, err := opts.target()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	for k, vs := range opts.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	header.Set("Authorization", "Bearer "+opts.APIKey)

	ws, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial upstream: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial upstream: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)

	return &Conn{ws: ws}, nil
}

func (c *Conn) Send(cmd Command) error {
	msgType := websocket.TextMessage
	if cmd.Binary {
		msgType = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(msgType, cmd.Data)
}

func (c *Conn) SendJSON(v any) error {
	cmd, err := JSONCommand(v)
	if err != nil {
		return err
	}
	return c.Send(cmd)
}

func (c *Conn) Read() (int, []byte, error) {
	return c.ws.ReadMessage()
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// IsClosedError reports whether a read error is an orderly end of the stream
// rather than a transport failure.
func IsClosedError(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
