package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eleven-am/speech-gateway/internal/upstream"
	"github.com/gorilla/websocket"
)

var (
	ErrStopped          = errors.New("transcriber stopped")
	ErrAlreadyConnected = errors.New("transcriber already connected")
)

// protocol is one vendor wire format. A Client picks exactly one at
// construction and never switches.
type protocol interface {
	dialOptions(cfg Config) upstream.DialOptions
	open(c *Client) error
	audio(pcm []byte) (upstream.Command, error)
	handle(c *Client, binary bool, data []byte)
	finish(c *Client) error
}

type Client struct {
	cfg    Config
	proto  protocol
	log    *slog.Logger
	queue  *upstream.Queue
	events chan Event
	done   chan struct{}

	mu          sync.Mutex
	conn        *upstream.Conn
	state       upstream.State
	taskID      string
	loopStarted bool
	stopped     bool

	// emitMu guards eventsClosed; emit holds it shared so the channel is
	// never closed under a pending send.
	emitMu       sync.RWMutex
	eventsClosed bool
}

func New(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	cfg = normalizeConfig(cfg)

	c := &Client{
		cfg:    cfg,
		log:    log.With("component", "transcriber", "protocol", cfg.Protocol.String(), "model", cfg.Model),
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
		state:  upstream.StateDisconnected,
	}
	if cfg.Protocol == ProtocolDuplex {
		c.proto = &duplexProtocol{family: FamilyOf(cfg.Model)}
	} else {
		c.proto = &realtimeProtocol{}
	}
	c.queue = upstream.NewQueue(upstream.SenderFunc(c.write))
	return c
}

func (c *Client) Protocol() Protocol {
	return c.cfg.Protocol
}

func (c *Client) Config() Config {
	return c.cfg
}

func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) State() upstream.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) TaskID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskID
}

// Connect dials the upstream and performs the opening step of the protocol.
// It returns once the transport is open; readiness may arrive later.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.state != upstream.StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = upstream.StateConnecting
	c.mu.Unlock()

	c.log.Debug("connecting", "url", c.cfg.URL)
	conn, err := upstream.Dial(ctx, c.proto.dialOptions(c.cfg))
	if err != nil {
		c.setErrored()
		return fmt.Errorf("connect transcriber: %w", err)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		return ErrStopped
	}
	c.conn = conn
	c.loopStarted = true
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.proto.open(c); err != nil {
		c.setErrored()
		return fmt.Errorf("open transcriber session: %w", err)
	}
	return nil
}

func (c *Client) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	cmd, err := c.proto.audio(pcm)
	if err != nil {
		return err
	}
	return c.queue.Submit(cmd)
}

// Finish asks the upstream to wrap up. Results may still arrive afterwards.
func (c *Client) Finish() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.proto.finish(c)
}

// Stop closes the transport and drops queued audio. Safe to call more than
// once.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	conn := c.conn
	c.conn = nil
	loopStarted := c.loopStarted
	if c.state != upstream.StateErrored {
		c.state = upstream.StateClosing
	}
	close(c.done)
	c.mu.Unlock()

	if dropped := c.queue.Clear(); dropped > 0 {
		c.log.Debug("dropped queued audio on stop", "commands", dropped)
	}

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if !loopStarted {
		c.closeEventStream()
	}

	c.mu.Lock()
	if c.state == upstream.StateClosing {
		c.state = upstream.StateClosed
	}
	c.mu.Unlock()
	return err
}

func (c *Client) readLoop(conn *upstream.Conn) {
	defer c.closeEventStream()

	for {
		msgType, data, err := conn.Read()
		if err != nil {
			if c.isStopped() || upstream.IsClosedError(err) {
				c.log.Debug("upstream closed", "error", err)
				return
			}
			c.fail(fmt.Errorf("transcriber read: %w", err))
			return
		}
		c.proto.handle(c, msgType == websocket.BinaryMessage, data)
	}
}

func (c *Client) write(cmd upstream.Command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return upstream.ErrNotConnected
	}
	return conn.Send(cmd)
}

func (c *Client) sendDirect(v any) error {
	cmd, err := upstream.JSONCommand(v)
	if err != nil {
		return err
	}
	return c.write(cmd)
}

func (c *Client) markReady() {
	c.mu.Lock()
	if c.stopped || c.state == upstream.StateErrored {
		c.mu.Unlock()
		return
	}
	c.state = upstream.StateReady
	c.mu.Unlock()

	if err := c.queue.MarkReady(); err != nil {
		c.fail(fmt.Errorf("flush queued audio: %w", err))
	}
}

func (c *Client) fail(err error) {
	c.setErrored()
	c.log.Warn("transcriber error", "error", err)
	c.emit(Event{Kind: EventError, Err: err})
}

func (c *Client) closeEventStream() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if !c.eventsClosed {
		c.eventsClosed = true
		close(c.events)
	}
}

func (c *Client) emit(ev Event) {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// setErrored moves the client to its terminal error state. Queued audio is
// dropped and later SendAudio calls fail with upstream.ErrQueueClosed.
func (c *Client) setErrored() {
	c.setState(upstream.StateErrored)
	if dropped := c.queue.Clear(); dropped > 0 {
		c.log.Debug("dropped queued audio after error", "commands", dropped)
	}
}

func (c *Client) setState(s upstream.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
