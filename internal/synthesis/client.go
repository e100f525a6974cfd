package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/eleven-am/speech-gateway/internal/shared"
	"github.com/eleven-am/speech-gateway/internal/upstream"
)

var (
	ErrClosed           = errors.New("synthesizer closed")
	ErrAlreadyConnected = errors.New("synthesizer already connected")
)

type sessionConfig struct {
	Voice                string `json:"voice,omitempty"`
	Mode                 string `json:"mode"`
	ResponseFormat       string `json:"response_format"`
	SampleRate           int    `json:"sample_rate"`
	Instructions         string `json:"instructions,omitempty"`
	OptimizeInstructions *bool  `json:"optimize_instructions,omitempty"`
}

type clientEvent struct {
	EventID string         `json:"event_id"`
	Type    string         `json:"type"`
	Session *sessionConfig `json:"session,omitempty"`
	Text    string         `json:"text,omitempty"`
}

type serverEvent struct {
	Type    string `json:"type"`
	Delta   string `json:"delta"`
	Session struct {
		SampleRate int `json:"sample_rate"`
	} `json:"session"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type Client struct {
	cfg    Config
	log    *slog.Logger
	queue  *upstream.Queue
	events chan Event
	done   chan struct{}

	mu          sync.Mutex
	conn        *upstream.Conn
	state       upstream.State
	sampleRate  int
	loopStarted bool
	closed      bool

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
		cfg:        cfg,
		log:        log.With("component", "synthesizer", "model", cfg.Model),
		events:     make(chan Event, cfg.EventBuffer),
		done:       make(chan struct{}),
		state:      upstream.StateDisconnected,
		sampleRate: cfg.SampleRate,
	}
	c.queue = upstream.NewQueue(upstream.SenderFunc(c.write))
	return c
}

func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) State() upstream.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SampleRate is the configured rate until the upstream acknowledges the
// session, and the acknowledged rate afterwards.
func (c *Client) SampleRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sampleRate
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != upstream.StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = upstream.StateConnecting
	c.mu.Unlock()

	conn, err := upstream.Dial(ctx, upstream.DialOptions{
		URL:    c.cfg.URL,
		APIKey: c.cfg.APIKey,
		Header: http.Header{"OpenAI-Beta": []string{"realtime=v1"}},
		Query:  map[string]string{"model": c.cfg.Model},
	})
	if err != nil {
		c.setErrored()
		return fmt.Errorf("connect synthesizer: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.loopStarted = true
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.sendDirect(clientEvent{
		EventID: shared.NewID("event_"),
		Type:    "session.update",
		Session: &sessionConfig{
			Voice:                c.cfg.Voice,
			Mode:                 c.cfg.Mode,
			ResponseFormat:       c.cfg.ResponseFormat,
			SampleRate:           c.cfg.SampleRate,
			Instructions:         c.cfg.Instructions,
			OptimizeInstructions: c.cfg.OptimizeInstructions,
		},
	}); err != nil {
		c.setErrored()
		return fmt.Errorf("configure synthesizer: %w", err)
	}
	return nil
}

func (c *Client) AppendText(text string) error {
	if text == "" {
		return nil
	}
	return c.submit(clientEvent{EventID: shared.NewID("event_"), Type: "input_text_buffer.append", Text: text})
}

func (c *Client) Commit() error {
	return c.submit(clientEvent{EventID: shared.NewID("event_"), Type: "input_text_buffer.commit"})
}

// Finish sends the terminal event straight to the transport. It is dropped
// when no transport is open.
func (c *Client) Finish() error {
	err := c.sendDirect(clientEvent{EventID: shared.NewID("event_"), Type: "session.finish"})
	if errors.Is(err, upstream.ErrNotConnected) {
		return nil
	}
	return err
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	loopStarted := c.loopStarted
	if c.state != upstream.StateErrored {
		c.state = upstream.StateClosed
	}
	close(c.done)
	c.mu.Unlock()

	if dropped := c.queue.Clear(); dropped > 0 {
		c.log.Debug("dropped queued text on close", "commands", dropped)
	}

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if !loopStarted {
		c.closeEventStream()
	}
	return err
}

func (c *Client) submit(ev clientEvent) error {
	cmd, err := upstream.JSONCommand(ev)
	if err != nil {
		return err
	}
	return c.queue.Submit(cmd)
}

func (c *Client) readLoop(conn *upstream.Conn) {
	defer c.closeEventStream()

	for {
		_, data, err := conn.Read()
		if err != nil {
			if c.isClosed() || upstream.IsClosedError(err) {
				return
			}
			c.fail(fmt.Errorf("synthesizer read: %w", err))
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var msg serverEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "session.created", "session.updated":
		c.mu.Lock()
		if msg.Session.SampleRate > 0 {
			c.sampleRate = msg.Session.SampleRate
		}
		rate := c.sampleRate
		alreadyReady := c.state == upstream.StateReady
		if !c.closed && c.state != upstream.StateErrored {
			c.state = upstream.StateReady
		}
		c.mu.Unlock()

		c.log.Debug("session acknowledged", "type", msg.Type, "sample_rate", rate)
		c.emit(Event{Kind: EventSession, SampleRate: rate})
		if !alreadyReady {
			if err := c.queue.MarkReady(); err != nil {
				c.fail(fmt.Errorf("flush queued text: %w", err))
			}
		}
	case "response.audio.delta":
		if msg.Delta == "" {
			return
		}
		c.emit(Event{Kind: EventAudio, Audio: msg.Delta, SampleRate: c.SampleRate(), Format: c.cfg.ResponseFormat})
	case "error":
		message := "tts error"
		if msg.Error != nil && msg.Error.Message != "" {
			message = msg.Error.Message
		}
		c.emit(Event{Kind: EventError, Err: errors.New(message)})
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

func (c *Client) sendDirect(ev clientEvent) error {
	cmd, err := upstream.JSONCommand(ev)
	if err != nil {
		return err
	}
	return c.write(cmd)
}

func (c *Client) fail(err error) {
	c.setErrored()
	c.log.Warn("synthesizer error", "error", err)
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

// setErrored moves the client to its terminal error state and drops queued
// text so later submissions fail with upstream.ErrQueueClosed.
func (c *Client) setErrored() {
	c.setState(upstream.StateErrored)
	if dropped := c.queue.Clear(); dropped > 0 {
		c.log.Debug("dropped queued text after error", "commands", dropped)
	}
}

func (c *Client) setState(s upstream.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
