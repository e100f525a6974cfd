package upstream

import (
	"encoding/json"
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("command queue closed")

type Command struct {
	Binary bool
	Data   []byte
}

func JSONCommand(v any) (Command, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Command{}, err
	}
	return Command{Data: data}, nil
}

func BinaryCommand(data []byte) Command {
	return Command{Binary: true, Data: data}
}

type Sender interface {
	Send(cmd Command) error
}

type SenderFunc func(cmd Command) error

func (f SenderFunc) Send(cmd Command) error {
	return f(cmd)
}

// Queue holds commands submitted before the upstream handshake completes and
// flushes them in submission order exactly once when MarkReady is called.
// After that, commands go straight to the sender. The lock is held across
// sends so a live command can never overtake a queued one.
type Queue struct {
	mu      sync.Mutex
	sender  Sender
	pending []Command
	ready   bool
	closed  bool
}

func NewQueue(sender Sender) *Queue {
	return &Queue{sender: sender}
}

func (q *Queue) Submit(cmd Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if !q.ready {
		q.pending = append(q.pending, cmd)
		return nil
	}
	return q.sender.Send(cmd)
}

// MarkReady flushes the pending commands. A send failure stops the flush and
// drops the remainder since the transport is unusable at that point.
func (q *Queue) MarkReady() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.ready {
		return nil
	}
	q.ready = true

	items := q.pending
	q.pending = nil
	for _, cmd := range items {
		if err := q.sender.Send(cmd); err != nil {
			return err
		}
	}
	return nil
}

// Clear drops anything still pending and rejects further submissions.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := len(q.pending)
	q.pending = nil
	q.closed = true
	q.ready = false
	return dropped
}

func (q *Queue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
