package synthesis

import "context"

type Synthesizer interface {
	Connect(ctx context.Context) error
	AppendText(text string) error
	Commit() error
	Finish() error
	Close() error
	Events() <-chan Event
}
