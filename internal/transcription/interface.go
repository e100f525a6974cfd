package transcription

import "context"

type Transcriber interface {
	Connect(ctx context.Context) error
	SendAudio(pcm []byte) error
	Finish() error
	Stop() error
	Events() <-chan Event
}
