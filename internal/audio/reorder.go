package audio

import "errors"

const DefaultReorderWindow = 50

var ErrBadFrameSize = errors.New("bad frame size")

type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeStale
	OutcomeBadSize
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeStale:
		return "stale"
	case OutcomeBadSize:
		return "bad_size"
	default:
		return "unknown"
	}
}

type PushResult struct {
	Outcome   Outcome
	Delivered int64
	Expected  int
	Got       int
}

// ReorderBuffer turns an out-of-order stream of fixed-size frames into an
// ordered byte stream. It is not safe for concurrent use; the owning session
// serializes access.
type ReorderBuffer struct {
	frameBytes int
	window     int
	expected   int64
	pending    map[int64][]byte
	delivered  int64
	skipped    int64
	deliver    func([]byte) error
}

func FrameBytes(sampleRate, frameMs int) int {
	samples := (sampleRate*frameMs + 500) / 1000
	return samples * 2
}

// NewReorderBuffer creates a buffer for frames of frameBytes bytes. A
// frameBytes of zero disables the size check. deliver receives payloads in
// sequence order; a non-nil error stops the current delivery run and is
// returned from Push.
func NewReorderBuffer(frameBytes, window int, deliver func([]byte) error) *ReorderBuffer {
	if window <= 0 {
		window = DefaultReorderWindow
	}
	if deliver == nil {
		deliver = func([]byte) error { return nil }
	}
	return &ReorderBuffer{
		frameBytes: frameBytes,
		window:     window,
		pending:    make(map[int64][]byte),
		deliver:    deliver,
	}
}

func (b *ReorderBuffer) Push(seq int64, payload []byte) (PushResult, error) {
	if b.frameBytes > 0 && len(payload) != b.frameBytes {
		return PushResult{Outcome: OutcomeBadSize, Delivered: b.delivered, Expected: b.frameBytes, Got: len(payload)}, ErrBadFrameSize
	}

	if seq < b.expected {
		return PushResult{Outcome: OutcomeStale, Delivered: b.delivered}, nil
	}

	b.pending[seq] = payload

	if len(b.pending) > b.window {
		b.evict()
	}

	for {
		data, ok := b.pending[b.expected]
		if !ok {
			break
		}
		delete(b.pending, b.expected)
		b.expected++
		b.delivered++
		if err := b.deliver(data); err != nil {
			return PushResult{Outcome: OutcomeAccepted, Delivered: b.delivered}, err
		}
	}

	return PushResult{Outcome: OutcomeAccepted, Delivered: b.delivered}, nil
}

// evict makes room once the holding set exceeds the window. A gap before the
// smallest held frame is given up on rather than discarding held audio.
func (b *ReorderBuffer) evict() {
	first := true
	var minSeq int64
	for seq := range b.pending {
		if first || seq < minSeq {
			minSeq = seq
			first = false
		}
	}

	if minSeq > b.expected {
		b.skipped += minSeq - b.expected
		b.expected = minSeq
		return
	}
	delete(b.pending, minSeq)
}

func (b *ReorderBuffer) Expected() int64 {
	return b.expected
}

func (b *ReorderBuffer) Pending() int {
	return len(b.pending)
}

func (b *ReorderBuffer) Delivered() int64 {
	return b.delivered
}

func (b *ReorderBuffer) Skipped() int64 {
	return b.skipped
}
