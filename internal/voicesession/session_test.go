package voicesession

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/speech-gateway/internal/audio"
	"github.com/eleven-am/speech-gateway/internal/shared"
	"github.com/eleven-am/speech-gateway/internal/synthesis"
	"github.com/eleven-am/speech-gateway/internal/transcription"
	"github.com/eleven-am/speech-gateway/internal/transport"
)

type mockConnection struct {
	id string

	mu   sync.Mutex
	msgs []transport.ServerMessage
	sent chan transport.ServerMessage
}

func newMockConnection(id string) *mockConnection {
	return &mockConnection{id: id, sent: make(chan transport.ServerMessage, 256)}
}

func (m *mockConnection) ID() string { return m.id }

func (m *mockConnection) Send(msg transport.ServerMessage) error {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
	m.sent <- msg
	return nil
}

func (m *mockConnection) waitFor(t *testing.T, typ transport.MessageType) transport.ServerMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-m.sent:
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return transport.ServerMessage{}
		}
	}
}

func (m *mockConnection) count(typ transport.MessageType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.msgs {
		if msg.Type == typ {
			n++
		}
	}
	return n
}

type mockTranscriber struct {
	cfg        transcription.Config
	connectErr error
	events     chan transcription.Event
	connected  chan struct{}

	mu       sync.Mutex
	audio    [][]byte
	finishes int
	stops    int
	stopOnce sync.Once
}

func newMockTranscriber(cfg transcription.Config) *mockTranscriber {
	return &mockTranscriber{
		cfg:       cfg,
		events:    make(chan transcription.Event, 16),
		connected: make(chan struct{}),
	}
}

func (m *mockTranscriber) Connect(ctx context.Context) error {
	close(m.connected)
	return m.connectErr
}

func (m *mockTranscriber) SendAudio(chunk []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio = append(m.audio, append([]byte(nil), chunk...))
	return nil
}

func (m *mockTranscriber) Finish() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishes++
	return nil
}

func (m *mockTranscriber) Stop() error {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.events) })
	return nil
}

func (m *mockTranscriber) Events() <-chan transcription.Event {
	return m.events
}

func (m *mockTranscriber) received() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.audio...)
}

func (m *mockTranscriber) calls() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishes, m.stops
}

type mockSynthesizer struct {
	cfg    synthesis.Config
	events chan synthesis.Event

	mu        sync.Mutex
	texts     []string
	commits   int
	finishes  int
	closes    int
	closeOnce sync.Once
}

func newMockSynthesizer(cfg synthesis.Config) *mockSynthesizer {
	return &mockSynthesizer{cfg: cfg, events: make(chan synthesis.Event, 16)}
}

func (m *mockSynthesizer) Connect(ctx context.Context) error { return nil }

func (m *mockSynthesizer) AppendText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return nil
}

func (m *mockSynthesizer) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	return nil
}

func (m *mockSynthesizer) Finish() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishes++
	return nil
}

func (m *mockSynthesizer) Close() error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.events) })
	return nil
}

func (m *mockSynthesizer) Events() <-chan synthesis.Event {
	return m.events
}

type harness struct {
	mgr *Manager
	dir string

	mu           sync.Mutex
	transcribers []*mockTranscriber
	synthesizers []*mockSynthesizer
	connectErr   error
}

func newHarness(t *testing.T, asr ASRConfig) *harness {
	t.Helper()
	h := &harness{dir: t.TempDir()}
	h.mgr = NewManager(ManagerConfig{
		RecordingsDir: h.dir,
		StopGrace:     10 * time.Millisecond,
		ASR:           asr,
		TTS:           synthesis.Config{Voice: "Cherry"},
		NewTranscriber: func(cfg transcription.Config, log *slog.Logger) transcription.Transcriber {
			h.mu.Lock()
			defer h.mu.Unlock()
			tr := newMockTranscriber(cfg)
			tr.connectErr = h.connectErr
			h.transcribers = append(h.transcribers, tr)
			return tr
		},
		NewSynthesizer: func(cfg synthesis.Config, log *slog.Logger) synthesis.Synthesizer {
			h.mu.Lock()
			defer h.mu.Unlock()
			s := newMockSynthesizer(cfg)
			h.synthesizers = append(h.synthesizers, s)
			return s
		},
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() { h.mgr.Close() })
	return h
}

func (h *harness) transcriber(t *testing.T, i int) *mockTranscriber {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.transcribers) {
		t.Fatalf("transcriber %d not created", i)
	}
	return h.transcribers[i]
}

func (h *harness) synthesizer(t *testing.T, i int) *mockSynthesizer {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.synthesizers) {
		t.Fatalf("synthesizer %d not created", i)
	}
	return h.synthesizers[i]
}

func frame(b byte) []byte {
	return bytes.Repeat([]byte{b}, audio.FrameBytes(transport.DefaultSampleRate, transport.DefaultFrameMs))
}

func startSession(t *testing.T, h *harness, conn *mockConnection, id string) {
	t.Helper()
	resumed, err := h.mgr.Start(context.Background(), conn, StartRequest{SessionID: id})
	if err != nil {
		t.Fatalf("Start(%s): %v", id, err)
	}
	if resumed {
		t.Fatalf("Start(%s) reported a resume", id)
	}
}

func TestSession_FramesReachSinkAndASRInOrder(t *testing.T) {
	h := newHarness(t, ASRConfig{})
	conn := newMockConnection("c1")
	startSession(t, h, conn, "s1")

	for _, seq := range []int64{0, 2, 1, 3} {
		if _, err := h.mgr.PushFrame("s1", seq, frame(byte(seq))); err != nil {
			t.Fatalf("PushFrame(%d): %v", seq, err)
		}
	}

	got := h.transcriber(t, 0).received()
	if len(got) != 4 {
		t.Fatalf("asr received %d chunks, want 4", len(got))
	}
	for i, chunk := range got {
		if chunk[0] != byte(i) {
			t.Errorf("chunk %d carries frame %d", i, chunk[0])
		}
	}

	if !h.mgr.Stop("s1") {
		t.Fatal("Stop should report an active session")
	}
	data, err := os.ReadFile(filepath.Join(h.dir, "s1.wav"))
	if err != nil {
		t.Fatalf("read capture: %v", err)
	}
	size := len(frame(0))
	if len(data) != 44+4*size {
		t.Fatalf("capture size = %d", len(data))
	}
	for i := 0; i < 4; i++ {
		if data[44+i*size] != byte(i) {
			t.Errorf("capture frame %d out of order", i)
		}
	}
}

func TestSession_PushReportsOutcome(t *testing.T) {
	h := newHarness(t, ASRConfig{})
	startSession(t, h, newMockConnection("c1"), "s1")

	if _, err := h.mgr.PushFrame("s1", 0, frame(0)); err != nil {
		t.Fatalf("PushFrame: %v", err)
	}
	res, err := h.mgr.PushFrame("s1", 0, frame(0))
	if err != nil || res.Outcome != audio.OutcomeStale {
		t.Errorf("duplicate frame = %+v, %v", res, err)
	}

	res, err = h.mgr.PushFrame("s1", 1, []byte{1, 2, 3})
	if !errors.Is(err, audio.ErrBadFrameSize) {
		t.Fatalf("short frame err = %v", err)
	}
	if res.Expected != len(frame(0)) || res.Got != 3 {
		t.Errorf("bad size result = %+v", res)
	}
	if _, ok := h.mgr.Get("s1"); !ok {
		t.Error("bad frame size should not end the session")
	}
}

func TestSession_ASREventsForwarded(t *testing.T) {
	h := newHarness(t, ASRConfig{})
	conn := newMockConnection("c1")
	startSession(t, h, conn, "s1")
	tr := h.transcriber(t, 0)

	tr.events <- transcription.Event{Kind: transcription.EventPartial, Text: "ni"}
	tr.events <- transcription.Event{Kind: transcription.EventFinal, Text: "ni hao"}
	tr.events <- transcription.Event{Kind: transcription.EventTranslationFinal, Text: "hello", Lang: "en"}
	tr.events <- transcription.Event{Kind: transcription.EventError, Err: errors.New("upstream broke")}

	if msg := conn.waitFor(t, transport.MessageTypeASRPartial); msg.Text != "ni" || msg.SessionID != "s1" {
		t.Errorf("partial = %+v", msg)
	}
	if msg := conn.waitFor(t, transport.MessageTypeASRFinal); msg.Text != "ni hao" {
		t.Errorf("final = %+v", msg)
	}
	if msg := conn.waitFor(t, transport.MessageTypeASRTranslationFinal); msg.Text != "hello" || msg.Lang != "en" {
		t.Errorf("translation = %+v", msg)
	}
	msg := conn.waitFor(t, transport.MessageTypeServerError)
	if msg.Code != shared.CodeASRError || msg.SessionID != "s1" || msg.Message != "upstream broke" {
		t.Errorf("error = %+v", msg)
	}
}

func TestSession_ASRConnectFailureReported(t *testing.T) {
	h := newHarness(t, ASRConfig{})
	h.connectErr = errors.New("dial refused")
	conn := newMockConnection("c1")
	startSession(t, h, conn, "s1")

	msg := conn.waitFor(t, transport.MessageTypeServerError)
	if msg.Code != shared.CodeASRConnectFailed {
		t.Errorf("code = %s", msg.Code)
	}
	if _, ok := h.mgr.Get("s1"); !ok {
		t.Error("a failed upstream connect should not end the session")
	}
	if _, err := h.mgr.PushFrame("s1", 0, frame(0)); err != nil {
		t.Errorf("capture should continue: %v", err)
	}
}

func TestSession_StopFinishesThenClosesBridges(t *testing.T) {
	h := newHarness(t, ASRConfig{})
	startSession(t, h, newMockConnection("c1"), "s1")
	if err := h.mgr.StartTTS("s1", TTSRequest{}); err != nil {
		t.Fatalf("StartTTS: %v", err)
	}
	tr := h.transcriber(t, 0)
	syn := h.synthesizer(t, 0)

	s, _ := h.mgr.Get("s1")
	h.mgr.Stop("s1")

	if finishes, _ := tr.calls(); finishes != 1 {
		t.Errorf("asr finishes = %d", finishes)
	}
	s.wait()
	if _, stops := tr.calls(); stops != 1 {
		t.Errorf("asr stops = %d", stops)
	}
	syn.mu.Lock()
	defer syn.mu.Unlock()
	if syn.finishes != 1 || syn.closes != 1 {
		t.Errorf("tts finishes=%d closes=%d", syn.finishes, syn.closes)
	}
}

func TestSession_TerminalEventsDeliveredDuringGrace(t *testing.T) {
	h := newHarness(t, ASRConfig{})
	h.mgr.stopGrace = 200 * time.Millisecond
	conn := newMockConnection("c1")
	startSession(t, h, conn, "s1")
	tr := h.transcriber(t, 0)

	h.mgr.Stop("s1")
	tr.events <- transcription.Event{Kind: transcription.EventFinal, Text: "last words"}

	if msg := conn.waitFor(t, transport.MessageTypeASRFinal); msg.Text != "last words" {
		t.Errorf("final = %+v", msg)
	}
}

func TestSession_Info(t *testing.T) {
	h := newHarness(t, ASRConfig{})
	startSession(t, h, newMockConnection("c1"), "s1")
	h.mgr.PushFrame("s1", 0, frame(0))
	h.mgr.PushFrame("s1", 2, frame(2))

	s, _ := h.mgr.Get("s1")
	info := s.Info()
	if info.ConnectionID != "c1" || info.Model != DefaultModel || info.Protocol != "duplex" {
		t.Errorf("info = %+v", info)
	}
	if info.FramesDelivered != 1 || info.FramesPending != 1 {
		t.Errorf("frames delivered=%d pending=%d", info.FramesDelivered, info.FramesPending)
	}
	if info.CapturedBytes != uint32(len(frame(0))) {
		t.Errorf("captured = %d", info.CapturedBytes)
	}
	if info.SampleRate != transport.DefaultSampleRate || info.FrameMs != transport.DefaultFrameMs {
		t.Errorf("format = %d/%d", info.SampleRate, info.FrameMs)
	}
}

func TestSession_StartASRAfterStopStopsTranscriber(t *testing.T) {
	h := newHarness(t, ASRConfig{})
	s, err := h.mgr.newSession(newMockConnection("c1"), StartRequest{SessionID: "s1"})
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	s.stop(0)

	tr := newMockTranscriber(transcription.Config{})
	s.startASR(tr)
	s.wait()

	if finishes, stops := tr.calls(); finishes != 0 || stops != 1 {
		t.Errorf("finishes=%d stops=%d", finishes, stops)
	}
	s.mu.Lock()
	attached := s.asr != nil
	s.mu.Unlock()
	if attached {
		t.Error("stopped session should not keep the transcriber")
	}
	select {
	case <-tr.connected:
		t.Error("transcriber of a stopped session should not connect")
	default:
	}
}
