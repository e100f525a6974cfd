package voicesession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/speech-gateway/internal/audio"
	"github.com/eleven-am/speech-gateway/internal/metrics"
	"github.com/eleven-am/speech-gateway/internal/session"
	"github.com/eleven-am/speech-gateway/internal/shared"
	"github.com/eleven-am/speech-gateway/internal/synthesis"
	"github.com/eleven-am/speech-gateway/internal/transcription"
	"github.com/eleven-am/speech-gateway/internal/transport"
)

var errCapture = errors.New("capture write failed")

// Session is one active audio session. All mutations go through mu so frame
// ingestion, TTS commands and teardown for a session never interleave.
type Session struct {
	id         string
	sampleRate int
	frameMs    int
	model      string
	protocol   string
	startedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
	stats  *metrics.Metrics
	wg     sync.WaitGroup

	ownerMu sync.RWMutex
	owner   transport.Connection

	mu      sync.Mutex
	reorder *audio.ReorderBuffer
	sink    *audio.WAVSink
	asr     transcription.Transcriber
	tts     synthesis.Synthesizer
	stopped bool

	staleFrames    int64
	rejectedFrames int64
	upstreamErrors atomic.Int64
}

type SessionInfo struct {
	SessionID       string    `json:"session_id"`
	ConnectionID    string    `json:"connection_id"`
	Model           string    `json:"model"`
	Protocol        string    `json:"protocol"`
	SampleRate      int       `json:"sample_rate"`
	FrameMs         int       `json:"frame_ms"`
	FramesDelivered int64     `json:"frames_delivered"`
	FramesPending   int       `json:"frames_pending"`
	FramesSkipped   int64     `json:"frames_skipped"`
	CapturedBytes   uint32    `json:"captured_bytes"`
	TTSActive       bool      `json:"tts_active"`
	StartedAt       time.Time `json:"started_at"`
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Owner() transport.Connection {
	s.ownerMu.RLock()
	defer s.ownerMu.RUnlock()
	return s.owner
}

func (s *Session) setOwner(conn transport.Connection) {
	s.ownerMu.Lock()
	s.owner = conn
	s.ownerMu.Unlock()
}

func (s *Session) send(msg transport.ServerMessage) {
	owner := s.Owner()
	if owner == nil {
		return
	}
	if msg.Type == transport.MessageTypeServerError {
		s.stats.ClientError(msg.Code)
	}
	if err := owner.Send(msg); err != nil {
		s.log.Debug("drop outbound message", "type", msg.Type, "error", err)
	}
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		SessionID:       s.id,
		Model:           s.model,
		Protocol:        s.protocol,
		SampleRate:      s.sampleRate,
		FrameMs:         s.frameMs,
		FramesDelivered: s.reorder.Delivered(),
		FramesPending:   s.reorder.Pending(),
		FramesSkipped:   s.reorder.Skipped(),
		CapturedBytes:   s.sink.Bytes(),
		TTSActive:       s.tts != nil,
		StartedAt:       s.startedAt,
	}
	if owner := s.Owner(); owner != nil {
		info.ConnectionID = owner.ID()
	}
	return info
}

// deliver is the reorder buffer's sink: capture first, then ASR, in the order
// the buffer releases frames. Called with mu held.
func (s *Session) deliver(chunk []byte) error {
	if err := s.sink.Append(chunk); err != nil {
		return fmt.Errorf("%w: %w", errCapture, err)
	}
	s.stats.Captured(len(chunk))
	if s.asr != nil {
		if err := s.asr.SendAudio(chunk); err != nil {
			s.log.Debug("asr rejected audio", "error", err)
		}
	}
	return nil
}

func (s *Session) push(seq int64, payload []byte) (audio.PushResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return audio.PushResult{}, ErrSessionNotFound
	}

	deliveredBefore := s.reorder.Delivered()
	skippedBefore := s.reorder.Skipped()
	res, err := s.reorder.Push(seq, payload)
	switch res.Outcome {
	case audio.OutcomeStale:
		s.staleFrames++
	case audio.OutcomeBadSize:
		s.rejectedFrames++
	}
	s.stats.Frame(res.Outcome.String(),
		int(s.reorder.Delivered()-deliveredBefore),
		int(s.reorder.Skipped()-skippedBefore))
	return res, err
}

// counters returns the per-session totals recorded in the hourly usage hash.
func (s *Session) counters() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int64{
		session.FieldFrames:         s.reorder.Delivered(),
		session.FieldStaleFrames:    s.staleFrames,
		session.FieldRejectedFrames: s.rejectedFrames,
		session.FieldUpstreamErrors: s.upstreamErrors.Load(),
	}
}

// startASR attaches the transcriber and starts its connect and event pump.
// A session stopped before this point stops the transcriber instead.
func (s *Session) startASR(asr transcription.Transcriber) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		asr.Stop()
		return
	}
	s.asr = asr
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.pumpASR(asr)
	}()
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, connectTimeout)
		defer cancel()
		if err := asr.Connect(ctx); err != nil {
			if errors.Is(err, transcription.ErrStopped) || s.ctx.Err() != nil {
				return
			}
			s.log.Warn("asr connect failed", "error", err)
			s.upstreamError("asr", "connect")
			s.send(transport.Errorf(shared.CodeASRConnectFailed, "%s", err.Error()))
		}
	}()
}

func (s *Session) pumpASR(asr transcription.Transcriber) {
	for ev := range asr.Events() {
		s.stats.UpstreamEvent("asr", string(ev.Kind))
		switch ev.Kind {
		case transcription.EventPartial:
			s.send(transport.ServerMessage{Type: transport.MessageTypeASRPartial, SessionID: s.id, Text: ev.Text})
		case transcription.EventFinal:
			s.send(transport.ServerMessage{Type: transport.MessageTypeASRFinal, SessionID: s.id, Text: ev.Text})
		case transcription.EventTranslationPartial:
			s.send(transport.ServerMessage{Type: transport.MessageTypeASRTranslationPartial, SessionID: s.id, Text: ev.Text, Lang: ev.Lang})
		case transcription.EventTranslationFinal:
			s.send(transport.ServerMessage{Type: transport.MessageTypeASRTranslationFinal, SessionID: s.id, Text: ev.Text, Lang: ev.Lang})
		case transcription.EventError:
			s.upstreamError("asr", "stream")
			msg := transport.Errorf(shared.CodeASRError, "%v", ev.Err)
			msg.SessionID = s.id
			s.send(msg)
		}
	}
}

func (s *Session) upstreamError(bridge, stage string) {
	s.upstreamErrors.Add(1)
	s.stats.UpstreamError(bridge, stage)
}

var errTTSActive = errors.New("tts already started for session")

func (s *Session) startTTS(tts synthesis.Synthesizer) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.tts != nil {
		s.mu.Unlock()
		return errTTSActive
	}
	s.tts = tts
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.pumpTTS(tts)
	}()
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, connectTimeout)
		defer cancel()
		if err := tts.Connect(ctx); err != nil {
			if errors.Is(err, synthesis.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.log.Warn("tts connect failed", "error", err)
			s.upstreamError("tts", "connect")
			s.send(transport.ServerMessage{Type: transport.MessageTypeTTSError, SessionID: s.id, Message: err.Error()})
		}
	}()
	return nil
}

func (s *Session) pumpTTS(tts synthesis.Synthesizer) {
	for ev := range tts.Events() {
		s.stats.UpstreamEvent("tts", string(ev.Kind))
		switch ev.Kind {
		case synthesis.EventSession:
			s.send(transport.ServerMessage{Type: transport.MessageTypeTTSSession, SessionID: s.id, SampleRate: ev.SampleRate})
		case synthesis.EventAudio:
			s.send(transport.ServerMessage{
				Type:       transport.MessageTypeTTSAudioDelta,
				SessionID:  s.id,
				SampleRate: ev.SampleRate,
				Format:     ev.Format,
				AudioB64:   ev.Audio,
			})
		case synthesis.EventError:
			s.upstreamError("tts", "stream")
			s.send(transport.ServerMessage{Type: transport.MessageTypeTTSError, SessionID: s.id, Message: ev.Err.Error()})
		}
	}
}

var ErrTTSNotStarted = errors.New("tts not started for session")

func (s *Session) withTTS(fn func(synthesis.Synthesizer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSessionNotFound
	}
	if s.tts == nil {
		return ErrTTSNotStarted
	}
	return fn(s.tts)
}

// stop finalizes the capture and asks the bridges to finish. The transports
// are torn down after grace so terminal upstream events can still arrive.
// Only the first call does anything.
func (s *Session) stop(grace time.Duration) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.stopped = true
	if err := s.sink.Finalize(); err != nil {
		s.log.Error("finalize capture", "path", s.sink.Path(), "error", err)
	}
	asr, tts := s.asr, s.tts
	s.mu.Unlock()

	if asr != nil {
		if err := asr.Finish(); err != nil {
			s.log.Debug("asr finish", "error", err)
		}
	}
	if tts != nil {
		if err := tts.Finish(); err != nil {
			s.log.Debug("tts finish", "error", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if grace > 0 {
			timer := time.NewTimer(grace)
			<-timer.C
		}
		if asr != nil {
			asr.Stop()
		}
		if tts != nil {
			tts.Close()
		}
		s.cancel()
	}()
	return true
}

func (s *Session) wait() {
	s.wg.Wait()
}
