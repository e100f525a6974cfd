package voicesession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/speech-gateway/internal/audio"
	"github.com/eleven-am/speech-gateway/internal/metrics"
	"github.com/eleven-am/speech-gateway/internal/session"
	"github.com/eleven-am/speech-gateway/internal/synthesis"
	"github.com/eleven-am/speech-gateway/internal/transport"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrCaptureFailed    = errors.New("capture failed")
	ErrManagerClosed    = errors.New("session manager closed")
)

type Manager struct {
	sessions map[string]*Session
	// starting holds ids whose capture file is being opened; it is closed once
	// the session is published or abandoned.
	starting map[string]chan struct{}
	mu       sync.RWMutex
	closed   bool
	log      *slog.Logger

	recordingsDir  string
	reorderWindow  int
	stopGrace      time.Duration
	asr            ASRConfig
	tts            synthesis.Config
	newTranscriber TranscriberFactory
	newSynthesizer SynthesizerFactory
	metrics        *metrics.Metrics
	store          *session.Store
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.RecordingsDir == "" {
		cfg.RecordingsDir = defaultRecordings
	}
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = audio.DefaultReorderWindow
	}
	if cfg.StopGrace < 0 {
		cfg.StopGrace = 0
	}
	if cfg.NewTranscriber == nil {
		cfg.NewTranscriber = defaultTranscriber
	}
	if cfg.NewSynthesizer == nil {
		cfg.NewSynthesizer = defaultSynthesizer
	}

	return &Manager{
		sessions:       make(map[string]*Session),
		starting:       make(map[string]chan struct{}),
		log:            cfg.Log.With("component", "voicesession_manager"),
		recordingsDir:  cfg.RecordingsDir,
		reorderWindow:  cfg.ReorderWindow,
		stopGrace:      cfg.StopGrace,
		asr:            cfg.ASR,
		tts:            cfg.TTS,
		newTranscriber: cfg.NewTranscriber,
		newSynthesizer: cfg.NewSynthesizer,
		metrics:        cfg.Metrics,
		store:          cfg.Store,
	}
}

// Start opens a session, or resumes it when the id is already active. A
// resume allocates nothing and moves event delivery to owner.
func (m *Manager) Start(ctx context.Context, owner transport.Connection, req StartRequest) (bool, error) {
	if !validSessionID(req.SessionID) {
		return false, ErrInvalidSessionID
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return false, ErrManagerClosed
		}
		if existing, ok := m.sessions[req.SessionID]; ok {
			m.mu.Unlock()
			existing.setOwner(owner)
			m.metrics.SessionStarted(true)
			m.recordPresence(ctx, session.FieldResumes)
			m.log.Info("voice session resumed", "session_id", req.SessionID, "connection_id", owner.ID())
			return true, nil
		}
		pending, ok := m.starting[req.SessionID]
		if !ok {
			break
		}
		m.mu.Unlock()
		select {
		case <-pending:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	ready := make(chan struct{})
	m.starting[req.SessionID] = ready
	m.mu.Unlock()

	s, err := m.newSession(owner, req)
	if err != nil {
		m.mu.Lock()
		delete(m.starting, req.SessionID)
		m.mu.Unlock()
		close(ready)
		return false, err
	}
	req.SampleRate = s.sampleRate
	asrCfg := m.asr.ResolveASR(req)
	s.model = asrCfg.Model
	s.protocol = asrCfg.Protocol.String()

	m.mu.Lock()
	delete(m.starting, req.SessionID)
	closed := m.closed
	if !closed {
		m.sessions[req.SessionID] = s
	}
	m.mu.Unlock()
	close(ready)
	if closed {
		s.stop(0)
		s.wait()
		return false, ErrManagerClosed
	}

	s.startASR(m.newTranscriber(asrCfg, s.log))

	m.metrics.SessionStarted(false)
	m.recordPresence(ctx, session.FieldSessions)
	presence := &session.Session{
		ID:           s.id,
		ConnectionID: owner.ID(),
		Model:        s.model,
		Protocol:     s.protocol,
		SampleRate:   s.sampleRate,
		FrameMs:      s.frameMs,
	}
	if err := m.withPresence(ctx, func(ctx context.Context) error {
		return m.store.CreateSession(ctx, presence)
	}); err != nil {
		m.log.Warn("record session presence", "session_id", s.id, "error", err)
	}

	m.log.Info("voice session created",
		"session_id", s.id,
		"connection_id", owner.ID(),
		"model", s.model,
		"protocol", s.protocol,
		"translation", asrCfg.TranslationEnabled,
	)
	return false, nil
}

func (m *Manager) newSession(owner transport.Connection, req StartRequest) (*Session, error) {
	sampleRate := req.SampleRate
	if sampleRate <= 0 {
		sampleRate = transport.DefaultSampleRate
	}
	frameMs := req.FrameMs
	if frameMs <= 0 {
		frameMs = transport.DefaultFrameMs
	}
	req.SampleRate, req.FrameMs = sampleRate, frameMs

	sink, err := audio.OpenWAV(capturePath(m.recordingsDir, req.SessionID), sampleRate, defaultCaptureChans)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         req.SessionID,
		sampleRate: sampleRate,
		frameMs:    frameMs,
		startedAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		log:        m.log.With("session_id", req.SessionID),
		stats:      m.metrics,
		owner:      owner,
		sink:       sink,
	}
	s.reorder = audio.NewReorderBuffer(audio.FrameBytes(sampleRate, frameMs), m.reorderWindow, s.deliver)
	return s, nil
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// PushFrame routes one client frame through the session's reorder buffer. A
// capture write failure tears the session down and returns ErrCaptureFailed.
func (m *Manager) PushFrame(sessionID string, seq int64, payload []byte) (audio.PushResult, error) {
	s, ok := m.Get(sessionID)
	if !ok {
		return audio.PushResult{}, ErrSessionNotFound
	}

	res, err := s.push(seq, payload)
	if err == nil || errors.Is(err, audio.ErrBadFrameSize) || errors.Is(err, ErrSessionNotFound) {
		return res, err
	}

	s.log.Error("capture failed, stopping session", "error", err)
	m.remove(s, session.StatusFailed)
	return res, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
}

// Stop tears down a session. It reports false when the session was not
// active, which makes a repeated stop a no-op.
func (m *Manager) Stop(sessionID string) bool {
	s, ok := m.Get(sessionID)
	if !ok {
		return false
	}
	return m.remove(s, session.StatusStopped)
}

// StopOwnedBy stops every session currently delivering to connID.
func (m *Manager) StopOwnedBy(connID string) int {
	m.mu.RLock()
	var owned []*Session
	for _, s := range m.sessions {
		if owner := s.Owner(); owner != nil && owner.ID() == connID {
			owned = append(owned, s)
		}
	}
	m.mu.RUnlock()

	stopped := 0
	for _, s := range owned {
		if m.remove(s, session.StatusStopped) {
			stopped++
		}
	}
	return stopped
}

func (m *Manager) remove(s *Session, status session.Status) bool {
	m.mu.Lock()
	current, ok := m.sessions[s.id]
	if !ok || current != s {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, s.id)
	m.mu.Unlock()

	if !s.stop(m.stopGrace) {
		return false
	}

	m.metrics.SessionStopped(time.Since(s.startedAt))
	counts := s.counters()
	if err := m.withPresence(context.Background(), func(ctx context.Context) error {
		return m.store.EndSession(ctx, s.id, status, counts[session.FieldFrames])
	}); err != nil {
		m.log.Debug("end session presence", "session_id", s.id, "error", err)
	}
	if err := m.withPresence(context.Background(), func(ctx context.Context) error {
		return m.store.IncrementMetrics(ctx, counts)
	}); err != nil {
		m.log.Debug("record session usage", "session_id", s.id, "error", err)
	}
	m.log.Info("voice session removed", "session_id", s.id, "status", status)
	return true
}

func (m *Manager) StartTTS(sessionID string, req TTSRequest) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	cfg := m.tts
	if req.Voice != "" {
		cfg.Voice = req.Voice
	}
	if req.Instructions != "" {
		cfg.Instructions = req.Instructions
	}
	tts := m.newSynthesizer(cfg, s.log)
	if err := s.startTTS(tts); err != nil {
		tts.Close()
		return err
	}
	return nil
}

func (m *Manager) AppendText(sessionID, text string) error {
	return m.withTTS(sessionID, func(tts synthesis.Synthesizer) error {
		return tts.AppendText(text)
	})
}

func (m *Manager) CommitText(sessionID string) error {
	return m.withTTS(sessionID, func(tts synthesis.Synthesizer) error {
		return tts.Commit()
	})
}

func (m *Manager) FinishTTS(sessionID string) error {
	return m.withTTS(sessionID, func(tts synthesis.Synthesizer) error {
		return tts.Finish()
	})
}

func (m *Manager) withTTS(sessionID string, fn func(synthesis.Synthesizer) error) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return s.withTTS(fn)
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Close stops every session and waits for their bridges to shut down.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.remove(s, session.StatusStopped)
	}
	for _, s := range sessions {
		s.wait()
	}
	return nil
}

func (m *Manager) recordPresence(ctx context.Context, field string) {
	if err := m.withPresence(ctx, func(ctx context.Context) error {
		return m.store.IncrementMetric(ctx, field, 1)
	}); err != nil {
		m.log.Debug("increment presence metric", "field", field, "error", err)
	}
}

// withPresence bounds a presence-store call so a slow Redis never stalls the
// audio path. The caller's cancellation does not abort the write.
func (m *Manager) withPresence(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceTimeout)
	defer cancel()
	return fn(ctx)
}
