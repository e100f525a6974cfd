package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/eleven-am/speech-gateway/internal/audio"
	"github.com/eleven-am/speech-gateway/internal/metrics"
	"github.com/eleven-am/speech-gateway/internal/shared"
	"github.com/eleven-am/speech-gateway/internal/transport"
	"github.com/eleven-am/speech-gateway/internal/voicesession"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

type Handler struct {
	wsServer    *WSServer
	connections RateLimiterConfig
}

func NewHandler(wsServer *WSServer, connections RateLimiterConfig) *Handler {
	return &Handler{
		wsServer:    wsServer,
		connections: connections,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/audio", h.wsServer.HandleConnection, RateLimiter(h.connections))
}

type frameDetails struct {
	Expected int `json:"expected"`
	Got      int `json:"got"`
}

// clientHandler routes the messages of one connection. It runs on the read
// pump goroutine only.
type clientHandler struct {
	ctx      context.Context
	conn     *WSConnection
	sessions *voicesession.Manager
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	log      *slog.Logger

	// lastSession is the most recently started session on this connection;
	// tts commands without a session_id target it.
	lastSession string
}

func newClientHandler(ctx context.Context, conn *WSConnection, s *WSServer) *clientHandler {
	return &clientHandler{
		ctx:      ctx,
		conn:     conn,
		sessions: s.sessions,
		metrics:  s.metrics,
		limiter:  s.limits.newLimiter(),
		log:      conn.logger,
	}
}

func (h *clientHandler) handle(data []byte) {
	if !h.limiter.Allow() {
		h.fail(shared.NewAPIError(shared.CodeRateLimited, "too many messages"))
		return
	}

	msg, err := transport.DecodeClientMessage(data)
	if err != nil {
		h.metrics.ClientMessage("invalid")
		h.fail(shared.NewAPIError(shared.CodeBadJSON, "invalid json"))
		return
	}

	switch msg.Type {
	case transport.MessageTypeSessionStart:
		h.metrics.ClientMessage(string(msg.Type))
		h.startSession(msg)
	case transport.MessageTypeAudioFrame:
		h.metrics.ClientMessage(string(msg.Type))
		h.pushFrame(msg)
	case transport.MessageTypeSessionStop:
		h.metrics.ClientMessage(string(msg.Type))
		h.stopSession(msg)
	case transport.MessageTypeTTSStart, transport.MessageTypeTTSAppend,
		transport.MessageTypeTTSCommit, transport.MessageTypeTTSFinish:
		h.metrics.ClientMessage(string(msg.Type))
		h.tts(msg)
	default:
		h.metrics.ClientMessage("unknown")
		h.fail(shared.NewAPIError(shared.CodeBadMessage, fmt.Sprintf("unknown message type %q", msg.Type)))
	}
}

func (h *clientHandler) startSession(msg transport.ClientMessage) {
	if err := msg.NormalizeStart(); err != nil {
		h.fail(shared.NewAPIError(shared.CodeBadSession, err.Error()))
		return
	}

	resumed, err := h.sessions.Start(h.ctx, h.conn, voicesession.StartRequest{
		SessionID:                  msg.SessionID,
		SampleRate:                 msg.SampleRate,
		FrameMs:                    msg.FrameMs,
		Model:                      msg.Model,
		TranslationEnabled:         msg.TranslationEnabled,
		TranslationTargetLanguages: msg.TranslationTargetLanguages,
	})
	switch {
	case err == nil:
	case errors.Is(err, voicesession.ErrCaptureFailed):
		h.log.Error("open capture failed", "session_id", msg.SessionID, "error", err)
		h.failSession(msg.SessionID, shared.NewAPIError(shared.CodeCaptureFailed, "could not open capture file"))
		return
	case errors.Is(err, voicesession.ErrInvalidSessionID):
		h.fail(shared.NewAPIError(shared.CodeBadSession, "invalid session_id"))
		return
	default:
		h.failSession(msg.SessionID, shared.NewAPIError(shared.CodeBadSession, err.Error()))
		return
	}

	h.lastSession = msg.SessionID
	text := "session started"
	if resumed {
		text = "session resumed"
	}
	h.send(transport.Info(msg.SessionID, text))
}

func (h *clientHandler) pushFrame(msg transport.ClientMessage) {
	seq, payload, err := msg.Audio()
	if errors.Is(err, transport.ErrMissingSessionID) {
		h.fail(shared.NewAPIError(shared.CodeBadSession, err.Error()))
		return
	}
	if err != nil {
		h.failSession(msg.SessionID, shared.NewAPIError(shared.CodeBadFrame, err.Error()))
		return
	}

	res, err := h.sessions.PushFrame(msg.SessionID, seq, payload)
	switch {
	case err == nil:
	case errors.Is(err, voicesession.ErrSessionNotFound):
		h.failSession(msg.SessionID, shared.NewAPIError(shared.CodeBadSession, "no session"))
	case errors.Is(err, audio.ErrBadFrameSize):
		h.failSession(msg.SessionID, shared.NewAPIError(shared.CodeBadFrame, "bad frame size").
			WithDetails(frameDetails{Expected: res.Expected, Got: res.Got}))
	case errors.Is(err, voicesession.ErrCaptureFailed):
		h.failSession(msg.SessionID, shared.NewAPIError(shared.CodeCaptureFailed, "capture write failed, session stopped"))
	default:
		h.failSession(msg.SessionID, shared.NewAPIError(shared.CodeBadFrame, err.Error()))
	}
}

func (h *clientHandler) stopSession(msg transport.ClientMessage) {
	if msg.SessionID == "" {
		h.fail(shared.NewAPIError(shared.CodeBadSession, transport.ErrMissingSessionID.Error()))
		return
	}
	if !h.sessions.Stop(msg.SessionID) {
		h.log.Debug("stop for inactive session", "session_id", msg.SessionID)
	}
	if h.lastSession == msg.SessionID {
		h.lastSession = ""
	}
	h.send(transport.Info(msg.SessionID, "session stopped"))
}

func (h *clientHandler) tts(msg transport.ClientMessage) {
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = h.lastSession
	}
	if sessionID == "" {
		h.fail(shared.NewAPIError(shared.CodeBadSession, "no active session"))
		return
	}

	var err error
	switch msg.Type {
	case transport.MessageTypeTTSStart:
		err = h.sessions.StartTTS(sessionID, voicesession.TTSRequest{Voice: msg.Voice, Instructions: msg.Instructions})
	case transport.MessageTypeTTSAppend:
		err = h.sessions.AppendText(sessionID, msg.Text)
	case transport.MessageTypeTTSCommit:
		err = h.sessions.CommitText(sessionID)
	case transport.MessageTypeTTSFinish:
		err = h.sessions.FinishTTS(sessionID)
	}

	switch {
	case err == nil:
	case errors.Is(err, voicesession.ErrSessionNotFound):
		h.failSession(sessionID, shared.NewAPIError(shared.CodeBadSession, "no session"))
	default:
		h.failSession(sessionID, shared.NewAPIError(shared.CodeTTSError, err.Error()))
	}
}

func (h *clientHandler) send(msg transport.ServerMessage) {
	if err := h.conn.Send(msg); err != nil {
		h.log.Debug("drop outbound message", "type", msg.Type, "error", err)
	}
}

func (h *clientHandler) fail(apiErr *shared.APIError) {
	h.failSession("", apiErr)
}

func (h *clientHandler) failSession(sessionID string, apiErr *shared.APIError) {
	h.metrics.ClientError(apiErr.Code)
	msg := transport.Error(apiErr)
	msg.SessionID = sessionID
	h.send(msg)
}
