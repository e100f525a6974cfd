package gateway

import (
	"context"
	"log/slog"

	"github.com/eleven-am/speech-gateway/internal/metrics"
	"github.com/eleven-am/speech-gateway/internal/shared"
	"github.com/eleven-am/speech-gateway/internal/transport"
	"github.com/eleven-am/speech-gateway/internal/voicesession"
	"github.com/labstack/echo/v4"
)

type WSServer struct {
	auth     TokenValidator
	sessions *voicesession.Manager
	metrics  *metrics.Metrics
	limits   MessageLimiterConfig
	logger   *slog.Logger
}

type WSServerConfig struct {
	Auth     TokenValidator
	Sessions *voicesession.Manager
	Metrics  *metrics.Metrics
	Limits   MessageLimiterConfig
	Logger   *slog.Logger
}

func NewWSServer(cfg WSServerConfig) *WSServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth == nil {
		cfg.Auth = NewAuthenticator(DefaultMinTokenLength)
	}
	return &WSServer{
		auth:     cfg.Auth,
		sessions: cfg.Sessions,
		metrics:  cfg.Metrics,
		limits:   cfg.Limits,
		logger:   cfg.Logger.With("component", "ws_server"),
	}
}

// HandleConnection upgrades the request, checks the token and serves the
// client until it disconnects. Sessions owned by the connection are stopped
// on the way out.
func (s *WSServer) HandleConnection(c echo.Context) error {
	token := c.QueryParam("token")

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return err
	}

	ctx := c.Request().Context()
	userID, err := s.auth.Validate(ctx, token)
	if err != nil {
		s.logger.Info("client rejected", "remote", c.RealIP(), "reason", err)
		s.metrics.ClientError(shared.CodeAuthFailed)
		reject(ws, transport.Errorf(shared.CodeAuthFailed, "%s", err.Error()))
		return nil
	}

	conn := NewWSConnection(ws, s.logger)
	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	s.logger.Info("client connected", "connection_id", conn.ID(), "user_id", userID, "remote", c.RealIP())

	go conn.writePump()
	_ = conn.Send(transport.Info("", "connected"))

	client := newClientHandler(context.WithoutCancel(ctx), conn, s)
	conn.readPump(client.handle)

	stopped := s.sessions.StopOwnedBy(conn.ID())
	s.logger.Info("client disconnected", "connection_id", conn.ID(), "sessions_stopped", stopped)
	return nil
}
