package gateway

import (
	"log/slog"

	"github.com/eleven-am/speech-gateway/internal/metrics"
	"github.com/eleven-am/speech-gateway/internal/voicesession"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

type Config struct {
	MinTokenLength int
	Messages       MessageLimiterConfig
	Connections    RateLimiterConfig
}

func ProvideAuthenticator(cfg Config) *Authenticator {
	return NewAuthenticator(cfg.MinTokenLength)
}

func ProvideWSServer(
	cfg Config,
	auth *Authenticator,
	sessions *voicesession.Manager,
	m *metrics.Metrics,
	logger *slog.Logger,
) *WSServer {
	return NewWSServer(WSServerConfig{
		Auth:     auth,
		Sessions: sessions,
		Metrics:  m,
		Limits:   cfg.Messages,
		Logger:   logger,
	})
}

func ProvideHandler(cfg Config, wsServer *WSServer) *Handler {
	return NewHandler(wsServer, cfg.Connections)
}

func RegisterRoutes(e *echo.Echo, h *Handler) {
	h.RegisterRoutes(e.Group("/ws"))
}

var Module = fx.Options(
	fx.Provide(
		ProvideAuthenticator,
		ProvideWSServer,
		ProvideHandler,
	),
	fx.Invoke(RegisterRoutes),
)
