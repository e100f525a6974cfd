package bootstrap

import (
	"github.com/eleven-am/speech-gateway/internal/health"
	"github.com/eleven-am/speech-gateway/internal/session"
	"github.com/eleven-am/speech-gateway/internal/synthesis"
	"github.com/eleven-am/speech-gateway/internal/voicesession"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

const version = "1.0.0"

func ProvideHealthHandler(
	cfg *Config,
	store *session.Store,
	sessions *voicesession.Manager,
	asr voicesession.ASRConfig,
	tts synthesis.Config,
) *health.Handler {
	return health.NewHandler(health.Config{
		Store:         store,
		Sessions:      sessions,
		ASR:           asr,
		TTS:           tts,
		RecordingsDir: cfg.RecordingsDir,
		Version:       version,
	})
}

func metricsMiddleware(h *health.Handler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h.IncrementRequests()
			h.IncrementConnections()
			defer h.DecrementConnections()
			return next(c)
		}
	}
}

func RegisterHealthRoutes(e *echo.Echo, h *health.Handler) {
	e.Use(metricsMiddleware(h))
	h.RegisterRoutes(e)
}

var HealthModule = fx.Options(
	fx.Provide(ProvideHealthHandler),
	fx.Invoke(RegisterHealthRoutes),
)
