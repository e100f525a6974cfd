package bootstrap

import (
	"context"
	"log/slog"

	"github.com/eleven-am/speech-gateway/internal/metrics"
	"github.com/eleven-am/speech-gateway/internal/session"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

const metricsNamespace = "speech_gateway"

// ProvideRedisClient returns nil when REDIS_ADDR is unset; the session store
// then runs disabled.
func ProvideRedisClient(lc fx.Lifecycle, cfg *Config, logger *slog.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		logger.Info("redis not configured, usage counters disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				logger.Warn("redis unreachable", "addr", cfg.RedisAddr, "error", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

func ProvideSessionStore(client *redis.Client) *session.Store {
	return session.NewStore(client)
}

func ProvideMetrics() *metrics.Metrics {
	return metrics.New(metricsNamespace)
}

var InfrastructureModule = fx.Options(
	fx.Provide(
		ProvideRedisClient,
		ProvideSessionStore,
		ProvideMetrics,
	),
)
