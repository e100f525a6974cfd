package bootstrap

import (
	"context"
	"log/slog"

	"github.com/eleven-am/speech-gateway/internal/gateway"
	"github.com/eleven-am/speech-gateway/internal/metrics"
	"github.com/eleven-am/speech-gateway/internal/session"
	"github.com/eleven-am/speech-gateway/internal/synthesis"
	"github.com/eleven-am/speech-gateway/internal/transcription"
	"github.com/eleven-am/speech-gateway/internal/voicesession"
	"go.uber.org/fx"
)

func ProvideASRConfig(cfg *Config) voicesession.ASRConfig {
	semantic := cfg.FunASRSemanticPunctuation
	silence := cfg.FunASRMaxSentenceSilence
	multi := cfg.FunASRMultiThresholdMode
	transcribe := true

	return voicesession.ASRConfig{
		Base: transcription.Config{
			APIKey:         cfg.DashScopeAPIKey,
			Format:         "pcm",
			Language:       cfg.DashScopeLanguage,
			SourceLanguage: cfg.DashScopeSourceLanguage,
			VAD: transcription.VADConfig{
				Enabled:   cfg.VADEnabled,
				SilenceMs: cfg.VADSilenceMs,
				Threshold: cfg.VADThreshold,
			},
			TranscriptionEnabled: &transcribe,
			FunASR: transcription.FunASRConfig{
				SemanticPunctuationEnabled: &semantic,
				MaxSentenceSilenceMs:       &silence,
				MultiThresholdModeEnabled:  &multi,
			},
			SessionUpdateTemplate: cfg.DashScopeSessionUpdate,
		},
		URLRealtime:        cfg.DashScopeURLRealtime,
		URLInference:       cfg.DashScopeURLInference,
		DefaultModel:       cfg.DashScopeModel,
		AllowModels:        cfg.DashScopeAllowModels,
		TranslationEnabled: cfg.TranslationEnabled,
		TranslationTargets: cfg.TranslationTargets,
	}
}

func ProvideTTSConfig(cfg *Config) synthesis.Config {
	return synthesis.Config{
		APIKey:         cfg.DashScopeAPIKey,
		URL:            cfg.TTSURL,
		Model:          cfg.TTSModel,
		Voice:          cfg.TTSVoice,
		ResponseFormat: cfg.TTSFormat,
		SampleRate:     cfg.TTSSampleRate,
		Mode:           cfg.TTSMode,
		Instructions:   cfg.TTSInstructions,
	}
}

func ProvideGatewayConfig(cfg *Config) gateway.Config {
	return gateway.Config{
		MinTokenLength: cfg.MinTokenLength,
		Messages: gateway.MessageLimiterConfig{
			MessagesPerSecond: cfg.ClientRateLimit,
			Burst:             cfg.ClientRateBurst,
		},
		Connections: gateway.DefaultRateLimiterConfig(),
	}
}

type ManagerParams struct {
	fx.In

	Config  *Config
	ASR     voicesession.ASRConfig
	TTS     synthesis.Config
	Metrics *metrics.Metrics
	Store   *session.Store
	Logger  *slog.Logger
}

func ProvideVoiceSessionManager(lc fx.Lifecycle, params ManagerParams) *voicesession.Manager {
	mgr := voicesession.NewManager(voicesession.ManagerConfig{
		RecordingsDir: params.Config.RecordingsDir,
		ReorderWindow: params.Config.ReorderWindow,
		StopGrace:     params.Config.StopGrace,
		ASR:           params.ASR,
		TTS:           params.TTS,
		Metrics:       params.Metrics,
		Store:         params.Store,
		Log:           params.Logger,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mgr.Close()
		},
	})
	return mgr
}

var VoiceModule = fx.Options(
	fx.Provide(
		ProvideASRConfig,
		ProvideTTSConfig,
		ProvideGatewayConfig,
		ProvideVoiceSessionManager,
	),
)
