package voicesession

import (
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/eleven-am/speech-gateway/internal/metrics"
	"github.com/eleven-am/speech-gateway/internal/session"
	"github.com/eleven-am/speech-gateway/internal/synthesis"
	"github.com/eleven-am/speech-gateway/internal/transcription"
)

const (
	DefaultStopGrace    = 500 * time.Millisecond
	DefaultModel        = "fun-asr-realtime"
	defaultRecordings   = "recordings"
	connectTimeout      = 15 * time.Second
	presenceTimeout     = 2 * time.Second
	defaultASRLanguage  = "zh"
	defaultCaptureChans = 1
)

var DefaultAllowModels = []string{"fun-asr-realtime", "gummy-realtime-v1"}

// ASRConfig is the server-side ASR policy. Base carries the settings shared by
// every session; model, endpoint, rate and translation are resolved per start.
type ASRConfig struct {
	Base               transcription.Config
	URLRealtime        string
	URLInference       string
	DefaultModel       string
	AllowModels        []string
	TranslationEnabled bool
	TranslationTargets []string
}

type TranscriberFactory func(cfg transcription.Config, log *slog.Logger) transcription.Transcriber

type SynthesizerFactory func(cfg synthesis.Config, log *slog.Logger) synthesis.Synthesizer

type ManagerConfig struct {
	RecordingsDir string
	ReorderWindow int
	StopGrace     time.Duration

	ASR ASRConfig
	TTS synthesis.Config

	NewTranscriber TranscriberFactory
	NewSynthesizer SynthesizerFactory

	Metrics *metrics.Metrics
	Store   *session.Store
	Log     *slog.Logger
}

func defaultTranscriber(cfg transcription.Config, log *slog.Logger) transcription.Transcriber {
	return transcription.New(cfg, log)
}

func defaultSynthesizer(cfg synthesis.Config, log *slog.Logger) synthesis.Synthesizer {
	return synthesis.New(cfg, log)
}

type StartRequest struct {
	SessionID                  string
	SampleRate                 int
	FrameMs                    int
	Model                      string
	TranslationEnabled         *bool
	TranslationTargetLanguages []string
}

type TTSRequest struct {
	Voice        string
	Instructions string
}

// ResolveASR builds the transcription config for one session start. Unknown
// models fall back to the default. Translation is only requested for a
// translation-capable family and only with a target language; the client's
// flag and target list override the server defaults.
func (c ASRConfig) ResolveASR(req StartRequest) transcription.Config {
	defaultModel := c.DefaultModel
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	allow := c.AllowModels
	if len(allow) == 0 {
		allow = DefaultAllowModels
	}

	model := defaultModel
	if req.Model != "" && slices.Contains(allow, req.Model) {
		model = req.Model
	}

	cfg := c.Base
	cfg.Model = model
	cfg.SampleRate = req.SampleRate
	cfg.Format = "pcm"
	if cfg.Language == "" {
		cfg.Language = defaultASRLanguage
	}
	transcribe := true
	cfg.TranscriptionEnabled = &transcribe

	family := transcription.FamilyOf(model)
	if family != transcription.FamilyGeneric {
		cfg.Protocol = transcription.ProtocolDuplex
		cfg.URL = c.URLInference
	} else {
		cfg.Protocol = transcription.ProtocolRealtime
		cfg.URL = c.URLRealtime
	}

	enabled := c.TranslationEnabled
	if req.TranslationEnabled != nil {
		enabled = *req.TranslationEnabled
	}
	targets := cleanLanguages(req.TranslationTargetLanguages)
	if len(targets) == 0 {
		targets = cleanLanguages(c.TranslationTargets)
	}
	if len(targets) > 1 {
		targets = targets[:1]
	}

	cfg.TranslationEnabled = family.SupportsTranslation() && enabled && len(targets) > 0
	cfg.TranslationTargetLanguages = nil
	if cfg.TranslationEnabled {
		cfg.TranslationTargetLanguages = targets
	}
	return cfg
}

func cleanLanguages(in []string) []string {
	var out []string
	for _, l := range in {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func validSessionID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

func capturePath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".wav")
}
