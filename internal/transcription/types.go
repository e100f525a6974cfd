package transcription

import (
	"encoding/json"
	"strings"
)

type Protocol int

const (
	ProtocolAuto Protocol = iota
	ProtocolRealtime
	ProtocolDuplex
)

func (p Protocol) String() string {
	switch p {
	case ProtocolRealtime:
		return "realtime"
	case ProtocolDuplex:
		return "duplex"
	default:
		return "auto"
	}
}

func ParseProtocol(s string) Protocol {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "realtime":
		return ProtocolRealtime
	case "duplex", "inference":
		return ProtocolDuplex
	default:
		return ProtocolAuto
	}
}

const inferencePath = "/api-ws/v1/inference"

// ResolveProtocol picks the wire protocol for a configuration: an explicit
// choice wins, then the endpoint path, then the model name.
func ResolveProtocol(cfg Config) Protocol {
	if cfg.Protocol != ProtocolAuto {
		return cfg.Protocol
	}
	if strings.Contains(cfg.URL, inferencePath) {
		return ProtocolDuplex
	}
	if FamilyOf(cfg.Model) != FamilyGeneric {
		return ProtocolDuplex
	}
	return ProtocolRealtime
}

type Family int

const (
	FamilyGeneric Family = iota
	FamilyFunASR
	FamilyGummy
)

func FamilyOf(model string) Family {
	switch {
	case strings.HasPrefix(model, "gummy-"):
		return FamilyGummy
	case strings.HasPrefix(model, "fun-asr-"):
		return FamilyFunASR
	default:
		return FamilyGeneric
	}
}

func (f Family) SupportsTranslation() bool {
	return f == FamilyGummy
}

type EventKind string

const (
	EventPartial            EventKind = "partial"
	EventFinal              EventKind = "final"
	EventTranslationPartial EventKind = "translation.partial"
	EventTranslationFinal   EventKind = "translation.final"
	EventError              EventKind = "error"
)

type Event struct {
	Kind EventKind
	Text string
	Lang string
	Err  error
}

type VADConfig struct {
	Enabled   bool
	SilenceMs int
	Threshold float64
}

// FunASRConfig carries the fun-asr tuning knobs. Nil fields are left out of
// the task parameters.
type FunASRConfig struct {
	SemanticPunctuationEnabled *bool
	MaxSentenceSilenceMs       *int
	MultiThresholdModeEnabled  *bool
}

type Config struct {
	APIKey   string
	URL      string
	Model    string
	Protocol Protocol

	SampleRate     int
	Format         string
	Language       string
	SourceLanguage string
	VAD            VADConfig

	TranscriptionEnabled       *bool
	TranslationEnabled         bool
	TranslationTargetLanguages []string

	FunASR FunASRConfig

	// SessionUpdateTemplate, when set, is sent verbatim instead of the
	// generated session.update event on realtime connections.
	SessionUpdateTemplate json.RawMessage

	EventBuffer int
}

const (
	defaultSampleRate  = 16000
	defaultFormat      = "pcm"
	defaultLanguage    = "zh"
	defaultEventBuffer = 64
)

func normalizeConfig(cfg Config) Config {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Format == "" {
		cfg.Format = defaultFormat
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.TranscriptionEnabled == nil {
		enabled := true
		cfg.TranscriptionEnabled = &enabled
	}
	cfg.Protocol = ResolveProtocol(cfg)
	return cfg
}

// TaskFailedError is reported when the duplex upstream rejects or aborts a
// task.
type TaskFailedError struct {
	Code    string
	Message string
}

func (e *TaskFailedError) Error() string {
	return e.Message
}
