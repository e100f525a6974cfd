package synthesis

type EventKind string

const (
	EventSession EventKind = "session"
	EventAudio   EventKind = "audio"
	EventError   EventKind = "error"
)

// Event is one inbound TTS notification. Audio carries the base64 delta
// exactly as the upstream sent it.
type Event struct {
	Kind       EventKind
	Audio      string
	SampleRate int
	Format     string
	Err        error
}

type Config struct {
	APIKey string
	URL    string
	Model  string

	Voice                string
	ResponseFormat       string
	SampleRate           int
	Mode                 string
	Instructions         string
	OptimizeInstructions *bool

	EventBuffer int
}

const (
	defaultResponseFormat = "pcm"
	defaultSampleRate     = 24000
	defaultMode           = "server_commit"
	defaultEventBuffer    = 256
)

func normalizeConfig(cfg Config) Config {
	if cfg.ResponseFormat == "" {
		cfg.ResponseFormat = defaultResponseFormat
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Mode == "" {
		cfg.Mode = defaultMode
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	return cfg
}
