package bootstrap

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerAddr string
	LogLevel   string

	RecordingsDir string
	ReorderWindow int
	StopGrace     time.Duration

	MinTokenLength  int
	ClientRateLimit float64
	ClientRateBurst int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DashScopeAPIKey         string
	DashScopeModel          string
	DashScopeURLInference   string
	DashScopeURLRealtime    string
	DashScopeLanguage       string
	DashScopeSourceLanguage string
	DashScopeAllowModels    []string
	DashScopeSessionUpdate  json.RawMessage

	VADEnabled   bool
	VADSilenceMs int
	VADThreshold float64

	FunASRSemanticPunctuation bool
	FunASRMaxSentenceSilence  int
	FunASRMultiThresholdMode  bool

	TranslationEnabled bool
	TranslationTargets []string

	TTSURL          string
	TTSModel        string
	TTSVoice        string
	TTSFormat       string
	TTSSampleRate   int
	TTSMode         string
	TTSInstructions string
}

// LoadConfig reads the environment after loading an optional .env file from
// the working directory.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		RecordingsDir: getEnv("RECORDINGS_DIR", "recordings"),
		ReorderWindow: getEnvInt("REORDER_WINDOW", 50),
		StopGrace:     time.Duration(getEnvInt("STOP_GRACE_MS", 500)) * time.Millisecond,

		MinTokenLength:  getEnvInt("MIN_TOKEN_LENGTH", 10),
		ClientRateLimit: getEnvFloat("CLIENT_RATE_LIMIT", 200),
		ClientRateBurst: getEnvInt("CLIENT_RATE_BURST", 400),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		DashScopeAPIKey:         getEnv("DASHSCOPE_API_KEY", ""),
		DashScopeModel:          getEnv("DASHSCOPE_MODEL", "fun-asr-realtime"),
		DashScopeURLInference:   getEnv("DASHSCOPE_URL_INFERENCE", "wss://dashscope.aliyuncs.com/api-ws/v1/inference"),
		DashScopeURLRealtime:    getEnv("DASHSCOPE_URL_REALTIME", "wss://dashscope.aliyuncs.com/api-ws/v1/realtime"),
		DashScopeLanguage:       getEnv("DASHSCOPE_LANGUAGE", "en"),
		DashScopeSourceLanguage: getEnv("DASHSCOPE_SOURCE_LANGUAGE", ""),
		DashScopeAllowModels:    getEnvList("DASHSCOPE_ALLOW_MODELS", []string{"fun-asr-realtime", "gummy-realtime-v1"}),
		DashScopeSessionUpdate:  getEnvJSON("DASHSCOPE_SESSION_UPDATE"),

		VADEnabled:   getEnvBool("DASHSCOPE_VAD", true),
		VADSilenceMs: getEnvInt("DASHSCOPE_VAD_SILENCE_MS", 400),
		VADThreshold: getEnvFloat("DASHSCOPE_VAD_THRESHOLD", 0),

		FunASRSemanticPunctuation: getEnvBool("DASHSCOPE_FUN_ASR_SEMANTIC_PUNCTUATION_ENABLED", false),
		FunASRMaxSentenceSilence:  getEnvInt("DASHSCOPE_FUN_ASR_MAX_SENTENCE_SILENCE_MS", 800),
		FunASRMultiThresholdMode:  getEnvBool("DASHSCOPE_FUN_ASR_MULTI_THRESHOLD_MODE_ENABLED", true),

		TranslationEnabled: getEnvBool("DASHSCOPE_TRANSLATION_ENABLED", true),
		TranslationTargets: getEnvList("DASHSCOPE_TRANSLATION_TARGET", []string{"en"}),

		TTSURL:          getEnv("QWEN_TTS_URL", "wss://dashscope.aliyuncs.com/api-ws/v1/realtime"),
		TTSModel:        getEnv("QWEN_TTS_MODEL", "qwen-tts-realtime"),
		TTSVoice:        getEnv("QWEN_TTS_VOICE", "Cherry"),
		TTSFormat:       getEnv("QWEN_TTS_FORMAT", "pcm"),
		TTSSampleRate:   getEnvInt("QWEN_TTS_SAMPLE_RATE", 24000),
		TTSMode:         getEnv("QWEN_TTS_MODE", "server_commit"),
		TTSInstructions: getEnv("QWEN_TTS_INSTRUCTIONS", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.EqualFold(value, "true")
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}

func getEnvJSON(key string) json.RawMessage {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	if !json.Valid([]byte(value)) {
		slog.Warn("ignoring invalid JSON in environment", "key", key)
		return nil
	}
	return json.RawMessage(value)
}
