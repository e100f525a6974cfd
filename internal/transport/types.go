package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/eleven-am/speech-gateway/internal/shared"
)

type MessageType string

const (
	MessageTypeSessionStart MessageType = "session.start"
	MessageTypeAudioFrame   MessageType = "audio.frame"
	MessageTypeSessionStop  MessageType = "session.stop"
	MessageTypeTTSStart     MessageType = "tts.start"
	MessageTypeTTSAppend    MessageType = "tts.append"
	MessageTypeTTSCommit    MessageType = "tts.commit"
	MessageTypeTTSFinish    MessageType = "tts.finish"

	MessageTypeServerInfo            MessageType = "server.info"
	MessageTypeServerError           MessageType = "server.error"
	MessageTypeASRPartial            MessageType = "asr.partial"
	MessageTypeASRFinal              MessageType = "asr.final"
	MessageTypeASRTranslationPartial MessageType = "asr.translation.partial"
	MessageTypeASRTranslationFinal   MessageType = "asr.translation.final"
	MessageTypeTTSSession            MessageType = "tts.session"
	MessageTypeTTSAudioDelta         MessageType = "tts.audio.delta"
	MessageTypeTTSError              MessageType = "tts.error"
)

var (
	ErrMissingSessionID = errors.New("missing session_id")
	ErrMissingSeq       = errors.New("missing seq")
	ErrBadAudio         = errors.New("audio_b64 is not valid base64")
	ErrBadAudioFormat   = errors.New("sample_rate and frame_ms must not be negative")
)

// ClientMessage is every inbound message shape flattened into one struct;
// which fields matter depends on Type.
type ClientMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`

	SampleRate                 int      `json:"sample_rate,omitempty"`
	FrameMs                    int      `json:"frame_ms,omitempty"`
	Model                      string   `json:"model,omitempty"`
	TranslationEnabled         *bool    `json:"translation_enabled,omitempty"`
	TranslationTargetLanguages []string `json:"translation_target_languages,omitempty"`

	Seq      *int64 `json:"seq,omitempty"`
	AudioB64 string `json:"audio_b64,omitempty"`

	Text         string `json:"text,omitempty"`
	Voice        string `json:"voice,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	return msg, nil
}

// Audio validates an audio.frame message and returns its sequence number and
// decoded payload.
func (m ClientMessage) Audio() (int64, []byte, error) {
	if m.SessionID == "" {
		return 0, nil, ErrMissingSessionID
	}
	if m.Seq == nil {
		return 0, nil, ErrMissingSeq
	}
	payload, err := base64.StdEncoding.DecodeString(m.AudioB64)
	if err != nil {
		return 0, nil, ErrBadAudio
	}
	return *m.Seq, payload, nil
}

const (
	DefaultSampleRate = 16000
	DefaultFrameMs    = 20
)

// NormalizeStart validates a session.start message and fills in the default
// audio format when the client left it out.
func (m *ClientMessage) NormalizeStart() error {
	if m.SessionID == "" {
		return ErrMissingSessionID
	}
	if m.SampleRate < 0 || m.FrameMs < 0 {
		return ErrBadAudioFormat
	}
	if m.SampleRate == 0 {
		m.SampleRate = DefaultSampleRate
	}
	if m.FrameMs == 0 {
		m.FrameMs = DefaultFrameMs
	}
	return nil
}

type ServerMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`

	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`

	Text string `json:"text,omitempty"`
	Lang string `json:"lang,omitempty"`

	SampleRate int    `json:"sample_rate,omitempty"`
	Format     string `json:"format,omitempty"`
	AudioB64   string `json:"audio_b64,omitempty"`
}

// MarshalJSON keeps "text" on transcript messages even when it is empty; an
// empty final is how the upstream reports a silent sentence.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	type plain ServerMessage
	switch m.Type {
	case MessageTypeASRPartial, MessageTypeASRFinal,
		MessageTypeASRTranslationPartial, MessageTypeASRTranslationFinal:
		return json.Marshal(struct {
			plain
			Text string `json:"text"`
		}{plain(m), m.Text})
	}
	return json.Marshal(plain(m))
}

func Info(sessionID, message string) ServerMessage {
	return ServerMessage{Type: MessageTypeServerInfo, SessionID: sessionID, Message: message}
}

func Error(apiErr *shared.APIError) ServerMessage {
	return ServerMessage{
		Type:    MessageTypeServerError,
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Details: apiErr.Details,
	}
}

func Errorf(code, format string, args ...any) ServerMessage {
	return Error(shared.NewAPIError(code, fmt.Sprintf(format, args...)))
}
