package transcription

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/eleven-am/speech-gateway/internal/shared"
	"github.com/eleven-am/speech-gateway/internal/upstream"
)

const (
	realtimeTranscriptText      = "conversation.item.input_audio_transcription.text"
	realtimeTranscriptCompleted = "conversation.item.input_audio_transcription.completed"
	realtimeSessionFinished     = "session.finished"
	realtimeError               = "error"
)

type realtimeTurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type realtimeSession struct {
	Modalities              []string               `json:"modalities"`
	InputAudioFormat        string                 `json:"input_audio_format"`
	SampleRate              int                    `json:"sample_rate"`
	InputAudioTranscription map[string]string      `json:"input_audio_transcription"`
	TurnDetection           *realtimeTurnDetection `json:"turn_detection"`
}

type realtimeClientEvent struct {
	EventID string           `json:"event_id"`
	Type    string           `json:"type"`
	Session *realtimeSession `json:"session,omitempty"`
	Audio   string           `json:"audio,omitempty"`
}

type realtimeServerEvent struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Stash      string `json:"stash"`
	Transcript string `json:"transcript"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type realtimeProtocol struct{}

func (p *realtimeProtocol) dialOptions(cfg Config) upstream.DialOptions {
	return upstream.DialOptions{
		URL:    cfg.URL,
		APIKey: cfg.APIKey,
		Header: http.Header{"OpenAI-Beta": []string{"realtime=v1"}},
		Query:  map[string]string{"model": cfg.Model},
	}
}

// open sends the session configuration and treats the transport as ready
// right away; the realtime endpoint accepts audio without an acknowledgement.
func (p *realtimeProtocol) open(c *Client) error {
	if len(c.cfg.SessionUpdateTemplate) > 0 {
		if err := c.write(upstream.Command{Data: c.cfg.SessionUpdateTemplate}); err != nil {
			return err
		}
	} else if err := c.sendDirect(sessionUpdate(c.cfg)); err != nil {
		return err
	}
	c.markReady()
	return nil
}

func sessionUpdate(cfg Config) realtimeClientEvent {
	session := &realtimeSession{
		Modalities:              []string{"text"},
		InputAudioFormat:        cfg.Format,
		SampleRate:              cfg.SampleRate,
		InputAudioTranscription: map[string]string{"language": cfg.Language},
	}
	if cfg.VAD.Enabled {
		session.TurnDetection = &realtimeTurnDetection{
			Type:              "server_vad",
			Threshold:         cfg.VAD.Threshold,
			SilenceDurationMs: cfg.VAD.SilenceMs,
		}
	}
	return realtimeClientEvent{
		EventID: shared.NewID("event_"),
		Type:    "session.update",
		Session: session,
	}
}

func (p *realtimeProtocol) audio(pcm []byte) (upstream.Command, error) {
	return upstream.JSONCommand(realtimeClientEvent{
		EventID: shared.NewID("event_"),
		Type:    "input_audio_buffer.append",
		Audio:   base64.StdEncoding.EncodeToString(pcm),
	})
}

func (p *realtimeProtocol) handle(c *Client, binary bool, data []byte) {
	if binary {
		return
	}
	var msg realtimeServerEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Debug("ignoring unparseable upstream message", "error", err)
		return
	}

	switch msg.Type {
	case realtimeTranscriptText:
		text := msg.Text
		if text == "" {
			text = msg.Stash
		}
		c.emit(Event{Kind: EventPartial, Text: text})
	case realtimeTranscriptCompleted:
		text := msg.Transcript
		if text == "" {
			text = msg.Text
		}
		c.emit(Event{Kind: EventFinal, Text: text})
	case realtimeSessionFinished:
		c.emit(Event{Kind: EventFinal, Text: msg.Transcript})
	case realtimeError:
		message := "upstream error"
		if msg.Error != nil && msg.Error.Message != "" {
			message = msg.Error.Message
		}
		c.fail(errors.New(message))
	}
}

func (p *realtimeProtocol) finish(c *Client) error {
	if !c.cfg.VAD.Enabled {
		commit, err := upstream.JSONCommand(realtimeClientEvent{
			EventID: shared.NewID("event_"),
			Type:    "input_audio_buffer.commit",
		})
		if err != nil {
			return err
		}
		if err := c.queue.Submit(commit); err != nil {
			return err
		}
	}
	done, err := upstream.JSONCommand(realtimeClientEvent{
		EventID: shared.NewID("event_"),
		Type:    "session.finish",
	})
	if err != nil {
		return err
	}
	return c.queue.Submit(done)
}
