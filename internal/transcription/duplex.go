package transcription

import (
	"encoding/json"

	"github.com/eleven-am/speech-gateway/internal/shared"
	"github.com/eleven-am/speech-gateway/internal/upstream"
)

const (
	duplexTaskStarted     = "task-started"
	duplexResultGenerated = "result-generated"
	duplexTaskFinished    = "task-finished"
	duplexTaskFailed      = "task-failed"
)

type duplexHeader struct {
	Action    string `json:"action,omitempty"`
	TaskID    string `json:"task_id"`
	Streaming string `json:"streaming"`
}

type duplexParameters struct {
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`

	SourceLanguage             string   `json:"source_language,omitempty"`
	TranscriptionEnabled       *bool    `json:"transcription_enabled,omitempty"`
	TranslationEnabled         *bool    `json:"translation_enabled,omitempty"`
	TranslationTargetLanguages []string `json:"translation_target_languages,omitempty"`
	MaxEndSilence              *int     `json:"max_end_silence,omitempty"`

	LanguageHints              []string `json:"language_hints,omitempty"`
	SemanticPunctuationEnabled *bool    `json:"semantic_punctuation_enabled,omitempty"`
	MaxSentenceSilence         *int     `json:"max_sentence_silence,omitempty"`
	MultiThresholdModeEnabled  *bool    `json:"multi_threshold_mode_enabled,omitempty"`
}

type duplexPayload struct {
	TaskGroup  string            `json:"task_group,omitempty"`
	Task       string            `json:"task,omitempty"`
	Function   string            `json:"function,omitempty"`
	Model      string            `json:"model,omitempty"`
	Parameters *duplexParameters `json:"parameters,omitempty"`
	Input      struct{}          `json:"input"`
}

type duplexCommand struct {
	Header  duplexHeader  `json:"header"`
	Payload duplexPayload `json:"payload"`
}

type duplexSentence struct {
	Text        string `json:"text"`
	Lang        string `json:"lang"`
	SentenceEnd bool   `json:"sentence_end"`
}

type duplexEvent struct {
	Header struct {
		Event        string `json:"event"`
		TaskID       string `json:"task_id"`
		ErrorCode    string `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"header"`
	Payload struct {
		Output struct {
			Transcription *duplexSentence  `json:"transcription"`
			Sentence      *duplexSentence  `json:"sentence"`
			Translations  []duplexSentence `json:"translations"`
		} `json:"output"`
	} `json:"payload"`
}

type duplexProtocol struct {
	family Family
}

func (p *duplexProtocol) dialOptions(cfg Config) upstream.DialOptions {
	return upstream.DialOptions{URL: cfg.URL, APIKey: cfg.APIKey}
}

func newTaskID() string {
	return shared.NewID("")
}

// open announces the task. Audio stays queued until the upstream answers with
// task-started.
func (p *duplexProtocol) open(c *Client) error {
	taskID := newTaskID()
	c.mu.Lock()
	c.taskID = taskID
	c.mu.Unlock()

	c.log.Debug("run-task", "task_id", taskID, "family", p.family)
	return c.sendDirect(duplexCommand{
		Header: duplexHeader{Action: "run-task", TaskID: taskID, Streaming: "duplex"},
		Payload: duplexPayload{
			TaskGroup:  "audio",
			Task:       "asr",
			Function:   "recognition",
			Model:      c.cfg.Model,
			Parameters: p.parameters(c.cfg),
		},
	})
}

func (p *duplexProtocol) parameters(cfg Config) *duplexParameters {
	params := &duplexParameters{Format: cfg.Format, SampleRate: cfg.SampleRate}

	switch p.family {
	case FamilyGummy:
		targets := cfg.TranslationTargetLanguages
		if len(targets) > 1 {
			targets = targets[:1]
		}
		translate := cfg.TranslationEnabled && len(targets) > 0

		params.SourceLanguage = cfg.SourceLanguage
		params.TranscriptionEnabled = cfg.TranscriptionEnabled
		params.TranslationEnabled = &translate
		params.TranslationTargetLanguages = targets
		silence := cfg.VAD.SilenceMs
		params.MaxEndSilence = &silence
	default:
		if cfg.Language != "" {
			params.LanguageHints = []string{cfg.Language}
			params.SemanticPunctuationEnabled = cfg.FunASR.SemanticPunctuationEnabled
			params.MaxSentenceSilence = cfg.FunASR.MaxSentenceSilenceMs
			params.MultiThresholdModeEnabled = cfg.FunASR.MultiThresholdModeEnabled
		}
	}
	return params
}

func (p *duplexProtocol) audio(pcm []byte) (upstream.Command, error) {
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	return upstream.BinaryCommand(buf), nil
}

func (p *duplexProtocol) handle(c *Client, binary bool, data []byte) {
	if binary {
		return
	}
	var msg duplexEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Debug("ignoring unparseable upstream message", "error", err)
		return
	}

	switch msg.Header.Event {
	case duplexTaskStarted:
		c.log.Debug("task started", "task_id", msg.Header.TaskID)
		c.markReady()
	case duplexResultGenerated:
		out := msg.Payload.Output
		sentence := out.Transcription
		if sentence == nil {
			sentence = out.Sentence
		}
		if sentence != nil && sentence.Text != "" {
			kind := EventPartial
			if sentence.SentenceEnd {
				kind = EventFinal
			}
			c.emit(Event{Kind: kind, Text: sentence.Text})
		}
		if !p.family.SupportsTranslation() {
			return
		}
		for _, tr := range out.Translations {
			if tr.Text == "" {
				continue
			}
			kind := EventTranslationPartial
			if tr.SentenceEnd {
				kind = EventTranslationFinal
			}
			c.emit(Event{Kind: kind, Text: tr.Text, Lang: tr.Lang})
		}
	case duplexTaskFinished:
		c.log.Debug("task finished", "task_id", msg.Header.TaskID)
	case duplexTaskFailed:
		message := msg.Header.ErrorMessage
		if message == "" {
			message = "task failed"
		}
		c.fail(&TaskFailedError{Code: msg.Header.ErrorCode, Message: message})
	}
}

// finish is a no-op until the task is confirmed.
func (p *duplexProtocol) finish(c *Client) error {
	if !c.queue.Ready() {
		return nil
	}
	taskID := c.TaskID()
	cmd, err := upstream.JSONCommand(duplexCommand{
		Header: duplexHeader{Action: "finish-task", TaskID: taskID, Streaming: "duplex"},
	})
	if err != nil {
		return err
	}
	return c.queue.Submit(cmd)
}
